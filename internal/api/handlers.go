package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/distributed"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// parseHash reads the {hash} path value. It writes the error response and
// returns false on failure.
func (s *Server) parseHash(w http.ResponseWriter, r *http.Request) (hash.ContentHash, bool) {
	h, err := hash.Parse(r.PathValue("hash"))
	if err != nil {
		s.jsonError(w, "invalid content hash: "+err.Error(), http.StatusBadRequest)
		return hash.ContentHash{}, false
	}
	return h, true
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	h, ok := s.parseHash(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleStream(w, r, h)
	case http.MethodHead:
		s.handleExists(w, r, h)
	case http.MethodPut:
		s.handlePush(w, r, h)
	case http.MethodDelete:
		s.handleDelete(w, r, h)
	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h, ok := s.parseHash(w, r)
	if !ok {
		return
	}
	var size int64
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.jsonError(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = n
	}

	accepted, reason := s.store.CanAcceptContent(r.Context(), h, size)
	s.writeJSON(w, http.StatusOK, copier.AcceptResponse{Accepted: accepted, Reason: reason.String()})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, h hash.ContentHash) {
	size := r.ContentLength
	if size < 0 {
		s.jsonError(w, "content length required", http.StatusLengthRequired)
		return
	}
	if accepted, reason := s.store.CanAcceptContent(r.Context(), h, size); !accepted {
		s.jsonError(w, "content rejected: "+reason.String(), rejectionStatus(reason))
		return
	}

	body := http.MaxBytesReader(w, r.Body, size)
	res, err := s.store.HandlePushFile(r.Context(), h, body, size)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.AlreadyExisted {
		code = http.StatusOK
	}
	s.writeJSON(w, code, copier.PutResponse{Hash: h, Size: res.Size, AlreadyExisted: res.AlreadyExisted})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h, ok := s.parseHash(w, r)
	if !ok {
		return
	}
	if err := s.store.HandleCopyFileRequest(r.Context(), h); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, h hash.ContentHash) {
	localOnly := false
	if v := r.URL.Query().Get("local_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.jsonError(w, "invalid local_only", http.StatusBadRequest)
			return
		}
		localOnly = b
	}

	res, err := s.store.Delete(r.Context(), h, &distributed.DeleteOptions{DeleteLocalOnly: localOnly})
	if err != nil {
		if res.Remote != nil {
			// The local delete went through; only propagation failed.
			s.jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, copier.DeleteResponse{Hash: h, Size: res.Local.Size, Existed: res.Local.Existed})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, h hash.ContentHash) {
	rc, size, err := s.store.StreamContent(r.Context(), h)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug().Err(err).Str("hash", h.Short()).Msg("Stream interrupted")
	}
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request, h hash.ContentHash) {
	ok, err := s.store.CheckFileExists(r.Context(), h)
	if err != nil {
		w.WriteHeader(errorStatus(err))
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
