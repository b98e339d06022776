package httpregistry

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// maxRequestBody bounds decoded request bodies.
const maxRequestBody = 16 << 20

// Server exposes a MemoryTable over HTTP.
type Server struct {
	table  *location.MemoryTable
	mux    *http.ServeMux
	logger zerolog.Logger

	// OnRequest, when set, is called after every handled request with the
	// operation name and the response status.
	OnRequest func(op string, status int)
}

// NewServer creates a registry server over table.
func NewServer(table *location.MemoryTable, logger zerolog.Logger) *Server {
	s := &Server{
		table:  table,
		mux:    http.NewServeMux(),
		logger: logger.With().Str("component", "registry-server").Logger(),
	}
	s.mux.HandleFunc(PathHealth, s.handleHealth)
	s.mux.HandleFunc(PathMachines, s.handleMachines)
	s.mux.HandleFunc(PathRegister, s.handleRegister)
	s.mux.HandleFunc(PathUnregister, s.handleUnregister)
	s.mux.HandleFunc(PathTouch, s.handleTouch)
	s.mux.HandleFunc(PathGet, s.handleGet)
	s.mux.HandleFunc(PathDesignated+"/", s.handleDesignated)
	s.mux.HandleFunc(PathReputation, s.handleReputation)
	s.mux.HandleFunc(PathReconcile, s.handleReconcile)
	s.mux.HandleFunc(PathInvalidate, s.handleInvalidate)
	return s
}

// Table returns the served table.
func (s *Server) Table() *location.MemoryTable { return s.table }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) observe(op string, status int) {
	if s.OnRequest != nil {
		s.OnRequest(op, status)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, op, message string, code int) {
	s.observe(op, code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, op string, v any) {
	s.observe(op, http.StatusOK)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON POST body into v. It writes the error response and
// returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, op string, v any) bool {
	if r.Method != http.MethodPost {
		s.jsonError(w, op, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(v); err != nil {
		s.jsonError(w, op, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	const op = "machines"
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, op, MachinesResponse{Machines: s.table.Machines()})
	case http.MethodPost:
		var req JoinRequest
		if !s.decode(w, r, op, &req) {
			return
		}
		if err := s.table.AddMachine(req.Machine); err != nil {
			s.jsonError(w, op, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Info().Str("machine", req.Machine.String()).Msg("Machine joined")
		s.writeJSON(w, op, MachinesResponse{Machines: s.table.Machines()})
	default:
		s.jsonError(w, op, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	const op = "register"
	var req RegisterRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	n, err := s.table.Register(req.Machine, req.Entries, location.RegisterOptions{
		Touch:        req.Touch,
		OnlyIfExists: req.OnlyIfExists,
	})
	if err != nil {
		s.jsonError(w, op, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, op, RegisterResponse{Registered: n})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	const op = "unregister"
	var req UnregisterRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	if err := s.table.Unregister(req.Machine, req.Hashes); err != nil {
		s.jsonError(w, op, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, op, map[string]int{"unregistered": len(req.Hashes)})
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	const op = "touch"
	var req TouchRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	if err := s.table.Touch(req.Machine, req.Entries); err != nil {
		s.jsonError(w, op, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, op, map[string]int{"touched": len(req.Entries)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	const op = "get"
	var req GetRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	s.writeJSON(w, op, GetResponse{Entries: s.table.Get(req.Hashes)})
}

func (s *Server) handleDesignated(w http.ResponseWriter, r *http.Request) {
	const op = "designated"
	if r.Method != http.MethodGet {
		s.jsonError(w, op, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, PathDesignated+"/")
	h, err := hash.Parse(raw)
	if err != nil {
		s.jsonError(w, op, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, op, DesignatedResponse{Hash: h, Locations: s.table.Designated(h)})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	const op = "reputation"
	var req ReputationRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	if req.Machine == "" {
		s.jsonError(w, op, "machine is required", http.StatusBadRequest)
		return
	}
	s.table.SetReputation(req.Machine, req.Reputation)
	s.logger.Debug().Str("machine", req.Machine.String()).Str("reputation", req.Reputation.String()).Msg("Reputation reported")
	s.writeJSON(w, op, map[string]string{"status": "ok"})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	const op = "reconcile"
	var req ReconcileRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	if req.Machine == "" {
		s.jsonError(w, op, "machine is required", http.StatusBadRequest)
		return
	}
	held := make([]location.ContentHashWithLastAccessAndSize, len(req.Content))
	for i, c := range req.Content {
		held[i] = location.ContentHashWithLastAccessAndSize{Hash: c.Hash, Size: c.Size}
		if c.LastAccess != 0 {
			held[i].LastAccess = time.Unix(0, c.LastAccess)
		}
	}
	added, removed := s.table.Reconcile(req.Machine, held)
	s.logger.Info().
		Str("machine", req.Machine.String()).
		Int("added", added).
		Int("removed", removed).
		Msg("Reconciled machine content")
	s.writeJSON(w, op, ReconcileResponse{Added: added, Removed: removed})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	const op = "invalidate"
	var req InvalidateRequest
	if !s.decode(w, r, op, &req) {
		return
	}
	if req.Machine == "" {
		s.jsonError(w, op, "machine is required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, op, InvalidateResponse{Removed: s.table.RemoveMachine(req.Machine)})
}
