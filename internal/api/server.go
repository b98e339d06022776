// Package api serves the peer-facing HTTP API of a casmesh node: admission
// checks, pushes, pull requests, deletes, content streaming, stats and
// metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/casmesh/internal/auth"
	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/distributed"
	"github.com/tunnelmesh/casmesh/internal/metrics"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// Paths not shared with the copier.
const (
	PathHealth   = "/health"
	PathMetrics  = "/metrics"
	PathRegistry = "/api/v1/registry/"
)

// shutdownTimeout bounds graceful shutdown in Serve.
const shutdownTimeout = 10 * time.Second

// Backend is the distributed store as seen by peers.
type Backend interface {
	CanAcceptContent(ctx context.Context, h hash.ContentHash, size int64) (bool, store.RejectionReason)
	HandlePushFile(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (store.PutResult, error)
	HandleCopyFileRequest(ctx context.Context, h hash.ContentHash) error
	Delete(ctx context.Context, h hash.ContentHash, opts *distributed.DeleteOptions) (distributed.DeleteResult, error)
	StreamContent(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error)
	CheckFileExists(ctx context.Context, h hash.ContentHash) (bool, error)
	Stats(ctx context.Context) (map[string]int64, error)
}

var _ Backend = (*distributed.Store)(nil)

// Options configures a Server.
type Options struct {
	Store Backend
	// Signer authenticates peers. Nil disables authentication.
	Signer *auth.Signer
	// RateLimit is the sustained request rate in requests per second. Zero
	// disables rate limiting.
	RateLimit float64
	RateBurst int
	// Metrics, when set, counts requests and enables /metrics.
	Metrics *metrics.CacheMetrics
	// Registry, when set, is served under PathRegistry.
	Registry http.Handler
	Logger   zerolog.Logger
}

// Server is the peer API.
type Server struct {
	store   Backend
	signer  *auth.Signer
	limiter *rate.Limiter
	metrics *metrics.CacheMetrics
	mux     *http.ServeMux
	logger  zerolog.Logger
}

// NewServer creates a Server and registers its routes.
func NewServer(opts Options) *Server {
	s := &Server{
		store:   opts.Store,
		signer:  opts.Signer,
		metrics: opts.Metrics,
		mux:     http.NewServeMux(),
		logger:  opts.Logger.With().Str("component", "api").Logger(),
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	s.mux.HandleFunc(PathHealth, s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle(PathMetrics, metrics.Handler())
	}
	s.mux.Handle(copier.ContentPrefix+"{hash}", s.protect("content", s.handleContent))
	s.mux.Handle(copier.ContentPrefix+"{hash}/accept", s.protect("accept", s.handleAccept))
	s.mux.Handle(copier.ContentPrefix+"{hash}/copy", s.protect("copy", s.handleCopy))
	s.mux.Handle(copier.StatsPath, s.protect("stats", s.handleStats))
	if opts.Registry != nil {
		s.mux.Handle(PathRegistry, s.protect("registry", opts.Registry.ServeHTTP))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Peer API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown peer API: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(copier.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an operation error onto a status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
	}
	s.jsonError(w, err.Error(), code)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, distributed.ErrNotFound), errors.Is(err, store.ErrNotFound), errors.Is(err, copier.ErrNoSource):
		return http.StatusNotFound
	case errors.Is(err, store.ErrCapacity):
		return http.StatusInsufficientStorage
	case errors.Is(err, store.ErrHashMismatch):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrPinned):
		return http.StatusConflict
	case errors.Is(err, distributed.ErrInvalidOperation):
		return http.StatusNotImplemented
	case errors.Is(err, distributed.ErrShutdown), errors.Is(err, distributed.ErrInvalidState), errors.Is(err, store.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// rejectionStatus is the push status for a refused admission check. The
// copier counts 409 and 507 as rejections rather than failures.
func rejectionStatus(reason store.RejectionReason) int {
	if reason == store.CapacityExceeded {
		return http.StatusInsufficientStorage
	}
	return http.StatusConflict
}
