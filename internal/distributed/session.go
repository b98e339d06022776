package distributed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// Session reads and writes content through the fleet. Misses are pulled
// from machines holding the content.
type Session struct {
	name  string
	inner store.Session
	store *Store
}

// CreateSession creates a session over a new local store session.
func (s *Store) CreateSession(name string, pin store.ImplicitPin) (*Session, error) {
	if _, err := s.currentRegistry(); err != nil {
		return nil, err
	}
	inner, err := s.inner.CreateSession(name, pin)
	if err != nil {
		return nil, fmt.Errorf("create local session: %w", err)
	}
	return &Session{name: name, inner: inner, store: s}, nil
}

// proactiveCopySession returns the shared helper session, creating it on
// first use. It pins nothing so pulls only warm the local store.
func (s *Store) proactiveCopySession() (*Session, error) {
	s.copySessionOnce.Do(func() {
		s.copySession, s.copySessionErr = s.CreateSession(uuid.NewString()+"-DefaultCopy", store.ImplicitPinNone)
		s.copySessionCreated.Store(true)
		if s.copySessionErr != nil {
			s.logger.Error().Err(s.copySessionErr).Msg("Failed to create proactive copy session")
		}
	})
	return s.copySession, s.copySessionErr
}

// Name returns the session name.
func (ss *Session) Name() string { return ss.name }

// OpenStream opens h, pulling it from another machine when it is not held
// locally.
func (ss *Session) OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	rc, size, err := ss.inner.OpenStream(ctx, h)
	if err == nil {
		ss.store.touched(h, size)
		return rc, size, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, err
	}

	if _, err := ss.pull(ctx, h); err != nil {
		return nil, 0, err
	}
	return ss.inner.OpenStream(ctx, h)
}

// pull copies h from the machines the registry knows to hold it and
// registers the new local copy.
func (ss *Session) pull(ctx context.Context, h hash.ContentHash) (int64, error) {
	registry, err := ss.store.currentRegistry()
	if err != nil {
		return 0, err
	}
	entries, err := registry.GetBulk(ctx, []hash.ContentHash{h}, location.OriginGlobal)
	if err != nil {
		return 0, fmt.Errorf("look up content locations: %w", err)
	}
	if len(entries) != 1 || len(entries[0].Locations) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}

	size, err := ss.store.copier.CopyToLocal(ctx, h, entries[0].Locations)
	if err != nil {
		if errors.Is(err, copier.ErrNoSource) {
			return 0, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return 0, err
	}

	entry := location.ContentHashWithSize{Hash: h, Size: size}
	if err := registry.Register(ctx, []location.ContentHashWithSize{entry}, location.RegisterOptions{Touch: true}); err != nil {
		ss.store.logger.Warn().Err(err).Str("hash", h.Short()).Msg("Failed to register pulled content")
	}
	return size, nil
}

// Pin pins h locally, pulling it first when needed.
func (ss *Session) Pin(ctx context.Context, h hash.ContentHash) error {
	err := ss.inner.Pin(ctx, h)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := ss.pull(ctx, h); err != nil {
		return err
	}
	return ss.inner.Pin(ctx, h)
}

// Put stores content locally and registers it. With proactive copy on put,
// new content is also pushed to another machine in the background.
func (ss *Session) Put(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (store.PutResult, error) {
	registry, err := ss.store.currentRegistry()
	if err != nil {
		return store.PutResult{Hash: h}, err
	}
	res, err := ss.inner.Put(ctx, h, r, size)
	if err != nil {
		return res, err
	}
	entry := location.ContentHashWithSize{Hash: h, Size: res.Size}
	if err := registry.Register(ctx, []location.ContentHashWithSize{entry}, location.RegisterOptions{Touch: true}); err != nil {
		return res, fmt.Errorf("register content: %w", err)
	}
	if ss.store.settings.ProactiveCopyOnPut && !res.AlreadyExisted {
		ss.store.copyInBackground(h)
	}
	return res, nil
}

// ProactiveCopyIfNeeded copies h to another machine when the copier finds an
// eligible target.
func (ss *Session) ProactiveCopyIfNeeded(ctx context.Context, h hash.ContentHash, tryBuildRing bool, reason copier.Reason) copier.CopyResult {
	return ss.store.copier.ProactiveCopy(ctx, h, reason, tryBuildRing)
}

// Shutdown releases the session's pins.
func (ss *Session) Shutdown(ctx context.Context) error {
	return ss.inner.Shutdown(ctx)
}

// touched schedules a registry touch for locally read content.
func (s *Store) touched(h hash.ContentHash, size int64) {
	if s.tracker != nil {
		s.tracker.Schedule(location.ContentHashWithSize{Hash: h, Size: size})
	}
}

// copyInBackground pushes freshly put content. The copy is joined at
// shutdown.
func (s *Store) copyInBackground(h hash.ContentHash) {
	s.mu.Lock()
	ctx := s.bgCtx
	running := s.state == stateStarted
	if running {
		s.wg.Add(1)
	}
	s.mu.Unlock()
	if !running {
		return
	}
	go func() {
		defer s.wg.Done()
		res := s.copier.ProactiveCopy(ctx, h, copier.ReasonPut, true)
		s.logger.Debug().
			Str("hash", h.Short()).
			Str("status", res.Status.String()).
			Str("target", res.Target.String()).
			Err(res.Err).
			Msg("Proactive copy on put")
	}()
}
