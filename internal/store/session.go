package store

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// fileSession is a FileStore session. It tracks its own pins so they can be
// released on shutdown.
type fileSession struct {
	store *FileStore
	name  string
	id    string
	pin   ImplicitPin

	mu     sync.Mutex
	pinned map[hash.ContentHash]int
	closed bool
}

// CreateSession implements Store.
func (s *FileStore) CreateSession(name string, pin ImplicitPin) (Session, error) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil, ErrNotStarted
	}
	sess := &fileSession{
		store:  s,
		name:   name,
		id:     uuid.NewString(),
		pin:    pin,
		pinned: make(map[hash.ContentHash]int),
	}
	s.logger.Debug().Str("session", name).Str("id", sess.id).Msg("Session created")
	return sess, nil
}

func (ss *fileSession) Name() string { return ss.name }

func (ss *fileSession) record(h hash.ContentHash) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		ss.store.unpin(h)
		return fmt.Errorf("session %s is shut down", ss.name)
	}
	ss.pinned[h]++
	return nil
}

// Pin pins held content until the session shuts down.
func (ss *fileSession) Pin(ctx context.Context, h hash.ContentHash) error {
	if !ss.store.pin(h) {
		return fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	return ss.record(h)
}

func (ss *fileSession) OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	pin := ss.pin.pinsGet()
	rc, size, err := ss.store.open(ctx, h, pin)
	if err != nil {
		return nil, 0, err
	}
	if pin {
		if err := ss.record(h); err != nil {
			_ = rc.Close()
			return nil, 0, err
		}
	}
	return rc, size, nil
}

func (ss *fileSession) Put(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (PutResult, error) {
	pin := ss.pin.pinsPut()
	res, err := ss.store.put(ctx, h, r, size, pin)
	if err != nil {
		return res, err
	}
	if pin {
		if err := ss.record(h); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Shutdown releases every pin taken by the session.
func (ss *fileSession) Shutdown(ctx context.Context) error {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return nil
	}
	ss.closed = true
	pinned := ss.pinned
	ss.pinned = nil
	ss.mu.Unlock()

	for h, n := range pinned {
		for i := 0; i < n; i++ {
			ss.store.unpin(h)
		}
	}
	ss.store.logger.Debug().Str("session", ss.name).Int("released", len(pinned)).Msg("Session shut down")
	return nil
}
