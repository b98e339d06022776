package distributed

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// CanAcceptContent decides whether a peer may push h. The local store's own
// admission check comes first. With old content rejection enabled, content
// whose effective last-access time is older than the most recently evicted
// content is rejected. Any inconclusive lookup accepts.
func (s *Store) CanAcceptContent(ctx context.Context, h hash.ContentHash, size int64) (bool, store.RejectionReason) {
	if s.pusher != nil {
		if ok, reason := s.pusher.CanAcceptContent(h, size); !ok {
			return false, reason
		}
	}

	if !s.settings.ProactiveCopyRejectOldContent {
		return true, store.Accepted
	}
	watermark := s.lastEvicted.Load()
	if watermark == 0 {
		return true, store.Accepted
	}

	registry, err := s.currentRegistry()
	if err != nil {
		return true, store.Accepted
	}
	orderer, ok := registry.(location.EvictionOrderer)
	if !ok {
		return true, store.Accepted
	}
	entries, err := registry.GetBulk(ctx, []hash.ContentHash{h}, location.OriginLocal)
	if err != nil || len(entries) != 1 || !entries[0].Exists() {
		return true, store.Accepted
	}
	infos, err := orderer.EffectiveLastAccessTimes(ctx, []location.ContentHashWithLastAccess{{Hash: h, LastAccess: entries[0].LastAccess}})
	if err != nil || len(infos) != 1 {
		return true, store.Accepted
	}

	effectiveLastAccess := s.now().Add(-infos[0].EffectiveAge)
	if time.Unix(0, watermark).After(effectiveLastAccess) {
		s.counters.RejectedPushOlderThanEvicted.Add(1)
		s.logger.Debug().
			Str("hash", h.Short()).
			Time("effective_last_access", effectiveLastAccess).
			Time("last_evicted", time.Unix(0, watermark)).
			Msg("Rejecting push of content older than last evicted")
		return false, store.OlderThanLastEvicted
	}
	return true, store.Accepted
}

// HandlePushFile stores content pushed by a peer and registers the new local
// copy with the registry.
func (s *Store) HandlePushFile(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (store.PutResult, error) {
	if s.pusher == nil {
		return store.PutResult{Hash: h}, fmt.Errorf("%w: local store does not implement PushFileHandler", ErrInvalidOperation)
	}
	registry, err := s.currentRegistry()
	if err != nil {
		return store.PutResult{Hash: h}, err
	}

	res, err := s.pusher.HandlePushFile(ctx, h, r, size)
	if err != nil {
		return res, fmt.Errorf("push to local store: %w", err)
	}
	entry := location.ContentHashWithSize{Hash: h, Size: res.Size}
	if err := registry.Register(ctx, []location.ContentHashWithSize{entry}, location.RegisterOptions{}); err != nil {
		return res, fmt.Errorf("register pushed content: %w", err)
	}
	return res, nil
}

// HandleCopyFileRequest makes h locally resident by opening and immediately
// closing a stream through the proactive copy session, which pins nothing.
func (s *Store) HandleCopyFileRequest(ctx context.Context, h hash.ContentHash) error {
	sess, err := s.proactiveCopySession()
	if err != nil {
		return fmt.Errorf("proactive copy session: %w", err)
	}
	rc, _, err := sess.OpenStream(ctx, h)
	if err != nil {
		return fmt.Errorf("copy %s: %w", h.Short(), err)
	}
	_ = rc.Close()
	return nil
}

// DeleteOptions controls Delete.
type DeleteOptions struct {
	// DeleteLocalOnly skips propagating the delete to other machines.
	DeleteLocalOnly bool
}

// DeleteResult is the outcome of Delete.
type DeleteResult struct {
	Local store.DeleteResult `json:"local"`
	// Remote is set when the delete was propagated.
	Remote *copier.DeleteResult `json:"-"`
}

// Delete removes h locally, unregisters this machine and, unless local-only,
// asks every other machine holding h to delete it. Nil options mean
// local-only. Each stage's failure stops the later stages.
func (s *Store) Delete(ctx context.Context, h hash.ContentHash, opts *DeleteOptions) (DeleteResult, error) {
	if opts == nil {
		opts = &DeleteOptions{DeleteLocalOnly: true}
	}
	registry, err := s.currentRegistry()
	if err != nil {
		return DeleteResult{}, err
	}

	var res DeleteResult
	res.Local, err = s.inner.Delete(ctx, h)
	if err != nil {
		return res, fmt.Errorf("delete local content: %w", err)
	}

	hashes := []hash.ContentHash{h}
	if err := s.Unregister(ctx, hashes, nil); err != nil {
		return res, err
	}
	if opts.DeleteLocalOnly {
		return res, nil
	}

	entries, err := registry.GetBulk(ctx, hashes, location.OriginLocal)
	if err != nil {
		return res, fmt.Errorf("look up content locations: %w", err)
	}
	if len(entries) != 1 || len(entries[0].Locations) == 0 {
		return res, nil
	}

	remote, err := s.copier.Delete(ctx, h, entries[0].Locations)
	res.Remote = &remote
	if err != nil {
		return res, fmt.Errorf("propagate delete: %w", err)
	}
	s.logger.Debug().Str("hash", h.Short()).Int("machines", len(remote.Deleted)).Msg("Delete propagated")
	return res, nil
}

// StreamContent opens h for a peer.
func (s *Store) StreamContent(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	if s.streams == nil {
		return nil, 0, fmt.Errorf("%w: local store does not implement StreamStore", ErrInvalidOperation)
	}
	return s.streams.OpenStream(ctx, h)
}

// CheckFileExists reports whether h is held locally.
func (s *Store) CheckFileExists(ctx context.Context, h hash.ContentHash) (bool, error) {
	if s.streams == nil {
		return false, fmt.Errorf("%w: local store does not implement StreamStore", ErrInvalidOperation)
	}
	return s.streams.CheckFileExists(ctx, h)
}
