package distributed

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// evictContent re-registers content the local store chose not to remove in
// distributed eviction mode. Only existing entries are updated and their
// expiry is left alone.
func (s *Store) evictContent(ctx context.Context, hashes []hash.ContentHash) error {
	registry, err := s.currentRegistry()
	if err != nil {
		return fmt.Errorf("[DistributedEviction] %w", err)
	}
	entries := make([]location.ContentHashWithSize, 0, len(hashes))
	for _, h := range hashes {
		s.logger.Debug().Str("hash", h.Short()).Msg("[DistributedEviction] Re-adding local location because content was not evicted")
		entries = append(entries, location.ContentHashWithSize{Hash: h})
	}
	if err := registry.Register(ctx, entries, location.RegisterOptions{OnlyIfExists: true}); err != nil {
		return fmt.Errorf("[DistributedEviction] unable to re-register %d hashes: %w", len(hashes), err)
	}
	return nil
}

// garbageCollect unregisters content the local store has removed.
func (s *Store) garbageCollect(ctx context.Context, hashes []hash.ContentHash) error {
	if err := s.Unregister(ctx, hashes, nil); err != nil {
		return fmt.Errorf("[GarbageCollection] unable to unregister %d evicted hashes: %w", len(hashes), err)
	}
	return nil
}

// touchBulk refreshes last-access times in the registry.
func (s *Store) touchBulk(ctx context.Context, entries []location.ContentHashWithSize) error {
	registry, err := s.currentRegistry()
	if err != nil {
		return err
	}
	if err := registry.Touch(ctx, entries); err != nil {
		return fmt.Errorf("unable to touch %d hashes: %w", len(entries), err)
	}
	return nil
}

// Unregister removes this machine as a location of hashes. Hashes the local
// store still holds are kept, since a concurrent put may have re-added them.
// When minEffectiveAge is set and old content rejection is enabled, the
// eviction watermark moves to now - minEffectiveAge.
func (s *Store) Unregister(ctx context.Context, hashes []hash.ContentHash, minEffectiveAge *time.Duration) error {
	registry, err := s.currentRegistry()
	if err != nil {
		return err
	}

	if s.lister != nil {
		filtered := make([]hash.ContentHash, 0, len(hashes))
		for _, h := range hashes {
			if s.lister.Contains(h) {
				s.logger.Debug().Str("hash", h.Short()).Msg("Not unregistering content still present in local store")
				continue
			}
			filtered = append(filtered, h)
		}
		hashes = filtered
	}

	if minEffectiveAge != nil {
		s.RecordEviction(*minEffectiveAge)
	}

	if len(hashes) == 0 {
		return nil
	}
	if err := registry.Unregister(ctx, hashes, location.UrgencyNominal); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	return nil
}

// RecordEviction moves the eviction watermark to now - minEffectiveAge when
// old content rejection is enabled. Concurrent writers may overwrite each
// other.
func (s *Store) RecordEviction(minEffectiveAge time.Duration) {
	if !s.settings.ProactiveCopyRejectOldContent {
		return
	}
	s.lastEvicted.Store(s.now().Add(-minEffectiveAge).UnixNano())
}

// LastEvictedEffectiveLastAccessTime returns the eviction watermark, or the
// zero time when nothing has been evicted.
func (s *Store) LastEvictedEffectiveLastAccessTime() time.Time {
	wm := s.lastEvicted.Load()
	if wm == 0 {
		return time.Time{}
	}
	return time.Unix(0, wm)
}

// GetHashesInEvictionOrder returns local content from most to least
// evictable. entries must be sorted by last access, most recent first. The
// call blocks until post-initialization completes so that content whose
// local presence is still being restored is not evicted.
func (s *Store) GetHashesInEvictionOrder(ctx context.Context, entries []location.ContentHashWithLastAccess) (iter.Seq[location.ContentEvictionInfo], error) {
	if s.currentState() == stateCreated {
		return nil, fmt.Errorf("%w: eviction order requested before startup", ErrInvalidState)
	}

	if !s.postInit.Resolved() {
		s.logger.Debug().Msg("Post-initialization is not done, waiting for it to finish")
	}
	if err := s.postInit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("post-initialization: %w", err)
	}

	registry, err := s.currentRegistry()
	if err != nil {
		return nil, err
	}
	orderer, ok := registry.(location.EvictionOrderer)
	if !ok {
		return nil, fmt.Errorf("%w: registry cannot compute eviction order", ErrInvalidOperation)
	}
	return orderer.EvictionOrder(ctx, entries, false), nil
}
