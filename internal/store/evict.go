package store

import (
	"context"
	"fmt"
	"iter"
	"os"
	"slices"
	"time"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// evictionTimeout bounds one background eviction pass.
const evictionTimeout = 5 * time.Minute

// EvictResult summarizes one eviction pass.
type EvictResult struct {
	Removed      []hash.ContentHash
	RemovedBytes int64
	// Retained lists sole replicas reported for re-registration.
	Retained []hash.ContentHash
	// LastEffectiveAge is the effective age of the last removed blob.
	LastEffectiveAge time.Duration
}

// triggerEviction starts a background pass unless one is running.
func (s *FileStore) triggerEviction() {
	if !s.evicting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.evicting.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), evictionTimeout)
		defer cancel()
		if _, err := s.evict(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Eviction failed")
		}
	}()
}

// Evict removes content until the store is within quota.
func (s *FileStore) Evict(ctx context.Context) (EvictResult, error) {
	return s.evict(ctx)
}

func (s *FileStore) overQuota() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.opts.Quota <= 0 {
		return 0
	}
	return s.total - s.opts.Quota
}

// evictionOrder returns candidates from most to least evictable. The
// orchestrator's fleet-aware order is used when available.
func (s *FileStore) evictionOrder(ctx context.Context) iter.Seq[location.ContentEvictionInfo] {
	s.mu.RLock()
	host := s.opts.Eviction.Host
	entries := make([]location.ContentHashWithLastAccess, 0, len(s.index))
	sizes := make(map[hash.ContentHash]int64, len(s.index))
	for h, b := range s.index {
		entries = append(entries, location.ContentHashWithLastAccess{Hash: h, LastAccess: b.lastAccess})
		sizes[h] = b.size
	}
	s.mu.RUnlock()

	slices.SortFunc(entries, func(a, b location.ContentHashWithLastAccess) int {
		return b.LastAccess.Compare(a.LastAccess)
	})

	if host != nil {
		seq, err := host.GetHashesInEvictionOrder(ctx, entries)
		if err == nil {
			return seq
		}
		s.logger.Warn().Err(err).Msg("Fleet eviction order unavailable, using local order")
	}

	now := s.opts.Now()
	return func(yield func(location.ContentEvictionInfo) bool) {
		for i := len(entries) - 1; i >= 0; i-- {
			age, _ := location.EffectiveAge(now, entries[i].LastAccess, 1, 0)
			info := location.ContentEvictionInfo{
				Hash:         entries[i].Hash,
				Size:         sizes[entries[i].Hash],
				Age:          age,
				EffectiveAge: age,
				ReplicaCount: 1,
			}
			if !yield(info) {
				return
			}
		}
	}
}

func (s *FileStore) evict(ctx context.Context) (EvictResult, error) {
	var res EvictResult
	need := s.overQuota()
	if need <= 0 {
		return res, nil
	}
	distributed := s.opts.Eviction.Distributed

	var retained []location.ContentEvictionInfo
	for info := range s.evictionOrder(ctx) {
		if need <= 0 || ctx.Err() != nil {
			break
		}
		if distributed && info.ReplicaCount <= 1 {
			retained = append(retained, info)
			continue
		}
		if size, ok := s.removeForEviction(info.Hash); ok {
			need -= size
			res.Removed = append(res.Removed, info.Hash)
			res.RemovedBytes += size
			res.LastEffectiveAge = info.EffectiveAge
		}
	}

	// Sole replicas go last and only if the quota still requires it.
	kept := retained[:0]
	for _, info := range retained {
		if need <= 0 || ctx.Err() != nil {
			kept = append(kept, info)
			continue
		}
		if size, ok := s.removeForEviction(info.Hash); ok {
			need -= size
			res.Removed = append(res.Removed, info.Hash)
			res.RemovedBytes += size
			res.LastEffectiveAge = info.EffectiveAge
		}
	}
	for _, info := range kept {
		res.Retained = append(res.Retained, info.Hash)
	}

	if err := s.reportEviction(ctx, res); err != nil {
		return res, err
	}
	if len(res.Removed) > 0 {
		s.logger.Info().
			Int("removed", len(res.Removed)).
			Int64("bytes", res.RemovedBytes).
			Int("retained", len(res.Retained)).
			Dur("last_effective_age", res.LastEffectiveAge).
			Msg("Evicted content")
	}
	if need > 0 && ctx.Err() == nil {
		return res, fmt.Errorf("%w: %d bytes over quota after eviction", ErrCapacity, need)
	}
	return res, ctx.Err()
}

// removeForEviction deletes h unless it is pinned or already gone.
func (s *FileStore) removeForEviction(h hash.ContentHash) (int64, bool) {
	s.mu.Lock()
	b, ok := s.index[h]
	if !ok || b.pins > 0 {
		s.mu.Unlock()
		return 0, false
	}
	delete(s.index, h)
	s.total -= b.size
	s.mu.Unlock()

	if err := os.Remove(s.blobPath(h)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("hash", h.Short()).Msg("Failed to remove evicted blob")
	}
	s.evictions.Add(1)
	return b.size, true
}

func (s *FileStore) reportEviction(ctx context.Context, res EvictResult) error {
	sink := s.opts.Eviction.Sink
	s.mu.RLock()
	host := s.opts.Eviction.Host
	s.mu.RUnlock()

	if !s.opts.Eviction.Distributed {
		if len(res.Removed) == 0 {
			return nil
		}
		if sink != nil {
			sink.EnqueueAll(res.Removed)
		}
		if host != nil {
			host.RecordEviction(res.LastEffectiveAge)
		}
		return nil
	}

	if sink != nil && len(res.Retained) > 0 {
		sink.EnqueueAll(res.Retained)
	}
	if host == nil || len(res.Removed) == 0 {
		return nil
	}
	age := res.LastEffectiveAge
	if err := host.Unregister(ctx, res.Removed, &age); err != nil {
		return fmt.Errorf("unregister evicted content: %w", err)
	}
	return nil
}
