package distributed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// ReplicationResult summarizes one proactive replication iteration.
type ReplicationResult struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Rejected  int `json:"rejected"`
	// Total is the number of locally held hashes.
	Total int `json:"total"`
	// Scanned is the number of hashes visited before the iteration ended.
	Scanned     int                           `json:"scanned"`
	LastVisited *location.ContentEvictionInfo `json:"last_visited,omitempty"`
}

// LastReplicationResult returns the result of the most recent iteration and
// the error it ended with, if any.
func (s *Store) LastReplicationResult() (ReplicationResult, error) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return s.lastResult, s.lastErr
}

func (s *Store) recordIteration(res ReplicationResult, err error) {
	s.resultMu.Lock()
	s.lastResult = res
	s.lastErr = err
	s.resultMu.Unlock()
}

// proactiveReplication runs replication iterations until ctx is cancelled.
// Cancellation is not an error.
func (s *Store) proactiveReplication(ctx context.Context, lister store.ContentLister, orderer location.EvictionOrderer) error {
	// In inline mode startup has already brought the registry up and the
	// gate may be linked to the very startup call running us.
	if !s.settings.InlineProactiveReplication {
		if err := s.postInit.Wait(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrShutdown) {
				return nil
			}
			return fmt.Errorf("wait for post-initialization: %w", err)
		}
	}

	for ctx.Err() == nil {
		// The timer is armed before the iteration so the cadence does not
		// depend on how long the iteration takes.
		interval := time.NewTimer(s.settings.ProactiveReplicationInterval)

		res, err := s.replicationIteration(ctx, lister, orderer)
		if ctx.Err() != nil {
			err = nil
		}
		s.recordIteration(res, err)
		logEvent := s.logger.Debug()
		if err != nil {
			logEvent = s.logger.Error().Err(err)
		}
		logEvent.
			Int("succeeded", res.Succeeded).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Int("rejected", res.Rejected).
			Int("scanned", res.Scanned).
			Int("total", res.Total).
			Msg("Proactive replication iteration")

		if s.settings.InlineProactiveReplication {
			interval.Stop()
			return err
		}

		select {
		case <-ctx.Done():
			interval.Stop()
			return nil
		case <-interval.C:
		}
	}
	return nil
}

// replicationIteration walks local content from most to least valuable and
// copies under-replicated hashes to other machines.
func (s *Store) replicationIteration(ctx context.Context, lister store.ContentLister, orderer location.EvictionOrderer) (ReplicationResult, error) {
	s.counters.ProactiveReplicationIterations.Add(1)

	var res ReplicationResult
	infos, err := enumerateContent(ctx, lister)
	if err != nil {
		return res, fmt.Errorf("enumerate local content: %w", err)
	}
	// Eviction order expects entries ordered by last access, newest first.
	slices.SortFunc(infos, func(a, b store.ContentInfo) int {
		return b.LastAccess.Compare(a.LastAccess)
	})
	entries := make([]location.ContentHashWithLastAccess, len(infos))
	for i, info := range infos {
		entries[i] = location.ContentHashWithLastAccess{Hash: info.Hash, LastAccess: info.LastAccess}
	}
	res.Total = len(entries)

	var delay *time.Timer
	defer func() {
		if delay != nil {
			delay.Stop()
		}
	}()
	wasPreviousCopyNeeded := true

	for info := range orderer.EvictionOrder(ctx, entries, true) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		visited := info
		res.LastVisited = &visited
		res.Scanned++

		if info.ReplicaCount >= s.settings.ProactiveCopyLocationsThreshold {
			continue
		}

		if wasPreviousCopyNeeded {
			if delay != nil {
				select {
				case <-ctx.Done():
					return res, ctx.Err()
				case <-delay.C:
				}
			}
			delay = time.NewTimer(s.settings.DelayForProactiveReplication)
		}

		result := s.proactiveCopy(ctx, info.Hash)
		wasPreviousCopyNeeded = true
		switch result.Status {
		case copier.StatusSuccess:
			s.counters.ProactiveReplicationSucceeded.Add(1)
			res.Succeeded++
		case copier.StatusSkipped:
			s.counters.ProactiveReplicationSkipped.Add(1)
			res.Skipped++
			wasPreviousCopyNeeded = false
		case copier.StatusRejected:
			s.counters.ProactiveReplicationRejected.Add(1)
			res.Rejected++
		default:
			s.counters.ProactiveReplicationFailed.Add(1)
			res.Failed++
			s.logger.Debug().Err(result.Err).Str("hash", info.Hash.Short()).Msg("Proactive replication copy failed")
		}

		if res.Succeeded+res.Failed >= s.settings.ProactiveReplicationCopyLimit {
			break
		}
	}
	return res, nil
}

// enumerateContent runs the synchronous enumeration on its own goroutine so
// cancellation is honoured while it runs.
func enumerateContent(ctx context.Context, lister store.ContentLister) ([]store.ContentInfo, error) {
	type result struct {
		infos []store.ContentInfo
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		infos, err := lister.ContentInfo(ctx)
		ch <- result{infos, err}
	}()
	select {
	case r := <-ch:
		return r.infos, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// proactiveCopy copies h through the shared helper session.
func (s *Store) proactiveCopy(ctx context.Context, h hash.ContentHash) copier.CopyResult {
	sess, err := s.proactiveCopySession()
	if err != nil {
		return copier.CopyResult{Status: copier.StatusError, Err: fmt.Errorf("failed to retrieve session for proactive copies: %w", err)}
	}
	return sess.ProactiveCopyIfNeeded(ctx, h, false, copier.ReasonReplication)
}
