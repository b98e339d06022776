package location

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// DefaultEvictionPageSize is the number of entries resolved per registry
// round-trip while computing eviction order.
const DefaultEvictionPageSize = 256

// BulkGetter is the registry operation eviction ordering is built on.
type BulkGetter interface {
	GetBulk(ctx context.Context, hashes []hash.ContentHash, origin Origin) ([]ContentLocationEntry, error)
}

// EvictionCalculator computes effective ages. The effective age of content
// grows with its replica count: content held by many machines is cheaper
// to evict locally.
type EvictionCalculator struct {
	Getter BulkGetter
	// ReplicaCredit is added to the age for every replica beyond the first.
	ReplicaCredit time.Duration
	// PageSize bounds the entries resolved per GetBulk call.
	PageSize int
	Now      func() time.Time
}

func (c *EvictionCalculator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *EvictionCalculator) pageSize() int {
	if c.PageSize <= 0 {
		return DefaultEvictionPageSize
	}
	return c.PageSize
}

// EffectiveAge computes the effective age of content last accessed at
// lastAccess and held by replicas machines.
func EffectiveAge(now, lastAccess time.Time, replicas int, credit time.Duration) (age, effective time.Duration) {
	age = now.Sub(lastAccess)
	if age < 0 {
		age = 0
	}
	effective = age
	if replicas > 1 {
		effective += time.Duration(replicas-1) * credit
	}
	return age, effective
}

// EffectiveLastAccessTimes resolves entries against the registry. The most
// recent of the local and registry last-access times is used.
func (c *EvictionCalculator) EffectiveLastAccessTimes(ctx context.Context, entries []ContentHashWithLastAccess) ([]ContentEvictionInfo, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	hashes := make([]hash.ContentHash, len(entries))
	for i, e := range entries {
		hashes[i] = e.Hash
	}
	found, err := c.Getter.GetBulk(ctx, hashes, OriginLocal)
	if err != nil {
		return nil, err
	}

	now := c.now()
	infos := make([]ContentEvictionInfo, len(entries))
	for i, e := range entries {
		lastAccess := e.LastAccess
		var replicas int
		var size int64
		if i < len(found) {
			if found[i].LastAccess.After(lastAccess) {
				lastAccess = found[i].LastAccess
			}
			replicas = found[i].ReplicaCount()
			size = found[i].Size
		}
		age, effective := EffectiveAge(now, lastAccess, replicas, c.ReplicaCredit)
		infos[i] = ContentEvictionInfo{
			Hash:         e.Hash,
			Size:         size,
			Age:          age,
			EffectiveAge: effective,
			ReplicaCount: replicas,
		}
	}
	return infos, nil
}

// EvictionOrder pages through entries (sorted most recent first) and yields
// each page sorted by effective age. Pages are visited oldest first and
// sorted oldest first; reverse flips both. A failing page lookup ends the
// sequence.
func (c *EvictionCalculator) EvictionOrder(ctx context.Context, entries []ContentHashWithLastAccess, reverse bool) iter.Seq[ContentEvictionInfo] {
	return func(yield func(ContentEvictionInfo) bool) {
		size := c.pageSize()
		pages := (len(entries) + size - 1) / size
		for p := 0; p < pages; p++ {
			if ctx.Err() != nil {
				return
			}
			idx := p
			if !reverse {
				idx = pages - 1 - p
			}
			start := idx * size
			end := min(start+size, len(entries))

			infos, err := c.EffectiveLastAccessTimes(ctx, entries[start:end])
			if err != nil {
				return
			}
			slices.SortStableFunc(infos, func(a, b ContentEvictionInfo) int {
				if reverse {
					return compareDuration(a.EffectiveAge, b.EffectiveAge)
				}
				return compareDuration(b.EffectiveAge, a.EffectiveAge)
			})
			for _, info := range infos {
				if !yield(info) {
					return
				}
			}
		}
	}
}

func compareDuration(a, b time.Duration) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
