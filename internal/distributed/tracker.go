package distributed

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// trackerUpdater schedules registry touches for locally read content, at
// most once per hash per bump time.
type trackerUpdater struct {
	schedule func([]location.ContentHashWithSize)
	bump     time.Duration
	now      func() time.Time
	touched  *lru.Cache[hash.ContentHash, time.Time]
}

func newTrackerUpdater(schedule func([]location.ContentHashWithSize), bump time.Duration, size int, now func() time.Time) *trackerUpdater {
	// lru.New only fails for a non-positive size.
	touched, _ := lru.New[hash.ContentHash, time.Time](max(size, 1))
	return &trackerUpdater{
		schedule: schedule,
		bump:     bump,
		now:      now,
		touched:  touched,
	}
}

// Schedule touches the entries not touched within the bump time.
func (t *trackerUpdater) Schedule(entries ...location.ContentHashWithSize) {
	now := t.now()
	due := make([]location.ContentHashWithSize, 0, len(entries))
	for _, e := range entries {
		if last, ok := t.touched.Get(e.Hash); ok && now.Sub(last) < t.bump {
			continue
		}
		t.touched.Add(e.Hash, now)
		due = append(due, e)
	}
	if len(due) > 0 {
		t.schedule(due)
	}
}

// scheduleTouch feeds the touch queue. Touches requested before startup are
// dropped.
func (s *Store) scheduleTouch(entries []location.ContentHashWithSize) {
	if q := s.touchQueue.Load(); q != nil {
		q.EnqueueAll(entries)
	}
}
