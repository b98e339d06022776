package location

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// DefaultDesignatedCount is the number of machines DesignatedLocations
// returns when the table has no explicit setting.
const DefaultDesignatedCount = 3

// entry is the table's record for one hash.
type entry struct {
	Size       int64
	LastAccess time.Time
	// Expiry is zero when the table does not expire entries.
	Expiry time.Time
	// Owners maps machine -> last time the machine reported the content.
	Owners map[MachineLocation]time.Time
}

func (e *entry) snapshot(h hash.ContentHash) ContentLocationEntry {
	locs := make([]MachineLocation, 0, len(e.Owners))
	for m := range e.Owners {
		locs = append(locs, m)
	}
	slices.Sort(locs)
	return ContentLocationEntry{
		Hash:       h,
		Size:       e.Size,
		LastAccess: e.LastAccess,
		Locations:  locs,
	}
}

// machineState tracks what the table knows about a fleet member.
type machineState struct {
	reputation Reputation
	lastSeen   time.Time
}

// TableOptions configures a MemoryTable.
type TableOptions struct {
	// Expiry is how long an entry lives without being registered with Touch
	// or touched. Zero disables expiry.
	Expiry time.Duration
	// DesignatedCount is the number of designated locations per hash.
	DesignatedCount int
	Logger          zerolog.Logger
	Now             func() time.Time
}

// MemoryTable is the fleet-wide location map. It is safe for concurrent use
// and is shared by every MemoryRegistry created from the same factory, or
// served over HTTP by httpregistry.
type MemoryTable struct {
	opts   TableOptions
	logger zerolog.Logger

	mu       sync.RWMutex
	entries  map[hash.ContentHash]*entry
	machines map[MachineLocation]*machineState
}

// NewMemoryTable creates an empty table.
func NewMemoryTable(opts TableOptions) *MemoryTable {
	if opts.DesignatedCount <= 0 {
		opts.DesignatedCount = DefaultDesignatedCount
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryTable{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "location-table").Logger(),
		entries:  make(map[hash.ContentHash]*entry),
		machines: make(map[MachineLocation]*machineState),
	}
}

// AddMachine makes a machine known to the table so it can be designated.
func (t *MemoryTable) AddMachine(m MachineLocation) error {
	if m == "" {
		return fmt.Errorf("machine location cannot be empty")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touchMachineLocked(m, t.opts.Now())
	return nil
}

func (t *MemoryTable) touchMachineLocked(m MachineLocation, now time.Time) {
	st, ok := t.machines[m]
	if !ok {
		st = &machineState{reputation: ReputationGood}
		t.machines[m] = st
	}
	st.lastSeen = now
}

// Machines returns every known machine, sorted.
func (t *MemoryTable) Machines() []MachineLocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MachineLocation, 0, len(t.machines))
	for m := range t.machines {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// liveLocked returns the entry for h unless it is missing or expired. Expired
// entries are removed. Caller holds the write lock.
func (t *MemoryTable) liveLocked(h hash.ContentHash, now time.Time) *entry {
	e, ok := t.entries[h]
	if !ok {
		return nil
	}
	if !e.Expiry.IsZero() && !now.Before(e.Expiry) {
		delete(t.entries, h)
		t.logger.Debug().Str("hash", h.Short()).Msg("Entry expired")
		return nil
	}
	return e
}

func (t *MemoryTable) expiryFrom(now time.Time) time.Time {
	if t.opts.Expiry <= 0 {
		return time.Time{}
	}
	return now.Add(t.opts.Expiry)
}

// Register records self as a location of each entry and returns the number
// of hashes that were registered.
func (t *MemoryTable) Register(self MachineLocation, entries []ContentHashWithSize, opts RegisterOptions) (int, error) {
	if self == "" {
		return 0, fmt.Errorf("machine location cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	t.touchMachineLocked(self, now)

	registered := 0
	for _, in := range entries {
		if in.Hash.IsZero() {
			return registered, fmt.Errorf("content hash cannot be empty")
		}
		e := t.liveLocked(in.Hash, now)
		if e == nil {
			if opts.OnlyIfExists {
				continue
			}
			e = &entry{
				Size:       in.Size,
				LastAccess: now,
				Expiry:     t.expiryFrom(now),
				Owners:     make(map[MachineLocation]time.Time),
			}
			t.entries[in.Hash] = e
		} else if opts.Touch && !opts.OnlyIfExists {
			e.LastAccess = now
			e.Expiry = t.expiryFrom(now)
		} else if opts.Touch {
			e.LastAccess = now
		}
		if in.Size > 0 {
			e.Size = in.Size
		}
		e.Owners[self] = now
		registered++

		t.logger.Debug().
			Str("hash", in.Hash.Short()).
			Str("machine", self.String()).
			Int("owners", len(e.Owners)).
			Msg("Registered content")
	}
	return registered, nil
}

// Unregister removes self as a location of each hash. Entries with no
// owners left are deleted.
func (t *MemoryTable) Unregister(self MachineLocation, hashes []hash.ContentHash) error {
	if self == "" {
		return fmt.Errorf("machine location cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range hashes {
		e, ok := t.entries[h]
		if !ok {
			continue
		}
		delete(e.Owners, self)
		if len(e.Owners) == 0 {
			delete(t.entries, h)
			t.logger.Debug().Str("hash", h.Short()).Msg("Unregistered content (no owners remain, deleted)")
		} else {
			t.logger.Debug().Str("hash", h.Short()).Int("owners", len(e.Owners)).Msg("Unregistered content")
		}
	}
	return nil
}

// Touch refreshes last access and expiry of existing entries.
func (t *MemoryTable) Touch(self MachineLocation, entries []ContentHashWithSize) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	if self != "" {
		t.touchMachineLocked(self, now)
	}
	for _, in := range entries {
		e := t.liveLocked(in.Hash, now)
		if e == nil {
			continue
		}
		e.LastAccess = now
		e.Expiry = t.expiryFrom(now)
		if _, ok := e.Owners[self]; ok {
			e.Owners[self] = now
		}
	}
	return nil
}

// Get returns one entry per hash, in order. Missing hashes yield an entry
// carrying only the hash.
func (t *MemoryTable) Get(hashes []hash.ContentHash) []ContentLocationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	out := make([]ContentLocationEntry, len(hashes))
	for i, h := range hashes {
		if e := t.liveLocked(h, now); e != nil {
			out[i] = e.snapshot(h)
		} else {
			out[i] = ContentLocationEntry{Hash: h}
		}
	}
	return out
}

// RemoveMachine drops m from every entry and returns the number of entries
// it was removed from.
func (t *MemoryTable) RemoveMachine(m MachineLocation) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for h, e := range t.entries {
		if _, ok := e.Owners[m]; !ok {
			continue
		}
		delete(e.Owners, m)
		removed++
		if len(e.Owners) == 0 {
			delete(t.entries, h)
		}
	}
	t.logger.Info().Str("machine", m.String()).Int("entries", removed).Msg("Removed machine from all entries")
	return removed
}

// Reconcile makes the table's view of self match held: self is added to
// every held hash and removed from every other entry.
func (t *MemoryTable) Reconcile(self MachineLocation, held []ContentHashWithLastAccessAndSize) (added, removed int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.opts.Now()
	t.touchMachineLocked(self, now)

	keep := make(map[hash.ContentHash]struct{}, len(held))
	for _, c := range held {
		keep[c.Hash] = struct{}{}
		e := t.liveLocked(c.Hash, now)
		if e == nil {
			e = &entry{
				Size:       c.Size,
				LastAccess: c.LastAccess,
				Expiry:     t.expiryFrom(now),
				Owners:     make(map[MachineLocation]time.Time),
			}
			t.entries[c.Hash] = e
		}
		if c.LastAccess.After(e.LastAccess) {
			e.LastAccess = c.LastAccess
		}
		if _, ok := e.Owners[self]; !ok {
			e.Owners[self] = now
			added++
		}
	}

	for h, e := range t.entries {
		if _, ok := keep[h]; ok {
			continue
		}
		if _, ok := e.Owners[self]; !ok {
			continue
		}
		delete(e.Owners, self)
		removed++
		if len(e.Owners) == 0 {
			delete(t.entries, h)
		}
	}
	return added, removed
}

// SetReputation records a health signal for m.
func (t *MemoryTable) SetReputation(m MachineLocation, rep Reputation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.machines[m]
	if !ok {
		st = &machineState{}
		t.machines[m] = st
	}
	st.reputation = rep
}

// Reputation returns the last reported reputation of m.
func (t *MemoryTable) Reputation(m MachineLocation) Reputation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.machines[m]; ok {
		return st.reputation
	}
	return ReputationGood
}

// Designated ranks known machines for h by rendezvous hashing and returns
// the top DesignatedCount. Machines with a bad or timed out reputation are
// excluded.
func (t *MemoryTable) Designated(h hash.ContentHash) []MachineLocation {
	t.mu.RLock()
	candidates := make([]MachineLocation, 0, len(t.machines))
	for m, st := range t.machines {
		if st.reputation == ReputationBad || st.reputation == ReputationTimeout {
			continue
		}
		candidates = append(candidates, m)
	}
	t.mu.RUnlock()

	return Rendezvous(h, candidates, t.opts.DesignatedCount)
}

// Len returns the number of live and expired entries held.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Rendezvous returns up to n machines with the highest score for h. The
// ranking is stable for a fixed machine set and changes minimally when a
// machine joins or leaves.
func Rendezvous(h hash.ContentHash, machines []MachineLocation, n int) []MachineLocation {
	type scored struct {
		m     MachineLocation
		score uint64
	}
	ranked := make([]scored, 0, len(machines))
	var buf [1 + hash.Size]byte
	buf[0] = byte(h.Type)
	copy(buf[1:], h.Digest[:])

	for _, m := range machines {
		d := xxhash.New()
		_, _ = d.Write(buf[:])
		_, _ = d.WriteString(string(m))
		ranked = append(ranked, scored{m: m, score: d.Sum64()})
	}
	slices.SortFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		default:
			if a.m < b.m {
				return -1
			}
			if a.m > b.m {
				return 1
			}
			return 0
		}
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]MachineLocation, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].m
	}
	return out
}
