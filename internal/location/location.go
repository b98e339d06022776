// Package location defines the fleet-wide content location registry used by
// the distributed store: which machines hold which content hash, with sizes
// and last-access times. It provides an in-process implementation backed by
// a shared MemoryTable.
package location

import (
	"context"
	"iter"
	"time"

	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// MachineLocation identifies a fleet member. In the HTTP deployment it is the
// base URL of the machine's gateway.
type MachineLocation string

// String implements fmt.Stringer.
func (m MachineLocation) String() string { return string(m) }

// Origin selects where GetBulk looks up entries.
type Origin int

const (
	// OriginLocal reads the locally cached view of the registry.
	OriginLocal Origin = iota
	// OriginGlobal reads the authoritative registry.
	OriginGlobal
)

func (o Origin) String() string {
	if o == OriginGlobal {
		return "global"
	}
	return "local"
}

// Urgency hints how soon an update needs to reach the registry.
type Urgency int

// UrgencyNominal is the urgency of every update this node issues.
const UrgencyNominal Urgency = 0

// Reputation is a peer health signal reported by the copier.
type Reputation int

const (
	ReputationGood Reputation = iota
	ReputationBad
	ReputationMissing
	ReputationTimeout
)

func (r Reputation) String() string {
	switch r {
	case ReputationGood:
		return "good"
	case ReputationBad:
		return "bad"
	case ReputationMissing:
		return "missing"
	case ReputationTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ContentHashWithSize pairs a hash with its size. Size may be zero when the
// caller does not know it.
type ContentHashWithSize struct {
	Hash hash.ContentHash `json:"hash"`
	Size int64            `json:"size"`
}

// ContentHashWithLastAccess pairs a hash with its local last-access time.
type ContentHashWithLastAccess struct {
	Hash       hash.ContentHash `json:"hash"`
	LastAccess time.Time        `json:"last_access"`
}

// ContentLocationEntry is a snapshot of what the registry knows about a hash
// at query time. It may be stale.
type ContentLocationEntry struct {
	Hash       hash.ContentHash  `json:"hash"`
	Size       int64             `json:"size"`
	LastAccess time.Time         `json:"last_access"`
	Locations  []MachineLocation `json:"locations,omitempty"`
}

// Exists reports whether the registry had an entry for the hash.
func (e ContentLocationEntry) Exists() bool {
	return len(e.Locations) > 0 || !e.LastAccess.IsZero()
}

// ReplicaCount is the number of machines known to hold the content.
func (e ContentLocationEntry) ReplicaCount() int {
	return len(e.Locations)
}

// ContentEvictionInfo is produced by eviction-order computation.
type ContentEvictionInfo struct {
	Hash         hash.ContentHash `json:"hash"`
	Size         int64            `json:"size"`
	Age          time.Duration    `json:"age"`
	EffectiveAge time.Duration    `json:"effective_age"`
	ReplicaCount int              `json:"replica_count"`
}

// RegisterOptions controls Register.
type RegisterOptions struct {
	// Touch refreshes last access and expiry of existing entries.
	Touch bool
	// OnlyIfExists skips hashes that have no entry. Expiry is never
	// refreshed for entries updated this way.
	OnlyIfExists bool
}

// Factory is the registry client: it owns the connection to the registry and
// creates Registry instances bound to a machine.
type Factory interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// Create returns a Registry bound to self. local, when non-nil, is the
	// machine's view of locally held content, used for reconciliation.
	Create(ctx context.Context, self MachineLocation, local LocalContent) (Registry, error)
}

// LocalContent is the subset of the local store the registry may use to
// reconcile its view of this machine.
type LocalContent interface {
	ContentInfo(ctx context.Context) ([]ContentHashWithLastAccessAndSize, error)
}

// ContentHashWithLastAccessAndSize is what a local store reports for each
// blob it holds.
type ContentHashWithLastAccessAndSize struct {
	Hash       hash.ContentHash
	Size       int64
	LastAccess time.Time
}

// Registry is the fleet-wide mapping hash -> {machines, size, last access}
// as seen from one machine.
type Registry interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// Register records that this machine holds the given content.
	Register(ctx context.Context, entries []ContentHashWithSize, opts RegisterOptions) error
	// Unregister removes this machine as a location of the given hashes.
	Unregister(ctx context.Context, hashes []hash.ContentHash, urgency Urgency) error
	// Touch refreshes last-access times.
	Touch(ctx context.Context, entries []ContentHashWithSize) error
	// GetBulk returns one entry per requested hash, in order. Hashes without
	// an entry yield a zero entry carrying only the hash.
	GetBulk(ctx context.Context, hashes []hash.ContentHash, origin Origin) ([]ContentLocationEntry, error)
	// DesignatedLocations returns the machines preferred for holding hash.
	DesignatedLocations(ctx context.Context, h hash.ContentHash) ([]MachineLocation, error)
	// ReportReputation records a health signal for a peer.
	ReportReputation(loc MachineLocation, rep Reputation)
	// Counters returns operation counters.
	Counters() map[string]int64
}

// EvictionOrderer is implemented by registries that can compute effective
// ages and a fleet-aware eviction order.
type EvictionOrderer interface {
	// EffectiveLastAccessTimes returns eviction info for each entry.
	EffectiveLastAccessTimes(ctx context.Context, entries []ContentHashWithLastAccess) ([]ContentEvictionInfo, error)
	// EvictionOrder lazily yields entries from most to least evictable, or
	// the opposite when reverse is set. entries must be sorted by last
	// access, most recent first.
	EvictionOrder(ctx context.Context, entries []ContentHashWithLastAccess, reverse bool) iter.Seq[ContentEvictionInfo]
}

// Invalidator is implemented by registries that can drop every location of
// the bound machine at once.
type Invalidator interface {
	InvalidateLocalMachine(ctx context.Context) error
}
