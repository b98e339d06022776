package distributed

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/store"
)

// Default settings.
const (
	DefaultProactiveReplicationInterval    = 5 * time.Minute
	DefaultDelayForProactiveReplication    = 100 * time.Millisecond
	DefaultProactiveCopyLocationsThreshold = 3
	DefaultProactiveReplicationCopyLimit   = 5
	DefaultBatchSize                       = 500
	DefaultBatchInterval                   = time.Second
	DefaultBatchParallelism                = 2
	DefaultTrackerCacheSize                = 1 << 16
)

// Settings controls the orchestrator's policies.
type Settings struct {
	// ReplicaCreditMinutes enables distributed eviction when non-nil. The
	// value itself is consumed by the registry's effective age computation.
	ReplicaCreditMinutes *int

	EnableProactiveReplication bool
	// InlineProactiveReplication runs a single replication iteration inline
	// during Startup instead of a background loop.
	InlineProactiveReplication      bool
	ProactiveReplicationInterval    time.Duration
	DelayForProactiveReplication    time.Duration
	ProactiveCopyLocationsThreshold int
	ProactiveReplicationCopyLimit   int
	// ProactiveCopyOnPut pushes newly put content to a designated location
	// in the background, asking a ring peer to pull it when no designated
	// target is available.
	ProactiveCopyOnPut bool

	// ProactiveCopyRejectOldContent rejects pushes of content older than the
	// most recently evicted content.
	ProactiveCopyRejectOldContent bool

	// SetPostInitializationCompletionAfterStartup resolves the
	// post-initialization gate with the result of Startup. Otherwise the
	// caller must call PostInitializationCompleted.
	SetPostInitializationCompletionAfterStartup bool

	// ContentHashBumpTime enables registry touches for locally read content,
	// at most once per hash per bump time.
	ContentHashBumpTime time.Duration
	TrackerCacheSize    int

	// EnableRepairHandling allows RemoveFromTracker.
	EnableRepairHandling bool

	// Batch queue settings shared by the eviction and touch queues.
	BatchSize        int
	BatchInterval    time.Duration
	BatchParallelism int
}

func (s *Settings) applyDefaults() {
	if s.ProactiveReplicationInterval <= 0 {
		s.ProactiveReplicationInterval = DefaultProactiveReplicationInterval
	}
	if s.DelayForProactiveReplication < 0 {
		s.DelayForProactiveReplication = 0
	}
	if s.ProactiveCopyLocationsThreshold <= 0 {
		s.ProactiveCopyLocationsThreshold = DefaultProactiveCopyLocationsThreshold
	}
	if s.ProactiveReplicationCopyLimit <= 0 {
		s.ProactiveReplicationCopyLimit = DefaultProactiveReplicationCopyLimit
	}
	if s.TrackerCacheSize <= 0 {
		s.TrackerCacheSize = DefaultTrackerCacheSize
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.BatchInterval <= 0 {
		s.BatchInterval = DefaultBatchInterval
	}
	if s.BatchParallelism <= 0 {
		s.BatchParallelism = DefaultBatchParallelism
	}
}

// DistributedEviction reports whether distributed eviction is enabled.
func (s Settings) DistributedEviction() bool {
	return s.ReplicaCreditMinutes != nil
}

// LocalStoreFactory creates the local store. It receives the eviction wiring
// so the store can report evicted content back to the orchestrator.
type LocalStoreFactory func(eviction store.EvictionConfig) (store.Store, error)

// Config is everything needed to build a Store.
type Config struct {
	LocalMachine    location.MachineLocation
	Settings        Settings
	RegistryFactory location.Factory
	NewLocalStore   LocalStoreFactory
	// Copier configures peer transfers. Its working directory is owned by
	// the store and removed on shutdown; a fresh temporary directory is used
	// when it is empty.
	Copier copier.Options
	Logger zerolog.Logger
	Now    func() time.Time
}

func (c *Config) validate() error {
	if c.LocalMachine == "" {
		return fmt.Errorf("local machine location is required")
	}
	if c.RegistryFactory == nil {
		return fmt.Errorf("registry factory is required")
	}
	if c.NewLocalStore == nil {
		return fmt.Errorf("local store factory is required")
	}
	return nil
}
