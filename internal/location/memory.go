package location

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// MemoryFactoryOptions configures a MemoryFactory.
type MemoryFactoryOptions struct {
	// ReplicaCredit feeds effective-age computation.
	ReplicaCredit time.Duration
	// Reconcile makes Registry.Startup align the table with local content.
	Reconcile bool
	Logger    zerolog.Logger
	Now       func() time.Time
}

// MemoryFactory creates registries backed by a shared MemoryTable. It is
// used for single-process fleets and in tests.
type MemoryFactory struct {
	table   *MemoryTable
	opts    MemoryFactoryOptions
	started atomic.Bool
}

var _ Factory = (*MemoryFactory)(nil)

// NewMemoryFactory creates a factory over table.
func NewMemoryFactory(table *MemoryTable, opts MemoryFactoryOptions) *MemoryFactory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryFactory{table: table, opts: opts}
}

// Table returns the backing table.
func (f *MemoryFactory) Table() *MemoryTable { return f.table }

// Startup implements Factory.
func (f *MemoryFactory) Startup(ctx context.Context) error {
	f.started.Store(true)
	return nil
}

// Shutdown implements Factory.
func (f *MemoryFactory) Shutdown(ctx context.Context) error {
	f.started.Store(false)
	return nil
}

// Create implements Factory.
func (f *MemoryFactory) Create(ctx context.Context, self MachineLocation, local LocalContent) (Registry, error) {
	if !f.started.Load() {
		return nil, fmt.Errorf("memory registry factory not started")
	}
	if err := f.table.AddMachine(self); err != nil {
		return nil, err
	}
	r := &MemoryRegistry{
		table:     f.table,
		self:      self,
		local:     local,
		reconcile: f.opts.Reconcile,
		logger:    f.opts.Logger.With().Str("component", "memory-registry").Str("machine", self.String()).Logger(),
	}
	r.calc = EvictionCalculator{Getter: r, ReplicaCredit: f.opts.ReplicaCredit, Now: f.opts.Now}
	return r, nil
}

// MemoryRegistry is a Registry bound to one machine over a MemoryTable.
// Local and global origins read the same table.
type MemoryRegistry struct {
	table     *MemoryTable
	self      MachineLocation
	local     LocalContent
	reconcile bool
	calc      EvictionCalculator
	logger    zerolog.Logger

	counters OpCounters
}

var (
	_ Registry        = (*MemoryRegistry)(nil)
	_ EvictionOrderer = (*MemoryRegistry)(nil)
	_ Invalidator     = (*MemoryRegistry)(nil)
)

// Startup implements Registry. When reconciliation is enabled the local
// store's content replaces whatever the table held for this machine.
func (r *MemoryRegistry) Startup(ctx context.Context) error {
	if !r.reconcile || r.local == nil {
		return nil
	}
	held, err := r.local.ContentInfo(ctx)
	if err != nil {
		return fmt.Errorf("enumerate local content: %w", err)
	}
	added, removed := r.table.Reconcile(r.self, held)
	r.logger.Info().Int("held", len(held)).Int("added", added).Int("removed", removed).Msg("Reconciled local content")
	return nil
}

// Shutdown implements Registry.
func (r *MemoryRegistry) Shutdown(ctx context.Context) error { return nil }

// Register implements Registry.
func (r *MemoryRegistry) Register(ctx context.Context, entries []ContentHashWithSize, opts RegisterOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.counters.Register.Add(1)
	n, err := r.table.Register(r.self, entries, opts)
	r.counters.RegisteredHashes.Add(int64(n))
	r.counters.RegisterSkipped.Add(int64(len(entries) - n))
	return err
}

// Unregister implements Registry.
func (r *MemoryRegistry) Unregister(ctx context.Context, hashes []hash.ContentHash, urgency Urgency) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.counters.Unregister.Add(1)
	r.counters.UnregisteredHashes.Add(int64(len(hashes)))
	return r.table.Unregister(r.self, hashes)
}

// Touch implements Registry.
func (r *MemoryRegistry) Touch(ctx context.Context, entries []ContentHashWithSize) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.counters.Touch.Add(1)
	return r.table.Touch(r.self, entries)
}

// GetBulk implements Registry.
func (r *MemoryRegistry) GetBulk(ctx context.Context, hashes []hash.ContentHash, origin Origin) ([]ContentLocationEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.counters.GetBulk.Add(1)
	return r.table.Get(hashes), nil
}

// DesignatedLocations implements Registry.
func (r *MemoryRegistry) DesignatedLocations(ctx context.Context, h hash.ContentHash) ([]MachineLocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.table.Designated(h), nil
}

// ReportReputation implements Registry.
func (r *MemoryRegistry) ReportReputation(loc MachineLocation, rep Reputation) {
	r.counters.ReportReputation.Add(1)
	r.table.SetReputation(loc, rep)
}

// Counters implements Registry.
func (r *MemoryRegistry) Counters() map[string]int64 { return r.counters.Snapshot() }

// EffectiveLastAccessTimes implements EvictionOrderer.
func (r *MemoryRegistry) EffectiveLastAccessTimes(ctx context.Context, entries []ContentHashWithLastAccess) ([]ContentEvictionInfo, error) {
	return r.calc.EffectiveLastAccessTimes(ctx, entries)
}

// EvictionOrder implements EvictionOrderer.
func (r *MemoryRegistry) EvictionOrder(ctx context.Context, entries []ContentHashWithLastAccess, reverse bool) iter.Seq[ContentEvictionInfo] {
	return r.calc.EvictionOrder(ctx, entries, reverse)
}

// InvalidateLocalMachine implements Invalidator.
func (r *MemoryRegistry) InvalidateLocalMachine(ctx context.Context) error {
	r.table.RemoveMachine(r.self)
	return nil
}

// OpCounters counts registry operations. It is shared by the registry
// implementations in this module.
type OpCounters struct {
	Register           atomic.Int64
	RegisteredHashes   atomic.Int64
	RegisterSkipped    atomic.Int64
	Unregister         atomic.Int64
	UnregisteredHashes atomic.Int64
	Touch              atomic.Int64
	GetBulk            atomic.Int64
	ReportReputation   atomic.Int64
	Errors             atomic.Int64
}

// Snapshot returns the current counter values keyed by operation name.
func (c *OpCounters) Snapshot() map[string]int64 {
	return map[string]int64{
		"Register":           c.Register.Load(),
		"RegisteredHashes":   c.RegisteredHashes.Load(),
		"RegisterSkipped":    c.RegisterSkipped.Load(),
		"Unregister":         c.Unregister.Load(),
		"UnregisteredHashes": c.UnregisteredHashes.Load(),
		"Touch":              c.Touch.Load(),
		"GetBulk":            c.GetBulk.Load(),
		"ReportReputation":   c.ReportReputation.Load(),
		"Errors":             c.Errors.Load(),
	}
}
