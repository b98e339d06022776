// Package distributed implements the distributed content orchestrator. It
// wraps a local content store and a fleet-wide location registry and
// decides, per hash, whether to keep it registered, evict it, replicate it
// to peers, accept pushes from peers and propagate deletes.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/nagle"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

type state int32

const (
	stateCreated state = iota
	stateStarting
	stateStarted
	stateShuttingDown
	stateShutdown
)

func (s state) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateStarting:
		return "starting"
	case stateStarted:
		return "started"
	case stateShuttingDown:
		return "shutting down"
	default:
		return "shut down"
	}
}

// contentCopier is the part of copier.Copier the store uses.
type contentCopier interface {
	ProactiveCopy(ctx context.Context, h hash.ContentHash, reason copier.Reason, tryBuildRing bool) copier.CopyResult
	CopyToLocal(ctx context.Context, h hash.ContentHash, locations []location.MachineLocation) (int64, error)
	Delete(ctx context.Context, h hash.ContentHash, locations []location.MachineLocation) (copier.DeleteResult, error)
}

// Store is the distributed content store.
type Store struct {
	self     location.MachineLocation
	settings Settings
	factory  location.Factory
	logger   zerolog.Logger
	now      func() time.Time

	// Local store capabilities, resolved once at construction.
	inner   store.Store
	lister  store.ContentLister
	pusher  store.PushFileHandler
	streams store.StreamStore

	copier     contentCopier
	workingDir string

	mu       sync.Mutex
	state    state
	registry location.Registry

	// lastEvicted is the effective last-access time of the most recently
	// evicted content in Unix nanoseconds, 0 when unset. Readers may see a
	// stale value.
	lastEvicted atomic.Int64

	counters Counters
	postInit *gate

	evictionQueue *nagle.Queue[hash.ContentHash]
	touchQueue    atomic.Pointer[nagle.Queue[location.ContentHashWithSize]]
	tracker       *trackerUpdater

	copySessionOnce    sync.Once
	copySession        *Session
	copySessionErr     error
	copySessionCreated atomic.Bool

	// Background work: the replication loop and put-triggered copies.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	// startupDone is closed when Startup returns.
	startupDone chan struct{}
	wg       sync.WaitGroup

	resultMu   sync.Mutex
	lastResult ReplicationResult
	lastErr    error
}

var _ store.EvictionHost = (*Store)(nil)

// NewStore creates a store. The local store is created here so that it can be
// wired to the eviction queue before startup.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.Settings.applyDefaults()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{
		self:     cfg.LocalMachine,
		settings: cfg.Settings,
		factory:  cfg.RegistryFactory,
		logger:   cfg.Logger.With().Str("component", "distributed").Logger(),
		now:      cfg.Now,
		postInit: newGate(),
	}

	// The eviction queue is created unstarted because its handler needs the
	// startup context. The local store may enqueue into it before Startup.
	s.evictionQueue = nagle.NewUnstarted[hash.ContentHash](nagle.Options{
		Name:        "eviction",
		BatchSize:   cfg.Settings.BatchSize,
		Interval:    cfg.Settings.BatchInterval,
		Parallelism: cfg.Settings.BatchParallelism,
		Logger:      cfg.Logger,
	})

	inner, err := cfg.NewLocalStore(store.EvictionConfig{
		Sink:        s.evictionQueue,
		Host:        s,
		Distributed: cfg.Settings.DistributedEviction(),
	})
	if err != nil {
		return nil, fmt.Errorf("create local store: %w", err)
	}
	s.inner = inner
	s.lister, _ = inner.(store.ContentLister)
	s.pusher, _ = inner.(store.PushFileHandler)
	s.streams, _ = inner.(store.StreamStore)

	if cfg.Settings.ContentHashBumpTime > 0 {
		s.tracker = newTrackerUpdater(s.scheduleTouch, cfg.Settings.ContentHashBumpTime, cfg.Settings.TrackerCacheSize, cfg.Now)
	}

	s.workingDir = cfg.Copier.WorkingDirectory
	if s.workingDir == "" {
		dir, err := os.MkdirTemp("", "casmesh-copy-*")
		if err != nil {
			return nil, fmt.Errorf("create copier working directory: %w", err)
		}
		s.workingDir = dir
	}
	copierOpts := cfg.Copier
	copierOpts.WorkingDirectory = s.workingDir
	copierOpts.Logger = cfg.Logger
	s.copier = copier.New(&copierHost{s: s}, copierOpts)

	return s, nil
}

// LocalMachine returns this machine's location.
func (s *Store) LocalMachine() location.MachineLocation { return s.self }

// Counters returns the orchestrator counters.
func (s *Store) Counters() *Counters { return &s.counters }

func (s *Store) currentState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// currentRegistry returns the registry once startup has created it.
func (s *Store) currentRegistry() (location.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state >= stateShutdown:
		return nil, ErrShutdown
	case s.registry == nil:
		return nil, fmt.Errorf("%w: registry not initialized (%s)", ErrInvalidState, s.state)
	}
	return s.registry, nil
}

// Startup starts the registry, the local store and the background work.
func (s *Store) Startup(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateCreated {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: startup called in state %s", ErrInvalidState, st)
	}
	s.state = stateStarting
	// Background work outlives the startup call but not the store.
	s.bgCtx, s.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.startupDone = make(chan struct{})
	done := s.startupDone
	s.mu.Unlock()
	defer close(done)

	err := s.startup(ctx)

	if s.settings.SetPostInitializationCompletionAfterStartup {
		s.logger.Debug().Msg("Linking post-initialization completion with startup result")
		s.postInit.Resolve(err)
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Startup failed")
		return err
	}

	s.mu.Lock()
	if s.state == stateStarting {
		s.state = stateStarted
	}
	s.mu.Unlock()
	s.logger.Info().
		Str("machine", s.self.String()).
		Bool("distributed_eviction", s.settings.DistributedEviction()).
		Bool("proactive_replication", s.settings.EnableProactiveReplication).
		Msg("Distributed store started")
	return nil
}

func (s *Store) startup(ctx context.Context) error {
	s.mu.Lock()
	bgCtx := s.bgCtx
	s.mu.Unlock()
	queueCtx := context.WithoutCancel(ctx)

	// The registry exists before the local store starts, since the local
	// store may evict and unregister content right after startup.
	if err := s.factory.Startup(ctx); err != nil {
		return fmt.Errorf("start registry factory: %w", err)
	}

	var local location.LocalContent
	if s.lister != nil {
		local = s.lister
	}
	registry, err := s.factory.Create(ctx, s.self, local)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()

	// The local store starts before the registry so the registry can
	// reconcile against it.
	if err := s.inner.Startup(ctx); err != nil {
		return fmt.Errorf("start local store: %w", err)
	}
	if err := registry.Startup(ctx); err != nil {
		return fmt.Errorf("start registry: %w", err)
	}

	if s.settings.EnableProactiveReplication {
		orderer, ok := registry.(location.EvictionOrderer)
		switch {
		case !ok:
			s.logger.Warn().Msg("Proactive replication disabled: registry cannot compute eviction order")
		case s.lister == nil:
			s.logger.Warn().Msg("Proactive replication disabled: local store cannot enumerate content")
		case s.settings.InlineProactiveReplication:
			if err := s.proactiveReplication(bgCtx, s.lister, orderer); err != nil {
				return fmt.Errorf("proactive replication: %w", err)
			}
		default:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.proactiveReplication(bgCtx, s.lister, orderer); err != nil {
					s.logger.Error().Err(err).Msg("Proactive replication stopped")
				}
			}()
		}
	}

	var handler nagle.Handler[hash.ContentHash]
	if s.settings.DistributedEviction() {
		handler = func(batch []hash.ContentHash) error { return s.evictContent(queueCtx, batch) }
	} else {
		handler = func(batch []hash.ContentHash) error { return s.garbageCollect(queueCtx, batch) }
	}
	if err := s.evictionQueue.Start(handler); err != nil {
		return fmt.Errorf("start eviction queue: %w", err)
	}

	s.touchQueue.Store(nagle.New(func(batch []location.ContentHashWithSize) error {
		return s.touchBulk(queueCtx, batch)
	}, nagle.Options{
		Name:        "touch",
		BatchSize:   s.settings.BatchSize,
		Interval:    s.settings.BatchInterval,
		Parallelism: s.settings.BatchParallelism,
		Logger:      s.logger,
	}))
	return nil
}

// PostInitializationCompleted resolves the post-initialization gate. Only the
// first result counts.
func (s *Store) PostInitializationCompleted(err error) {
	if s.postInit.Resolve(err) {
		s.logger.Debug().Err(err).Msg("Post-initialization completed")
	}
}

// namedResult pairs a shutdown step with its error.
type namedResult struct {
	name string
	err  error
}

// shutdownError concatenates failed steps in order. It returns nil when all
// steps succeeded.
func shutdownError(results []namedResult) error {
	var sb strings.Builder
	for _, r := range results {
		if r.err != nil {
			sb.WriteString(r.name + ": " + r.err.Error() + " ")
		}
	}
	if sb.Len() == 0 {
		return nil
	}
	return errors.New(strings.TrimSpace(sb.String()))
}

// Shutdown stops background work and shuts down every component in reverse
// dependency order. Every step runs even when an earlier one fails. A
// Shutdown that races Startup cancels background work and waits for Startup
// to return first; if ctx ends before that, the store is left shutting down
// and ctx's error is returned.
func (s *Store) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateStarting && s.state != stateStarted {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: shutdown called in state %s", ErrInvalidState, st)
	}
	s.state = stateShuttingDown
	cancel := s.bgCancel
	startupDone := s.startupDone
	s.mu.Unlock()

	// Release anything still waiting for post-initialization.
	s.postInit.Resolve(ErrShutdown)
	cancel()
	select {
	case <-startupDone:
	case <-ctx.Done():
		return fmt.Errorf("wait for startup: %w", ctx.Err())
	}
	s.wg.Wait()

	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()

	var results []namedResult
	if s.copySessionCreated.Load() && s.copySessionErr == nil {
		results = append(results, namedResult{"proactive copy session", s.copySession.Shutdown(ctx)})
	}
	results = append(results, namedResult{"local store", s.inner.Shutdown(ctx)})

	s.evictionQueue.Dispose()
	if q := s.touchQueue.Load(); q != nil {
		q.Dispose()
	}

	if registry != nil {
		results = append(results, namedResult{"registry", registry.Shutdown(ctx)})
	}
	results = append(results, namedResult{"registry factory", s.factory.Shutdown(ctx)})
	results = append(results, namedResult{"copier working directory", os.RemoveAll(s.workingDir)})

	s.mu.Lock()
	s.state = stateShutdown
	s.mu.Unlock()

	err := shutdownError(results)
	if err != nil {
		s.logger.Error().Err(err).Msg("Shutdown completed with errors")
	} else {
		s.logger.Info().Msg("Distributed store shut down")
	}
	return err
}

// Stats merges local store, registry, queue and orchestrator counters.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats := s.inner.Stats()
	if stats == nil {
		stats = make(map[string]int64)
	}
	s.mu.Lock()
	registry := s.registry
	s.mu.Unlock()
	if registry != nil {
		for k, v := range registry.Counters() {
			stats["ContentLocationStore."+k] = v
		}
	}
	addQueueStats(stats, "EvictionQueue.", s.evictionQueue.Stats())
	if q := s.touchQueue.Load(); q != nil {
		addQueueStats(stats, "TouchQueue.", q.Stats())
	}
	for k, v := range s.counters.Snapshot() {
		stats[k] = v
	}
	if wm := s.lastEvicted.Load(); wm != 0 {
		stats["LastEvictedEffectiveLastAccessTime"] = wm
	}
	return stats, nil
}

func addQueueStats(stats map[string]int64, prefix string, qs nagle.Stats) {
	stats[prefix+"Enqueued"] = int64(qs.Enqueued)
	stats[prefix+"Flushed"] = int64(qs.Flushed)
	stats[prefix+"Batches"] = int64(qs.Batches)
	stats[prefix+"Failed"] = int64(qs.Failed)
	stats[prefix+"Dropped"] = int64(qs.Dropped)
}

// RemoveFromTracker drops every registry location of this machine. It is
// used to repair a machine whose registry view diverged from its disk.
func (s *Store) RemoveFromTracker(ctx context.Context) (int64, error) {
	if !s.settings.EnableRepairHandling || s.lister == nil {
		return 0, nil
	}
	registry, err := s.currentRegistry()
	if err != nil {
		return 0, err
	}
	inv, ok := registry.(location.Invalidator)
	if !ok {
		return 0, fmt.Errorf("%w: registry cannot invalidate machine locations", ErrInvalidOperation)
	}
	if err := inv.InvalidateLocalMachine(ctx); err != nil {
		return 0, fmt.Errorf("invalidate local machine: %w", err)
	}
	s.logger.Info().Msg("Removed local machine from content tracker")
	return 0, nil
}
