package distributed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/casmesh/internal/copier"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/internal/store"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

const testSelf = location.MachineLocation("http://self:7420")

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder collects lifecycle events in order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testHash(i int) hash.ContentHash {
	return hash.Of(hash.SHA256, []byte(fmt.Sprintf("content-%d", i)))
}

// mockRegistry records every call.
type mockRegistry struct {
	rec *recorder

	mu           sync.Mutex
	registered   []location.ContentHashWithSize
	registerOpts []location.RegisterOptions
	unregistered []hash.ContentHash
	touched      []location.ContentHashWithSize
	entries      map[hash.ContentHash]location.ContentLocationEntry
	designated   []location.MachineLocation
	reputations  map[location.MachineLocation]location.Reputation

	startupErr  error
	shutdownErr error
	registerErr error
	getBulkErr  error
}

func newMockRegistry(rec *recorder) *mockRegistry {
	return &mockRegistry{
		rec:         rec,
		entries:     make(map[hash.ContentHash]location.ContentLocationEntry),
		reputations: make(map[location.MachineLocation]location.Reputation),
	}
}

func (m *mockRegistry) Startup(ctx context.Context) error {
	m.rec.add("registry.startup")
	return m.startupErr
}

func (m *mockRegistry) Shutdown(ctx context.Context) error {
	m.rec.add("registry.shutdown")
	return m.shutdownErr
}

func (m *mockRegistry) Register(ctx context.Context, entries []location.ContentHashWithSize, opts location.RegisterOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, entries...)
	m.registerOpts = append(m.registerOpts, opts)
	return m.registerErr
}

func (m *mockRegistry) Unregister(ctx context.Context, hashes []hash.ContentHash, urgency location.Urgency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, hashes...)
	return nil
}

func (m *mockRegistry) Touch(ctx context.Context, entries []location.ContentHashWithSize) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched = append(m.touched, entries...)
	return nil
}

func (m *mockRegistry) GetBulk(ctx context.Context, hashes []hash.ContentHash, origin location.Origin) ([]location.ContentLocationEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getBulkErr != nil {
		return nil, m.getBulkErr
	}
	out := make([]location.ContentLocationEntry, len(hashes))
	for i, h := range hashes {
		if e, ok := m.entries[h]; ok {
			out[i] = e
		} else {
			out[i] = location.ContentLocationEntry{Hash: h}
		}
	}
	return out, nil
}

func (m *mockRegistry) DesignatedLocations(ctx context.Context, h hash.ContentHash) ([]location.MachineLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.designated, nil
}

func (m *mockRegistry) ReportReputation(loc location.MachineLocation, rep location.Reputation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reputations[loc] = rep
}

func (m *mockRegistry) Counters() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{"Register": int64(len(m.registerOpts))}
}

func (m *mockRegistry) setEntry(e location.ContentLocationEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Hash] = e
}

func (m *mockRegistry) snapshot() (registered []location.ContentHashWithSize, opts []location.RegisterOptions, unregistered []hash.ContentHash, touched []location.ContentHashWithSize) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]location.ContentHashWithSize(nil), m.registered...),
		append([]location.RegisterOptions(nil), m.registerOpts...),
		append([]hash.ContentHash(nil), m.unregistered...),
		append([]location.ContentHashWithSize(nil), m.touched...)
}

// orderingRegistry adds eviction ordering and invalidation to mockRegistry.
type orderingRegistry struct {
	*mockRegistry

	order         []location.ContentEvictionInfo
	effectiveAges map[hash.ContentHash]time.Duration
	effectiveErr  error
	reverseCalls  []bool
	invalidated   int
}

func newOrderingRegistry(rec *recorder) *orderingRegistry {
	return &orderingRegistry{
		mockRegistry:  newMockRegistry(rec),
		effectiveAges: make(map[hash.ContentHash]time.Duration),
	}
}

func (o *orderingRegistry) EffectiveLastAccessTimes(ctx context.Context, entries []location.ContentHashWithLastAccess) ([]location.ContentEvictionInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.effectiveErr != nil {
		return nil, o.effectiveErr
	}
	out := make([]location.ContentEvictionInfo, len(entries))
	for i, e := range entries {
		out[i] = location.ContentEvictionInfo{Hash: e.Hash, EffectiveAge: o.effectiveAges[e.Hash]}
	}
	return out, nil
}

func (o *orderingRegistry) EvictionOrder(ctx context.Context, entries []location.ContentHashWithLastAccess, reverse bool) iter.Seq[location.ContentEvictionInfo] {
	o.mu.Lock()
	o.reverseCalls = append(o.reverseCalls, reverse)
	order := append([]location.ContentEvictionInfo(nil), o.order...)
	o.mu.Unlock()
	return func(yield func(location.ContentEvictionInfo) bool) {
		for _, info := range order {
			if !yield(info) {
				return
			}
		}
	}
}

func (o *orderingRegistry) InvalidateLocalMachine(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.invalidated++
	return nil
}

// mockFactory hands out a fixed registry.
type mockFactory struct {
	rec         *recorder
	registry    location.Registry
	startupErr  error
	shutdownErr error
	local       location.LocalContent

	// entered is closed and release awaited by Startup when both are set.
	entered chan struct{}
	release chan struct{}
}

func (f *mockFactory) Startup(ctx context.Context) error {
	f.rec.add("factory.startup")
	if f.entered != nil && f.release != nil {
		close(f.entered)
		<-f.release
	}
	return f.startupErr
}

func (f *mockFactory) Shutdown(ctx context.Context) error {
	f.rec.add("factory.shutdown")
	return f.shutdownErr
}

func (f *mockFactory) Create(ctx context.Context, m location.MachineLocation, local location.LocalContent) (location.Registry, error) {
	f.rec.add("factory.create")
	f.local = local
	return f.registry, nil
}

// mockLocalStore is an in-memory local store with every capability.
type mockLocalStore struct {
	rec *recorder

	mu          sync.Mutex
	content     map[hash.ContentHash][]byte
	lastAccess  map[hash.ContentHash]time.Time
	deleted     []hash.ContentHash
	rejectWith  store.RejectionReason
	reject      bool
	deleteErr   error
	shutdownErr error
	pushErr     error
}

func newMockLocalStore(rec *recorder) *mockLocalStore {
	return &mockLocalStore{
		rec:        rec,
		content:    make(map[hash.ContentHash][]byte),
		lastAccess: make(map[hash.ContentHash]time.Time),
	}
}

func (m *mockLocalStore) add(h hash.ContentHash, data []byte, lastAccess time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.content[h] = data
	m.lastAccess[h] = lastAccess
}

func (m *mockLocalStore) Startup(ctx context.Context) error {
	m.rec.add("local.startup")
	return nil
}

func (m *mockLocalStore) Shutdown(ctx context.Context) error {
	m.rec.add("local.shutdown")
	return m.shutdownErr
}

func (m *mockLocalStore) CreateSession(name string, pin store.ImplicitPin) (store.Session, error) {
	return &mockSession{name: name, local: m}, nil
}

func (m *mockLocalStore) Delete(ctx context.Context, h hash.ContentHash) (store.DeleteResult, error) {
	m.rec.add("local.delete")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return store.DeleteResult{Hash: h}, m.deleteErr
	}
	data, ok := m.content[h]
	delete(m.content, h)
	m.deleted = append(m.deleted, h)
	return store.DeleteResult{Hash: h, Size: int64(len(data)), Existed: ok}, nil
}

func (m *mockLocalStore) Stats() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{"Blobs": int64(len(m.content))}
}

func (m *mockLocalStore) Contains(h hash.ContentHash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.content[h]
	return ok
}

func (m *mockLocalStore) ContentInfo(ctx context.Context) ([]store.ContentInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ContentInfo, 0, len(m.content))
	for h, data := range m.content {
		out = append(out, store.ContentInfo{Hash: h, Size: int64(len(data)), LastAccess: m.lastAccess[h]})
	}
	return out, nil
}

func (m *mockLocalStore) CanAcceptContent(h hash.ContentHash, size int64) (bool, store.RejectionReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false, m.rejectWith
	}
	return true, store.Accepted
}

func (m *mockLocalStore) HandlePushFile(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (store.PutResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return store.PutResult{Hash: h}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return store.PutResult{Hash: h}, m.pushErr
	}
	_, existed := m.content[h]
	m.content[h] = data
	return store.PutResult{Hash: h, Size: int64(len(data)), AlreadyExisted: existed}, nil
}

func (m *mockLocalStore) OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.content[h]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", store.ErrNotFound, h.Short())
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *mockLocalStore) CheckFileExists(ctx context.Context, h hash.ContentHash) (bool, error) {
	return m.Contains(h), nil
}

// bareStore hides every optional capability of the wrapped store.
type bareStore struct {
	store.Store
}

type mockSession struct {
	name  string
	local *mockLocalStore
}

func (s *mockSession) Name() string { return s.name }

func (s *mockSession) Pin(ctx context.Context, h hash.ContentHash) error {
	if !s.local.Contains(h) {
		return fmt.Errorf("%w: %s", store.ErrNotFound, h.Short())
	}
	return nil
}

func (s *mockSession) OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	return s.local.OpenStream(ctx, h)
}

func (s *mockSession) Put(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (store.PutResult, error) {
	return s.local.HandlePushFile(ctx, h, r, size)
}

func (s *mockSession) Shutdown(ctx context.Context) error {
	s.local.rec.add("session.shutdown")
	return nil
}

// copyCall records one proactive copy request.
type copyCall struct {
	hash   hash.ContentHash
	reason copier.Reason
	ring   bool
	at     time.Time
}

type deleteCall struct {
	hash      hash.ContentHash
	locations []location.MachineLocation
}

// fakeCopier returns scripted proactive copy results and records calls.
type fakeCopier struct {
	mu        sync.Mutex
	results   []copier.Status
	calls     []copyCall
	deletes   []deleteCall
	deleteErr error
	remote    map[hash.ContentHash][]byte
	local     *mockLocalStore
}

func (f *fakeCopier) ProactiveCopy(ctx context.Context, h hash.ContentHash, reason copier.Reason, tryBuildRing bool) copier.CopyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, copyCall{hash: h, reason: reason, ring: tryBuildRing, at: time.Now()})
	status := copier.StatusSkipped
	if len(f.results) > 0 {
		status = f.results[0]
		f.results = f.results[1:]
	}
	var err error
	if status == copier.StatusError {
		err = errors.New("copy failed")
	}
	return copier.CopyResult{Status: status, Err: err}
}

func (f *fakeCopier) CopyToLocal(ctx context.Context, h hash.ContentHash, locations []location.MachineLocation) (int64, error) {
	f.mu.Lock()
	data, ok := f.remote[h]
	f.mu.Unlock()
	if !ok {
		return 0, copier.ErrNoSource
	}
	f.local.add(h, data, time.Now())
	return int64(len(data)), nil
}

func (f *fakeCopier) Delete(ctx context.Context, h hash.ContentHash, locations []location.MachineLocation) (copier.DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{hash: h, locations: locations})
	res := copier.DeleteResult{Failed: make(map[location.MachineLocation]error)}
	if f.deleteErr != nil {
		res.Failed[locations[0]] = f.deleteErr
		res.Deleted = locations[1:]
		return res, f.deleteErr
	}
	res.Deleted = locations
	return res, nil
}

func (f *fakeCopier) copyCalls() []copyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]copyCall(nil), f.calls...)
}

func (f *fakeCopier) deleteCalls() []deleteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deleteCall(nil), f.deletes...)
}

// testEnv is a store wired to mocks.
type testEnv struct {
	store    *Store
	rec      *recorder
	factory  *mockFactory
	registry *orderingRegistry
	local    *mockLocalStore
	copier   *fakeCopier
	clock    *testClock
}

func newTestEnv(t *testing.T, settings Settings) *testEnv {
	t.Helper()
	rec := &recorder{}
	registry := newOrderingRegistry(rec)
	local := newMockLocalStore(rec)
	return newTestEnvWith(t, settings, rec, registry, registry, local)
}

// newTestEnvWith builds a store over reg and local. ordering may be nil when
// reg does not order evictions.
func newTestEnvWith(t *testing.T, settings Settings, rec *recorder, reg location.Registry, ordering *orderingRegistry, local store.Store) *testEnv {
	t.Helper()
	clock := newTestClock()
	factory := &mockFactory{rec: rec, registry: reg}

	var mls *mockLocalStore
	switch l := local.(type) {
	case *mockLocalStore:
		mls = l
	case bareStore:
		mls, _ = l.Store.(*mockLocalStore)
	}

	s, err := NewStore(Config{
		LocalMachine:    testSelf,
		Settings:        settings,
		RegistryFactory: factory,
		NewLocalStore: func(store.EvictionConfig) (store.Store, error) {
			return local, nil
		},
		Copier: copier.Options{WorkingDirectory: t.TempDir()},
		Logger: zerolog.Nop(),
		Now:    clock.Now,
	})
	require.NoError(t, err)

	fc := &fakeCopier{remote: make(map[hash.ContentHash][]byte), local: mls}
	s.copier = fc
	return &testEnv{
		store:    s,
		rec:      rec,
		factory:  factory,
		registry: ordering,
		local:    mls,
		copier:   fc,
		clock:    clock,
	}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.Startup(context.Background()))
	t.Cleanup(func() {
		if e.store.currentState() < stateShuttingDown {
			_ = e.store.Shutdown(context.Background())
		}
	})
}
