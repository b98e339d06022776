package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts Options) (*FileStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	opts.Logger = zerolog.Nop()
	opts.Now = clock.Now
	s, err := NewFileStore(opts)
	require.NoError(t, err)
	require.NoError(t, s.Startup(context.Background()))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, clock
}

func content(i int) ([]byte, hash.ContentHash) {
	data := bytes.Repeat([]byte(fmt.Sprintf("blob-%d;", i)), 100)
	return data, hash.Of(hash.SHA256, data)
}

func putContent(t *testing.T, s *FileStore, i int) hash.ContentHash {
	t.Helper()
	data, h := content(i)
	_, err := s.HandlePushFile(context.Background(), h, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	return h
}

func readAll(t *testing.T, s *FileStore, h hash.ContentHash) []byte {
	t.Helper()
	rc, _, err := s.OpenStream(context.Background(), h)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestFileStore_PutAndStream(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	data, h := content(1)

	res, err := s.HandlePushFile(context.Background(), h, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.False(t, res.AlreadyExisted)
	assert.Equal(t, int64(len(data)), res.Size)

	rc, size, err := s.OpenStream(context.Background(), h)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, int64(len(data)), size)
	assert.Equal(t, data, got)

	res, err = s.HandlePushFile(context.Background(), h, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.True(t, res.AlreadyExisted)

	assert.True(t, s.Contains(h))
	exists, err := s.CheckFileExists(context.Background(), h)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(len(data)), s.TotalSize())
}

func TestFileStore_StoresCompressed(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	data, h := content(1)
	putContent(t, s, 1)

	info, err := os.Stat(s.blobPath(h))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(data)))
}

func TestFileStore_PutRejectsBadContent(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	data, h := content(1)

	_, err := s.HandlePushFile(context.Background(), h, bytes.NewReader([]byte("other")), 5)
	assert.ErrorIs(t, err, ErrHashMismatch)

	_, err = s.HandlePushFile(context.Background(), h, bytes.NewReader(data[:10]), int64(len(data)))
	assert.Error(t, err)

	_, err = s.HandlePushFile(context.Background(), hash.ContentHash{}, bytes.NewReader(data), int64(len(data)))
	assert.Error(t, err)

	assert.False(t, s.Contains(h))
}

func TestFileStore_UnknownSizePut(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	data, h := content(7)
	res, err := s.HandlePushFile(context.Background(), h, bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Size)
}

func tempFiles(t *testing.T, s *FileStore) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(s.contentDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".tmp") {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestFileStore_StreamsLargePush(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	var buf bytes.Buffer
	for i := 0; buf.Len() < 4<<20; i++ {
		fmt.Fprintf(&buf, "line %d of a large streamed blob\n", i)
	}
	data := buf.Bytes()
	h := hash.Of(hash.SHA256, data)

	// Small reads force the copy loop through many iterations.
	r := io.LimitReader(iotest.HalfReader(bytes.NewReader(data)), int64(len(data)))
	res, err := s.HandlePushFile(context.Background(), h, r, int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, data, readAll(t, s, h))
	assert.Empty(t, tempFiles(t, s))
}

func TestFileStore_FailedPushLeavesNoTempFiles(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	data, h := content(3)

	_, err := s.HandlePushFile(context.Background(), h, bytes.NewReader([]byte("other")), 0)
	assert.ErrorIs(t, err, ErrHashMismatch)

	// Longer than announced: only size+1 bytes are consumed.
	long := append(append([]byte(nil), data...), data...)
	src := bytes.NewReader(long)
	_, err = s.HandlePushFile(context.Background(), h, src, int64(len(data)))
	assert.ErrorContains(t, err, "expected")
	assert.Equal(t, len(data)-1, src.Len())

	_, err = s.HandlePushFile(context.Background(), h, iotest.ErrReader(errors.New("connection reset")), int64(len(data)))
	assert.ErrorContains(t, err, "connection reset")

	assert.False(t, s.Contains(h))
	assert.Empty(t, tempFiles(t, s))
}

func TestFileStore_OpenMissing(t *testing.T) {
	s, _ := newTestStore(t, Options{})
	_, h := content(1)
	_, _, err := s.OpenStream(context.Background(), h)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(1), s.Stats()["Misses"])
}

func TestFileStore_RestartReindexes(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestStore(t, Options{Root: root})
	h1 := putContent(t, s, 1)
	h2 := putContent(t, s, 2)
	require.NoError(t, s.Shutdown(context.Background()))

	leftover := filepath.Join(filepath.Dir(s.blobPath(h1)), ".blob-123.tmp")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0644))

	reopened, _ := newTestStore(t, Options{Root: root})
	assert.True(t, reopened.Contains(h1))
	assert.True(t, reopened.Contains(h2))
	d1, _ := content(1)
	d2, _ := content(2)
	assert.Equal(t, int64(len(d1)+len(d2)), reopened.TotalSize())
	assert.Equal(t, d2, readAll(t, reopened, h2))

	_, err := os.Stat(leftover)
	assert.True(t, os.IsNotExist(err), "temp files are cleaned up on startup")
}

func TestFileStore_ContentInfoRequiresStartup(t *testing.T) {
	s, err := NewFileStore(Options{Root: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	_, err = s.ContentInfo(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestFileStore_CanAcceptContent(t *testing.T) {
	var available int64 = 1000
	s, _ := newTestStore(t, Options{
		Quota:   500,
		MinFree: 100,
		volumeStats: func(string) (int64, int64, int64, error) {
			return 2000, 2000 - available, available, nil
		},
	})
	_, h := content(1)

	ok, reason := s.CanAcceptContent(h, 400)
	assert.True(t, ok)
	assert.Equal(t, Accepted, reason)

	ok, reason = s.CanAcceptContent(h, 600)
	assert.False(t, ok, "larger than quota")
	assert.Equal(t, CapacityExceeded, reason)

	available = 450
	ok, reason = s.CanAcceptContent(h, 400)
	assert.False(t, ok, "would leave less than min free")
	assert.Equal(t, CapacityExceeded, reason)
}

func TestFileStore_VolumeStatsErrorAccepts(t *testing.T) {
	s, _ := newTestStore(t, Options{
		MinFree:     100,
		volumeStats: func(string) (int64, int64, int64, error) { return 0, 0, 0, errors.New("statfs failed") },
	})
	_, h := content(1)
	ok, reason := s.CanAcceptContent(h, 10)
	assert.True(t, ok)
	assert.Equal(t, Accepted, reason)
}

func TestFileStore_DeleteHonoursPins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})
	h := putContent(t, s, 1)

	sess, err := s.CreateSession("test", ImplicitPinNone)
	require.NoError(t, err)
	require.NoError(t, sess.Pin(ctx, h))

	_, err = s.Delete(ctx, h)
	assert.ErrorIs(t, err, ErrPinned)
	assert.True(t, s.Contains(h))

	require.NoError(t, sess.Shutdown(ctx))
	res, err := s.Delete(ctx, h)
	require.NoError(t, err)
	assert.True(t, res.Existed)
	assert.False(t, s.Contains(h))
	assert.Equal(t, int64(0), s.TotalSize())

	res, err = s.Delete(ctx, h)
	require.NoError(t, err)
	assert.False(t, res.Existed)
}

func TestSession_ImplicitPins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Options{})

	sess, err := s.CreateSession("pinning", ImplicitPinPutAndGet)
	require.NoError(t, err)
	assert.Equal(t, "pinning", sess.Name())

	data, h := content(1)
	_, err = sess.Put(ctx, h, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Stats()["Pinned"])

	rc, _, err := sess.OpenStream(ctx, h)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	require.NoError(t, sess.Shutdown(ctx))
	assert.Equal(t, int64(0), s.Stats()["Pinned"])

	_, missing := content(2)
	assert.ErrorIs(t, sess.Pin(ctx, missing), ErrNotFound)
}

type recordingSink struct {
	mu     sync.Mutex
	hashes []hash.ContentHash
}

func (r *recordingSink) EnqueueAll(hashes []hash.ContentHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes = append(r.hashes, hashes...)
}

func (r *recordingSink) all() []hash.ContentHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hash.ContentHash(nil), r.hashes...)
}

// fakeHost orders by the given replica counts and records unregistrations.
type fakeHost struct {
	mu         sync.Mutex
	replicas   map[hash.ContentHash]int
	err        error
	unregister [][]hash.ContentHash
	minAges    []time.Duration
	recorded   []time.Duration
}

func (f *fakeHost) GetHashesInEvictionOrder(ctx context.Context, entries []location.ContentHashWithLastAccess) (iter.Seq[location.ContentEvictionInfo], error) {
	if f.err != nil {
		return nil, f.err
	}
	return func(yield func(location.ContentEvictionInfo) bool) {
		// oldest first
		for i := len(entries) - 1; i >= 0; i-- {
			f.mu.Lock()
			replicas := f.replicas[entries[i].Hash]
			f.mu.Unlock()
			info := location.ContentEvictionInfo{
				Hash:         entries[i].Hash,
				ReplicaCount: replicas,
				EffectiveAge: time.Duration(len(entries)-i) * time.Minute,
			}
			if !yield(info) {
				return
			}
		}
	}, nil
}

func (f *fakeHost) Unregister(ctx context.Context, hashes []hash.ContentHash, minEffectiveAge *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregister = append(f.unregister, hashes)
	if minEffectiveAge != nil {
		f.minAges = append(f.minAges, *minEffectiveAge)
	}
	return nil
}

func (f *fakeHost) RecordEviction(minEffectiveAge time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, minEffectiveAge)
}

// fill puts n blobs, advancing the clock so blob 0 is the oldest.
func fill(t *testing.T, s *FileStore, clock *fakeClock, n int) []hash.ContentHash {
	t.Helper()
	hashes := make([]hash.ContentHash, n)
	for i := 0; i < n; i++ {
		hashes[i] = putContent(t, s, i)
		clock.Advance(time.Minute)
	}
	return hashes
}

func TestEvict_LocalLRUReportsToSink(t *testing.T) {
	sink := &recordingSink{}
	s, clock := newTestStore(t, Options{Eviction: EvictionConfig{Sink: sink}})
	hashes := fill(t, s, clock, 4)
	blobSize := s.TotalSize() / 4

	s.opts.Quota = blobSize * 2
	res, err := s.Evict(context.Background())
	require.NoError(t, err)

	assert.Equal(t, hashes[:2], res.Removed)
	assert.Equal(t, hashes[:2], sink.all())
	assert.False(t, s.Contains(hashes[0]))
	assert.True(t, s.Contains(hashes[3]))
	assert.Equal(t, int64(2), s.Stats()["Evictions"])
}

func TestEvict_GarbageCollectionRecordsEvictionAge(t *testing.T) {
	sink := &recordingSink{}
	host := &fakeHost{replicas: map[hash.ContentHash]int{}}
	s, clock := newTestStore(t, Options{Eviction: EvictionConfig{Sink: sink, Host: host}})
	hashes := fill(t, s, clock, 3)
	blobSize := s.TotalSize() / 3

	s.opts.Quota = blobSize
	res, err := s.Evict(context.Background())
	require.NoError(t, err)

	assert.Equal(t, hashes[:2], res.Removed)
	assert.Equal(t, hashes[:2], sink.all(), "removed content is unregistered through the sink")
	assert.Empty(t, host.unregister, "and only through the sink")
	assert.Equal(t, []time.Duration{res.LastEffectiveAge}, host.recorded)
}

func TestEvict_WithinQuotaIsNoop(t *testing.T) {
	s, clock := newTestStore(t, Options{})
	fill(t, s, clock, 2)
	s.opts.Quota = s.TotalSize()

	res, err := s.Evict(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
}

func TestEvict_SkipsPinned(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, Options{})
	hashes := fill(t, s, clock, 3)
	blobSize := s.TotalSize() / 3

	sess, err := s.CreateSession("pin", ImplicitPinNone)
	require.NoError(t, err)
	require.NoError(t, sess.Pin(ctx, hashes[0]))

	s.opts.Quota = blobSize * 2
	res, err := s.Evict(ctx)
	require.NoError(t, err)
	assert.Equal(t, []hash.ContentHash{hashes[1]}, res.Removed)
	assert.True(t, s.Contains(hashes[0]))
}

func TestEvict_DistributedKeepsSoleReplicas(t *testing.T) {
	sink := &recordingSink{}
	host := &fakeHost{replicas: map[hash.ContentHash]int{}}
	s, clock := newTestStore(t, Options{Eviction: EvictionConfig{Sink: sink, Host: host, Distributed: true}})
	hashes := fill(t, s, clock, 4)
	blobSize := s.TotalSize() / 4

	// hashes[0] is oldest but the only replica; hashes[1] is replicated.
	host.replicas[hashes[0]] = 1
	host.replicas[hashes[1]] = 3
	host.replicas[hashes[2]] = 2
	host.replicas[hashes[3]] = 1

	s.opts.Quota = blobSize * 2
	res, err := s.Evict(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []hash.ContentHash{hashes[1], hashes[2]}, res.Removed)
	assert.Equal(t, []hash.ContentHash{hashes[0]}, res.Retained)
	assert.Equal(t, []hash.ContentHash{hashes[0]}, sink.all(), "sole replicas are re-registered")

	require.Len(t, host.unregister, 1)
	assert.Equal(t, res.Removed, host.unregister[0])
	assert.Equal(t, []time.Duration{res.LastEffectiveAge}, host.minAges)
	assert.True(t, s.Contains(hashes[0]))
}

func TestEvict_DistributedFallsBackToSoleReplicas(t *testing.T) {
	host := &fakeHost{replicas: map[hash.ContentHash]int{}}
	s, clock := newTestStore(t, Options{Eviction: EvictionConfig{Host: host, Distributed: true}})
	hashes := fill(t, s, clock, 3)
	blobSize := s.TotalSize() / 3

	s.opts.Quota = blobSize
	res, err := s.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hashes[:2], res.Removed)
	assert.Empty(t, res.Retained)
}

func TestEvict_HostErrorUsesLocalOrder(t *testing.T) {
	sink := &recordingSink{}
	host := &fakeHost{err: errors.New("not initialized")}
	s, clock := newTestStore(t, Options{Eviction: EvictionConfig{Sink: sink, Host: host}})
	hashes := fill(t, s, clock, 2)
	blobSize := s.TotalSize() / 2

	s.opts.Quota = blobSize
	res, err := s.Evict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hashes[:1], res.Removed)
}

func TestEvict_TriggeredByPut(t *testing.T) {
	sink := &recordingSink{}
	s, clock := newTestStore(t, Options{Eviction: EvictionConfig{Sink: sink}})
	first := putContent(t, s, 0)
	clock.Advance(time.Minute)
	s.opts.Quota = s.TotalSize()

	putContent(t, s, 1)
	require.Eventually(t, func() bool { return !s.Contains(first) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
