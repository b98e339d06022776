package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// Options configures a FileStore.
type Options struct {
	// Root is the store directory. Content lives under Root/content.
	Root string
	// Quota bounds the total uncompressed size of held content. Zero means
	// unlimited.
	Quota int64
	// MinFree rejects content that would leave less than MinFree bytes
	// available on the volume. Zero disables the check.
	MinFree  int64
	Eviction EvictionConfig
	Logger   zerolog.Logger
	Now      func() time.Time

	// volumeStats overrides VolumeStats in tests.
	volumeStats func(path string) (total, used, available int64, err error)
}

// blob is the in-memory index record for one held hash.
type blob struct {
	size       int64
	lastAccess time.Time
	pins       int
}

// FileStore is a content-addressable store on the local filesystem. Blobs
// are verified against their hash on put and stored zstd-compressed.
type FileStore struct {
	opts       Options
	contentDir string
	logger     zerolog.Logger

	encoderPool sync.Pool

	mu      sync.RWMutex
	index   map[hash.ContentHash]*blob
	total   int64
	started bool

	evicting atomic.Bool
	wg       sync.WaitGroup

	puts       atomic.Int64
	putBytes   atomic.Int64
	hits       atomic.Int64
	misses     atomic.Int64
	deletes    atomic.Int64
	evictions  atomic.Int64
	rejections atomic.Int64
}

var (
	_ Store           = (*FileStore)(nil)
	_ ContentLister   = (*FileStore)(nil)
	_ PushFileHandler = (*FileStore)(nil)
	_ StreamStore     = (*FileStore)(nil)
)

// NewFileStore creates a store rooted at opts.Root. Startup must be called
// before use.
func NewFileStore(opts Options) (*FileStore, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.volumeStats == nil {
		opts.volumeStats = VolumeStats
	}
	s := &FileStore{
		opts:       opts,
		contentDir: filepath.Join(opts.Root, "content"),
		logger:     opts.Logger.With().Str("component", "filestore").Logger(),
		index:      make(map[hash.ContentHash]*blob),
	}
	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	return s, nil
}

// Startup creates the content directory and indexes what it holds.
func (s *FileStore) Startup(ctx context.Context) error {
	if err := os.MkdirAll(s.contentDir, 0755); err != nil {
		return fmt.Errorf("create content dir: %w", err)
	}

	index := make(map[hash.ContentHash]*blob)
	var total int64
	err := filepath.WalkDir(s.contentDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		h, ok := s.hashFromPath(path)
		if !ok {
			// Leftover temp file from an interrupted put.
			if filepath.Ext(path) == ".tmp" {
				_ = os.Remove(path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size, err := uncompressedSize(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Removing unreadable blob")
			_ = os.Remove(path)
			return nil
		}
		index[h] = &blob{size: size, lastAccess: info.ModTime()}
		total += size
		return nil
	})
	if err != nil {
		return fmt.Errorf("index content: %w", err)
	}

	s.mu.Lock()
	s.index = index
	s.total = total
	s.started = true
	s.mu.Unlock()

	s.logger.Info().Int("blobs", len(index)).Int64("bytes", total).Str("root", s.opts.Root).Msg("File store started")
	return nil
}

// Shutdown waits for a running eviction pass.
func (s *FileStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *FileStore) blobPath(h hash.ContentHash) string {
	hex := h.Hex()
	return filepath.Join(s.contentDir, h.Type.String(), hex[:2], hex)
}

func (s *FileStore) hashFromPath(path string) (hash.ContentHash, bool) {
	rel, err := filepath.Rel(s.contentDir, path)
	if err != nil {
		return hash.ContentHash{}, false
	}
	typeDir := filepath.Dir(filepath.Dir(rel))
	h, err := hash.Parse(typeDir + ":" + filepath.Base(rel))
	if err != nil {
		return hash.ContentHash{}, false
	}
	return h, true
}

// uncompressedSize reads the content size from the zstd frame header,
// decoding the blob when the header does not carry it.
func uncompressedSize(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, zstd.HeaderMaxSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, err
	}
	var hdr zstd.Header
	if err := hdr.Decode(buf[:n]); err == nil && hdr.HasFCS {
		return int64(hdr.FrameContentSize), nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, err
	}
	defer dec.Close()
	return io.Copy(io.Discard, dec)
}

// Contains implements ContentLister.
func (s *FileStore) Contains(h hash.ContentHash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[h]
	return ok
}

// ContentInfo implements ContentLister.
func (s *FileStore) ContentInfo(ctx context.Context) ([]ContentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	out := make([]ContentInfo, 0, len(s.index))
	for h, b := range s.index {
		out = append(out, ContentInfo{Hash: h, Size: b.size, LastAccess: b.lastAccess})
	}
	return out, nil
}

// CanAcceptContent implements PushFileHandler.
func (s *FileStore) CanAcceptContent(h hash.ContentHash, size int64) (bool, RejectionReason) {
	if s.opts.Quota > 0 && size > s.opts.Quota {
		return false, CapacityExceeded
	}
	if s.opts.MinFree > 0 {
		_, _, available, err := s.opts.volumeStats(s.opts.Root)
		if err != nil {
			s.logger.Debug().Err(err).Msg("Volume stats unavailable, accepting")
			return true, Accepted
		}
		if available-size < s.opts.MinFree {
			return false, CapacityExceeded
		}
	}
	return true, Accepted
}

// HandlePushFile implements PushFileHandler.
func (s *FileStore) HandlePushFile(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (PutResult, error) {
	return s.put(ctx, h, r, size, false)
}

// put stores content. When pin is set the blob is pinned under the index
// lock so eviction cannot remove it between write and pin.
func (s *FileStore) put(ctx context.Context, h hash.ContentHash, r io.Reader, size int64, pin bool) (PutResult, error) {
	if h.IsZero() {
		return PutResult{}, fmt.Errorf("content hash cannot be empty")
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return PutResult{}, ErrNotStarted
	}
	if b, ok := s.index[h]; ok {
		b.lastAccess = s.opts.Now()
		if pin {
			b.pins++
		}
		size := b.size
		s.mu.Unlock()
		_, _ = io.Copy(io.Discard, r)
		return PutResult{Hash: h, Size: size, AlreadyExisted: true}, nil
	}
	s.mu.Unlock()

	staged, err := s.stageBlob(h, r, size)
	if err != nil {
		return PutResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(staged.path)
		}
	}()

	if ctx.Err() != nil {
		return PutResult{}, ctx.Err()
	}
	if staged.hash != h {
		return PutResult{}, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, h.Short(), staged.hash.Short())
	}
	if ok, _ := s.CanAcceptContent(h, staged.size); !ok {
		s.rejections.Add(1)
		return PutResult{}, fmt.Errorf("%w: %d bytes", ErrCapacity, staged.size)
	}
	// Concurrent writes of the same hash produce identical files, so the
	// last rename wins.
	if err := os.Rename(staged.path, s.blobPath(h)); err != nil {
		return PutResult{}, fmt.Errorf("rename blob: %w", err)
	}
	committed = true

	s.mu.Lock()
	existed := false
	if b, ok := s.index[h]; ok {
		existed = true
		b.lastAccess = s.opts.Now()
		if pin {
			b.pins++
		}
	} else {
		b := &blob{size: staged.size, lastAccess: s.opts.Now()}
		if pin {
			b.pins = 1
		}
		s.index[h] = b
		s.total += b.size
	}
	over := s.opts.Quota > 0 && s.total > s.opts.Quota
	s.mu.Unlock()

	s.puts.Add(1)
	s.putBytes.Add(staged.size)
	s.logger.Debug().Str("hash", h.Short()).Int64("size", staged.size).Msg("Stored content")

	if over {
		s.triggerEviction()
	}
	return PutResult{Hash: h, Size: staged.size, AlreadyExisted: existed}, nil
}

type stagedBlob struct {
	path string
	size int64
	hash hash.ContentHash
}

// stageBlob streams r through the hasher and the compressor into a unique
// temp file next to the blob's final path. When size is known at most
// size+1 bytes are read and any other length fails.
func (s *FileStore) stageBlob(h hash.ContentHash, r io.Reader, size int64) (stagedBlob, error) {
	hasher, err := hash.NewHasher(h.Type)
	if err != nil {
		return stagedBlob{}, err
	}
	dir := filepath.Dir(s.blobPath(h))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return stagedBlob{}, fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*.tmp")
	if err != nil {
		return stagedBlob{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (stagedBlob, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return stagedBlob{}, err
	}

	if size > 0 {
		r = io.LimitReader(r, size+1)
	}
	enc := s.encoderPool.Get().(*zstd.Encoder)
	// A known size lands in the frame header, which Startup reads back.
	enc.ResetContentSize(tmp, size)
	n, err := io.Copy(io.MultiWriter(hasher, enc), r)
	if err == nil && size > 0 && n != size {
		err = fmt.Errorf("expected %d bytes, got %d", size, n)
	}
	if err != nil {
		enc.Reset(nil)
		s.encoderPool.Put(enc)
		return fail(fmt.Errorf("read content: %w", err))
	}
	err = enc.Close()
	s.encoderPool.Put(enc)
	if err != nil {
		return fail(fmt.Errorf("write blob: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return stagedBlob{}, fmt.Errorf("close temp file: %w", err)
	}
	return stagedBlob{path: tmpPath, size: n, hash: hash.FromHasher(h.Type, hasher)}, nil
}

// OpenStream implements StreamStore. The returned reader yields the
// uncompressed content.
func (s *FileStore) OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error) {
	return s.open(ctx, h, false)
}

func (s *FileStore) open(ctx context.Context, h hash.ContentHash, pin bool) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	b, ok := s.index[h]
	if !ok {
		s.mu.Unlock()
		s.misses.Add(1)
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
	}
	now := s.opts.Now()
	b.lastAccess = now
	if pin {
		b.pins++
	}
	size := b.size
	s.mu.Unlock()

	path := s.blobPath(h)
	f, err := os.Open(path)
	if err != nil {
		if pin {
			s.unpin(h)
		}
		if os.IsNotExist(err) {
			s.misses.Add(1)
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, h.Short())
		}
		return nil, 0, fmt.Errorf("open blob: %w", err)
	}
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = f.Close()
		if pin {
			s.unpin(h)
		}
		return nil, 0, fmt.Errorf("open decoder: %w", err)
	}
	_ = os.Chtimes(path, now, now)
	s.hits.Add(1)
	return &blobReader{dec: dec, f: f}, size, nil
}

// blobReader closes both the decoder and the underlying file.
type blobReader struct {
	dec *zstd.Decoder
	f   *os.File
}

func (r *blobReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *blobReader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// CheckFileExists implements StreamStore.
func (s *FileStore) CheckFileExists(ctx context.Context, h hash.ContentHash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Contains(h), nil
}

// Delete removes content. Pinned content is not deleted.
func (s *FileStore) Delete(ctx context.Context, h hash.ContentHash) (DeleteResult, error) {
	s.mu.Lock()
	b, ok := s.index[h]
	if !ok {
		s.mu.Unlock()
		return DeleteResult{Hash: h}, nil
	}
	if b.pins > 0 {
		s.mu.Unlock()
		return DeleteResult{Hash: h, Size: b.size, Existed: true}, fmt.Errorf("%w: %s", ErrPinned, h.Short())
	}
	delete(s.index, h)
	s.total -= b.size
	s.mu.Unlock()

	if err := os.Remove(s.blobPath(h)); err != nil && !os.IsNotExist(err) {
		return DeleteResult{Hash: h, Size: b.size, Existed: true}, fmt.Errorf("delete blob: %w", err)
	}
	s.deletes.Add(1)
	s.logger.Debug().Str("hash", h.Short()).Msg("Deleted content")
	return DeleteResult{Hash: h, Size: b.size, Existed: true}, nil
}

func (s *FileStore) pin(h hash.ContentHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.index[h]
	if ok {
		b.pins++
	}
	return ok
}

func (s *FileStore) unpin(h hash.ContentHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.index[h]; ok && b.pins > 0 {
		b.pins--
	}
}

// TotalSize returns the uncompressed size of held content.
func (s *FileStore) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// Stats implements Store.
func (s *FileStore) Stats() map[string]int64 {
	s.mu.RLock()
	blobs, total := len(s.index), s.total
	var pinned int64
	for _, b := range s.index {
		if b.pins > 0 {
			pinned++
		}
	}
	s.mu.RUnlock()

	return map[string]int64{
		"Blobs":      int64(blobs),
		"Bytes":      total,
		"Pinned":     pinned,
		"Quota":      s.opts.Quota,
		"Puts":       s.puts.Load(),
		"PutBytes":   s.putBytes.Load(),
		"Hits":       s.hits.Load(),
		"Misses":     s.misses.Load(),
		"Deletes":    s.deletes.Load(),
		"Evictions":  s.evictions.Load(),
		"Rejections": s.rejections.Load(),
	}
}
