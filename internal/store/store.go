// Package store defines the local content store contract used by the
// distributed orchestrator and provides FileStore, a file-backed
// content-addressable store.
package store

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

var (
	// ErrNotFound is returned when content is not held locally.
	ErrNotFound = errors.New("store: content not found")
	// ErrPinned is returned when deleting content pinned by a session.
	ErrPinned = errors.New("store: content is pinned")
	// ErrHashMismatch is returned when put content does not match its hash.
	ErrHashMismatch = errors.New("store: content hash mismatch")
	// ErrCapacity is returned when content cannot be admitted.
	ErrCapacity = errors.New("store: capacity exceeded")
	// ErrNotStarted is returned by operations before Startup.
	ErrNotStarted = errors.New("store: not started")
)

// RejectionReason explains the result of an admission check.
type RejectionReason int

const (
	Accepted RejectionReason = iota
	NotSupported
	CapacityExceeded
	OlderThanLastEvicted
)

func (r RejectionReason) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case NotSupported:
		return "not_supported"
	case CapacityExceeded:
		return "capacity_exceeded"
	case OlderThanLastEvicted:
		return "older_than_last_evicted"
	default:
		return "unknown"
	}
}

// ParseRejectionReason inverts RejectionReason.String.
func ParseRejectionReason(s string) RejectionReason {
	switch s {
	case "accepted":
		return Accepted
	case "capacity_exceeded":
		return CapacityExceeded
	case "older_than_last_evicted":
		return OlderThanLastEvicted
	default:
		return NotSupported
	}
}

// ImplicitPin controls which session operations pin content.
type ImplicitPin int

const (
	ImplicitPinNone ImplicitPin = iota
	ImplicitPinPut
	ImplicitPinGet
	ImplicitPinPutAndGet
)

func (p ImplicitPin) pinsPut() bool { return p == ImplicitPinPut || p == ImplicitPinPutAndGet }
func (p ImplicitPin) pinsGet() bool { return p == ImplicitPinGet || p == ImplicitPinPutAndGet }

// PutResult describes a completed put.
type PutResult struct {
	Hash           hash.ContentHash `json:"hash"`
	Size           int64            `json:"size"`
	AlreadyExisted bool             `json:"already_existed"`
}

// DeleteResult describes a completed local delete.
type DeleteResult struct {
	Hash    hash.ContentHash `json:"hash"`
	Size    int64            `json:"size"`
	Existed bool             `json:"existed"`
}

// ContentInfo is what the store reports for each held blob.
type ContentInfo = location.ContentHashWithLastAccessAndSize

// Session is a named handle on the store. Content pinned by a session is not
// evicted until the session shuts down.
type Session interface {
	Name() string
	Pin(ctx context.Context, h hash.ContentHash) error
	OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error)
	Put(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (PutResult, error)
	Shutdown(ctx context.Context) error
}

// Store is the base local store capability.
type Store interface {
	Startup(ctx context.Context) error
	Shutdown(ctx context.Context) error
	CreateSession(name string, pin ImplicitPin) (Session, error)
	Delete(ctx context.Context, h hash.ContentHash) (DeleteResult, error)
	Stats() map[string]int64
}

// ContentLister enumerates held content.
type ContentLister interface {
	Contains(h hash.ContentHash) bool
	ContentInfo(ctx context.Context) ([]ContentInfo, error)
}

// PushFileHandler admits content pushed by peers.
type PushFileHandler interface {
	CanAcceptContent(h hash.ContentHash, size int64) (bool, RejectionReason)
	HandlePushFile(ctx context.Context, h hash.ContentHash, r io.Reader, size int64) (PutResult, error)
}

// StreamStore serves content to peers.
type StreamStore interface {
	OpenStream(ctx context.Context, h hash.ContentHash) (io.ReadCloser, int64, error)
	CheckFileExists(ctx context.Context, h hash.ContentHash) (bool, error)
}

// EvictionSink receives hashes from the store's eviction pass. It is backed
// by the orchestrator's eviction batch queue and never blocks.
type EvictionSink interface {
	EnqueueAll(hashes []hash.ContentHash)
}

// EvictionHost is the orchestrator side of quota eviction.
type EvictionHost interface {
	GetHashesInEvictionOrder(ctx context.Context, entries []location.ContentHashWithLastAccess) (iter.Seq[location.ContentEvictionInfo], error)
	Unregister(ctx context.Context, hashes []hash.ContentHash, minEffectiveAge *time.Duration) error
	// RecordEviction reports the effective age of the last content removed
	// by a pass whose hashes are unregistered through the sink.
	RecordEviction(minEffectiveAge time.Duration)
}

// EvictionConfig wires a store's eviction pass to the orchestrator.
type EvictionConfig struct {
	Sink EvictionSink
	Host EvictionHost
	// Distributed selects distributed eviction: removed content is
	// unregistered through the host with its effective age, and sole
	// replicas are kept as long as possible and re-registered via the sink.
	// Otherwise removed content is reported to the sink for garbage
	// collection and its effective age to the host.
	Distributed bool
}
