// Package hash defines the content hash used to name blobs in the cache.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	gohash "hash"
	"slices"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Type identifies the digest algorithm of a ContentHash.
type Type uint8

const (
	// SHA256 is the default hash type.
	SHA256 Type = iota + 1
	// Blake2b256 is BLAKE2b with a 256-bit digest.
	Blake2b256
)

// Size is the digest length in bytes for every supported type.
const Size = 32

// String returns the canonical name of t.
func (t Type) String() string {
	switch t {
	case SHA256:
		return "sha256"
	case Blake2b256:
		return "blake2b"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses a hash type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "sha256":
		return SHA256, nil
	case "blake2b", "blake2b256":
		return Blake2b256, nil
	default:
		return 0, fmt.Errorf("unknown hash type %q", s)
	}
}

// ContentHash names a blob by its digest. The zero value is invalid.
// ContentHash is comparable and can be used as a map key.
type ContentHash struct {
	Type   Type
	Digest [Size]byte
}

// IsZero reports whether h is the zero (unset) hash.
func (h ContentHash) IsZero() bool {
	return h.Type == 0
}

// Compare orders hashes by type and then by digest bytes.
func (h ContentHash) Compare(other ContentHash) int {
	if h.Type != other.Type {
		if h.Type < other.Type {
			return -1
		}
		return 1
	}
	return bytes.Compare(h.Digest[:], other.Digest[:])
}

// Hex returns the lowercase hex digest.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h.Digest[:])
}

// String renders h as "<type>:<hex>".
func (h ContentHash) String() string {
	if h.IsZero() {
		return "<zero>"
	}
	return h.Type.String() + ":" + h.Hex()
}

// Short returns an abbreviated form suitable for logs.
func (h ContentHash) Short() string {
	s := h.Hex()
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}

// MarshalText implements encoding.TextMarshaler.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *ContentHash) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*h = p
	return nil
}

// Parse parses the output of ContentHash.String. A bare hex digest is
// taken to be SHA256.
func Parse(s string) (ContentHash, error) {
	var h ContentHash
	typ, digest, ok := strings.Cut(s, ":")
	if !ok {
		typ, digest = SHA256.String(), s
	}
	t, err := ParseType(typ)
	if err != nil {
		return h, err
	}
	b, err := hex.DecodeString(digest)
	if err != nil {
		return h, fmt.Errorf("parse hash %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("parse hash %q: digest is %d bytes, want %d", s, len(b), Size)
	}
	h.Type = t
	copy(h.Digest[:], b)
	return h, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) ContentHash {
	h, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return h
}

// NewHasher returns a streaming hasher for t.
func NewHasher(t Type) (gohash.Hash, error) {
	switch t {
	case SHA256:
		return sha256.New(), nil
	case Blake2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash type %v", t)
	}
}

// FromHasher builds a ContentHash from the digest accumulated in h.
func FromHasher(t Type, h gohash.Hash) ContentHash {
	ch := ContentHash{Type: t}
	copy(ch.Digest[:], h.Sum(nil))
	return ch
}

// Of computes the hash of data.
func Of(t Type, data []byte) ContentHash {
	ch := ContentHash{Type: t}
	switch t {
	case Blake2b256:
		ch.Digest = blake2b.Sum256(data)
	default:
		ch.Type = SHA256
		ch.Digest = sha256.Sum256(data)
	}
	return ch
}

// Sort orders hashes in place.
func Sort(hashes []ContentHash) {
	slices.SortFunc(hashes, ContentHash.Compare)
}
