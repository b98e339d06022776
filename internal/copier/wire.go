package copier

import (
	"net/url"
	"strconv"

	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// Peer API paths.
const (
	ContentPrefix = "/api/v1/content/"
	StatsPath     = "/api/v1/stats"
	// HeaderRequestID carries a per-request id for log correlation.
	HeaderRequestID = "X-Request-ID"
	// HeaderOrigin names the machine that issued a peer request.
	HeaderOrigin = "X-Casmesh-Origin"
)

// ContentURL returns the content resource of h on peer.
func ContentURL(peer location.MachineLocation, h hash.ContentHash) string {
	return peer.String() + ContentPrefix + url.PathEscape(h.String())
}

// AcceptURL returns the admission check resource of h on peer for content
// of the given size.
func AcceptURL(peer location.MachineLocation, h hash.ContentHash, size int64) string {
	return ContentURL(peer, h) + "/accept?size=" + strconv.FormatInt(size, 10)
}

// CopyURL returns the copy request resource of h on peer.
func CopyURL(peer location.MachineLocation, h hash.ContentHash) string {
	return ContentURL(peer, h) + "/copy"
}

// AcceptResponse answers an admission check.
type AcceptResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
}

// PutResponse answers a content push.
type PutResponse struct {
	Hash           hash.ContentHash `json:"hash"`
	Size           int64            `json:"size"`
	AlreadyExisted bool             `json:"already_existed"`
}

// DeleteResponse answers a peer delete.
type DeleteResponse struct {
	Hash    hash.ContentHash `json:"hash"`
	Size    int64            `json:"size"`
	Existed bool             `json:"existed"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
