// Package httpregistry serves a location.MemoryTable over HTTP and provides
// a client that implements location.Factory and location.Registry against
// it.
package httpregistry

import (
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/hash"
)

// API paths, relative to the registry base URL.
const (
	PathMachines   = "/api/v1/registry/machines"
	PathRegister   = "/api/v1/registry/register"
	PathUnregister = "/api/v1/registry/unregister"
	PathTouch      = "/api/v1/registry/touch"
	PathGet        = "/api/v1/registry/get"
	PathDesignated = "/api/v1/registry/designated"
	PathReputation = "/api/v1/registry/reputation"
	PathReconcile  = "/api/v1/registry/reconcile"
	PathInvalidate = "/api/v1/registry/invalidate"
	PathHealth     = "/health"
)

// JoinRequest announces a machine to the registry.
type JoinRequest struct {
	Machine location.MachineLocation `json:"machine"`
}

// MachinesResponse lists known machines.
type MachinesResponse struct {
	Machines []location.MachineLocation `json:"machines"`
}

// RegisterRequest registers content for a machine.
type RegisterRequest struct {
	Machine      location.MachineLocation       `json:"machine"`
	Entries      []location.ContentHashWithSize `json:"entries"`
	Touch        bool                           `json:"touch,omitempty"`
	OnlyIfExists bool                           `json:"only_if_exists,omitempty"`
}

// RegisterResponse reports how many hashes were registered.
type RegisterResponse struct {
	Registered int `json:"registered"`
}

// UnregisterRequest removes a machine from the given hashes.
type UnregisterRequest struct {
	Machine location.MachineLocation `json:"machine"`
	Hashes  []hash.ContentHash       `json:"hashes"`
	Urgency location.Urgency         `json:"urgency,omitempty"`
}

// TouchRequest refreshes last access of existing entries.
type TouchRequest struct {
	Machine location.MachineLocation       `json:"machine"`
	Entries []location.ContentHashWithSize `json:"entries"`
}

// GetRequest looks up entries.
type GetRequest struct {
	Hashes []hash.ContentHash `json:"hashes"`
}

// GetResponse holds one entry per requested hash, in request order.
type GetResponse struct {
	Entries []location.ContentLocationEntry `json:"entries"`
}

// DesignatedResponse lists the designated machines for a hash.
type DesignatedResponse struct {
	Hash      hash.ContentHash           `json:"hash"`
	Locations []location.MachineLocation `json:"locations"`
}

// ReputationRequest reports a peer health signal.
type ReputationRequest struct {
	Machine    location.MachineLocation `json:"machine"`
	Reputation location.Reputation      `json:"reputation"`
}

// ReconcileEntry is one locally held blob.
type ReconcileEntry struct {
	Hash       hash.ContentHash `json:"hash"`
	Size       int64            `json:"size"`
	LastAccess int64            `json:"last_access_unix_nano"`
}

// ReconcileRequest replaces the registry's view of a machine.
type ReconcileRequest struct {
	Machine location.MachineLocation `json:"machine"`
	Content []ReconcileEntry         `json:"content"`
}

// ReconcileResponse reports the changes made by a reconcile.
type ReconcileResponse struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// InvalidateRequest drops every location of a machine.
type InvalidateRequest struct {
	Machine location.MachineLocation `json:"machine"`
}

// InvalidateResponse reports the number of entries the machine was removed from.
type InvalidateResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}
