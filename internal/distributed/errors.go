package distributed

import "errors"

var (
	// ErrInvalidState is returned when a lifecycle method is called out of
	// order.
	ErrInvalidState = errors.New("distributed: invalid state")
	// ErrInvalidOperation is returned when the local store or registry lacks
	// a capability the operation needs.
	ErrInvalidOperation = errors.New("distributed: invalid operation")
	// ErrNotFound is returned when content is neither local nor known to the
	// registry.
	ErrNotFound = errors.New("distributed: content not found")
	// ErrShutdown is returned by operations on a store that has shut down.
	ErrShutdown = errors.New("distributed: store is shut down")
)
