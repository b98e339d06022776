package distributed

import (
	"context"
	"sync"
)

// gate resolves exactly once with an error value (nil on success). Waiters
// block until it resolves.
type gate struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

// Resolve sets the result. Only the first call has an effect; it reports
// whether this call resolved the gate.
func (g *gate) Resolve(err error) bool {
	resolved := false
	g.once.Do(func() {
		g.err = err
		close(g.done)
		resolved = true
	})
	return resolved
}

// Resolved reports whether the gate has a result.
func (g *gate) Resolved() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate resolves or ctx is done.
func (g *gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
