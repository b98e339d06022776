// Package nagle coalesces items enqueued by many callers into batches that
// are bounded by size and by time, and hands them to a handler with bounded
// parallelism.
package nagle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBatchSize   = 100
	defaultInterval    = time.Second
	defaultParallelism = 1
)

// ErrAlreadyStarted is returned when Start is called on a started queue.
var ErrAlreadyStarted = errors.New("nagle: queue already started")

// Handler processes one batch. Errors are logged by the queue and are not
// visible to callers of Enqueue.
type Handler[T any] func(batch []T) error

// Options configures a Queue.
type Options struct {
	// Name identifies the queue in logs.
	Name string
	// BatchSize is the number of items that triggers an immediate flush.
	BatchSize int
	// Interval is the maximum time an item waits before its batch is flushed.
	Interval time.Duration
	// Parallelism bounds the number of concurrent handler calls.
	Parallelism int
	Logger      zerolog.Logger
}

// Stats holds queue statistics.
type Stats struct {
	Enqueued uint64 `json:"enqueued"`
	Flushed  uint64 `json:"flushed"`
	Batches  uint64 `json:"batches"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

// Queue batches items of type T. Enqueue never blocks and never fails.
type Queue[T any] struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	handler  Handler[T]
	pending  []T
	timer    *time.Timer
	disposed bool

	sem chan struct{}
	wg  sync.WaitGroup

	enqueued atomic.Uint64
	flushed  atomic.Uint64
	batches  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a started queue.
func New[T any](handler Handler[T], opts Options) *Queue[T] {
	q := NewUnstarted[T](opts)
	_ = q.Start(handler)
	return q
}

// NewUnstarted creates a queue without a handler. Items enqueued before
// Start are buffered and flushed once Start supplies the handler.
func NewUnstarted[T any](opts Options) *Queue[T] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	if opts.Name == "" {
		opts.Name = "nagle"
	}
	return &Queue[T]{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "nagle").Str("queue", opts.Name).Logger(),
		sem:    make(chan struct{}, opts.Parallelism),
	}
}

// Start installs the handler and flushes anything buffered so far.
func (q *Queue[T]) Start(handler Handler[T]) error {
	if handler == nil {
		return fmt.Errorf("nagle: nil handler")
	}

	q.mu.Lock()
	if q.handler != nil {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.handler = handler
	batches := q.reserveLocked(q.takeFullLocked())
	if len(q.pending) > 0 && !q.disposed {
		q.armLocked()
	}
	q.mu.Unlock()

	q.dispatchAll(handler, batches)
	return nil
}

// Enqueue adds an item.
func (q *Queue[T]) Enqueue(item T) {
	q.EnqueueAll([]T{item})
}

// EnqueueAll adds items.
func (q *Queue[T]) EnqueueAll(items []T) {
	if len(items) == 0 {
		return
	}

	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		q.dropped.Add(uint64(len(items)))
		q.logger.Debug().Int("items", len(items)).Msg("Dropping items enqueued after dispose")
		return
	}
	q.pending = append(q.pending, items...)
	q.enqueued.Add(uint64(len(items)))

	var batches [][]T
	handler := q.handler
	if handler != nil {
		batches = q.reserveLocked(q.takeFullLocked())
		if len(q.pending) > 0 {
			q.armLocked()
		} else {
			q.stopTimerLocked()
		}
	}
	q.mu.Unlock()

	q.dispatchAll(handler, batches)
}

// Dispose flushes what is pending (if started) and waits for in-flight
// batches. Items enqueued concurrently with Dispose may be dropped.
func (q *Queue[T]) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	q.stopTimerLocked()

	var batches [][]T
	handler := q.handler
	if handler != nil {
		batches = q.reserveLocked(q.takeAllLocked())
	} else if len(q.pending) > 0 {
		q.dropped.Add(uint64(len(q.pending)))
		q.pending = nil
	}
	q.mu.Unlock()

	q.dispatchAll(handler, batches)
	q.wg.Wait()
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Enqueued: q.enqueued.Load(),
		Flushed:  q.flushed.Load(),
		Batches:  q.batches.Load(),
		Failed:   q.failed.Load(),
		Dropped:  q.dropped.Load(),
	}
}

// Pending returns the number of buffered items.
func (q *Queue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// armLocked starts the interval timer if it is not already running. The
// timer measures time since the first unflushed item.
func (q *Queue[T]) armLocked() {
	if q.timer != nil {
		return
	}
	q.timer = time.AfterFunc(q.opts.Interval, q.onInterval)
}

func (q *Queue[T]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue[T]) onInterval() {
	q.mu.Lock()
	q.timer = nil
	if q.disposed || q.handler == nil {
		q.mu.Unlock()
		return
	}
	handler := q.handler
	batches := q.reserveLocked(q.takeAllLocked())
	q.mu.Unlock()

	q.dispatchAll(handler, batches)
}

// takeFullLocked removes every complete batch from pending.
func (q *Queue[T]) takeFullLocked() [][]T {
	var batches [][]T
	for len(q.pending) >= q.opts.BatchSize {
		batch := make([]T, q.opts.BatchSize)
		copy(batch, q.pending[:q.opts.BatchSize])
		q.pending = q.pending[q.opts.BatchSize:]
		batches = append(batches, batch)
	}
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return batches
}

// takeAllLocked removes everything from pending, split into batches.
func (q *Queue[T]) takeAllLocked() [][]T {
	batches := q.takeFullLocked()
	if len(q.pending) > 0 {
		batches = append(batches, q.pending)
		q.pending = nil
	}
	return batches
}

// reserveLocked accounts for batches in the wait group while q.mu is held,
// so that a Dispose that observes their removal from pending also waits for
// them.
func (q *Queue[T]) reserveLocked(batches [][]T) [][]T {
	q.wg.Add(len(batches))
	return batches
}

// dispatchAll runs batches reserved by reserveLocked.
func (q *Queue[T]) dispatchAll(handler Handler[T], batches [][]T) {
	for _, b := range batches {
		q.dispatch(handler, b)
	}
}

func (q *Queue[T]) dispatch(handler Handler[T], batch []T) {
	go func() {
		defer q.wg.Done()

		q.sem <- struct{}{}
		defer func() { <-q.sem }()

		err := q.run(handler, batch)
		q.batches.Add(1)
		if err != nil {
			q.failed.Add(uint64(len(batch)))
			q.logger.Error().Err(err).Int("batch", len(batch)).Msg("Batch handler failed")
		} else {
			q.flushed.Add(uint64(len(batch)))
		}
	}()
}

func (q *Queue[T]) run(handler Handler[T], batch []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("nagle: handler panic: %v", r)
		}
	}()
	return handler(batch)
}
