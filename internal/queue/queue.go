// Package queue provides the bounded single-producer/single-consumer FIFO that
// decouples a device reader from its persister.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Enqueue after Close, and by DequeueBatch once the
	// queue is closed and fully drained.
	ErrClosed = errors.New("queue closed")
	// ErrOverflow describes a dropped item. It is passed to the drop callback
	// and never returned by Enqueue.
	ErrOverflow = errors.New("queue overflow")
)

// Policy selects what Enqueue does when the queue is full.
type Policy int

const (
	// Block waits for the consumer to make room. Nothing is lost.
	Block Policy = iota
	// DropOldest discards the oldest queued item to make room.
	DropOldest
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case DropOldest:
		return "drop_oldest"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses the configuration spelling of a policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "block":
		return Block, nil
	case "drop_oldest", "drop-oldest":
		return DropOldest, nil
	}
	return Block, fmt.Errorf("unknown backpressure policy %q", s)
}

// DefaultCapacity matches the acquisition queue size used by the recorders.
const DefaultCapacity = 10000

// Stats is a snapshot of queue counters.
type Stats struct {
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Dropped   uint64 `json:"dropped"`
	Len       int    `json:"len"`
	Capacity  int    `json:"capacity"`
	HighWater int    `json:"high_water"`
	Closed    bool   `json:"closed"`
}

// Option configures a Queue.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy  Policy
	onDrop  func(item T, err error)
	metrics *Metrics
	stream  string
}

// WithPolicy sets the overflow policy. The default is Block.
func WithPolicy[T any](p Policy) Option[T] {
	return func(o *options[T]) { o.policy = p }
}

// WithDropCallback is called, outside the queue lock, for every item discarded
// under DropOldest. err wraps ErrOverflow.
func WithDropCallback[T any](fn func(item T, err error)) Option[T] {
	return func(o *options[T]) { o.onDrop = fn }
}

// WithMetrics exports the queue counters under the given stream label.
func WithMetrics[T any](m *Metrics, stream string) Option[T] {
	return func(o *options[T]) {
		if m != nil {
			o.metrics = m
			o.stream = stream
		}
	}
}

// Queue is a bounded FIFO safe for one producer and one consumer running
// concurrently.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
	head  int // next read position
	size  int
	stats Stats
	opts  options[T]

	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}
}

// New creates a queue holding at most capacity items.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue[T]{
		items:    make([]T, capacity),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	q.stats.Capacity = capacity
	for _, opt := range opts {
		if opt != nil {
			opt(&q.opts)
		}
	}
	return q
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Enqueue appends item. Under Block it waits while the queue is full and
// returns ctx.Err() if ctx ends first. Under DropOldest it never waits.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.stats.Closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.size < len(q.items) {
			q.push(item)
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		if q.opts.policy == DropOldest {
			dropped := q.pop()
			q.stats.Dropped++
			q.push(item)
			q.mu.Unlock()
			q.opts.metrics.dropped(q.opts.stream)
			if q.opts.onDrop != nil {
				q.opts.onDrop(dropped, ErrOverflow)
			}
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.closed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// push and pop require q.mu.
func (q *Queue[T]) push(item T) {
	q.items[(q.head+q.size)%len(q.items)] = item
	q.size++
	q.stats.Enqueued++
	if q.size > q.stats.HighWater {
		q.stats.HighWater = q.size
	}
	q.opts.metrics.enqueued(q.opts.stream, q.size)
}

func (q *Queue[T]) pop() T {
	var zero T
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return item
}

// DequeueBatch removes up to limit items. If the queue is empty it waits up to
// timeout for an item and returns an empty batch when none arrives. Once the
// queue is closed and empty it returns ErrClosed.
func (q *Queue[T]) DequeueBatch(limit int, timeout time.Duration) ([]T, error) {
	if limit <= 0 {
		limit = 1
	}
	var timer *time.Timer
	for {
		q.mu.Lock()
		if q.size > 0 {
			n := min(limit, q.size)
			out := make([]T, n)
			for i := range out {
				out[i] = q.pop()
			}
			q.stats.Dequeued += uint64(n)
			size := q.size
			q.mu.Unlock()
			q.opts.metrics.dequeued(q.opts.stream, n, size)
			signal(q.notFull)
			return out, nil
		}
		closed := q.stats.Closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}
		if timeout <= 0 {
			return nil, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-q.notEmpty:
		case <-q.closed:
		case <-timer.C:
			return nil, nil
		}
	}
}

// Close stops accepting items. Queued items remain available to DequeueBatch.
// Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stats.Closed {
		return
	}
	q.stats.Closed = true
	close(q.closed)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Len = q.size
	return s
}

// Policy returns the configured overflow policy.
func (q *Queue[T]) Policy() Policy { return q.opts.policy }
