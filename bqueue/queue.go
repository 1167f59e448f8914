// Package bqueue is a multi-producer, single-consumer queue
// with explicit capacity and overflow handling.
//
// Producers hold a [*Sender]; each independent producer should
// hold its own handle obtained through [*Sender.Clone].
// The queue is closed for receiving once every sender handle is closed
// and the buffer has drained.
// Values from a single handle are received in the order they were sent.
package bqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Overflow selects what a send does when a bounded queue is full.
type Overflow uint8

const (
	// Wait for space, or for the send context to be canceled.
	OverflowBlock Overflow = iota

	// Fail the send with [ErrFull].
	OverflowReject

	// Discard the oldest buffered value to make room.
	OverflowDropOldest
)

func (o Overflow) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowReject:
		return "reject"
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return fmt.Sprintf("Overflow(%d)", uint8(o))
	}
}

// ParseOverflow parses the output of [Overflow.String].
func ParseOverflow(s string) (Overflow, error) {
	for o := OverflowBlock; o <= OverflowDropOldest; o++ {
		if o.String() == s {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown overflow policy %q (want block, reject, or drop-oldest)", s)
}

var (
	// ErrClosed is returned from Send once the receiver is gone,
	// and from Receive once every sender is gone and the buffer is empty.
	ErrClosed = errors.New("queue closed")

	// ErrFull is returned from Send on a full queue
	// configured with [OverflowReject].
	ErrFull = errors.New("queue full")
)

// Config is the configuration for [New].
type Config struct {
	// Zero means unbounded.
	Capacity int

	// Ignored when Capacity is zero.
	Overflow Overflow
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Overflow string `json:"overflow"`
	Dropped  uint64 `json:"dropped"`
	Senders  int    `json:"senders"`
}

type queue[T any] struct {
	cfg Config

	mu  sync.Mutex
	buf []T

	senders        int
	receiverClosed bool
	dropped        uint64

	// Closed and replaced whenever state changes,
	// waking every blocked Send and Receive.
	changed chan struct{}
}

// New returns the two ends of a new queue.
// It panics if cfg is invalid.
func New[T any](cfg Config) (*Sender[T], *Receiver[T]) {
	if cfg.Capacity < 0 {
		panic(fmt.Errorf("BUG: queue capacity must not be negative (got %d)", cfg.Capacity))
	}
	if cfg.Overflow > OverflowDropOldest {
		panic(fmt.Errorf("BUG: unknown overflow policy %v", cfg.Overflow))
	}

	q := &queue[T]{
		cfg:     cfg,
		senders: 1,
		changed: make(chan struct{}),
	}
	return &Sender[T]{q: q}, &Receiver[T]{q: q}
}

// notify must be called with q.mu held.
func (q *queue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *queue[T]) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      len(q.buf),
		Capacity: q.cfg.Capacity,
		Overflow: q.cfg.Overflow.String(),
		Dropped:  q.dropped,
		Senders:  q.senders,
	}
}

// Sender is a producer handle.
type Sender[T any] struct {
	q *queue[T]

	closed atomic.Bool
}

// Send enqueues v.
func (s *Sender[T]) Send(ctx context.Context, v T) error {
	if s.closed.Load() {
		return ErrClosed
	}

	q := s.q
	for {
		q.mu.Lock()
		if q.receiverClosed {
			q.mu.Unlock()
			return ErrClosed
		}

		if q.cfg.Capacity == 0 || len(q.buf) < q.cfg.Capacity {
			q.buf = append(q.buf, v)
			q.notify()
			q.mu.Unlock()
			return nil
		}

		switch q.cfg.Overflow {
		case OverflowReject:
			q.mu.Unlock()
			return ErrFull

		case OverflowDropOldest:
			var zero T
			q.buf[0] = zero
			q.buf = append(q.buf[1:], v)
			q.dropped++
			q.notify()
			q.mu.Unlock()
			return nil
		}

		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-ch:
		}
	}
}

// Clone returns a new handle on the same queue.
// The clone must be closed independently.
func (s *Sender[T]) Clone() *Sender[T] {
	if s.closed.Load() {
		panic("BUG: Clone called on closed Sender")
	}

	s.q.mu.Lock()
	s.q.senders++
	s.q.mu.Unlock()

	return &Sender[T]{q: s.q}
}

// Close releases this handle.
// Closing an already closed handle has no effect.
func (s *Sender[T]) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	s.q.mu.Lock()
	s.q.senders--
	s.q.notify()
	s.q.mu.Unlock()
}

// Stats returns the current queue statistics.
func (s *Sender[T]) Stats() Stats { return s.q.stats() }

// Receiver is the single consumer handle.
// Receive must not be called concurrently.
type Receiver[T any] struct {
	q *queue[T]
}

// Receive blocks until a value is available.
// Once all senders are closed,
// the remaining buffered values are still returned before [ErrClosed].
func (r *Receiver[T]) Receive(ctx context.Context) (T, error) {
	q := r.q
	var zero T
	for {
		q.mu.Lock()
		if q.receiverClosed {
			q.mu.Unlock()
			return zero, ErrClosed
		}

		if len(q.buf) > 0 {
			v := q.buf[0]
			q.buf[0] = zero
			q.buf = q.buf[1:]
			if len(q.buf) == 0 {
				// Let the backing array be collected after a burst.
				q.buf = nil
			}
			q.notify()
			q.mu.Unlock()
			return v, nil
		}

		if q.senders == 0 {
			q.mu.Unlock()
			return zero, ErrClosed
		}

		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, context.Cause(ctx)
		case <-ch:
		}
	}
}

// Close drops the receiving end.
// Buffered values are discarded and every later Send fails with [ErrClosed].
func (r *Receiver[T]) Close() {
	r.q.mu.Lock()
	r.q.receiverClosed = true
	r.q.buf = nil
	r.q.notify()
	r.q.mu.Unlock()
}

// Stats returns the current queue statistics.
func (r *Receiver[T]) Stats() Stats { return r.q.stats() }
