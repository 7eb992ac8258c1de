package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/deque"
)

// ErrChannelClosed is returned by Receiver.Recv once the Broadcaster has
// been closed and every buffered value has been delivered.
var ErrChannelClosed = errors.New("broadcast channel closed")

// LaggedError is returned by Receiver.Recv when the receiver fell more than
// the channel capacity behind. Skipped values are gone; the next Recv
// continues with the oldest value still buffered.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("receiver lagged, %d values skipped", e.Skipped)
}

// Broadcaster is a bounded multi-consumer channel. Send never blocks: once
// capacity values are buffered the oldest is overwritten, and receivers
// that had not read it observe a LaggedError. Delivery is at-most-once.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	buf      deque.Deque[T]
	capacity int
	head     uint64 // sequence number of buf.Front()
	next     uint64 // sequence number of the next Send
	closed   bool
	notify   chan struct{}
	rx       int
}

// NewBroadcaster creates a channel buffering up to capacity values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcaster[T]{
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Send publishes v to every receiver and returns how many receivers were
// subscribed. Sending on a closed Broadcaster is a no-op.
func (b *Broadcaster[T]) Send(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.buf.PushBack(v)
	b.next++
	if b.buf.Len() > b.capacity {
		b.buf.PopFront()
		b.head++
	}
	close(b.notify)
	b.notify = make(chan struct{})
	return b.rx
}

// Subscribe returns a receiver that sees every value sent after this call.
func (b *Broadcaster[T]) Subscribe() *Receiver[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rx++
	return &Receiver[T]{b: b, cursor: b.next}
}

// ReceiverCount returns the number of open receivers.
func (b *Broadcaster[T]) ReceiverCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rx
}

// Close marks the channel as having no writer. Receivers drain what is
// still buffered and then get ErrChannelClosed.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.notify)
}

// Receiver is one subscriber's cursor into a Broadcaster. A Receiver must
// not be used from more than one goroutine at a time.
type Receiver[T any] struct {
	b      *Broadcaster[T]
	cursor uint64
	closed bool // guarded by b.mu
}

// Recv blocks until the next value is available, ctx is done, or the
// channel is closed. A closed Receiver always returns ErrChannelClosed.
func (r *Receiver[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		r.b.mu.Lock()
		if r.closed {
			r.b.mu.Unlock()
			return zero, ErrChannelClosed
		}
		if r.cursor < r.b.head {
			skipped := r.b.head - r.cursor
			r.cursor = r.b.head
			r.b.mu.Unlock()
			return zero, &LaggedError{Skipped: skipped}
		}
		if r.cursor < r.b.next {
			v := r.b.buf.At(int(r.cursor - r.b.head))
			r.cursor++
			r.b.mu.Unlock()
			return v, nil
		}
		if r.b.closed {
			r.b.mu.Unlock()
			return zero, ErrChannelClosed
		}
		wait := r.b.notify
		r.b.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Close unsubscribes the receiver. Closing twice is a no-op.
func (r *Receiver[T]) Close() {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.b.rx--
}
