// Package bus implements the bounded, lossy, multi-subscriber broadcast
// primitive shared by the topic buses, the per-agent broadcasts, and the
// per-connection egress queues: a fixed-capacity ring with independent
// receiver cursors. A receiver that falls behind skips to the current head
// and learns how many frames it lost; the producer never blocks on a slow
// consumer.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/phoenixgw/gateway/internal/gwerr"
	"github.com/phoenixgw/gateway/internal/phxframe"
)

// ErrClosed is returned by Recv once a bus has been closed and its ring has
// been fully drained by the caller.
var ErrClosed = errors.New("bus: closed")

// Bus is a fixed-capacity ring of frames with one logical producer and
// zero-or-more independent receiver cursors. A receiver that falls behind
// the ring head skips forward to the current head and reports how many
// frames it lost.
type Bus struct {
	mu          sync.Mutex
	capacity    uint64
	buf         []phxframe.Frame
	nextSeq     uint64
	subscribers int
	closed      bool
	notify      chan struct{}
}

// New creates a bus with the given ring capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		capacity: uint64(capacity),
		buf:      make([]phxframe.Frame, capacity),
		notify:   make(chan struct{}),
	}
}

// signal wakes every goroutine currently blocked in Recv. Must be called
// with mu held.
func (b *Bus) signal() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Send publishes a frame to every current subscriber's cursor.
// If there are zero subscribers at the moment of the call, the frame is
// still stored in the ring (a later Subscribe starts at the head, so it
// never observes this frame) and gwerr.ErrChannelEmpty is returned as a
// non-fatal sentinel; callers such as the Redis ingress listener must
// keep running on this result, not treat it as failure.
func (b *Bus) Send(f phxframe.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	b.buf[b.nextSeq%b.capacity] = f
	b.nextSeq++
	subs := b.subscribers
	b.signal()

	if subs == 0 {
		return gwerr.ErrChannelEmpty
	}
	return nil
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribers
}

// Close marks the bus closed; subscribers drain whatever is left in the
// ring and then observe ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.signal()
}

// Subscription is one receiver's independent cursor over the ring.
type Subscription struct {
	bus    *Bus
	cursor uint64
}

// Subscribe registers a new receiver positioned at the current head (it
// only observes frames sent after this call).
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers++
	return &Subscription{bus: b, cursor: b.nextSeq}
}

// Close releases this subscription's slot. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed() {
		return
	}
	s.cursor = closedCursor
	s.bus.subscribers--
	s.bus.signal()
}

const closedCursor = ^uint64(0)

func (s *Subscription) closed() bool { return s.cursor == closedCursor }

// Recv blocks until a frame is available, ctx is canceled, or the bus is
// closed and fully drained. laggedBy is nonzero when this call first had to
// skip the cursor forward to the ring's current head.
func (s *Subscription) Recv(ctx context.Context) (frame phxframe.Frame, laggedBy uint64, err error) {
	for {
		s.bus.mu.Lock()
		if s.closed() {
			s.bus.mu.Unlock()
			return phxframe.Frame{}, 0, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			s.bus.mu.Unlock()
			return phxframe.Frame{}, 0, err
		}

		var oldest uint64
		if s.bus.nextSeq > s.bus.capacity {
			oldest = s.bus.nextSeq - s.bus.capacity
		}
		var lagged uint64
		if s.cursor < oldest {
			lagged = oldest - s.cursor
			s.cursor = oldest
		}

		if s.cursor < s.bus.nextSeq {
			f := s.bus.buf[s.cursor%s.bus.capacity]
			s.cursor++
			s.bus.mu.Unlock()
			return f, lagged, nil
		}

		if s.bus.closed {
			s.bus.mu.Unlock()
			return phxframe.Frame{}, 0, ErrClosed
		}

		waitCh := s.bus.notify
		s.bus.mu.Unlock()

		select {
		case <-waitCh:
		case <-ctx.Done():
			return phxframe.Frame{}, 0, ctx.Err()
		}
	}
}
