package stream

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrClosed = errors.New("broadcaster closed")

type envelope struct {
	event Event
	fence chan struct{}
}

// Broadcaster fans a single ordered event source out to independent
// subscribers. Every subscriber sees every event in publish order.
//
// Publish, Fence and Close belong to the producing goroutine; Subscribe must
// happen before the first Publish.
type Broadcaster struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

type Subscription struct {
	ch chan envelope
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &Subscription{ch: make(chan envelope, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs = append(b.subs, sub)
	return sub
}

// Publish hands the event to every subscriber, blocking while a subscriber's
// buffer is full.
func (b *Broadcaster) Publish(ctx context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- envelope{event: ev}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Fence blocks until sub has finished handling every event published before
// the call, i.e. until its consumer asks for the next event.
func (b *Broadcaster) Fence(ctx context.Context, sub *Subscription) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	done := make(chan struct{})
	select {
	case sub.ch <- envelope{fence: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
}

// Next returns the next event, or false once the broadcaster is closed and
// the buffer is drained. Calling Next acknowledges any pending fence.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	for {
		select {
		case env, ok := <-s.ch:
			if !ok {
				return Event{}, false
			}
			if env.fence != nil {
				close(env.fence)
				continue
			}
			return env.event, true
		case <-ctx.Done():
			return Event{}, false
		}
	}
}
