package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ctx context.Context, sub *Subscription) []Event {
	var out []Event
	for {
		ev, ok := sub.Next(ctx)
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestBroadcasterFanOutPreservesOrder(t *testing.T) {
	ctx := context.Background()
	b := NewBroadcaster()
	first := b.Subscribe(4)
	second := b.Subscribe(0)

	want := []Event{
		{Type: TypeTextDelta, Content: "hi"},
		{Type: TypeID, Content: "doc", DocumentID: "doc"},
		{Type: TypeContentDelta, Content: "a", DocumentID: "doc"},
		{Type: TypeFinish, DocumentID: "doc"},
	}

	var wg sync.WaitGroup
	results := make([][]Event, 2)
	for i, sub := range []*Subscription{first, second} {
		wg.Add(1)
		go func(i int, sub *Subscription) {
			defer wg.Done()
			results[i] = drain(ctx, sub)
		}(i, sub)
	}

	for _, ev := range want {
		require.NoError(t, b.Publish(ctx, ev))
	}
	b.Close()
	wg.Wait()

	assert.Equal(t, want, results[0])
	assert.Equal(t, want, results[1])
	assert.ErrorIs(t, b.Publish(ctx, want[0]), ErrClosed)
}

func TestBroadcasterFenceWaitsForConsumer(t *testing.T) {
	ctx := context.Background()
	b := NewBroadcaster()
	sub := b.Subscribe(8)

	var mu sync.Mutex
	var handled []string
	go func() {
		for {
			ev, ok := sub.Next(ctx)
			if !ok {
				return
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			handled = append(handled, ev.Content)
			mu.Unlock()
		}
	}()

	for _, c := range []string{"a", "b", "c"} {
		require.NoError(t, b.Publish(ctx, Event{Type: TypeContentDelta, Content: c}))
	}
	require.NoError(t, b.Fence(ctx, sub))

	mu.Lock()
	assert.Equal(t, []string{"a", "b", "c"}, handled)
	mu.Unlock()
	b.Close()
}

func TestBroadcasterPublishHonoursContext(t *testing.T) {
	b := NewBroadcaster()
	b.Subscribe(0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, Event{Type: TypeTextDelta}), context.DeadlineExceeded)
}

func TestIsDocumentEvent(t *testing.T) {
	assert.True(t, Event{Type: TypeContentDelta, DocumentID: "doc"}.IsDocumentEvent())
	assert.False(t, Event{Type: TypeContentDelta}.IsDocumentEvent())
	assert.False(t, Event{Type: TypeTextDelta, DocumentID: "doc"}.IsDocumentEvent())
}
