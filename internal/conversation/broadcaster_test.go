// ABOUTME: Tests for StatusBroadcaster fan-out pub/sub
// ABOUTME: Covers per-thread and all-thread subscriptions, cancellation, slow subscribers, concurrency

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeStatusEvent(threadID string, to Status) StatusEvent {
	return StatusEvent{ThreadID: threadID, From: StatusIdle, To: to, At: time.Now()}
}

func TestStatusBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "thread-1")
	b.Publish(makeStatusEvent("thread-1", StatusThinking))

	select {
	case ev := <-ch:
		assert.Equal(t, StatusThinking, ev.To)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestStatusBroadcaster_ThreadsAreIsolated(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "thread-1")
	ch2, _ := b.Subscribe(t.Context(), "thread-2")

	b.Publish(makeStatusEvent("thread-1", StatusThinking))

	select {
	case ev := <-ch1:
		assert.Equal(t, "thread-1", ev.ThreadID)
	case <-time.After(time.Second):
		t.Fatal("thread-1 subscriber timed out")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("thread-2 subscriber should not receive events, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusBroadcaster_SubscribeAllSeesEveryThread(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	defer b.Close()

	all, _ := b.SubscribeAll(t.Context())
	b.Publish(makeStatusEvent("thread-1", StatusThinking))
	b.Publish(makeStatusEvent("thread-2", StatusIdle))

	var got []string
	for range 2 {
		select {
		case ev := <-all:
			got = append(got, ev.ThreadID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{"thread-1", "thread-2"}, got)
}

func TestStatusBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "thread-1")
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "channel should be closed after cancel")

	// Publishing after the subscriber is gone must not panic
	b.Publish(makeStatusEvent("thread-1", StatusThinking))
}

func TestStatusBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "thread-1")
	for range subscriberBufferSize + 10 {
		b.Publish(makeStatusEvent("thread-1", StatusThinking))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestStatusBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	b.Close()

	ch, _ := b.Subscribe(t.Context(), "thread-1")
	_, ok := <-ch
	assert.False(t, ok, "subscription on a closed broadcaster should be closed")
}

func TestStatusBroadcaster_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	b := NewStatusBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		ctx, cancel := context.WithCancel(context.Background())
		ch, subID := b.Subscribe(ctx, "thread-1")
		wg.Go(func() {
			for range ch {
			}
		})
		wg.Go(func() {
			for range 50 {
				b.Publish(makeStatusEvent("thread-1", StatusThinking))
			}
		})
		if i%2 == 0 {
			wg.Go(func() { b.Unsubscribe("thread-1", subID) })
		}
		wg.Go(cancel)
	}
	wg.Wait()
}
