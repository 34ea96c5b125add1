// ABOUTME: In-memory fan-out of conversation status transitions
// ABOUTME: Subscribers watch one thread or every thread; slow subscribers drop events

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// allThreads is the subscription key that receives every thread's events.
	allThreads = ""
)

// StatusEvent records one status transition.
type StatusEvent struct {
	ThreadID string
	GuildID  string
	From     Status
	To       Status
	Pending  int
	At       time.Time
}

// StatusBroadcaster provides in-memory pub/sub for status transitions.
type StatusBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan StatusEvent // threadID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewStatusBroadcaster creates a broadcaster. Pass nil logger for default.
func NewStatusBroadcaster(logger *slog.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusBroadcaster{
		subscribers: make(map[string]map[string]chan StatusEvent),
		logger:      logger.With("component", "status_broadcaster"),
	}
}

// Subscribe registers for transitions of one thread. The subscription is
// removed and its channel closed when ctx is cancelled.
func (b *StatusBroadcaster) Subscribe(ctx context.Context, threadID string) (<-chan StatusEvent, string) {
	subID := uuid.New().String()
	ch := make(chan StatusEvent, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan StatusEvent)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "thread_id", threadID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(threadID, subID)
	}()

	return ch, subID
}

// SubscribeAll registers for transitions of every thread.
func (b *StatusBroadcaster) SubscribeAll(ctx context.Context) (<-chan StatusEvent, string) {
	return b.Subscribe(ctx, allThreads)
}

// Publish delivers an event to the thread's subscribers and to SubscribeAll
// subscribers. Sends never block; full subscribers miss the event.
func (b *StatusBroadcaster) Publish(event StatusEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.deliver(event.ThreadID, event)
	b.deliver(allThreads, event)
}

// deliver must be called with mu held so Unsubscribe cannot close a channel mid-send.
func (b *StatusBroadcaster) deliver(key string, event StatusEvent) {
	for subID, ch := range b.subscribers[key] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped status event for slow subscriber",
				"thread_id", event.ThreadID,
				"sub_id", subID,
				"status", event.To.String())
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *StatusBroadcaster) Unsubscribe(threadID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("subscriber removed", "thread_id", threadID, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *StatusBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
	b.closed = true
	b.logger.Debug("broadcaster closed")
}
