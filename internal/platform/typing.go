// ABOUTME: Drives the Matrix typing indicator from conversation status changes
// ABOUTME: Typing is on while any conversation in a room has a job in flight

package platform

import (
	"context"
	"log/slog"

	"github.com/2389/echo-router/internal/conversation"
)

// Typer toggles a room's typing indicator.
type Typer interface {
	SetTyping(ctx context.Context, roomID string, typing bool)
}

// TypingNotifier follows status events and keeps the typing indicator in sync.
type TypingNotifier struct {
	events *conversation.StatusBroadcaster
	typer  Typer
	logger *slog.Logger

	// busy counts conversations with a job in flight per room
	busy map[string]map[string]bool
}

// NewTypingNotifier creates a TypingNotifier.
func NewTypingNotifier(events *conversation.StatusBroadcaster, typer Typer, logger *slog.Logger) *TypingNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &TypingNotifier{
		events: events,
		typer:  typer,
		logger: logger.With("component", "typing"),
		busy:   make(map[string]map[string]bool),
	}
}

// Run consumes status events until ctx is done or the broadcaster closes.
func (n *TypingNotifier) Run(ctx context.Context) {
	ch, _ := n.events.SubscribeAll(ctx)
	for ev := range ch {
		n.apply(ctx, ev)
	}
}

func (n *TypingNotifier) apply(ctx context.Context, ev conversation.StatusEvent) {
	room := ev.GuildID
	if room == "" {
		return
	}
	threads := n.busy[room]
	wasBusy := len(threads) > 0

	if ev.To == conversation.StatusIdle {
		delete(threads, ev.ThreadID)
		if len(threads) == 0 {
			delete(n.busy, room)
		}
	} else {
		if threads == nil {
			threads = make(map[string]bool)
			n.busy[room] = threads
		}
		threads[ev.ThreadID] = true
	}

	isBusy := len(n.busy[room]) > 0
	if isBusy != wasBusy {
		n.typer.SetTyping(ctx, room, isBusy)
	}
}
