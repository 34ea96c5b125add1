// ABOUTME: Message filter deciding whether an inbound message is routed to a conversation
// ABOUTME: Rules are evaluated in fixed priority order; the first match wins

package router

import (
	"context"
	"log/slog"

	"github.com/2389/echo-router/internal/conversation"
)

// Filter decides admission for inbound messages. Its only side effects are
// resuming monitoring on an addressed message and recovering known threads,
// both idempotent.
type Filter struct {
	manager *conversation.Manager
	loader  *conversation.Loader
	echo    EchoFlags
	reels   ReelFlags
	monitor MonitoringStore
	logger  *slog.Logger
}

// NewFilter creates a Filter.
func NewFilter(manager *conversation.Manager, loader *conversation.Loader, echo EchoFlags, reels ReelFlags, monitor MonitoringStore, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		manager: manager,
		loader:  loader,
		echo:    echo,
		reels:   reels,
		monitor: monitor,
		logger:  logger.With("component", "filter"),
	}
}

// ShouldHandle evaluates the admission rules for msg.
func (f *Filter) ShouldHandle(ctx context.Context, msg *Message) Decision {
	// 1. Own messages and messages outside a guild
	if msg.FromSelf || msg.GuildID == "" {
		return Decision{Action: Reject, Reason: "not_monitored"}
	}

	// 2. Reel-monitored channels block everything, even when addressed
	if f.reels.IsMonitored(msg.ChannelID) || (msg.InThread() && f.reels.IsMonitored(msg.ThreadID)) {
		return Decision{Action: Reject, Reason: "reel_monitored"}
	}

	key := msg.Key()

	// 3. Echo mode bypasses the address requirement
	if f.echo.IsEnabled(key) {
		conv, _ := f.manager.Get(key)
		return Decision{Action: AdmitExistingConversation, Conversation: conv, Reason: "echo"}
	}

	if msg.InThread() {
		// 4. Stopped threads only wake up when addressed
		if f.manager.IsMonitoringStopped(key) {
			if !msg.Mentioned {
				return Decision{Action: Reject, Reason: "monitoring_stopped"}
			}
			resumeMonitoring(ctx, f.manager, f.monitor, f.logger, key)
			conv := f.resident(ctx, key)
			return Decision{Action: AdmitExistingConversation, Conversation: conv, Reason: "resumed", Resumed: true}
		}

		// 5. Resident conversation
		if conv, ok := f.manager.Get(key); ok {
			return Decision{Action: AdmitExistingConversation, Conversation: conv, Reason: "resident"}
		}

		// 6. Known thread: recover, or fall through on failure
		if f.manager.IsKnownThread(key) {
			conv, err := f.loader.Load(ctx, key)
			if err == nil {
				return Decision{Action: AdmitExistingConversation, Conversation: conv, Reason: "recovered"}
			}
			f.logger.Warn("known thread could not be recovered", "thread_id", key, "error", err)
		}
	}

	// 7. Addressed
	if msg.Mentioned {
		return Decision{Action: AdmitNewConversation, Reason: "mentioned"}
	}

	// 8.
	return Decision{Action: Reject, Reason: "not_addressed"}
}

// resident returns the cached conversation, recovering it if the thread is known.
func (f *Filter) resident(ctx context.Context, key string) *conversation.Conversation {
	if conv, ok := f.manager.Get(key); ok {
		return conv
	}
	if !f.manager.IsKnownThread(key) {
		return nil
	}
	conv, err := f.loader.Load(ctx, key)
	if err != nil {
		f.logger.Warn("resumed thread could not be recovered", "thread_id", key, "error", err)
		return nil
	}
	return conv
}

// resumeMonitoring clears the stopped bit and persists it. Returns false if
// monitoring was not stopped. Persistence failures are logged only.
func resumeMonitoring(ctx context.Context, manager *conversation.Manager, monitor MonitoringStore, logger *slog.Logger, threadID string) bool {
	if !manager.ResumeMonitoring(threadID) {
		return false
	}
	if monitor != nil {
		if err := monitor.SetMonitoringStopped(ctx, threadID, false); err != nil {
			logger.Error("failed to persist resumed monitoring", "thread_id", threadID, "error", err)
		}
	}
	logger.Info("monitoring resumed", "thread_id", threadID)
	return true
}
