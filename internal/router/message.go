// ABOUTME: Platform-neutral inbound message, routing decision, and collaborator interfaces
// ABOUTME: The Matrix listener converts events into Message; the controller consumes them

package router

import (
	"context"
	"time"

	"github.com/2389/echo-router/internal/conversation"
)

// Message is one inbound chat message.
type Message struct {
	ID          string // platform event ID, used for dedupe
	AuthorID    string
	AuthorName  string
	FromSelf    bool   // sent by the bot itself
	GuildID     string // empty outside a monitored guild context (DMs)
	GuildName   string
	ChannelID   string
	ChannelName string
	ThreadID    string // empty when not in a thread
	ThreadName  string
	Mentioned   bool // the bot is explicitly addressed
	Content     string
	Attachments []conversation.Attachment
	ReceivedAt  time.Time
}

// InThread reports whether the message was posted in a thread.
func (m *Message) InThread() bool {
	return m.ThreadID != ""
}

// Key is the conversation routing key: the thread if any, else the channel.
func (m *Message) Key() string {
	if m.ThreadID != "" {
		return m.ThreadID
	}
	return m.ChannelID
}

// Queued converts the message into the form carried by jobs.
func (m *Message) Queued() conversation.QueuedMessage {
	return conversation.QueuedMessage{
		ID:          m.ID,
		AuthorID:    m.AuthorID,
		AuthorName:  m.AuthorName,
		Content:     m.Content,
		Attachments: m.Attachments,
		ReceivedAt:  m.ReceivedAt,
	}
}

// Action is the filter's verdict.
type Action int

const (
	Reject Action = iota
	AdmitNewConversation
	AdmitExistingConversation
)

func (a Action) String() string {
	switch a {
	case Reject:
		return "reject"
	case AdmitNewConversation:
		return "admit_new"
	case AdmitExistingConversation:
		return "admit_existing"
	default:
		return "unknown"
	}
}

// Decision is the result of ShouldHandle. Conversation is set when the
// admitted conversation is resident (possibly just recovered).
type Decision struct {
	Action       Action
	Conversation *conversation.Conversation
	Reason       string
	Resumed      bool // monitoring was resumed by this message
}

// ChannelRef addresses a channel or a thread inside it.
type ChannelRef struct {
	ChannelID string
	ThreadID  string
}

// ThreadRef identifies a thread created by the platform.
type ThreadRef struct {
	ThreadID string
	Name     string
}

// Platform performs chat-platform side effects.
type Platform interface {
	CreateThread(ctx context.Context, source *Message, name string) (ThreadRef, error)
	SendAcknowledgement(ctx context.Context, ref ChannelRef, text string) error
}

// EchoFlags reads and toggles echo mode.
type EchoFlags interface {
	IsEnabled(id string) bool
	Enable(ctx context.Context, id, guildID string) (bool, error)
	Disable(ctx context.Context, id string) (bool, error)
}

// ReelFlags reports reel-monitored channels.
type ReelFlags interface {
	IsMonitored(channelID string) bool
}

// MonitoringStore persists the monitoring-stopped flag.
type MonitoringStore interface {
	SetMonitoringStopped(ctx context.Context, threadID string, stopped bool) error
}

// Observer receives routing events for metrics.
type Observer interface {
	ObserveDecision(decision string)
	PlatformError(operation string)
}
