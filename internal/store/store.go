// ABOUTME: Store interface and data types for echo-router persistence
// ABOUTME: Defines conversation records, body-file associations, echo and reel-monitor flags

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a thread already has a conversation record
var ErrDuplicateConversation = errors.New("conversation already exists for thread")

// ConversationRecord is the durable metadata row for one conversation.
// ThreadID is the platform thread or channel key and is unique.
type ConversationRecord struct {
	ID                string
	ThreadID          string
	RequesterID       string
	GuildID           string
	Meta              map[string]any // thread_name/channel_name, guild_name, is_echo_channel
	MonitoringStopped bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StoreRecord associates a conversation with the file holding its body.
type StoreRecord struct {
	ID             string
	ConversationID string
	Filename       string
	CreatedAt      time.Time
}

// ThreadState is the slice of a conversation record needed to seed routing state at startup.
type ThreadState struct {
	ThreadID          string
	MonitoringStopped bool
}

// EchoChannel marks a channel or thread where every message is routed.
type EchoChannel struct {
	ChannelID string
	GuildID   string
	CreatedAt time.Time
}

// ReelMonitor marks a channel reserved for reel monitoring.
type ReelMonitor struct {
	ChannelID string
	GuildID   string
	CreatedAt time.Time
}

// Store defines the interface for conversation persistence
type Store interface {
	// Conversations
	InsertConversation(ctx context.Context, rec *ConversationRecord) (string, error)
	GetConversationByThread(ctx context.Context, threadID string) (*ConversationRecord, error)
	FindConversationIDByThread(ctx context.Context, threadID string) (string, error)
	ListConversationThreads(ctx context.Context) ([]ThreadState, error)
	SetMonitoringStopped(ctx context.Context, threadID string, stopped bool) error

	// Conversation store associations (body files)
	InsertStoreAssociation(ctx context.Context, conversationID, filename string) (string, error)
	GetStoreAssociation(ctx context.Context, conversationID string) (*StoreRecord, error)

	// Echo channels
	EnableEcho(ctx context.Context, channelID, guildID string) error
	DisableEcho(ctx context.Context, channelID string) error
	ListEchoChannels(ctx context.Context) ([]*EchoChannel, error)

	// Reel monitors
	AddReelMonitor(ctx context.Context, channelID, guildID string) error
	RemoveReelMonitor(ctx context.Context, channelID string) error
	ListReelMonitors(ctx context.Context) ([]*ReelMonitor, error)

	// Close releases any resources held by the store
	Close() error
}
