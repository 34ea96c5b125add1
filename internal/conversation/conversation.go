// ABOUTME: Conversation type and status values tracked by the state machine
// ABOUTME: Holds provenance, job status, and the pending message queue for one thread

package conversation

import (
	"sync"
	"time"
)

// Status is the job status of a conversation.
type Status int

const (
	StatusIdle Status = iota
	StatusThinking
	StatusProcessingQueue
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusThinking:
		return "thinking"
	case StatusProcessingQueue:
		return "processing_queue"
	default:
		return "unknown"
	}
}

// Attachment describes a file sent alongside a user message.
type Attachment struct {
	Type     string // image, file, audio, video
	Filename string
	URL      string
	MimeType string
	Size     int64
}

// QueuedMessage is a user message waiting to be handed to a job.
type QueuedMessage struct {
	ID          string
	AuthorID    string
	AuthorName  string
	Content     string
	Attachments []Attachment
	ReceivedAt  time.Time
}

// Conversation is one ongoing exchange bound to a thread or channel.
// Provenance fields are immutable; the rest is guarded by mu and mutated
// only through Manager.
type Conversation struct {
	threadID    string
	guildID     string
	guildName   string
	requesterID string
	createdAt   time.Time

	mu       sync.Mutex
	id       string
	status   Status
	queue    []QueuedMessage
	filename string
	history  int
	evicted  bool

	// lastActive is the time of the last status change
	lastActive time.Time
}

// Snapshot is a point-in-time copy of a conversation's state.
type Snapshot struct {
	ID                string
	ThreadID          string
	GuildID           string
	GuildName         string
	RequesterID       string
	Filename          string
	Status            Status
	MonitoringStopped bool
	Pending           []QueuedMessage
	HistoryLen        int
	CreatedAt         time.Time
}

// ThreadID returns the routing key: the thread, or the channel for
// conversations bootstrapped in place.
func (c *Conversation) ThreadID() string { return c.threadID }

// GuildID returns the guild the conversation started in.
func (c *Conversation) GuildID() string { return c.guildID }

// GuildName returns the guild's display name at bootstrap time.
func (c *Conversation) GuildName() string { return c.guildName }

// RequesterID returns the user who started the conversation.
func (c *Conversation) RequesterID() string { return c.requesterID }

// ID returns the durable identifier, empty until the conversation is persisted.
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Status returns the current processing status.
func (c *Conversation) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Filename returns the body file name, empty if the body was never written.
func (c *Conversation) Filename() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filename
}

// Pending returns a copy of the queued messages.
func (c *Conversation) Pending() []QueuedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QueuedMessage(nil), c.queue...)
}
