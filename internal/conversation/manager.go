// ABOUTME: Manager is the authoritative in-memory state machine for tracked conversations
// ABOUTME: Serializes per-thread transitions and owns the known-thread and monitoring-stopped sets

package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/echo-router/internal/store"
)

var (
	// ErrAlreadyExists is returned when activating a thread that is already cached
	ErrAlreadyExists = errors.New("conversation already exists")

	// ErrInvalidTransition is returned when a transition is not valid from the current status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoActiveJob is returned when enqueueing against an idle conversation
	ErrNoActiveJob = errors.New("no active job to enqueue against")

	// ErrPendingMessages is returned by Complete while queued messages still need a job
	ErrPendingMessages = errors.New("pending messages not handed off")

	// ErrNotTracked is returned when the thread has no cached conversation
	ErrNotTracked = errors.New("conversation not tracked")
)

// ActivateParams describes a conversation to place in the cache.
type ActivateParams struct {
	ThreadID       string
	GuildID        string
	GuildName      string
	RequesterID    string
	ConversationID string
	Filename       string
	HistoryLen     int
}

// Manager tracks conversations by thread ID. Transitions on one conversation
// are linearized by its mutex; different conversations never contend.
type Manager struct {
	mu      sync.RWMutex
	cache   map[string]*Conversation
	known   map[string]struct{}
	stopped map[string]struct{}

	events *StatusBroadcaster
	logger *slog.Logger
}

// NewManager creates a Manager. events may be nil.
func NewManager(events *StatusBroadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cache:   make(map[string]*Conversation),
		known:   make(map[string]struct{}),
		stopped: make(map[string]struct{}),
		events:  events,
		logger:  logger.With("component", "conversation_manager"),
	}
}

// Seed preloads durable thread state, typically at startup.
func (m *Manager) Seed(threads []store.ThreadState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range threads {
		m.known[t.ThreadID] = struct{}{}
		if t.MonitoringStopped {
			m.stopped[t.ThreadID] = struct{}{}
		}
	}
	m.logger.Info("seeded known threads", "count", len(threads), "stopped", len(m.stopped))
}

// Activate creates an Idle conversation and caches it.
// Returns ErrAlreadyExists if the thread already has a cached conversation.
func (m *Manager) Activate(p ActivateParams) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.cache[p.ThreadID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, p.ThreadID)
	}
	conv := m.insertLocked(p)
	m.logger.Debug("activated conversation", "thread_id", p.ThreadID)
	return conv, nil
}

// Install caches a recovered conversation unless one is already present.
// It returns the cached instance and whether this call installed it.
func (m *Manager) Install(p ActivateParams) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.cache[p.ThreadID]; ok {
		return existing, false
	}
	return m.insertLocked(p), true
}

func (m *Manager) insertLocked(p ActivateParams) *Conversation {
	now := time.Now()
	conv := &Conversation{
		threadID:    p.ThreadID,
		guildID:     p.GuildID,
		guildName:   p.GuildName,
		requesterID: p.RequesterID,
		createdAt:   now,
		id:          p.ConversationID,
		filename:    p.Filename,
		history:     p.HistoryLen,
		status:      StatusIdle,
		lastActive:  now,
	}
	m.cache[p.ThreadID] = conv
	m.known[p.ThreadID] = struct{}{}
	return conv
}

// Get returns the cached conversation for a thread.
func (m *Manager) Get(threadID string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.cache[threadID]
	return conv, ok
}

// Len returns the number of cached conversations.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

// Snapshot returns a copy of a conversation's state.
func (m *Manager) Snapshot(threadID string) (Snapshot, error) {
	conv, ok := m.Get(threadID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrNotTracked, threadID)
	}
	stopped := m.IsMonitoringStopped(threadID)

	conv.mu.Lock()
	defer conv.mu.Unlock()
	return Snapshot{
		ID:                conv.id,
		ThreadID:          conv.threadID,
		GuildID:           conv.guildID,
		GuildName:         conv.guildName,
		RequesterID:       conv.requesterID,
		Filename:          conv.filename,
		Status:            conv.status,
		MonitoringStopped: stopped,
		Pending:           append([]QueuedMessage(nil), conv.queue...),
		HistoryLen:        conv.history,
		CreatedAt:         conv.createdAt,
	}, nil
}

// MarkBusy moves an Idle conversation to Thinking.
func (m *Manager) MarkBusy(threadID string) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		if c.status != StatusIdle {
			return fmt.Errorf("%w: mark busy from %s", ErrInvalidTransition, c.status)
		}
		m.setStatusLocked(c, StatusThinking)
		return nil
	})
}

// Enqueue appends a message to the pending queue of a busy conversation.
func (m *Manager) Enqueue(threadID string, msg QueuedMessage) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		if c.status == StatusIdle {
			return ErrNoActiveJob
		}
		c.queue = append(c.queue, msg)
		return nil
	})
}

// StartOrEnqueue atomically either starts work on an Idle conversation or
// queues msg behind the running job. When started, the returned batch holds
// any messages retained from a failed job followed by msg.
func (m *Manager) StartOrEnqueue(threadID string, msg QueuedMessage) (batch []QueuedMessage, started bool, err error) {
	err = m.withConversation(threadID, func(c *Conversation) error {
		if c.status != StatusIdle {
			c.queue = append(c.queue, msg)
			return nil
		}
		batch = append(c.queue, msg)
		c.queue = nil
		started = true
		m.setStatusLocked(c, StatusThinking)
		return nil
	})
	return batch, started, err
}

// BeginDrain hands the pending queue to the caller for the next job.
// With messages pending, status moves Thinking -> ProcessingQueue and the
// FIFO batch is returned. With nothing pending it returns nil and leaves
// status unchanged.
func (m *Manager) BeginDrain(threadID string) ([]QueuedMessage, error) {
	var batch []QueuedMessage
	err := m.withConversation(threadID, func(c *Conversation) error {
		if c.status != StatusThinking {
			return fmt.Errorf("%w: drain from %s", ErrInvalidTransition, c.status)
		}
		if len(c.queue) == 0 {
			return nil
		}
		batch = c.queue
		c.queue = nil
		m.setStatusLocked(c, StatusProcessingQueue)
		return nil
	})
	return batch, err
}

// Resume moves ProcessingQueue back to Thinking once the drained batch is running.
func (m *Manager) Resume(threadID string) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		if c.status != StatusProcessingQueue {
			return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, c.status)
		}
		m.setStatusLocked(c, StatusThinking)
		return nil
	})
}

// Complete returns a busy conversation to Idle. It fails with
// ErrPendingMessages if messages were queued since the last drain.
func (m *Manager) Complete(threadID string) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		if c.status == StatusIdle {
			return fmt.Errorf("%w: complete from idle", ErrInvalidTransition)
		}
		if len(c.queue) > 0 {
			return ErrPendingMessages
		}
		m.setStatusLocked(c, StatusIdle)
		return nil
	})
}

// Fail returns a conversation to Idle after a job failure. Queued messages
// and the batch that failed are retained so the next job picks them up.
func (m *Manager) Fail(threadID string, unprocessed []QueuedMessage) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		if len(unprocessed) > 0 {
			c.queue = append(append([]QueuedMessage(nil), unprocessed...), c.queue...)
		}
		if c.status != StatusIdle {
			m.setStatusLocked(c, StatusIdle)
		}
		return nil
	})
}

// SetConversationID records the durable identifier.
func (m *Manager) SetConversationID(threadID, id string) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		c.id = id
		return nil
	})
}

// SetFilename records where the conversation body lives.
func (m *Manager) SetFilename(threadID, filename string) error {
	return m.withConversation(threadID, func(c *Conversation) error {
		c.filename = filename
		return nil
	})
}

// Evict drops an Idle conversation from the cache. The thread stays known
// so it can be recovered later. Busy conversations are not evicted.
func (m *Manager) Evict(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.cache[threadID]
	if !ok {
		return false
	}
	conv.mu.Lock()
	busy := conv.status != StatusIdle || len(conv.queue) > 0
	if busy {
		conv.mu.Unlock()
		return false
	}
	conv.evicted = true
	conv.mu.Unlock()
	delete(m.cache, threadID)
	m.logger.Debug("evicted conversation", "thread_id", threadID)
	return true
}

// IdleSince lists cached conversations that have been Idle with nothing
// pending since before cutoff. Conversations without a durable ID are left
// out: they cannot be recovered once evicted.
func (m *Manager) IdleSince(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []string
	for threadID, conv := range m.cache {
		conv.mu.Lock()
		if conv.status == StatusIdle && len(conv.queue) == 0 && conv.id != "" && conv.lastActive.Before(cutoff) {
			idle = append(idle, threadID)
		}
		conv.mu.Unlock()
	}
	return idle
}

// MarkKnown records that a thread has a durable conversation.
func (m *Manager) MarkKnown(threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.known[threadID] = struct{}{}
}

// StopMonitoring sets the monitoring-stopped bit. Returns false if it was already set.
// A running job is left to finish.
func (m *Manager) StopMonitoring(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stopped[threadID]; ok {
		return false
	}
	m.stopped[threadID] = struct{}{}
	return true
}

// ResumeMonitoring clears the monitoring-stopped bit. Returns false if it was not set.
func (m *Manager) ResumeMonitoring(threadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.stopped[threadID]; !ok {
		return false
	}
	delete(m.stopped, threadID)
	return true
}

// IsKnownThread reports whether the thread has a durable conversation.
func (m *Manager) IsKnownThread(threadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.known[threadID]
	return ok
}

// IsConversationThread reports whether the thread has a cached conversation.
func (m *Manager) IsConversationThread(threadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.cache[threadID]
	return ok
}

// IsMonitoringStopped reports the monitoring-stopped bit.
func (m *Manager) IsMonitoringStopped(threadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stopped[threadID]
	return ok
}

// withConversation runs fn with the conversation's lock held.
func (m *Manager) withConversation(threadID string, fn func(*Conversation) error) error {
	conv, ok := m.Get(threadID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotTracked, threadID)
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	if conv.evicted {
		return fmt.Errorf("%w: %s", ErrNotTracked, threadID)
	}
	return fn(conv)
}

// setStatusLocked must be called with c.mu held. Publishing under the lock
// keeps each thread's events in transition order.
func (m *Manager) setStatusLocked(c *Conversation, to Status) {
	from := c.status
	c.status = to
	c.lastActive = time.Now()
	m.logger.Debug("status transition",
		"thread_id", c.threadID,
		"from", from.String(),
		"to", to.String(),
		"pending", len(c.queue))
	if m.events != nil {
		m.events.Publish(StatusEvent{
			ThreadID: c.threadID,
			GuildID:  c.guildID,
			From:     from,
			To:       to,
			Pending:  len(c.queue),
			At:       time.Now(),
		})
	}
}
