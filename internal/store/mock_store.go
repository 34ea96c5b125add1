// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures per operation

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Setting one of the Fail* fields makes the matching operation return that error.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*ConversationRecord // keyed by thread ID
	associations  map[string][]*StoreRecord      // keyed by conversation ID
	echo          map[string]*EchoChannel        // keyed by channel ID
	reels         map[string]*ReelMonitor        // keyed by channel ID

	FailInsertConversation error
	FailFind               error
	FailInsertAssociation  error
	FailGetAssociation     error
	FailSetMonitoring      error
	FailEcho               error

	findCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*ConversationRecord),
		associations:  make(map[string][]*StoreRecord),
		echo:          make(map[string]*EchoChannel),
		reels:         make(map[string]*ReelMonitor),
	}
}

// InsertConversation stores a conversation record.
func (m *MockStore) InsertConversation(ctx context.Context, rec *ConversationRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsertConversation != nil {
		return "", m.FailInsertConversation
	}
	if _, exists := m.conversations[rec.ThreadID]; exists {
		return "", ErrDuplicateConversation
	}

	r := *rec
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	m.conversations[r.ThreadID] = &r
	rec.ID = r.ID
	return r.ID, nil
}

// GetConversationByThread retrieves a conversation record by thread.
func (m *MockStore) GetConversationByThread(ctx context.Context, threadID string) (*ConversationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.conversations[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// FindConversationIDByThread returns the conversation ID for a thread.
func (m *MockStore) FindConversationIDByThread(ctx context.Context, threadID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.findCalls++
	if m.FailFind != nil {
		return "", m.FailFind
	}
	rec, ok := m.conversations[threadID]
	if !ok {
		return "", ErrNotFound
	}
	return rec.ID, nil
}

// FindCalls reports how many times FindConversationIDByThread was called.
func (m *MockStore) FindCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findCalls
}

// ListConversationThreads returns all threads with records.
func (m *MockStore) ListConversationThreads(ctx context.Context) ([]ThreadState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ThreadState, 0, len(m.conversations))
	for _, rec := range m.conversations {
		out = append(out, ThreadState{ThreadID: rec.ThreadID, MonitoringStopped: rec.MonitoringStopped})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

// SetMonitoringStopped updates the monitoring flag on a record.
func (m *MockStore) SetMonitoringStopped(ctx context.Context, threadID string, stopped bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailSetMonitoring != nil {
		return m.FailSetMonitoring
	}
	rec, ok := m.conversations[threadID]
	if !ok {
		return ErrNotFound
	}
	rec.MonitoringStopped = stopped
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// InsertStoreAssociation records a body file for a conversation.
func (m *MockStore) InsertStoreAssociation(ctx context.Context, conversationID, filename string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsertAssociation != nil {
		return "", m.FailInsertAssociation
	}
	rec := &StoreRecord{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Filename:       filename,
		CreatedAt:      time.Now().UTC(),
	}
	m.associations[conversationID] = append(m.associations[conversationID], rec)
	return rec.ID, nil
}

// GetStoreAssociation returns the latest body file for a conversation.
func (m *MockStore) GetStoreAssociation(ctx context.Context, conversationID string) (*StoreRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.FailGetAssociation != nil {
		return nil, m.FailGetAssociation
	}
	recs := m.associations[conversationID]
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	r := *recs[len(recs)-1]
	return &r, nil
}

// EnableEcho marks a channel as echo-enabled.
func (m *MockStore) EnableEcho(ctx context.Context, channelID, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailEcho != nil {
		return m.FailEcho
	}
	if _, ok := m.echo[channelID]; !ok {
		m.echo[channelID] = &EchoChannel{ChannelID: channelID, GuildID: guildID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

// DisableEcho clears the echo flag.
func (m *MockStore) DisableEcho(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailEcho != nil {
		return m.FailEcho
	}
	if _, ok := m.echo[channelID]; !ok {
		return ErrNotFound
	}
	delete(m.echo, channelID)
	return nil
}

// ListEchoChannels returns all echo-enabled channels.
func (m *MockStore) ListEchoChannels(ctx context.Context) ([]*EchoChannel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*EchoChannel, 0, len(m.echo))
	for _, ch := range m.echo {
		c := *ch
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// AddReelMonitor marks a channel as reel-monitored.
func (m *MockStore) AddReelMonitor(ctx context.Context, channelID, guildID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reels[channelID]; !ok {
		m.reels[channelID] = &ReelMonitor{ChannelID: channelID, GuildID: guildID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

// RemoveReelMonitor clears the reel-monitor flag.
func (m *MockStore) RemoveReelMonitor(ctx context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reels[channelID]; !ok {
		return ErrNotFound
	}
	delete(m.reels, channelID)
	return nil
}

// ListReelMonitors returns all reel-monitored channels.
func (m *MockStore) ListReelMonitors(ctx context.Context) ([]*ReelMonitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ReelMonitor, 0, len(m.reels))
	for _, r := range m.reels {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Verify MockStore implements Store interface
var _ Store = (*MockStore)(nil)
