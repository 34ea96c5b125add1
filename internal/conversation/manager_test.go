// ABOUTME: Tests for the conversation state machine
// ABOUTME: Covers transitions, contract violations, monitoring bits, eviction, and event ordering

package conversation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/echo-router/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(nil, nil)
}

func msg(content string) QueuedMessage {
	return QueuedMessage{ID: content, AuthorID: "@alice:example.org", Content: content, ReceivedAt: time.Now()}
}

func contents(msgs []QueuedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestManager_Activate(t *testing.T) {
	m := newTestManager(t)

	conv, err := m.Activate(ActivateParams{ThreadID: "t1", GuildID: "g1", GuildName: "General", RequesterID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "t1", conv.ThreadID())
	assert.Equal(t, "General", conv.GuildName())
	assert.Equal(t, StatusIdle, conv.Status())
	assert.Empty(t, conv.ID())

	assert.True(t, m.IsConversationThread("t1"))
	assert.True(t, m.IsKnownThread("t1"))

	_, err = m.Activate(ActivateParams{ThreadID: "t1"})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestManager_MarkBusyOnlyFromIdle(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	require.NoError(t, m.MarkBusy("t1"))
	assert.ErrorIs(t, m.MarkBusy("t1"), ErrInvalidTransition)
}

func TestManager_EnqueueRequiresActiveJob(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	assert.ErrorIs(t, m.Enqueue("t1", msg("m1")), ErrNoActiveJob)

	require.NoError(t, m.MarkBusy("t1"))
	require.NoError(t, m.Enqueue("t1", msg("m1")))
	require.NoError(t, m.Enqueue("t1", msg("m2")))

	snap, err := m.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusThinking, snap.Status, "enqueue must not change status")
	assert.Equal(t, []string{"m1", "m2"}, contents(snap.Pending))
}

func TestManager_UnknownThread(t *testing.T) {
	m := newTestManager(t)

	assert.ErrorIs(t, m.MarkBusy("nope"), ErrNotTracked)
	assert.ErrorIs(t, m.Enqueue("nope", msg("x")), ErrNotTracked)
	_, err := m.Snapshot("nope")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestManager_DrainCycle(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	batch, started, err := m.StartOrEnqueue("t1", msg("m1"))
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, []string{"m1"}, contents(batch))

	_, started, err = m.StartOrEnqueue("t1", msg("m2"))
	require.NoError(t, err)
	assert.False(t, started)

	// Complete refuses while m2 has not been handed off
	assert.ErrorIs(t, m.Complete("t1"), ErrPendingMessages)

	drained, err := m.BeginDrain("t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, contents(drained))
	assert.Equal(t, StatusProcessingQueue, mustStatus(t, m, "t1"))

	require.NoError(t, m.Resume("t1"))
	assert.Equal(t, StatusThinking, mustStatus(t, m, "t1"))

	drained, err = m.BeginDrain("t1")
	require.NoError(t, err)
	assert.Nil(t, drained)
	assert.Equal(t, StatusThinking, mustStatus(t, m, "t1"))

	require.NoError(t, m.Complete("t1"))
	assert.Equal(t, StatusIdle, mustStatus(t, m, "t1"))
	assert.ErrorIs(t, m.Complete("t1"), ErrInvalidTransition)
}

func TestManager_FailRetainsMessages(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	batch, _, err := m.StartOrEnqueue("t1", msg("m1"))
	require.NoError(t, err)
	_, _, err = m.StartOrEnqueue("t1", msg("m2"))
	require.NoError(t, err)

	require.NoError(t, m.Fail("t1", batch))
	snap, err := m.Snapshot("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Equal(t, []string{"m1", "m2"}, contents(snap.Pending))

	// The next start carries the retained messages first
	batch, started, err := m.StartOrEnqueue("t1", msg("m3"))
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, []string{"m1", "m2", "m3"}, contents(batch))
}

func TestManager_MonitoringBits(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	assert.False(t, m.IsMonitoringStopped("t1"))
	assert.True(t, m.StopMonitoring("t1"))
	assert.False(t, m.StopMonitoring("t1"), "second stop is a no-op")
	assert.True(t, m.IsMonitoringStopped("t1"))

	snap, err := m.Snapshot("t1")
	require.NoError(t, err)
	assert.True(t, snap.MonitoringStopped)

	assert.True(t, m.ResumeMonitoring("t1"))
	assert.False(t, m.ResumeMonitoring("t1"), "second resume is a no-op")
	assert.False(t, m.IsMonitoringStopped("t1"))
}

func TestManager_StopMonitoringKeepsRunningJob(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)
	require.NoError(t, m.MarkBusy("t1"))

	m.StopMonitoring("t1")
	assert.Equal(t, StatusThinking, mustStatus(t, m, "t1"))
}

func TestManager_SeedAndEvict(t *testing.T) {
	m := newTestManager(t)
	m.Seed([]store.ThreadState{
		{ThreadID: "old-1"},
		{ThreadID: "old-2", MonitoringStopped: true},
	})

	assert.True(t, m.IsKnownThread("old-1"))
	assert.False(t, m.IsConversationThread("old-1"))
	assert.True(t, m.IsMonitoringStopped("old-2"))

	conv, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)
	require.NoError(t, m.MarkBusy("t1"))
	assert.False(t, m.Evict("t1"), "busy conversations stay cached")

	require.NoError(t, m.Complete("t1"))
	assert.True(t, m.Evict("t1"))
	assert.False(t, m.IsConversationThread("t1"))
	assert.True(t, m.IsKnownThread("t1"), "eviction keeps known membership")

	// The stale pointer can no longer be driven
	assert.ErrorIs(t, m.MarkBusy(conv.ThreadID()), ErrNotTracked)
}

func TestManager_IdleSince(t *testing.T) {
	m := newTestManager(t)

	for _, id := range []string{"idle", "busy", "unsaved"} {
		_, err := m.Activate(ActivateParams{ThreadID: id})
		require.NoError(t, err)
	}
	require.NoError(t, m.SetConversationID("idle", "conv-idle"))
	require.NoError(t, m.SetConversationID("busy", "conv-busy"))
	require.NoError(t, m.MarkBusy("busy"))

	assert.Empty(t, m.IdleSince(time.Now().Add(-time.Hour)), "nothing idle for an hour yet")
	assert.Equal(t, []string{"idle"}, m.IdleSince(time.Now().Add(time.Minute)))

	require.NoError(t, m.Complete("busy"))
	assert.ElementsMatch(t, []string{"idle", "busy"}, m.IdleSince(time.Now().Add(time.Minute)))
}

func TestManager_SetConversationIDAndFilename(t *testing.T) {
	m := newTestManager(t)
	conv, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	require.NoError(t, m.SetConversationID("t1", "conv-1"))
	require.NoError(t, m.SetFilename("t1", "conversation-1.json"))
	assert.Equal(t, "conv-1", conv.ID())
	assert.Equal(t, "conversation-1.json", conv.Filename())
}

func TestManager_ConcurrentStartIsSingleFlight(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Activate(ActivateParams{ThreadID: "t1"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		starts  int
		batches [][]QueuedMessage
	)
	for i := range 100 {
		wg.Go(func() {
			batch, started, err := m.StartOrEnqueue("t1", msg(fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
			if started {
				mu.Lock()
				starts++
				batches = append(batches, batch)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, starts)
	require.Len(t, batches, 1)
	snap, err := m.Snapshot("t1")
	require.NoError(t, err)
	assert.Len(t, snap.Pending, 99)
}

func TestManager_PublishesTransitionsInOrder(t *testing.T) {
	events := NewStatusBroadcaster(nil)
	defer events.Close()
	m := NewManager(events, nil)

	ch, _ := events.Subscribe(t.Context(), "t1")

	_, err := m.Activate(ActivateParams{ThreadID: "t1", GuildID: "!room:example.org"})
	require.NoError(t, err)
	_, _, err = m.StartOrEnqueue("t1", msg("m1"))
	require.NoError(t, err)
	require.NoError(t, m.Enqueue("t1", msg("m2")))
	_, err = m.BeginDrain("t1")
	require.NoError(t, err)
	require.NoError(t, m.Resume("t1"))
	require.NoError(t, m.Complete("t1"))

	var got []Status
	for range 4 {
		select {
		case ev := <-ch:
			assert.Equal(t, "!room:example.org", ev.GuildID)
			got = append(got, ev.To)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for status event")
		}
	}
	assert.Equal(t, []Status{StatusThinking, StatusProcessingQueue, StatusThinking, StatusIdle}, got)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", StatusIdle.String())
	assert.Equal(t, "thinking", StatusThinking.String())
	assert.Equal(t, "processing_queue", StatusProcessingQueue.String())
	assert.Equal(t, "unknown", Status(42).String())
}

func mustStatus(t *testing.T, m *Manager, threadID string) Status {
	t.Helper()
	snap, err := m.Snapshot(threadID)
	require.NoError(t, err)
	return snap.Status
}
