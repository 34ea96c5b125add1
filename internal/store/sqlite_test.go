// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers conversation records, body associations, monitoring flags, and echo/reel tables

package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_MigratesMonitoringColumn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	// Simulate a database created before monitoring_stopped existed
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("opening raw db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE conversations (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL UNIQUE,
		requester_id TEXT NOT NULL,
		guild_id TEXT NOT NULL,
		chat_meta TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("creating legacy table: %v", err)
	}
	db.Close()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, err := store.InsertConversation(ctx, &ConversationRecord{ThreadID: "t1", RequesterID: "u", GuildID: "g"}); err != nil {
		t.Fatalf("InsertConversation failed: %v", err)
	}
	if err := store.SetMonitoringStopped(ctx, "t1", true); err != nil {
		t.Fatalf("SetMonitoringStopped failed: %v", err)
	}
}

func TestInsertAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	rec := &ConversationRecord{
		ThreadID:    "!room:example.org/$root",
		RequesterID: "@alice:example.org",
		GuildID:     "!room:example.org",
		Meta: map[string]any{
			"thread_name": "Chat with alice",
			"guild_name":  "General",
		},
	}

	id, err := store.InsertConversation(ctx, rec)
	if err != nil {
		t.Fatalf("InsertConversation failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a conversation id")
	}
	if rec.ID != id {
		t.Errorf("record ID = %q, want %q", rec.ID, id)
	}

	got, err := store.GetConversationByThread(ctx, rec.ThreadID)
	if err != nil {
		t.Fatalf("GetConversationByThread failed: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %q, want %q", got.ID, id)
	}
	if got.RequesterID != rec.RequesterID {
		t.Errorf("RequesterID = %q, want %q", got.RequesterID, rec.RequesterID)
	}
	if got.Meta["thread_name"] != "Chat with alice" {
		t.Errorf("Meta[thread_name] = %v, want %q", got.Meta["thread_name"], "Chat with alice")
	}
	if got.MonitoringStopped {
		t.Error("new conversation should not have monitoring stopped")
	}
}

func TestInsertConversation_DuplicateThread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if _, err := store.InsertConversation(ctx, &ConversationRecord{ThreadID: "t1", RequesterID: "u", GuildID: "g"}); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	_, err := store.InsertConversation(ctx, &ConversationRecord{ThreadID: "t1", RequesterID: "u2", GuildID: "g"})
	if !errors.Is(err, ErrDuplicateConversation) {
		t.Errorf("expected ErrDuplicateConversation, got %v", err)
	}
}

func TestGetConversationByThread_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetConversationByThread(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = store.FindConversationIDByThread(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound from FindConversationIDByThread, got %v", err)
	}
}

func TestFindConversationIDByThread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	id, err := store.InsertConversation(ctx, &ConversationRecord{ThreadID: "t1", RequesterID: "u", GuildID: "g"})
	if err != nil {
		t.Fatalf("InsertConversation failed: %v", err)
	}

	got, err := store.FindConversationIDByThread(ctx, "t1")
	if err != nil {
		t.Fatalf("FindConversationIDByThread failed: %v", err)
	}
	if got != id {
		t.Errorf("id = %q, want %q", got, id)
	}
}

func TestSetMonitoringStopped(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	for _, thread := range []string{"t1", "t2"} {
		if _, err := store.InsertConversation(ctx, &ConversationRecord{ThreadID: thread, RequesterID: "u", GuildID: "g"}); err != nil {
			t.Fatalf("InsertConversation(%s) failed: %v", thread, err)
		}
	}

	if err := store.SetMonitoringStopped(ctx, "t2", true); err != nil {
		t.Fatalf("SetMonitoringStopped failed: %v", err)
	}

	threads, err := store.ListConversationThreads(ctx)
	if err != nil {
		t.Fatalf("ListConversationThreads failed: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	stopped := map[string]bool{}
	for _, ts := range threads {
		stopped[ts.ThreadID] = ts.MonitoringStopped
	}
	if stopped["t1"] {
		t.Error("t1 should not be stopped")
	}
	if !stopped["t2"] {
		t.Error("t2 should be stopped")
	}

	if err := store.SetMonitoringStopped(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown thread, got %v", err)
	}
}

func TestStoreAssociation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	convID, err := store.InsertConversation(ctx, &ConversationRecord{ThreadID: "t1", RequesterID: "u", GuildID: "g"})
	if err != nil {
		t.Fatalf("InsertConversation failed: %v", err)
	}

	if _, err := store.GetStoreAssociation(ctx, convID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before insert, got %v", err)
	}

	if _, err := store.InsertStoreAssociation(ctx, convID, "conversation-a.json"); err != nil {
		t.Fatalf("InsertStoreAssociation failed: %v", err)
	}
	if _, err := store.InsertStoreAssociation(ctx, convID, "conversation-b.json"); err != nil {
		t.Fatalf("InsertStoreAssociation failed: %v", err)
	}

	rec, err := store.GetStoreAssociation(ctx, convID)
	if err != nil {
		t.Fatalf("GetStoreAssociation failed: %v", err)
	}
	if rec.Filename != "conversation-b.json" {
		t.Errorf("Filename = %q, want latest association", rec.Filename)
	}
}

func TestStoreAssociation_RequiresConversation(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.InsertStoreAssociation(context.Background(), "no-such-conversation", "x.json")
	if err == nil {
		t.Error("expected foreign key failure for unknown conversation")
	}
}

func TestEchoChannels(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.EnableEcho(ctx, "c1", "g1"); err != nil {
		t.Fatalf("EnableEcho failed: %v", err)
	}
	// Enabling twice is a no-op
	if err := store.EnableEcho(ctx, "c1", "g1"); err != nil {
		t.Fatalf("second EnableEcho failed: %v", err)
	}
	if err := store.EnableEcho(ctx, "c2", "g1"); err != nil {
		t.Fatalf("EnableEcho failed: %v", err)
	}

	channels, err := store.ListEchoChannels(ctx)
	if err != nil {
		t.Fatalf("ListEchoChannels failed: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 echo channels, got %d", len(channels))
	}

	if err := store.DisableEcho(ctx, "c1"); err != nil {
		t.Fatalf("DisableEcho failed: %v", err)
	}
	if err := store.DisableEcho(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound disabling twice, got %v", err)
	}

	channels, err = store.ListEchoChannels(ctx)
	if err != nil {
		t.Fatalf("ListEchoChannels failed: %v", err)
	}
	if len(channels) != 1 || channels[0].ChannelID != "c2" {
		t.Errorf("expected only c2 to remain, got %+v", channels)
	}
}

func TestReelMonitors(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.AddReelMonitor(ctx, "reels", "g1"); err != nil {
		t.Fatalf("AddReelMonitor failed: %v", err)
	}

	monitors, err := store.ListReelMonitors(ctx)
	if err != nil {
		t.Fatalf("ListReelMonitors failed: %v", err)
	}
	if len(monitors) != 1 || monitors[0].ChannelID != "reels" || monitors[0].GuildID != "g1" {
		t.Errorf("unexpected monitors: %+v", monitors)
	}

	if err := store.RemoveReelMonitor(ctx, "reels"); err != nil {
		t.Fatalf("RemoveReelMonitor failed: %v", err)
	}
	if err := store.RemoveReelMonitor(ctx, "reels"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound removing twice, got %v", err)
	}
}

// Helper functions

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
