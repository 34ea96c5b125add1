// Package store provides persistent storage for echo-router.
//
// # Architecture
//
// The Store interface covers four record kinds:
//
//   - ConversationRecord: one durable row per tracked thread, with the
//     monitoring-stopped flag and the origin message metadata
//   - StoreRecord: association from a conversation ID to its body filename
//   - EchoChannel: channels where the bot answers every message
//   - ReelMonitor: channels and threads excluded from routing
//
// SQLiteStore implements Store on modernc.org/sqlite. MockStore is an
// in-memory implementation for tests in other packages.
//
// Conversation bodies (the message history sent with each job) live outside
// the database in JSON files managed by FileStore, one file per conversation.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The schema is created on open and additive migrations run afterwards.
// Use NewSQLiteStore(":memory:") in tests that need real SQL behaviour.
//
// # Error Handling
//
//   - ErrNotFound: requested record does not exist
//   - ErrDuplicateConversation: a conversation already exists for the thread
//
// All database methods accept context.Context for cancellation.
package store
