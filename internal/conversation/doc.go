// Package conversation tracks the routing state of every conversation.
//
// # Overview
//
// A conversation is bound to one thread or channel key. The Manager holds
// the in-memory cache of tracked conversations together with two sets that
// outlive the cache: known threads (a durable record exists) and threads
// whose monitoring has been stopped.
//
// # Status
//
//	Idle -> Thinking -> (ProcessingQueue -> Thinking)* -> Idle
//
// Messages that arrive while a job runs are queued on the conversation.
// When the job finishes the dispatcher drains the queue into the next job
// (BeginDrain, Resume) and only settles to Idle (Complete) once the queue
// is observed empty. A failed job returns the conversation to Idle with its
// messages retained (Fail).
//
// # Recovery
//
// The Loader rebuilds an evicted conversation from storage:
//
//	conv, err := loader.Load(ctx, threadID)
//
// Concurrent loads of one thread share a single storage read and converge
// on a single cached instance.
//
// # Status Events
//
// Every status transition is published on the StatusBroadcaster in the order
// it happened for that thread. The binary uses it for typing indicators.
package conversation
