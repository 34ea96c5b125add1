// ABOUTME: Loader reconstructs evicted conversations from durable storage
// ABOUTME: Concurrent loads of one thread share a single storage read and install one instance

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/2389/echo-router/internal/store"
)

// ErrNotFound is returned when a thread has no recoverable conversation.
// Storage failures are reported as ErrNotFound too, with the cause wrapped.
var ErrNotFound = errors.New("conversation not found in storage")

// RecordReader is the part of the store the loader needs.
type RecordReader interface {
	GetConversationByThread(ctx context.Context, threadID string) (*store.ConversationRecord, error)
	GetStoreAssociation(ctx context.Context, conversationID string) (*store.StoreRecord, error)
}

// BodyReader reads serialized conversation bodies.
type BodyReader interface {
	Read(filename string) (*store.Body, error)
}

// LoadObserver is notified of each load outcome: "recovered", "cached", "not_found" or "error".
type LoadObserver interface {
	ObserveRecovery(result string)
}

// Loader recovers conversations into a Manager.
type Loader struct {
	records  RecordReader
	bodies   BodyReader
	manager  *Manager
	observer LoadObserver
	group    singleflight.Group
	logger   *slog.Logger
}

// NewLoader creates a Loader. bodies and observer may be nil.
func NewLoader(records RecordReader, bodies BodyReader, manager *Manager, observer LoadObserver, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		records:  records,
		bodies:   bodies,
		manager:  manager,
		observer: observer,
		logger:   logger.With("component", "recovery_loader"),
	}
}

// Load returns the cached conversation for threadID, recovering it from
// storage if it is not cached. The recovered conversation is Idle.
func (l *Loader) Load(ctx context.Context, threadID string) (*Conversation, error) {
	if conv, ok := l.manager.Get(threadID); ok {
		l.observe("cached")
		return conv, nil
	}

	// The load is shared by every caller waiting on threadID, so one
	// caller's cancellation must not fail it for the rest.
	ch := l.group.DoChan(threadID, func() (any, error) {
		return l.load(context.WithoutCancel(ctx), threadID)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
	}

	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.observe("not_found")
			return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
		}
		l.observe("error")
		l.logger.Error("recovery failed", "thread_id", threadID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if shared {
		l.logger.Debug("shared recovery load", "thread_id", threadID)
	}
	return v.(*Conversation), nil
}

func (l *Loader) load(ctx context.Context, threadID string) (*Conversation, error) {
	// A load that finished just before this one joined the group already installed it
	if conv, ok := l.manager.Get(threadID); ok {
		return conv, nil
	}

	rec, err := l.records.GetConversationByThread(ctx, threadID)
	if err != nil {
		return nil, err
	}

	params := ActivateParams{
		ThreadID:       threadID,
		GuildID:        rec.GuildID,
		RequesterID:    rec.RequesterID,
		ConversationID: rec.ID,
	}
	if name, ok := rec.Meta["guild_name"].(string); ok {
		params.GuildName = name
	}

	assoc, err := l.records.GetStoreAssociation(ctx, rec.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		l.logger.Warn("conversation has no body association", "thread_id", threadID, "conversation_id", rec.ID)
	case err != nil:
		return nil, fmt.Errorf("reading store association: %w", err)
	default:
		params.Filename = assoc.Filename
		l.readBody(assoc.Filename, &params)
	}

	conv, installed := l.manager.Install(params)
	if !installed {
		l.observe("cached")
		return conv, nil
	}

	if rec.MonitoringStopped {
		l.manager.StopMonitoring(threadID)
	}
	l.observe("recovered")
	l.logger.Info("recovered conversation",
		"thread_id", threadID,
		"conversation_id", rec.ID,
		"history", params.HistoryLen,
		"monitoring_stopped", rec.MonitoringStopped)
	return conv, nil
}

// readBody fills history details. A missing or unreadable body still yields
// a usable conversation with empty history.
func (l *Loader) readBody(filename string, params *ActivateParams) {
	if l.bodies == nil {
		return
	}
	body, err := l.bodies.Read(filename)
	if err != nil {
		l.logger.Warn("conversation body unavailable", "thread_id", params.ThreadID, "filename", filename, "error", err)
		return
	}
	params.HistoryLen = len(body.Messages)
	if params.GuildName == "" {
		params.GuildName = body.GuildName
	}
}

func (l *Loader) observe(result string) {
	if l.observer != nil {
		l.observer.ObserveRecovery(result)
	}
}
