// ABOUTME: Routing controller composing filter, recovery, bootstrap, and dispatch per message
// ABOUTME: Failures in side effects degrade to best effort and never stop the event stream

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/echo-router/internal/conversation"
	"github.com/2389/echo-router/internal/dedupe"
	"github.com/2389/echo-router/internal/dispatch"
	"github.com/2389/echo-router/internal/keylock"
	"github.com/2389/echo-router/internal/store"
)

const (
	// DefaultAcknowledgement is posted before a new job starts.
	DefaultAcknowledgement = "*Echo is thinking...*"

	// DefaultThreadNameFormat names threads created for a new conversation.
	DefaultThreadNameFormat = "Chat with %s"
)

// ConversationStore is the durable storage the controller writes during bootstrap.
type ConversationStore interface {
	InsertConversation(ctx context.Context, rec *store.ConversationRecord) (string, error)
	FindConversationIDByThread(ctx context.Context, threadID string) (string, error)
	InsertStoreAssociation(ctx context.Context, conversationID, filename string) (string, error)
}

// BodyWriter persists conversation bodies.
type BodyWriter interface {
	Write(filename string, body *store.Body) (string, error)
}

// Dispatcher starts or queues jobs.
type Dispatcher interface {
	QueueOrStart(ctx context.Context, conv *conversation.Conversation, msg conversation.QueuedMessage) (dispatch.Result, error)
}

// Outcome reports what the controller did with a message.
type Outcome struct {
	Action         Action
	Reason         string
	ThreadID       string // routing key the message ended up on
	ConversationID string
	Dispatch       dispatch.Outcome
	JobID          string
	Dispatched     bool
	Bootstrapped   bool
	CreatedThread  bool
	Duplicate      bool
}

// ControllerConfig holds controller settings.
type ControllerConfig struct {
	Acknowledgement  string
	ThreadNameFormat string
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Filter     *Filter
	Manager    *conversation.Manager
	Loader     *conversation.Loader
	Dispatcher Dispatcher
	Store      ConversationStore
	Bodies     BodyWriter
	Echo       EchoFlags
	Platform   Platform
	Dedupe     *dedupe.Window
	Observer   Observer
	Logger     *slog.Logger
}

// Controller routes inbound messages end to end.
type Controller struct {
	filter     *Filter
	manager    *conversation.Manager
	loader     *conversation.Loader
	dispatcher Dispatcher
	store      ConversationStore
	bodies     BodyWriter
	echo       EchoFlags
	platform   Platform
	dedupe     *dedupe.Window
	observer   Observer
	locks      *keylock.Map
	cfg        ControllerConfig
	logger     *slog.Logger
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig, deps Deps) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Acknowledgement == "" {
		cfg.Acknowledgement = DefaultAcknowledgement
	}
	if cfg.ThreadNameFormat == "" {
		cfg.ThreadNameFormat = DefaultThreadNameFormat
	}
	return &Controller{
		filter:     deps.Filter,
		manager:    deps.Manager,
		loader:     deps.Loader,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		bodies:     deps.Bodies,
		echo:       deps.Echo,
		platform:   deps.Platform,
		dedupe:     deps.Dedupe,
		observer:   deps.Observer,
		locks:      keylock.New(),
		cfg:        cfg,
		logger:     logger.With("component", "controller"),
	}
}

// Handle routes one message. Messages on the same key are handled in
// arrival order. Only state machine contract violations are returned as
// errors; everything else is logged and reflected in the Outcome.
func (c *Controller) Handle(ctx context.Context, msg *Message) (Outcome, error) {
	if c.dedupe != nil && msg.ID != "" && c.dedupe.Seen(msg.ID) {
		c.logger.Debug("dropping duplicate message", "message_id", msg.ID)
		return Outcome{Action: Reject, Reason: "duplicate", Duplicate: true}, nil
	}

	unlock := c.locks.Lock(msg.Key())
	defer unlock()

	decision := c.filter.ShouldHandle(ctx, msg)
	if c.observer != nil {
		c.observer.ObserveDecision(decision.Action.String())
	}
	c.logger.Debug("routing decision",
		"message_id", msg.ID,
		"key", msg.Key(),
		"action", decision.Action.String(),
		"reason", decision.Reason)

	out := Outcome{Action: decision.Action, Reason: decision.Reason, ThreadID: msg.Key()}

	switch decision.Action {
	case Reject:
		return out, nil

	case AdmitExistingConversation:
		if decision.Conversation != nil {
			return c.dispatchExisting(ctx, msg, decision.Conversation, out)
		}
		// Echo (or a resumed thread) without a resident conversation
		if conv, err := c.loader.Load(ctx, msg.Key()); err == nil {
			return c.dispatchExisting(ctx, msg, conv, out)
		}
		return c.bootstrap(ctx, msg, msg.Key(), out)

	case AdmitNewConversation:
		if msg.InThread() {
			return c.adoptThread(ctx, msg, out)
		}
		return c.startThread(ctx, msg, out)
	}

	return out, fmt.Errorf("unhandled routing action %s", decision.Action)
}

// dispatchExisting queues or starts work on a resident conversation.
func (c *Controller) dispatchExisting(ctx context.Context, msg *Message, conv *conversation.Conversation, out Outcome) (Outcome, error) {
	key := conv.ThreadID()
	out.ThreadID = key

	id, ok := c.ensureConversationID(ctx, msg, conv)
	if !ok {
		return out, nil
	}
	out.ConversationID = id

	if c.echo.IsEnabled(key) && conv.Status() == conversation.StatusIdle {
		c.acknowledge(ctx, msg, key)
	}

	return c.queueOrStart(ctx, msg, conv, out)
}

// adoptThread handles an addressed message in a thread with no resident
// conversation: reuse a durable record if one exists, else start fresh.
// Either way the thread gets echo mode.
func (c *Controller) adoptThread(ctx context.Context, msg *Message, out Outcome) (Outcome, error) {
	key := msg.ThreadID

	if _, err := c.store.FindConversationIDByThread(ctx, key); err == nil {
		c.manager.MarkKnown(key)
		if conv, err := c.loader.Load(ctx, key); err == nil {
			c.enableEcho(ctx, key, msg.GuildID)
			out.Reason = "adopted"
			return c.dispatchExisting(ctx, msg, conv, out)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Error("conversation lookup failed", "thread_id", key, "error", err)
	}

	c.enableEcho(ctx, key, msg.GuildID)
	return c.bootstrap(ctx, msg, key, out)
}

// startThread creates a thread for an addressed channel message and
// bootstraps the conversation inside it.
func (c *Controller) startThread(ctx context.Context, msg *Message, out Outcome) (Outcome, error) {
	name := fmt.Sprintf(c.cfg.ThreadNameFormat, displayName(msg))
	ref, err := c.platform.CreateThread(ctx, msg, name)
	if err != nil {
		c.platformError("create_thread", err, "channel_id", msg.ChannelID)
		// Continue in the channel itself
		return c.bootstrap(ctx, msg, msg.ChannelID, out)
	}

	out.CreatedThread = true

	// Hold the new thread's key so its first follow-ups queue behind this bootstrap
	unlock := c.locks.Lock(ref.ThreadID)
	defer unlock()

	c.enableEcho(ctx, ref.ThreadID, msg.GuildID)

	threaded := *msg
	threaded.ThreadID = ref.ThreadID
	threaded.ThreadName = ref.Name
	return c.bootstrap(ctx, &threaded, ref.ThreadID, out)
}

// bootstrap creates a conversation on key and dispatches the first message:
// acknowledge, activate, persist body, record, association, then dispatch.
func (c *Controller) bootstrap(ctx context.Context, msg *Message, key string, out Outcome) (Outcome, error) {
	out.ThreadID = key

	c.acknowledge(ctx, msg, key)

	conv, err := c.manager.Activate(conversation.ActivateParams{
		ThreadID:    key,
		GuildID:     msg.GuildID,
		GuildName:   msg.GuildName,
		RequesterID: msg.AuthorID,
	})
	if errors.Is(err, conversation.ErrAlreadyExists) {
		existing, ok := c.manager.Get(key)
		if !ok {
			return out, err
		}
		return c.dispatchExisting(ctx, msg, existing, out)
	}
	if err != nil {
		return out, err
	}
	out.Bootstrapped = true

	body := &store.Body{
		ThreadID:    key,
		GuildID:     msg.GuildID,
		GuildName:   msg.GuildName,
		RequesterID: msg.AuthorID,
	}
	if filename, err := c.bodies.Write("", body); err != nil {
		c.logger.Error("failed to persist conversation body", "thread_id", key, "error", err)
	} else if err := c.manager.SetFilename(key, filename); err != nil {
		return out, err
	}

	id, err := c.persistConversation(ctx, msg, conv)
	if err != nil {
		if isContractViolation(err) || errors.Is(err, conversation.ErrNotTracked) {
			return out, err
		}
		c.logger.Error("failed to persist conversation record; job not dispatched", "thread_id", key, "error", err)
		return out, nil
	}
	out.ConversationID = id

	c.logger.Info("conversation started",
		"thread_id", key,
		"conversation_id", id,
		"requester_id", msg.AuthorID,
		"guild_id", msg.GuildID)

	return c.queueOrStart(ctx, msg, conv, out)
}

func (c *Controller) queueOrStart(ctx context.Context, msg *Message, conv *conversation.Conversation, out Outcome) (Outcome, error) {
	res, err := c.dispatcher.QueueOrStart(ctx, conv, msg.Queued())
	if err != nil {
		if isContractViolation(err) {
			return out, err
		}
		c.logger.Error("dispatch failed", "thread_id", conv.ThreadID(), "error", err)
		return out, nil
	}
	out.Dispatched = true
	out.Dispatch = res.Outcome
	out.JobID = res.JobID
	return out, nil
}

// ensureConversationID returns the durable ID, looking it up by thread when
// the in-memory conversation has none. A conversation whose record was never
// written (the insert failed during bootstrap) is persisted now.
func (c *Controller) ensureConversationID(ctx context.Context, msg *Message, conv *conversation.Conversation) (string, bool) {
	if id := conv.ID(); id != "" {
		return id, true
	}

	id, err := c.store.FindConversationIDByThread(ctx, conv.ThreadID())
	switch {
	case err == nil:
		if err := c.manager.SetConversationID(conv.ThreadID(), id); err != nil {
			c.logger.Warn("failed to record conversation id", "thread_id", conv.ThreadID(), "error", err)
			return "", false
		}
		return id, true
	case errors.Is(err, store.ErrNotFound):
		id, err := c.persistConversation(ctx, msg, conv)
		if err != nil {
			c.logger.Warn("conversation record still not persisted; job not dispatched", "thread_id", conv.ThreadID(), "error", err)
			return "", false
		}
		c.logger.Info("conversation record persisted on retry", "thread_id", conv.ThreadID(), "conversation_id", id)
		return id, true
	default:
		c.logger.Warn("no durable conversation id; job not dispatched", "thread_id", conv.ThreadID(), "error", err)
		return "", false
	}
}

// persistConversation writes the durable record for conv, records its ID in
// memory, and links the body file when one exists. A concurrent insert for
// the same thread resolves to the existing record.
func (c *Controller) persistConversation(ctx context.Context, msg *Message, conv *conversation.Conversation) (string, error) {
	key := conv.ThreadID()
	id, err := c.store.InsertConversation(ctx, &store.ConversationRecord{
		ThreadID:    key,
		RequesterID: conv.RequesterID(),
		GuildID:     conv.GuildID(),
		Meta:        c.chatMeta(msg, key),
	})
	if errors.Is(err, store.ErrDuplicateConversation) {
		id, err = c.store.FindConversationIDByThread(ctx, key)
	}
	if err != nil {
		return "", err
	}
	if err := c.manager.SetConversationID(key, id); err != nil {
		return "", err
	}

	if filename := conv.Filename(); filename != "" {
		if _, err := c.store.InsertStoreAssociation(ctx, id, filename); err != nil {
			c.logger.Error("failed to persist store association", "thread_id", key, "conversation_id", id, "error", err)
		}
	}
	return id, nil
}

func (c *Controller) acknowledge(ctx context.Context, msg *Message, key string) {
	ref := ChannelRef{ChannelID: msg.ChannelID}
	if key != msg.ChannelID {
		ref.ThreadID = key
	}
	if err := c.platform.SendAcknowledgement(ctx, ref, c.cfg.Acknowledgement); err != nil {
		c.platformError("send_acknowledgement", err, "thread_id", key)
	}
}

func (c *Controller) enableEcho(ctx context.Context, id, guildID string) {
	if _, err := c.echo.Enable(ctx, id, guildID); err != nil {
		c.logger.Error("failed to enable echo", "thread_id", id, "error", err)
	}
}

func (c *Controller) platformError(op string, err error, args ...any) {
	if c.observer != nil {
		c.observer.PlatformError(op)
	}
	c.logger.Warn("platform call failed", append([]any{"operation", op, "error", err}, args...)...)
}

func (c *Controller) chatMeta(msg *Message, key string) map[string]any {
	meta := map[string]any{"guild_name": msg.GuildName}
	if key == msg.ChannelID {
		meta["channel_name"] = msg.ChannelName
		meta["is_echo_channel"] = c.echo.IsEnabled(key)
	} else {
		meta["thread_name"] = msg.ThreadName
	}
	return meta
}

func displayName(msg *Message) string {
	if name := strings.TrimSpace(msg.AuthorName); name != "" {
		return name
	}
	return msg.AuthorID
}

func isContractViolation(err error) bool {
	return errors.Is(err, conversation.ErrAlreadyExists) ||
		errors.Is(err, conversation.ErrInvalidTransition) ||
		errors.Is(err, conversation.ErrNoActiveJob)
}
