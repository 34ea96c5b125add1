// ABOUTME: Converts Matrix room message events into router messages and commands
// ABOUTME: Handles mentions, thread relations, attachments, DM detection, and command replies

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/echo-router/internal/conversation"
	"github.com/2389/echo-router/internal/router"
)

// Router handles routed messages.
type Router interface {
	Handle(ctx context.Context, msg *router.Message) (router.Outcome, error)
}

// CommandExecutor runs chat commands.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, msg *router.Message) (router.CommandResult, error)
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	UserID        string
	DisplayName   string
	CommandPrefix string
	AllowedRooms  []string
}

// Listener receives Matrix events and feeds the router.
type Listener struct {
	client   matrixClient
	matrix   *Matrix
	router   Router
	commands CommandExecutor
	cfg      ListenerConfig
	allowed  map[string]bool
	logger   *slog.Logger

	mu      sync.Mutex
	members map[id.RoomID]int
	names   map[id.RoomID]string
}

// NewListener creates a Listener.
func NewListener(client matrixClient, matrix *Matrix, r Router, commands CommandExecutor, cfg ListenerConfig, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedRooms))
	for _, room := range cfg.AllowedRooms {
		allowed[room] = true
	}
	return &Listener{
		client:   client,
		matrix:   matrix,
		router:   r,
		commands: commands,
		cfg:      cfg,
		allowed:  allowed,
		logger:   logger.With("component", "listener"),
		members:  make(map[id.RoomID]int),
		names:    make(map[id.RoomID]string),
	}
}

// Run registers the listener on the client's syncer and syncs until ctx is done.
func (l *Listener) Run(ctx context.Context, client *mautrix.Client) error {
	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, l.HandleEvent)
	syncer.OnEventType(event.StateMember, l.handleMembership)

	l.logger.Info("syncing with homeserver", "user_id", l.cfg.UserID)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		client.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// HandleEvent processes one m.room.message event. Events are handled
// synchronously so per-room arrival order reaches the router intact.
func (l *Listener) HandleEvent(ctx context.Context, evt *event.Event) {
	if len(l.allowed) > 0 && !l.allowed[evt.RoomID.String()] {
		return
	}
	msg, ok := l.convert(ctx, evt)
	if !ok {
		return
	}

	if !msg.FromSelf {
		if name, ok := router.ParseCommand(l.cfg.CommandPrefix, msg.Content); ok {
			l.runCommand(ctx, name, msg)
			return
		}
	}

	out, err := l.router.Handle(ctx, msg)
	if err != nil {
		l.logger.Error("routing failed", "event_id", msg.ID, "room_id", msg.ChannelID, "error", err)
		return
	}
	if out.Action != router.Reject {
		l.logger.Info("message routed",
			"event_id", msg.ID,
			"thread_id", out.ThreadID,
			"reason", out.Reason,
			"dispatch", out.Dispatch.String(),
			"bootstrapped", out.Bootstrapped)
	}
}

// convert builds a router message. ok is false for events that are not
// user-visible messages.
func (l *Listener) convert(ctx context.Context, evt *event.Event) (*router.Message, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return nil, false
	}
	// Edits arrive as new events; only the original is routed
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil, false
	}

	msg := &router.Message{
		ID:         evt.ID.String(),
		AuthorID:   evt.Sender.String(),
		AuthorName: localpart(evt.Sender),
		FromSelf:   evt.Sender.String() == l.cfg.UserID,
		ChannelID:  evt.RoomID.String(),
		Content:    content.Body,
		ReceivedAt: time.UnixMilli(evt.Timestamp),
	}
	if evt.Timestamp == 0 {
		msg.ReceivedAt = time.Now()
	}

	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelThread {
		msg.ThreadID = content.RelatesTo.EventID.String()
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		msg.Attachments = []conversation.Attachment{attachment(content)}
		if content.FileName == "" || content.FileName == content.Body {
			msg.Content = ""
		}
	default:
		return nil, false
	}

	msg.Mentioned = l.mentioned(content)

	if !msg.FromSelf && !l.isDirect(ctx, evt.RoomID) {
		name := l.roomName(ctx, evt.RoomID)
		msg.GuildID = evt.RoomID.String()
		msg.GuildName = name
		msg.ChannelName = name
	}
	return msg, true
}

func (l *Listener) mentioned(content *event.MessageEventContent) bool {
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, id.UserID(l.cfg.UserID)) {
		return true
	}
	body := strings.ToLower(content.Body)
	if l.cfg.UserID != "" && strings.Contains(body, strings.ToLower(l.cfg.UserID)) {
		return true
	}
	return l.cfg.DisplayName != "" && strings.Contains(body, strings.ToLower(l.cfg.DisplayName))
}

// isDirect reports whether the room is a two-member room. Lookups are cached;
// membership events clear the cache for their room.
func (l *Listener) isDirect(ctx context.Context, roomID id.RoomID) bool {
	l.mu.Lock()
	n, ok := l.members[roomID]
	l.mu.Unlock()
	if !ok {
		ctx, cancel := context.WithTimeout(ctx, networkTimeout)
		defer cancel()
		resp, err := l.client.JoinedMembers(ctx, roomID)
		if err != nil {
			l.logger.Warn("failed to fetch room members", "room_id", roomID, "error", err)
			return false
		}
		n = len(resp.Joined)
		l.mu.Lock()
		l.members[roomID] = n
		l.mu.Unlock()
	}
	return n == 2
}

func (l *Listener) roomName(ctx context.Context, roomID id.RoomID) string {
	l.mu.Lock()
	name, ok := l.names[roomID]
	l.mu.Unlock()
	if ok {
		return name
	}

	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	var content event.RoomNameEventContent
	if err := l.client.StateEvent(ctx, roomID, event.StateRoomName, "", &content); err != nil {
		l.logger.Debug("room has no name", "room_id", roomID, "error", err)
	}
	name = content.Name
	if name == "" {
		name = roomID.String()
	}

	l.mu.Lock()
	l.names[roomID] = name
	l.mu.Unlock()
	return name
}

func (l *Listener) handleMembership(ctx context.Context, evt *event.Event) {
	l.mu.Lock()
	delete(l.members, evt.RoomID)
	l.mu.Unlock()
}

func (l *Listener) runCommand(ctx context.Context, name string, msg *router.Message) {
	if msg.GuildID == "" {
		return
	}
	res, err := l.commands.Execute(ctx, name, msg)
	text := commandReply(res, err)
	if err != nil && !isUserError(err) {
		l.logger.Error("command failed", "command", name, "room_id", msg.ChannelID, "error", err)
	}
	if l.matrix == nil {
		return
	}
	if err := l.matrix.Reply(ctx, msg.ChannelID, msg.ThreadID, text); err != nil {
		l.logger.Warn("failed to reply to command", "command", name, "error", err)
	}
}

func commandReply(res router.CommandResult, err error) string {
	switch {
	case errors.Is(err, router.ErrThreadOnly):
		return "This command only works in a thread."
	case errors.Is(err, router.ErrNotThread):
		return "This command can only be used in a channel, not in a thread."
	case errors.Is(err, router.ErrNoConversation):
		return "There is no conversation in this thread."
	case err != nil:
		return "Something went wrong running that command."
	}
	switch res {
	case router.ResultMonitoringStopped:
		return "Stopped monitoring this thread. Mention me to pick it back up."
	case router.ResultAlreadyStopped:
		return "I'm already not monitoring this thread."
	case router.ResultEchoEnabled:
		return "Echo mode enabled. I'll respond to every message in this channel."
	case router.ResultEchoAlreadyEnabled:
		return "Echo mode is already enabled here."
	case router.ResultEchoDisabled:
		return "Echo mode disabled. Mention me to start a conversation."
	case router.ResultEchoNotEnabled:
		return "Echo mode isn't enabled here."
	}
	return "Done."
}

func isUserError(err error) bool {
	return errors.Is(err, router.ErrThreadOnly) ||
		errors.Is(err, router.ErrNotThread) ||
		errors.Is(err, router.ErrNoConversation)
}

func attachment(content *event.MessageEventContent) conversation.Attachment {
	a := conversation.Attachment{
		Type:     strings.TrimPrefix(string(content.MsgType), "m."),
		Filename: content.FileName,
		URL:      string(content.URL),
	}
	if a.Filename == "" {
		a.Filename = content.Body
	}
	if a.URL == "" && content.File != nil {
		a.URL = string(content.File.URL)
	}
	if content.Info != nil {
		a.MimeType = content.Info.MimeType
		a.Size = int64(content.Info.Size)
	}
	return a
}

func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
