// ABOUTME: Matrix implementation of the router's platform client
// ABOUTME: Threads are rooted at the source event; outbound sends are rate limited and rendered from markdown

package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/echo-router/internal/router"
)

// ErrNestedThread is returned when asked to open a thread from a message
// that is already inside one.
var ErrNestedThread = errors.New("cannot start a thread inside a thread")

const (
	// DefaultSendRate is the sustained outbound message rate per second.
	DefaultSendRate = 5.0
	// DefaultSendBurst is the outbound burst size.
	DefaultSendBurst = 10

	typingTimeout  = 30 * time.Second
	networkTimeout = 10 * time.Second
)

// matrixClient is the subset of *mautrix.Client used here.
type matrixClient interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinedMembers, error)
	StateEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, stateKey string, outContent interface{}) error
}

var _ matrixClient = (*mautrix.Client)(nil)

// Options configures a Matrix adapter.
type Options struct {
	SendRate  float64
	SendBurst int
	Logger    *slog.Logger
}

// Matrix sends to Matrix rooms on behalf of the router and the job runner.
type Matrix struct {
	client  matrixClient
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ router.Platform = (*Matrix)(nil)

// NewMatrix creates a Matrix adapter around a logged-in client.
func NewMatrix(client matrixClient, opts Options) *Matrix {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendRate <= 0 {
		opts.SendRate = DefaultSendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = DefaultSendBurst
	}
	return &Matrix{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		logger:  logger.With("component", "matrix"),
	}
}

// CreateThread opens a thread rooted at the source event. Matrix threads
// exist once something relates to the root, so no event is sent here; the
// acknowledgement that follows is the thread's first reply.
func (m *Matrix) CreateThread(ctx context.Context, source *router.Message, name string) (router.ThreadRef, error) {
	if source.InThread() {
		return router.ThreadRef{}, ErrNestedThread
	}
	if source.ID == "" {
		return router.ThreadRef{}, fmt.Errorf("source message has no event id")
	}
	m.logger.Debug("thread opened", "room_id", source.ChannelID, "root", source.ID, "name", name)
	return router.ThreadRef{ThreadID: source.ID, Name: name}, nil
}

// SendAcknowledgement posts a short notice to the channel or thread.
func (m *Matrix) SendAcknowledgement(ctx context.Context, ref router.ChannelRef, text string) error {
	return m.send(ctx, ref.ChannelID, ref.ThreadID, event.MsgNotice, text)
}

// Reply posts an agent reply. threadID is empty for room-level replies.
func (m *Matrix) Reply(ctx context.Context, channelID, threadID, text string) error {
	return m.send(ctx, channelID, threadID, event.MsgText, text)
}

// SetTyping toggles the typing indicator in a room. Failures are logged only.
func (m *Matrix) SetTyping(ctx context.Context, roomID string, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := m.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		m.logger.Debug("failed to set typing indicator", "room_id", roomID, "error", err)
	}
}

func (m *Matrix) send(ctx context.Context, roomID, threadID string, msgType event.MessageType, text string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send slot: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    text,
	}
	if html, err := RenderMarkdown(text); err == nil && html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	} else if err != nil {
		m.logger.Debug("markdown render failed, sending plain text", "error", err)
	}
	if threadID != "" {
		root := id.EventID(threadID)
		content.RelatesTo = &event.RelatesTo{
			Type:          event.RelThread,
			EventID:       root,
			InReplyTo:     &event.InReplyTo{EventID: root},
			IsFallingBack: true,
		}
	}

	if _, err := m.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

// RenderMarkdown converts markdown to HTML. Returns "" for plain text that
// renders to a single bare paragraph, so simple messages stay unformatted.
func RenderMarkdown(src string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", err
	}
	html := bytes.TrimSpace(buf.Bytes())
	inner, ok := bytes.CutPrefix(html, []byte("<p>"))
	if ok {
		inner, ok = bytes.CutSuffix(inner, []byte("</p>"))
	}
	if ok && !bytes.ContainsAny(inner, "<&") && string(inner) == src {
		return "", nil
	}
	return string(html), nil
}
