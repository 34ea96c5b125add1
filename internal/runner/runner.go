// ABOUTME: Job runner that forwards a batch of queued messages to the agent gateway
// ABOUTME: Posts the agent reply back to the conversation and appends both sides to the body file

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/echo-router/internal/conversation"
	"github.com/2389/echo-router/internal/dispatch"
	"github.com/2389/echo-router/internal/store"
)

// Frontend identifies this router to the gateway.
const Frontend = "matrix"

// Replier posts agent replies to the chat platform. threadID is empty for
// replies at the channel level.
type Replier interface {
	Reply(ctx context.Context, channelID, threadID, text string) error
}

// BodyAppender appends to a conversation body file.
type BodyAppender interface {
	Append(filename string, msgs ...store.BodyMessage) error
}

// Sender sends one request to the agent gateway.
type Sender interface {
	Send(ctx context.Context, req SendRequest, onEvent func(Event)) (string, error)
}

// Config holds runner settings.
type Config struct {
	AgentID string
}

// GatewayRunner implements dispatch.JobRunner against the agent gateway.
type GatewayRunner struct {
	gateway Sender
	replier Replier
	bodies  BodyAppender
	cfg     Config
	logger  *slog.Logger
}

var _ dispatch.JobRunner = (*GatewayRunner)(nil)

// New creates a GatewayRunner. bodies may be nil.
func New(gateway Sender, replier Replier, bodies BodyAppender, cfg Config, logger *slog.Logger) *GatewayRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &GatewayRunner{
		gateway: gateway,
		replier: replier,
		bodies:  bodies,
		cfg:     cfg,
		logger:  logger.With("component", "runner"),
	}
}

// Run sends the job's messages as one request and relays the reply.
func (r *GatewayRunner) Run(ctx context.Context, job *dispatch.Job) error {
	if len(job.Messages) == 0 {
		return nil
	}

	channelID, threadID := replyTarget(job)
	req := SendRequest{
		ThreadID:  job.ConversationID,
		AgentID:   r.cfg.AgentID,
		Sender:    job.Messages[len(job.Messages)-1].AuthorID,
		Content:   joinBatch(job.Messages),
		Frontend:  Frontend,
		ChannelID: job.ThreadID,
	}

	r.logger.Debug("sending job to gateway",
		"job_id", job.ID,
		"conversation_id", job.ConversationID,
		"batch_size", len(job.Messages))

	reply, err := r.gateway.Send(ctx, req, nil)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	now := time.Now().UTC()
	history := userMessages(job.Messages)

	if strings.TrimSpace(reply) == "" {
		r.logger.Warn("empty reply from agent", "job_id", job.ID, "thread_id", job.ThreadID)
	} else {
		if err := r.replier.Reply(ctx, channelID, threadID, reply); err != nil {
			return fmt.Errorf("posting reply for job %s: %w", job.ID, err)
		}
		history = append(history, store.BodyMessage{Role: "assistant", Content: reply, CreatedAt: now})
	}

	if r.bodies != nil && job.Filename != "" {
		if err := r.bodies.Append(job.Filename, history...); err != nil {
			r.logger.Error("failed to append conversation body", "job_id", job.ID, "filename", job.Filename, "error", err)
		}
	}
	return nil
}

// replyTarget maps a job's routing key onto a channel and thread. A key equal
// to the guild is a room-level conversation.
func replyTarget(job *dispatch.Job) (channelID, threadID string) {
	if job.ThreadID == job.GuildID || job.GuildID == "" {
		return job.ThreadID, ""
	}
	return job.GuildID, job.ThreadID
}

// joinBatch renders a batch of messages as one prompt. A lone message is sent
// as is; several are prefixed with their authors.
func joinBatch(msgs []conversation.QueuedMessage) string {
	if len(msgs) == 1 {
		return withAttachments(msgs[0].Content, msgs[0].Attachments)
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n")
		}
		name := m.AuthorName
		if name == "" {
			name = m.AuthorID
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(withAttachments(m.Content, m.Attachments))
	}
	return b.String()
}

func withAttachments(content string, atts []conversation.Attachment) string {
	if len(atts) == 0 {
		return content
	}
	var b strings.Builder
	b.WriteString(content)
	for _, a := range atts {
		fmt.Fprintf(&b, "\n[%s: %s %s]", a.Type, a.Filename, a.URL)
	}
	return b.String()
}

func userMessages(msgs []conversation.QueuedMessage) []store.BodyMessage {
	out := make([]store.BodyMessage, 0, len(msgs)+1)
	for _, m := range msgs {
		bm := store.BodyMessage{
			Role:      "user",
			AuthorID:  m.AuthorID,
			Content:   m.Content,
			CreatedAt: m.ReceivedAt.UTC(),
		}
		for _, a := range m.Attachments {
			bm.Attachments = append(bm.Attachments, a.URL)
		}
		out = append(out, bm)
	}
	return out
}
