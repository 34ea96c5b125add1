// ABOUTME: Shared test harness wiring real state, store mocks, and fake platform/runner
// ABOUTME: Used by filter, controller, and command tests

package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/echo-router/internal/conversation"
	"github.com/2389/echo-router/internal/dedupe"
	"github.com/2389/echo-router/internal/dispatch"
	"github.com/2389/echo-router/internal/flags"
	"github.com/2389/echo-router/internal/store"
)

const (
	testGuild   = "guild-1"
	testChannel = "chan-1"
)

type fakePlatform struct {
	mu        sync.Mutex
	threads   []ThreadRef
	acks      []ChannelRef
	createErr error
	ackErr    error
}

func (p *fakePlatform) CreateThread(ctx context.Context, source *Message, name string) (ThreadRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return ThreadRef{}, p.createErr
	}
	ref := ThreadRef{ThreadID: "thread-" + source.ID, Name: name}
	p.threads = append(p.threads, ref)
	return ref, nil
}

func (p *fakePlatform) SendAcknowledgement(ctx context.Context, ref ChannelRef, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ackErr != nil {
		return p.ackErr
	}
	p.acks = append(p.acks, ref)
	return nil
}

func (p *fakePlatform) ackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.acks)
}

// recordingRunner records jobs; when gate is set each job waits for a release.
type recordingRunner struct {
	mu       sync.Mutex
	jobs     []*dispatch.Job
	inFlight map[string]int
	maxSeen  int
	gate     chan struct{}
}

func (r *recordingRunner) Run(ctx context.Context, job *dispatch.Job) error {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	if r.inFlight == nil {
		r.inFlight = make(map[string]int)
	}
	r.inFlight[job.ThreadID]++
	if r.inFlight[job.ThreadID] > r.maxSeen {
		r.maxSeen = r.inFlight[job.ThreadID]
	}
	gate := r.gate
	r.mu.Unlock()

	if gate != nil {
		<-gate
	} else {
		time.Sleep(time.Millisecond)
	}

	r.mu.Lock()
	r.inFlight[job.ThreadID]--
	r.mu.Unlock()
	return nil
}

func (r *recordingRunner) jobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *recordingRunner) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, j := range r.jobs {
		for _, m := range j.Messages {
			out = append(out, m.Content)
		}
	}
	return out
}

type harness struct {
	ms         *store.MockStore
	bodies     *store.FileStore
	events     *conversation.StatusBroadcaster
	manager    *conversation.Manager
	loader     *conversation.Loader
	echo       *flags.Echo
	reels      *flags.ReelMonitor
	platform   *fakePlatform
	runner     *recordingRunner
	dispatcher *dispatch.Dispatcher
	filter     *Filter
	controller *Controller
	commands   *Commands
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	bodies, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		ms:       store.NewMockStore(),
		bodies:   bodies,
		events:   conversation.NewStatusBroadcaster(nil),
		platform: &fakePlatform{},
		runner:   &recordingRunner{},
	}
	t.Cleanup(h.events.Close)

	h.manager = conversation.NewManager(h.events, nil)
	h.loader = conversation.NewLoader(h.ms, h.bodies, h.manager, nil, nil)
	h.echo = flags.NewEcho(h.ms, nil)
	h.reels = flags.NewReelMonitor(h.ms, nil)
	h.dispatcher = dispatch.New(h.manager, h.runner, dispatch.Options{JobTimeout: 5 * time.Second})
	h.filter = NewFilter(h.manager, h.loader, h.echo, h.reels, h.ms, nil)
	h.commands = NewCommands(h.manager, h.echo, h.ms, nil)
	h.controller = NewController(ControllerConfig{}, Deps{
		Filter:     h.filter,
		Manager:    h.manager,
		Loader:     h.loader,
		Dispatcher: h.dispatcher,
		Store:      h.ms,
		Bodies:     h.bodies,
		Echo:       h.echo,
		Platform:   h.platform,
		Dedupe:     dedupe.New(time.Minute, 100),
	})
	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.dispatcher.Wait(ctx))
}

// seedKnownThread stores a durable conversation for threadID without caching it.
func (h *harness) seedKnownThread(t *testing.T, threadID string) string {
	t.Helper()
	id, err := h.ms.InsertConversation(context.Background(), &store.ConversationRecord{
		ThreadID:    threadID,
		RequesterID: "@alice",
		GuildID:     testGuild,
	})
	require.NoError(t, err)
	h.manager.Seed([]store.ThreadState{{ThreadID: threadID}})
	return id
}

var msgSeq atomic.Int64

func nextID() string {
	return fmt.Sprintf("$evt-%d", msgSeq.Add(1))
}

func channelMsg(content string, mentioned bool) *Message {
	return &Message{
		ID:          nextID(),
		AuthorID:    "@alice",
		AuthorName:  "alice",
		GuildID:     testGuild,
		GuildName:   "General",
		ChannelID:   testChannel,
		ChannelName: "lobby",
		Mentioned:   mentioned,
		Content:     content,
		ReceivedAt:  time.Now(),
	}
}

func threadMsg(threadID, content string, mentioned bool) *Message {
	m := channelMsg(content, mentioned)
	m.ThreadID = threadID
	m.ThreadName = "Chat with alice"
	return m
}

var errPlatformDown = errors.New("platform unavailable")
