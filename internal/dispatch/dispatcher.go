// ABOUTME: Dispatcher starts processing jobs for conversations, one in flight per conversation
// ABOUTME: Messages arriving mid-job are queued and drained FIFO into follow-up jobs

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/echo-router/internal/conversation"
)

var (
	// ErrMissingConversationID is returned when a conversation has no durable ID to correlate a job with
	ErrMissingConversationID = errors.New("conversation has no durable id")

	// ErrBusy is returned by Submit when the conversation already has a job in flight
	ErrBusy = errors.New("conversation already has a job in flight")
)

// DefaultJobTimeout bounds a single job run when no timeout is configured.
const DefaultJobTimeout = 10 * time.Minute

// Job is one invocation of the runner over a batch of user messages.
type Job struct {
	ID             string
	ConversationID string
	ThreadID       string
	GuildID        string
	Filename       string
	Messages       []conversation.QueuedMessage
}

// JobRunner processes a job. Run returns when the job is finished.
type JobRunner interface {
	Run(ctx context.Context, job *Job) error
}

// Observer receives dispatch events for metrics.
type Observer interface {
	JobStarted(batchSize int)
	JobFinished(result string)
	ObserveJobDuration(d time.Duration)
	MessageQueued()
}

// Outcome says what QueueOrStart did with a message.
type Outcome int

const (
	Started Outcome = iota
	Queued
)

func (o Outcome) String() string {
	if o == Started {
		return "started"
	}
	return "queued"
}

// Result is returned by QueueOrStart.
type Result struct {
	Outcome Outcome
	JobID   string     // set when Started
	Handle  *JobHandle // set when Started
}

// JobHandle follows a started job and the queue drains chained after it.
// Done is closed once the conversation settles back to Idle.
type JobHandle struct {
	ID   string
	done chan struct{}
	err  error
}

// Done is closed when the job chain has finished.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the failure that ended the chain, if any. Valid after Done is closed.
func (h *JobHandle) Err() error {
	<-h.done
	return h.err
}

// Options configures a Dispatcher.
type Options struct {
	JobTimeout time.Duration
	Observer   Observer
	Logger     *slog.Logger
}

// Dispatcher guarantees at most one running job per conversation.
type Dispatcher struct {
	manager  *conversation.Manager
	runner   JobRunner
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// New creates a Dispatcher.
func New(manager *conversation.Manager, runner JobRunner, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Dispatcher{
		manager:  manager,
		runner:   runner,
		timeout:  timeout,
		observer: opts.Observer,
		logger:   logger.With("component", "dispatcher"),
	}
}

// QueueOrStart starts a job for an Idle conversation or queues msg behind
// the job already running.
func (d *Dispatcher) QueueOrStart(ctx context.Context, conv *conversation.Conversation, msg conversation.QueuedMessage) (Result, error) {
	if conv.ID() == "" {
		return Result{}, fmt.Errorf("%w: %s", ErrMissingConversationID, conv.ThreadID())
	}

	batch, started, err := d.manager.StartOrEnqueue(conv.ThreadID(), msg)
	if err != nil {
		return Result{}, fmt.Errorf("queue or start: %w", err)
	}
	if !started {
		if d.observer != nil {
			d.observer.MessageQueued()
		}
		d.logger.Debug("queued message behind running job",
			"thread_id", conv.ThreadID(),
			"message_id", msg.ID)
		return Result{Outcome: Queued}, nil
	}

	handle := d.launch(ctx, conv, batch)
	return Result{Outcome: Started, JobID: handle.ID, Handle: handle}, nil
}

// Submit starts a job for an Idle conversation with the given messages.
// Returns ErrBusy if a job is already in flight.
func (d *Dispatcher) Submit(ctx context.Context, conv *conversation.Conversation, msgs []conversation.QueuedMessage) (*JobHandle, error) {
	if conv.ID() == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingConversationID, conv.ThreadID())
	}
	if err := d.manager.MarkBusy(conv.ThreadID()); err != nil {
		if errors.Is(err, conversation.ErrInvalidTransition) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("submit: %w", err)
	}
	return d.launch(ctx, conv, msgs), nil
}

// Wait blocks until every job chain has finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) launch(ctx context.Context, conv *conversation.Conversation, batch []conversation.QueuedMessage) *JobHandle {
	handle := &JobHandle{
		ID:   uuid.New().String(),
		done: make(chan struct{}),
	}
	// Jobs outlive the message that started them
	jobCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(handle.done)
		handle.err = d.runChain(jobCtx, conv, handle.ID, batch)
	}()
	return handle
}

// runChain runs batch, then keeps draining the pending queue into new jobs
// until it is observed empty right after a job completes.
func (d *Dispatcher) runChain(ctx context.Context, conv *conversation.Conversation, jobID string, batch []conversation.QueuedMessage) error {
	threadID := conv.ThreadID()
	for {
		job := &Job{
			ID:             jobID,
			ConversationID: conv.ID(),
			ThreadID:       threadID,
			GuildID:        conv.GuildID(),
			Filename:       conv.Filename(),
			Messages:       batch,
		}

		if err := d.runOne(ctx, job); err != nil {
			d.logger.Error("job failed",
				"thread_id", threadID,
				"job_id", job.ID,
				"messages", len(batch),
				"error", err)
			if d.observer != nil {
				d.observer.JobFinished("failed")
			}
			if ferr := d.manager.Fail(threadID, batch); ferr != nil {
				d.logger.Error("failed to return conversation to idle", "thread_id", threadID, "error", ferr)
			}
			return err
		}
		if d.observer != nil {
			d.observer.JobFinished("completed")
		}

		next, err := d.settle(threadID)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		batch = next
		jobID = uuid.New().String()
	}
}

// settle either hands the next queued batch back (status ProcessingQueue ->
// Thinking) or returns the conversation to Idle when nothing is pending.
func (d *Dispatcher) settle(threadID string) ([]conversation.QueuedMessage, error) {
	for {
		next, err := d.manager.BeginDrain(threadID)
		if err != nil {
			d.logger.Error("drain failed", "thread_id", threadID, "error", err)
			return nil, err
		}
		if len(next) > 0 {
			if err := d.manager.Resume(threadID); err != nil {
				d.logger.Error("resume failed", "thread_id", threadID, "error", err)
				return nil, err
			}
			d.logger.Debug("draining queued messages", "thread_id", threadID, "messages", len(next))
			return next, nil
		}

		err = d.manager.Complete(threadID)
		if errors.Is(err, conversation.ErrPendingMessages) {
			// A message was queued between the drain and the completion
			continue
		}
		if err != nil {
			d.logger.Error("complete failed", "thread_id", threadID, "error", err)
			return nil, err
		}
		return nil, nil
	}
}

func (d *Dispatcher) runOne(ctx context.Context, job *Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job runner panicked: %v", r)
		}
	}()

	if d.observer != nil {
		d.observer.JobStarted(len(job.Messages))
	}
	d.logger.Info("starting job",
		"thread_id", job.ThreadID,
		"conversation_id", job.ConversationID,
		"job_id", job.ID,
		"messages", len(job.Messages))

	start := time.Now()
	defer func() {
		if d.observer != nil {
			d.observer.ObserveJobDuration(time.Since(start))
		}
	}()
	return d.runner.Run(ctx, job)
}
