// ABOUTME: Command operations exposed to the chat command surface
// ABOUTME: Stop monitoring a thread, tracking queries, resume on address, and echo toggles

package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/2389/echo-router/internal/conversation"
)

var (
	// ErrThreadOnly is returned when a thread command is used outside a thread
	ErrThreadOnly = errors.New("command only works in a thread")

	// ErrNotThread is returned when a channel command is used inside a thread
	ErrNotThread = errors.New("command cannot be used in a thread")

	// ErrNoConversation is returned when the thread has no conversation
	ErrNoConversation = errors.New("no conversation in this thread")
)

// Command names understood by the command surface.
const (
	CommandStopMonitoring = "stop-monitoring-channel"
	CommandEchoEnable     = "echo_enable"
	CommandEchoDisable    = "echo_disable"
)

// CommandResult is the outcome of a command.
type CommandResult int

const (
	ResultMonitoringStopped CommandResult = iota
	ResultAlreadyStopped
	ResultEchoEnabled
	ResultEchoAlreadyEnabled
	ResultEchoDisabled
	ResultEchoNotEnabled
)

// Commands implements the operations behind chat commands.
type Commands struct {
	manager *conversation.Manager
	echo    EchoFlags
	monitor MonitoringStore
	logger  *slog.Logger
}

// NewCommands creates a Commands.
func NewCommands(manager *conversation.Manager, echo EchoFlags, monitor MonitoringStore, logger *slog.Logger) *Commands {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commands{
		manager: manager,
		echo:    echo,
		monitor: monitor,
		logger:  logger.With("component", "commands"),
	}
}

// ParseCommand extracts a command name from a message body starting with prefix.
func ParseCommand(prefix, body string) (string, bool) {
	body = strings.TrimSpace(body)
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", false
	}
	fields := strings.Fields(strings.TrimPrefix(body, prefix))
	if len(fields) == 0 {
		return "", false
	}
	switch name := strings.ToLower(fields[0]); name {
	case CommandStopMonitoring, CommandEchoEnable, CommandEchoDisable:
		return name, true
	}
	return "", false
}

// Execute runs a parsed command in the context of msg.
func (c *Commands) Execute(ctx context.Context, name string, msg *Message) (CommandResult, error) {
	switch name {
	case CommandStopMonitoring:
		if !msg.InThread() {
			return 0, ErrThreadOnly
		}
		stopped, err := c.StopMonitoringThread(ctx, msg.ThreadID)
		if err != nil {
			return 0, err
		}
		if !stopped {
			return ResultAlreadyStopped, nil
		}
		return ResultMonitoringStopped, nil

	case CommandEchoEnable:
		if msg.InThread() {
			return 0, ErrNotThread
		}
		enabled, err := c.echo.Enable(ctx, msg.ChannelID, msg.GuildID)
		if err != nil {
			return 0, err
		}
		if !enabled {
			return ResultEchoAlreadyEnabled, nil
		}
		return ResultEchoEnabled, nil

	case CommandEchoDisable:
		if msg.InThread() {
			return 0, ErrNotThread
		}
		disabled, err := c.echo.Disable(ctx, msg.ChannelID)
		if err != nil {
			return 0, err
		}
		if !disabled {
			return ResultEchoNotEnabled, nil
		}
		return ResultEchoDisabled, nil
	}
	return 0, errors.New("unknown command " + name)
}

// StopMonitoringThread stops routing unaddressed messages in a tracked thread.
// Returns false if monitoring was already stopped. The thread's echo mode is
// turned off as well. A job already running is left to finish.
func (c *Commands) StopMonitoringThread(ctx context.Context, threadID string) (bool, error) {
	if !c.IsTracked(threadID) {
		return false, ErrNoConversation
	}
	if !c.manager.StopMonitoring(threadID) {
		return false, nil
	}

	if c.monitor != nil {
		if err := c.monitor.SetMonitoringStopped(ctx, threadID, true); err != nil {
			c.logger.Error("failed to persist stopped monitoring", "thread_id", threadID, "error", err)
		}
	}
	if _, err := c.echo.Disable(ctx, threadID); err != nil {
		c.logger.Error("failed to disable echo for stopped thread", "thread_id", threadID, "error", err)
	}

	c.logger.Info("monitoring stopped", "thread_id", threadID)
	return true, nil
}

// IsTracked reports whether the thread has a resident or known conversation.
func (c *Commands) IsTracked(threadID string) bool {
	return c.manager.IsConversationThread(threadID) || c.manager.IsKnownThread(threadID)
}

// ResumeIfAddressed resumes monitoring for a stopped thread.
// Returns false if monitoring was not stopped.
func (c *Commands) ResumeIfAddressed(ctx context.Context, threadID string) bool {
	return resumeMonitoring(ctx, c.manager, c.monitor, c.logger, threadID)
}
