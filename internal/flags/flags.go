// ABOUTME: Echo and reel-monitor channel flags backed by the store
// ABOUTME: Reads hit an in-memory set; writes persist first and then update memory

package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/echo-router/internal/store"
)

// EchoStore is the persistence needed by Echo.
type EchoStore interface {
	EnableEcho(ctx context.Context, channelID, guildID string) error
	DisableEcho(ctx context.Context, channelID string) error
	ListEchoChannels(ctx context.Context) ([]*store.EchoChannel, error)
}

// ReelStore is the persistence needed by ReelMonitor.
type ReelStore interface {
	AddReelMonitor(ctx context.Context, channelID, guildID string) error
	RemoveReelMonitor(ctx context.Context, channelID string) error
	ListReelMonitors(ctx context.Context) ([]*store.ReelMonitor, error)
}

// set is a string set safe for concurrent use.
type set struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSet() *set {
	return &set{items: make(map[string]struct{})}
}

func (s *set) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok
}

func (s *set) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; ok {
		return false
	}
	s.items[id] = struct{}{}
	return true
}

func (s *set) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}

func (s *set) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Echo tracks channels and threads where every message is routed.
type Echo struct {
	store   EchoStore
	enabled *set
	logger  *slog.Logger
}

// NewEcho creates an Echo service. Call Load to populate it from the store.
func NewEcho(st EchoStore, logger *slog.Logger) *Echo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Echo{
		store:   st,
		enabled: newSet(),
		logger:  logger.With("component", "echo_flags"),
	}
}

// Load reads every echo channel from the store.
func (e *Echo) Load(ctx context.Context) error {
	channels, err := e.store.ListEchoChannels(ctx)
	if err != nil {
		return fmt.Errorf("loading echo channels: %w", err)
	}
	for _, ch := range channels {
		e.enabled.add(ch.ChannelID)
	}
	e.logger.Info("loaded echo channels", "count", len(channels))
	return nil
}

// IsEnabled reports whether echo is enabled for id.
func (e *Echo) IsEnabled(id string) bool {
	return e.enabled.has(id)
}

// Enable turns echo on for id. Returns false if it was already on.
func (e *Echo) Enable(ctx context.Context, id, guildID string) (bool, error) {
	if e.enabled.has(id) {
		return false, nil
	}
	if err := e.store.EnableEcho(ctx, id, guildID); err != nil {
		return false, fmt.Errorf("enabling echo: %w", err)
	}
	added := e.enabled.add(id)
	if added {
		e.logger.Info("echo enabled", "channel_id", id, "guild_id", guildID)
	}
	return added, nil
}

// Disable turns echo off for id. Returns false if it was not on.
func (e *Echo) Disable(ctx context.Context, id string) (bool, error) {
	if !e.enabled.has(id) {
		return false, nil
	}
	if err := e.store.DisableEcho(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("disabling echo: %w", err)
	}
	removed := e.enabled.remove(id)
	if removed {
		e.logger.Info("echo disabled", "channel_id", id)
	}
	return removed, nil
}

// Count returns the number of echo-enabled ids.
func (e *Echo) Count() int {
	return e.enabled.len()
}

// ReelMonitor tracks channels reserved for reel monitoring.
type ReelMonitor struct {
	store     ReelStore
	monitored *set
	logger    *slog.Logger
}

// NewReelMonitor creates a ReelMonitor service. Call Load to populate it.
func NewReelMonitor(st ReelStore, logger *slog.Logger) *ReelMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReelMonitor{
		store:     st,
		monitored: newSet(),
		logger:    logger.With("component", "reel_flags"),
	}
}

// Load reads every reel-monitored channel from the store.
func (r *ReelMonitor) Load(ctx context.Context) error {
	monitors, err := r.store.ListReelMonitors(ctx)
	if err != nil {
		return fmt.Errorf("loading reel monitors: %w", err)
	}
	for _, m := range monitors {
		r.monitored.add(m.ChannelID)
	}
	r.logger.Info("loaded reel monitors", "count", len(monitors))
	return nil
}

// IsMonitored reports whether channelID is reel-monitored.
func (r *ReelMonitor) IsMonitored(channelID string) bool {
	return r.monitored.has(channelID)
}

// Add marks channelID as reel-monitored.
func (r *ReelMonitor) Add(ctx context.Context, channelID, guildID string) error {
	if err := r.store.AddReelMonitor(ctx, channelID, guildID); err != nil {
		return fmt.Errorf("adding reel monitor: %w", err)
	}
	r.monitored.add(channelID)
	return nil
}

// Remove clears the reel-monitor flag.
func (r *ReelMonitor) Remove(ctx context.Context, channelID string) error {
	if err := r.store.RemoveReelMonitor(ctx, channelID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("removing reel monitor: %w", err)
	}
	r.monitored.remove(channelID)
	return nil
}
