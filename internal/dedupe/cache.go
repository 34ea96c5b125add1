// ABOUTME: Bounded, expiring window of recently seen platform message IDs
// ABOUTME: Drops redelivered events before they reach the routing controller

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a message ID is remembered.
	DefaultTTL = 10 * time.Minute

	// DefaultSize bounds the number of remembered IDs.
	DefaultSize = 10000

	sweepInterval = time.Minute
)

type seenAt struct {
	at   time.Time
	elem *list.Element
}

// Window remembers message IDs for a TTL, evicting the oldest beyond its size.
type Window struct {
	mu    sync.Mutex
	ids   map[string]*seenAt
	order *list.List // oldest at front
	ttl   time.Duration
	size  int
	now   func() time.Time
}

// New creates a Window. Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, size int) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{
		ids:   make(map[string]*seenAt),
		order: list.New(),
		ttl:   ttl,
		size:  size,
		now:   time.Now,
	}
}

// Seen records id and reports whether it was already inside the window.
// The check and the record happen atomically.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if s, ok := w.ids[id]; ok {
		if now.Sub(s.at) < w.ttl {
			return true
		}
		// Expired: refresh in place
		s.at = now
		w.order.MoveToBack(s.elem)
		return false
	}

	for len(w.ids) >= w.size {
		w.dropOldestLocked()
	}
	w.ids[id] = &seenAt{at: now, elem: w.order.PushBack(id)}
	return false
}

// Forget removes id so a redelivery is processed again.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if s, ok := w.ids[id]; ok {
		w.order.Remove(s.elem)
		delete(w.ids, id)
	}
}

// Len returns the number of remembered IDs, expired ones included until swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}

// Run sweeps expired IDs every minute until ctx is done.
func (w *Window) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep drops every expired ID. Entries are ordered by time, so it stops at
// the first live one.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	dropped := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(w.ids[id].at) < w.ttl {
			break
		}
		w.dropOldestLocked()
		dropped++
	}
	return dropped
}

// dropOldestLocked must be called with mu held.
func (w *Window) dropOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.ids, id)
}
