// ABOUTME: Per-key mutex map used to serialize work on one conversation key
// ABOUTME: Entries are reference counted and dropped once no goroutine holds or waits on them

package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Different keys never contend with each
// other; the same key is strictly serialized.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New creates an empty lock map.
func New() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock blocks until the key is held and returns the matching unlock func.
func (m *Map) Lock(key string) (unlock func()) {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// With runs fn while holding the key.
func (m *Map) With(key string, fn func()) {
	unlock := m.Lock(key)
	defer unlock()
	fn()
}

// Len reports how many keys currently have holders or waiters.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
