package engine

import (
	"sync"
	"time"
)

// DefaultDebounce is the quiescence window for aggregate snapshots.
const DefaultDebounce = 100 * time.Millisecond

// Change describes one property transition.
type Change struct {
	Property string    `json:"property"`
	Value    any       `json:"value"`
	Previous any       `json:"previous"`
	At       time.Time `json:"at"`
}

// Snapshot is a copy of every known property value.
type Snapshot map[string]any

// Store holds the last observed value of every property.
//
// Set is the only mutator. It writes through only when the value differs,
// notifies change listeners, and (re)arms a single timer that emits one
// aggregate Snapshot once no further change has arrived for the window.
//
// Listeners run on the goroutine that called Set (change events) or on the
// timer goroutine (snapshots), never with the store lock held.
type Store struct {
	mu     sync.RWMutex
	values map[string]any
	window time.Duration
	timer  *time.Timer
	seq    uint64
	closed bool

	listenersMu       sync.RWMutex
	changeListeners   []func(Change)
	snapshotListeners []func(Snapshot)
}

// NewStore creates a store seeded with defaults. A non-positive window
// falls back to DefaultDebounce.
func NewStore(defaults map[string]any, window time.Duration) *Store {
	if window <= 0 {
		window = DefaultDebounce
	}
	values := make(map[string]any, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Store{values: values, window: window}
}

// OnChange registers a per-property change listener.
func (s *Store) OnChange(fn func(Change)) {
	s.listenersMu.Lock()
	s.changeListeners = append(s.changeListeners, fn)
	s.listenersMu.Unlock()
}

// OnSnapshot registers a debounced aggregate listener.
func (s *Store) OnSnapshot(fn func(Snapshot)) {
	s.listenersMu.Lock()
	s.snapshotListeners = append(s.snapshotListeners, fn)
	s.listenersMu.Unlock()
}

// Set records value for property and returns the value now held.
// Setting the current value again is a no-op.
//
// A real change notifies change listeners synchronously and (re)arms the
// debounce timer for the aggregate snapshot.
//
// Parameters:
//   - property: Property name; callers only pass declared names
//   - value: New value, already coerced to the property's kind
//
// Returns:
//   - any: The stored value (the previous one when unchanged)
func (s *Store) Set(property string, value any) any {
	s.mu.Lock()
	previous, known := s.values[property]
	if known && valuesEqual(previous, value) {
		s.mu.Unlock()
		return previous
	}
	s.values[property] = value
	if !s.closed {
		s.armLocked()
	}
	s.mu.Unlock()

	change := Change{
		Property: property,
		Value:    value,
		Previous: previous,
		At:       time.Now().UTC(),
	}

	s.listenersMu.RLock()
	listeners := s.changeListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}

	return value
}

// Get returns the current value of property. ok is false for properties
// the store has never heard of.
func (s *Store) Get(property string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[property]
	return v, ok
}

// Snapshot returns a copy of all values.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Close cancels any pending aggregate notification. Set keeps working but
// no further snapshots are emitted.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.seq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// armLocked replaces the pending timer. The sequence number makes a timer
// that already fired before Stop took effect return without emitting.
func (s *Store) armLocked() {
	s.seq++
	seq := s.seq
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.window, func() { s.emit(seq) })
}

func (s *Store) emit(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.seq {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	snap := s.copyLocked()
	s.mu.Unlock()

	s.listenersMu.RLock()
	listeners := s.snapshotListeners
	s.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func (s *Store) copyLocked() Snapshot {
	out := make(Snapshot, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}
