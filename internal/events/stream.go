package events

import (
	"maps"
	"slices"
	"sync"
)

// Stream provides typed pub/sub. Listeners are either callbacks, invoked synchronously
// on the notifying goroutine, or channels, which receive non-blocking sends.
// Values reach each listener in the order Notify was called, and listeners are visited
// in the order they registered.
type Stream[T any] struct {
	mu         sync.RWMutex
	listeners  map[uint64]listener[T]
	nextID     uint64
	replayLast bool
	last       T
	hasLast    bool
}

type listener[T any] struct {
	callback func(T)
	ch       chan<- T
}

func (l listener[T]) deliver(value T) {
	if l.callback != nil {
		l.callback(value)
		return
	}
	select {
	case l.ch <- value:
	default:
		// Channel is full, skip this listener
	}
}

// NewStream creates a new Stream
// replayLast: if true, the Stream remembers the last Notify value and delivers it to
// new listeners immediately if Notify has been called at least once
func NewStream[T any](replayLast bool) *Stream[T] {
	return &Stream[T]{
		listeners:  make(map[uint64]listener[T]),
		replayLast: replayLast,
	}
}

// Listen registers a callback. Returns a deregistration function.
func (s *Stream[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	return s.add(listener[T]{callback: callback})
}

// ListenChan registers a channel. Sends never block: a full channel misses the value.
// Returns a deregistration function.
func (s *Stream[T]) ListenChan(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	return s.add(listener[T]{ch: ch})
}

func (s *Stream[T]) add(l listener[T]) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	replay := s.replayLast && s.hasLast
	last := s.last
	s.mu.Unlock()

	// Deliver outside the lock so the listener may call back into the stream
	if replay {
		l.deliver(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Notify delivers value to every registered listener
func (s *Stream[T]) Notify(value T) {
	s.mu.Lock()
	if s.replayLast {
		s.last = value
		s.hasLast = true
	}
	snapshot := make([]listener[T], 0, len(s.listeners))
	for _, id := range slices.Sorted(maps.Keys(s.listeners)) {
		snapshot = append(snapshot, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range snapshot {
		l.deliver(value)
	}
}

// Last returns the most recent value when the Stream replays, and whether there was one
func (s *Stream[T]) Last() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.hasLast
}

// ListenerCount returns the current number of registered listeners
func (s *Stream[T]) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}
