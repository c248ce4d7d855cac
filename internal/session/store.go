package session

import (
	"errors"
	"slices"
	"sync"
)

var ErrNotFound = errors.New("session not found")

// Store is the registry of running sessions keyed by id.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	observers []func(Event)
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
	}
}

// Subscribe registers fn to receive lifecycle events. Observers are called
// outside the store lock, in registration order, on the mutating goroutine.
func (s *Store) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Put inserts sess, replacing any session already registered under its id.
func (s *Store) Put(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	count := len(s.sessions)
	observers := s.observers
	s.mu.Unlock()

	notify(observers, Event{Type: EventStarted, Session: sess.Snapshot(), ActiveCount: count})
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove deletes the session registered under id. It reports false, and
// notifies nobody, when id is not registered.
func (s *Store) Remove(id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	count := len(s.sessions)
	observers := s.observers
	s.mu.Unlock()

	if ok {
		notify(observers, Event{Type: EventRemoved, Session: sess.Snapshot(), ActiveCount: count})
	}
	return sess, ok
}

// Touch notifies observers that a registered session changed.
func (s *Store) Touch(id string) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	count := len(s.sessions)
	observers := s.observers
	s.mu.RUnlock()

	if ok {
		notify(observers, Event{Type: EventUpdate, Session: sess.Snapshot(), ActiveCount: count})
	}
}

// IDs returns the registered ids, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (s *Store) Snapshots() []Snapshot {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	result := make([]Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess.Snapshot())
	}
	slices.SortFunc(result, func(a, b Snapshot) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return result
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func notify(observers []func(Event), ev Event) {
	for _, fn := range observers {
		fn(ev)
	}
}
