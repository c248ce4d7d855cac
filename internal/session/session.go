package session

import (
	"sync"
	"time"
)

// Handle controls the external process owned by a session.
type Handle interface {
	PID() int
	Terminate(grace time.Duration) error
}

// Session is one accepted download request and the process running it.
// ID, URL and Format are immutable after New; everything else is guarded by mu.
type Session struct {
	ID     string
	URL    string
	Format string

	handle    Handle
	startedAt time.Time

	mu         sync.Mutex
	state      State
	completed  int
	total      int
	title      string
	finishedAt *time.Time
}

func New(id, url, format string, handle Handle) *Session {
	return &Session{
		ID:        id,
		URL:       url,
		Format:    format,
		handle:    handle,
		startedAt: time.Now(),
		state:     Created,
	}
}

func (s *Session) Handle() Handle {
	return s.handle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves a created session to running and records the enumerated total.
func (s *Session) Start(total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Created {
		s.state = Running
	}
	s.total = total
}

// Advance records one completed item.
func (s *Session) Advance(completed int, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = completed
	s.title = title
}

// Finish moves the session to a terminal state. The first terminal state
// wins: a session already cancelled stays cancelled when its process exits.
// Reports whether this call performed the transition.
func (s *Session) Finish(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() || !state.IsTerminal() {
		return false
	}
	s.state = state
	now := time.Now()
	s.finishedAt = &now
	return true
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:           s.ID,
		URL:          s.URL,
		Format:       s.Format,
		State:        s.state,
		Completed:    s.completed,
		Total:        s.total,
		CurrentTitle: s.title,
		StartedAt:    s.startedAt,
		FinishedAt:   s.finishedAt,
	}
	if s.handle != nil {
		snap.PID = s.handle.PID()
	}
	return snap.Clone()
}
