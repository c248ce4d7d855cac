package session

import (
	"encoding/json"
	"time"
)

type State int

const (
	Created State = iota
	Running
	Completed
	Cancelled
	Errored
)

var stateNames = map[State]string{
	Created:   "created",
	Running:   "running",
	Completed: "completed",
	Cancelled: "cancelled",
	Errored:   "errored",
}

var stateFromName = map[string]State{
	"created":   Created,
	"running":   Running,
	"completed": Completed,
	"cancelled": Cancelled,
	"errored":   Errored,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

func (s State) IsTerminal() bool {
	return s == Completed || s == Cancelled || s == Errored
}

// Snapshot is a point-in-time copy of a session's observable fields. It is
// safe to retain and to serialize from any goroutine.
type Snapshot struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Format       string     `json:"format"`
	State        State      `json:"state"`
	PID          int        `json:"pid,omitempty"`
	Completed    int        `json:"completed"`
	Total        int        `json:"total"`
	CurrentTitle string     `json:"currentTitle,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// Clone returns a deep copy, duplicating the FinishedAt pointer.
func (s Snapshot) Clone() Snapshot {
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}
