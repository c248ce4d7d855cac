package session

// EventType classifies registry lifecycle events.
type EventType int

const (
	EventStarted EventType = iota // session inserted into the registry
	EventUpdate                   // progress recorded on a registered session
	EventRemoved                  // session removed from the registry
)

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	Session     Snapshot // safe to retain
	ActiveCount int      // registered sessions at event time
}
