package ws

import (
	"github.com/plrelay/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgDelta    MessageType = "delta"
	MsgStarted  MessageType = "started"
	MsgFinished MessageType = "finished"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq"`
	Payload interface{} `json:"payload"`
}

type SnapshotPayload struct {
	Sessions []session.Snapshot `json:"sessions"`
}

type DeltaPayload struct {
	Updates []session.Snapshot `json:"updates"`
}

// StartedPayload announces a session that just entered the registry.
type StartedPayload struct {
	Session session.Snapshot `json:"session"`
	Active  int              `json:"active"`
}

// FinishedPayload announces a session that left the registry, with its
// terminal state.
type FinishedPayload struct {
	Session session.Snapshot `json:"session"`
	Active  int              `json:"active"`
}
