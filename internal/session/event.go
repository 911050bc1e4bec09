// ABOUTME: Registry events consumed by persistence, UI fan-out, and forwarders
// ABOUTME: Publishing goes through the Publisher interface and must never block

package session

import "time"

// EventKind names a registry event.
type EventKind string

const (
	EventConnected     EventKind = "connected"
	EventDisconnected  EventKind = "disconnected"
	EventHeartbeat     EventKind = "heartbeat"
	EventCommandResult EventKind = "command_result"
	EventPayload       EventKind = "payload"
)

// Disconnect reasons carried on EventDisconnected.
const (
	ReasonReplaced       = "replaced"
	ReasonRemoved        = "removed"
	ReasonTransportClose = "transport_closed"
	ReasonStale          = "stale"
	ReasonShutdown       = "shutdown"
	ReasonRejected       = "rejected"
)

// Event is emitted by the Registry after the state change it describes.
type Event struct {
	Kind        EventKind      `json:"kind"`
	SessionKey  string         `json:"session_key"`
	Session     Info           `json:"session"`
	Result      *CommandResult `json:"result,omitempty"`
	PayloadKind string         `json:"payload_kind,omitempty"`
	Payload     []byte         `json:"payload,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	At          time.Time      `json:"at"`
}

// Publisher receives registry events. Implementations must return promptly.
type Publisher interface {
	Publish(Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(Event) {}
