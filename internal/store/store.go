// ABOUTME: HistoryStore interface and record types for fleet persistence
// ABOUTME: Session connect/disconnect log, per-agent counters, and command results

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Session log kinds.
const (
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
)

// DefaultListLimit caps list queries that pass no limit.
const DefaultListLimit = 100

// SessionEvent is one connect or disconnect.
type SessionEvent struct {
	ID          int64     `json:"id"`
	SessionKey  string    `json:"session_key"`
	SessionID   string    `json:"session_id"`
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	Kind        string    `json:"kind"`
	Reason      string    `json:"reason,omitempty"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	MachineName string    `json:"machine_name,omitempty"`
	At          time.Time `json:"at"`
}

// CommandRecord is a stored command result.
type CommandRecord struct {
	ID           int64     `json:"id"`
	SessionKey   string    `json:"session_key"`
	CommandID    string    `json:"command_id"`
	Success      bool      `json:"success"`
	ExitCode     int       `json:"exit_code"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// AgentSummary aggregates everything seen for one session key.
type AgentSummary struct {
	SessionKey     string    `json:"session_key"`
	AgentID        string    `json:"agent_id"`
	AgentType      string    `json:"agent_type"`
	MachineName    string    `json:"machine_name,omitempty"`
	LastTransport  string    `json:"last_transport"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	ConnectCount   int       `json:"connect_count"`
	HeartbeatCount int64     `json:"heartbeat_count"`
}

// HistoryStore is the write sink and query surface for fleet history.
type HistoryStore interface {
	RecordSessionEvent(ctx context.Context, ev *SessionEvent) error
	RecordHeartbeat(ctx context.Context, sessionKey string, at time.Time) error
	RecordCommandResult(ctx context.Context, rec *CommandRecord) error

	// ListSessionEvents returns newest first. An empty key lists all sessions.
	ListSessionEvents(ctx context.Context, sessionKey string, limit int) ([]SessionEvent, error)
	// ListCommandResults returns newest first. An empty key lists all sessions.
	ListCommandResults(ctx context.Context, sessionKey string, limit int) ([]CommandRecord, error)
	GetAgent(ctx context.Context, sessionKey string) (*AgentSummary, error)
	ListAgents(ctx context.Context) ([]AgentSummary, error)

	Close() error
}
