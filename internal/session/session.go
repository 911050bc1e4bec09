// ABOUTME: Session state for one connected agent, independent of its transport
// ABOUTME: Transport is the narrow seam both wire adapters implement

package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport kinds recorded on each session.
const (
	TransportStream = "grpc"
	TransportFramed = "framed"
)

// Transport pushes a command to an agent over whichever wire the session
// arrived on.
type Transport interface {
	SendCommand(cmd Command) error
}

// TransportFunc adapts a plain function to Transport.
type TransportFunc func(cmd Command) error

// SendCommand calls f(cmd).
func (f TransportFunc) SendCommand(cmd Command) error {
	return f(cmd)
}

// Inventory holds the mutable machine facts an agent reports.
type Inventory struct {
	MachineName   string            `json:"machine_name,omitempty"`
	OS            string            `json:"os,omitempty"`
	OSVersion     string            `json:"os_version,omitempty"`
	Architecture  string            `json:"arch,omitempty"`
	IPAddress     string            `json:"ip_address,omitempty"`
	Username      string            `json:"username,omitempty"`
	TotalMemoryMB uint64            `json:"total_memory_mb,omitempty"`
	IsAdmin       bool              `json:"is_admin"`
	AgentVersion  string            `json:"agent_version,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// Heartbeat is a liveness ping. A nil Inventory leaves the stored one as is.
type Heartbeat struct {
	Activity  string
	Inventory *Inventory
}

// Session is the registry's record of one connected agent.
type Session struct {
	ID            string
	Key           Key
	TransportKind string
	RemoteAddr    string
	Transport     Transport

	cancel context.CancelFunc

	mu              sync.RWMutex
	registeredAt    time.Time
	lastHeartbeatAt time.Time
	inventory       Inventory
	activity        string
}

// New creates a session. cancel is invoked when the registry needs the owning
// connection torn down (replacement, explicit disconnect, shutdown); it may be nil.
func New(key Key, kind string, transport Transport, inv Inventory, cancel context.CancelFunc) *Session {
	return &Session{
		ID:            uuid.New().String(),
		Key:           key,
		TransportKind: kind,
		Transport:     transport,
		inventory:     inv,
		activity:      "Idling",
		cancel:        cancel,
	}
}

// LastHeartbeat returns when the session was last heard from.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeartbeatAt
}

// Info returns a point-in-time copy of the session's observable state.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv := s.inventory
	if s.inventory.Extra != nil {
		inv.Extra = make(map[string]string, len(s.inventory.Extra))
		for k, v := range s.inventory.Extra {
			inv.Extra[k] = v
		}
	}

	return Info{
		SessionKey:      s.Key.String(),
		SessionID:       s.ID,
		AgentID:         s.Key.AgentID,
		AgentType:       s.Key.AgentType,
		Transport:       s.TransportKind,
		RemoteAddr:      s.RemoteAddr,
		RegisteredAt:    s.registeredAt,
		LastHeartbeatAt: s.lastHeartbeatAt,
		Activity:        s.activity,
		Inventory:       inv,
	}
}

func (s *Session) stamp(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registeredAt = now
	s.lastHeartbeatAt = now
}

func (s *Session) touch(now time.Time, hb Heartbeat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = now
	if hb.Activity != "" {
		s.activity = hb.Activity
	}
	if hb.Inventory != nil {
		s.inventory = *hb.Inventory
	}
}

func (s *Session) setInventory(now time.Time, inv Inventory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = now
	s.inventory = inv
}

func (s *Session) stale(now time.Time, timeout time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastHeartbeatAt) > timeout
}

func (s *Session) closeScope() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Info is a snapshot of a session suitable for observers.
type Info struct {
	SessionKey      string    `json:"session_key"`
	SessionID       string    `json:"session_id"`
	AgentID         string    `json:"agent_id"`
	AgentType       string    `json:"agent_type"`
	Transport       string    `json:"transport"`
	RemoteAddr      string    `json:"remote_addr,omitempty"`
	RegisteredAt    time.Time `json:"registered_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Activity        string    `json:"activity"`
	Inventory       Inventory `json:"inventory"`
}

// Command is work routed to an agent. Type is an open vocabulary resolved by
// the agent's handlers.
type Command struct {
	ID             string `json:"commandId"`
	Type           string `json:"commandType"`
	Text           string `json:"commandText,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// NewCommand returns a command with a fresh id.
func NewCommand(commandType, text string, timeoutSeconds int) Command {
	return Command{
		ID:             uuid.New().String(),
		Type:           commandType,
		Text:           text,
		TimeoutSeconds: timeoutSeconds,
	}
}

// CommandResult answers the Command with the same ID.
type CommandResult struct {
	CommandID    string `json:"commandId"`
	Success      bool   `json:"success"`
	ExitCode     int    `json:"exitCode"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}
