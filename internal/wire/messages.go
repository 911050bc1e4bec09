// ABOUTME: Tagged-union envelopes exchanged on the AgentControl stream
// ABOUTME: AgentMessage flows agent->gateway, ServerMessage flows gateway->agent

package wire

import "errors"

// ErrEmptyEnvelope is returned by Validate when no payload field is set.
var ErrEmptyEnvelope = errors.New("envelope has no payload")

// ErrAmbiguousEnvelope is returned by Validate when more than one payload field is set.
var ErrAmbiguousEnvelope = errors.New("envelope has more than one payload")

// Envelope kinds. These strings also appear in logs and events.
const (
	KindRegistration       = "registration"
	KindHeartbeat          = "heartbeat"
	KindResult             = "result"
	KindMetrics            = "metrics"
	KindPayload            = "payload"
	KindConnectionResponse = "connection_response"
	KindCommand            = "command"
	KindConfigUpdate       = "config_update"
)

// AgentMessage is sent from an agent to the gateway.
type AgentMessage struct {
	Registration *Registration  `cbor:"registration,omitempty"`
	Heartbeat    *Heartbeat     `cbor:"heartbeat,omitempty"`
	Result       *CommandResult `cbor:"result,omitempty"`
	Metrics      *Metrics       `cbor:"metrics,omitempty"`
	Payload      *Payload       `cbor:"payload,omitempty"`
}

// Kind returns the tag of the populated payload, or "" when none is set.
func (m *AgentMessage) Kind() string {
	switch {
	case m == nil:
		return ""
	case m.Registration != nil:
		return KindRegistration
	case m.Heartbeat != nil:
		return KindHeartbeat
	case m.Result != nil:
		return KindResult
	case m.Metrics != nil:
		return KindMetrics
	case m.Payload != nil:
		return KindPayload
	default:
		return ""
	}
}

// Validate checks that exactly one payload is set.
func (m *AgentMessage) Validate() error {
	if m == nil {
		return ErrEmptyEnvelope
	}
	return exactlyOne(m.Registration != nil, m.Heartbeat != nil, m.Result != nil, m.Metrics != nil, m.Payload != nil)
}

// ServerMessage is sent from the gateway to an agent.
type ServerMessage struct {
	ConnectionResponse *ConnectionResponse `cbor:"connection_response,omitempty"`
	Command            *Command            `cbor:"command,omitempty"`
	ConfigUpdate       *ConfigUpdate       `cbor:"config_update,omitempty"`
}

// Kind returns the tag of the populated payload, or "" when none is set.
func (m *ServerMessage) Kind() string {
	switch {
	case m == nil:
		return ""
	case m.ConnectionResponse != nil:
		return KindConnectionResponse
	case m.Command != nil:
		return KindCommand
	case m.ConfigUpdate != nil:
		return KindConfigUpdate
	default:
		return ""
	}
}

// Validate checks that exactly one payload is set.
func (m *ServerMessage) Validate() error {
	if m == nil {
		return ErrEmptyEnvelope
	}
	return exactlyOne(m.ConnectionResponse != nil, m.Command != nil, m.ConfigUpdate != nil)
}

func exactlyOne(set ...bool) error {
	n := 0
	for _, s := range set {
		if s {
			n++
		}
	}
	switch n {
	case 0:
		return ErrEmptyEnvelope
	case 1:
		return nil
	default:
		return ErrAmbiguousEnvelope
	}
}

// Inventory describes the machine an agent runs on.
type Inventory struct {
	MachineName   string            `cbor:"machine_name,omitempty"`
	OS            string            `cbor:"os,omitempty"`
	OSVersion     string            `cbor:"os_version,omitempty"`
	Architecture  string            `cbor:"arch,omitempty"`
	IPAddress     string            `cbor:"ip_address,omitempty"`
	Username      string            `cbor:"username,omitempty"`
	TotalMemoryMB uint64            `cbor:"total_memory_mb,omitempty"`
	IsAdmin       bool              `cbor:"is_admin,omitempty"`
	AgentVersion  string            `cbor:"agent_version,omitempty"`
	Extra         map[string]string `cbor:"extra,omitempty"`
}

// Registration opens a session. AgentID is derived from the hardware
// fingerprint; AgentType is an uppercase tag such as "CLIENT".
type Registration struct {
	AgentID   string    `cbor:"agent_id"`
	AgentType string    `cbor:"agent_type"`
	Inventory Inventory `cbor:"inventory"`
}

// Heartbeat keeps a session alive and refreshes its inventory.
type Heartbeat struct {
	TimestampMs int64      `cbor:"timestamp_ms"`
	Activity    string     `cbor:"activity,omitempty"`
	Inventory   *Inventory `cbor:"inventory,omitempty"`
}

// CommandResult answers a Command with the same CommandID.
type CommandResult struct {
	CommandID    string `cbor:"command_id"`
	Success      bool   `cbor:"success"`
	ExitCode     int    `cbor:"exit_code"`
	Stdout       string `cbor:"stdout,omitempty"`
	Stderr       string `cbor:"stderr,omitempty"`
	ErrorMessage string `cbor:"error_message,omitempty"`
}

// Metrics is a periodic resource sample. It also carries JSON tags because
// the gateway forwards it to observers as a JSON payload.
type Metrics struct {
	TimestampMs   int64   `cbor:"timestamp_ms" json:"timestamp_ms"`
	CPUPercent    float64 `cbor:"cpu_percent" json:"cpu_percent"`
	MemoryUsedMB  uint64  `cbor:"memory_used_mb" json:"memory_used_mb"`
	DiskFreeMB    uint64  `cbor:"disk_free_mb,omitempty" json:"disk_free_mb,omitempty"`
	UptimeSeconds uint64  `cbor:"uptime_seconds,omitempty" json:"uptime_seconds,omitempty"`
}

// Payload carries out-of-band data the core forwards without interpreting.
type Payload struct {
	Kind string `cbor:"kind"`
	Data []byte `cbor:"data"`
}

// ConnectionResponse answers a Registration.
type ConnectionResponse struct {
	Accepted   bool   `cbor:"accepted"`
	AgentID    string `cbor:"agent_id,omitempty"`
	SessionKey string `cbor:"session_key,omitempty"`
	ServerID   string `cbor:"server_id,omitempty"`
	Reason     string `cbor:"reason,omitempty"`
}

// Command is work pushed to an agent.
type Command struct {
	ID             string `cbor:"id"`
	Type           string `cbor:"type"`
	Text           string `cbor:"text,omitempty"`
	TimeoutSeconds int    `cbor:"timeout_seconds,omitempty"`
}

// ConfigUpdate adjusts agent runtime settings.
type ConfigUpdate struct {
	HeartbeatIntervalSeconds int `cbor:"heartbeat_interval_seconds,omitempty"`
}
