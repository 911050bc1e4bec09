// ABOUTME: JSON message schema for the framed TCP channel, discriminated by "type"
// ABOUTME: One flat struct covers every type so frames decode in a single pass

package framed

import "github.com/2389/fleet-gateway/internal/session"

// Message types.
const (
	TypeRegistration = "registration"
	TypeHeartbeat    = "heartbeat"
	TypeResult       = "result"
	TypeCheckUpdate  = "check_update"
	TypeCommand      = "command"
	TypeAccepted     = "accepted"
	TypeError        = "error"
)

// AgentTypeInstaller is auto-provisioned with a download command on accept.
const AgentTypeInstaller = "INSTALLER"

// Inventory is the machine description minimal agents send.
type Inventory struct {
	MachineName   string `json:"machineName,omitempty"`
	OS            string `json:"os,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
	Architecture  string `json:"arch,omitempty"`
	IPAddress     string `json:"ipAddress,omitempty"`
	Username      string `json:"username,omitempty"`
	TotalMemoryMB uint64 `json:"totalMemoryMb,omitempty"`
	IsAdmin       bool   `json:"isAdmin,omitempty"`
	AgentVersion  string `json:"agentVersion,omitempty"`
}

func (inv Inventory) toSession() session.Inventory {
	return session.Inventory{
		MachineName:   inv.MachineName,
		OS:            inv.OS,
		OSVersion:     inv.OSVersion,
		Architecture:  inv.Architecture,
		IPAddress:     inv.IPAddress,
		Username:      inv.Username,
		TotalMemoryMB: inv.TotalMemoryMB,
		IsAdmin:       inv.IsAdmin,
		AgentVersion:  inv.AgentVersion,
	}
}

// Message is every frame type in one struct; Type says which fields apply.
type Message struct {
	Type string `json:"type"`

	// registration, accepted
	AgentID    string     `json:"agentId,omitempty"`
	AgentType  string     `json:"agentType,omitempty"`
	SessionKey string     `json:"sessionKey,omitempty"`
	Inventory  *Inventory `json:"inventory,omitempty"`

	// heartbeat
	Activity string `json:"activity,omitempty"`

	// command, result
	CommandID      string `json:"commandId,omitempty"`
	CommandType    string `json:"commandType,omitempty"`
	CommandText    string `json:"commandText,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
	Success        bool   `json:"success,omitempty"`
	ExitCode       int    `json:"exitCode,omitempty"`
	Stdout         string `json:"stdout,omitempty"`
	Stderr         string `json:"stderr,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`

	// check_update
	Version  string `json:"version,omitempty"`
	TestMode bool   `json:"testMode,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// CommandMessage builds a command frame.
func CommandMessage(cmd session.Command) *Message {
	return &Message{
		Type:           TypeCommand,
		CommandID:      cmd.ID,
		CommandType:    cmd.Type,
		CommandText:    cmd.Text,
		TimeoutSeconds: cmd.TimeoutSeconds,
	}
}

// ErrorMessage builds an error frame.
func ErrorMessage(text string) *Message {
	return &Message{Type: TypeError, Message: text}
}

func (m *Message) result() session.CommandResult {
	return session.CommandResult{
		CommandID:    m.CommandID,
		Success:      m.Success,
		ExitCode:     m.ExitCode,
		Stdout:       m.Stdout,
		Stderr:       m.Stderr,
		ErrorMessage: m.ErrorMessage,
	}
}
