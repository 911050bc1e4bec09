// ABOUTME: Composite session identity built from agent id and agent type
// ABOUTME: External form is "{agentId}:{AGENTTYPE}", used by UI and persistence

package session

import (
	"errors"
	"strings"
)

// ErrInvalidKey indicates a session key string could not be parsed.
var ErrInvalidKey = errors.New("invalid session key")

// Key identifies a session. Two registrations with equal keys are the same
// agent reconnecting, not two agents.
type Key struct {
	AgentID   string
	AgentType string
}

// NewKey builds a Key, normalising the agent type to upper case.
func NewKey(agentID, agentType string) Key {
	return Key{
		AgentID:   strings.TrimSpace(agentID),
		AgentType: strings.ToUpper(strings.TrimSpace(agentType)),
	}
}

// String returns the external form of the key.
func (k Key) String() string {
	return k.AgentID + ":" + k.AgentType
}

// IsZero reports whether either half of the key is missing.
func (k Key) IsZero() bool {
	return k.AgentID == "" || k.AgentType == ""
}

// ParseKey parses the external "{agentId}:{AGENTTYPE}" form. The split is on
// the last colon so agent ids may themselves contain colons.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return Key{}, ErrInvalidKey
	}
	k := NewKey(s[:i], s[i+1:])
	if k.IsZero() {
		return Key{}, ErrInvalidKey
	}
	return k, nil
}
