// ABOUTME: Tests for envelope discrimination and the CBOR codec
// ABOUTME: Ensures tagged unions survive encoding with their tag intact

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
)

func TestAgentMessageKind(t *testing.T) {
	tests := []struct {
		name string
		msg  *AgentMessage
		want string
	}{
		{"nil", nil, ""},
		{"empty", &AgentMessage{}, ""},
		{"registration", &AgentMessage{Registration: &Registration{AgentID: "a"}}, KindRegistration},
		{"heartbeat", &AgentMessage{Heartbeat: &Heartbeat{}}, KindHeartbeat},
		{"result", &AgentMessage{Result: &CommandResult{CommandID: "c"}}, KindResult},
		{"metrics", &AgentMessage{Metrics: &Metrics{}}, KindMetrics},
		{"payload", &AgentMessage{Payload: &Payload{Kind: "inventory"}}, KindPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.Kind())
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	assert.ErrorIs(t, (&AgentMessage{}).Validate(), ErrEmptyEnvelope)
	assert.ErrorIs(t, (&AgentMessage{Heartbeat: &Heartbeat{}, Metrics: &Metrics{}}).Validate(), ErrAmbiguousEnvelope)
	assert.NoError(t, (&AgentMessage{Heartbeat: &Heartbeat{}}).Validate())

	assert.ErrorIs(t, (&ServerMessage{}).Validate(), ErrEmptyEnvelope)
	assert.ErrorIs(t, (&ServerMessage{Command: &Command{}, ConfigUpdate: &ConfigUpdate{}}).Validate(), ErrAmbiguousEnvelope)
	assert.NoError(t, (&ServerMessage{Command: &Command{ID: "x"}}).Validate())
}

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	assert.Equal(t, CodecName, c.Name())
}

func TestCodecPreservesTag(t *testing.T) {
	original := &AgentMessage{
		Registration: &Registration{
			AgentID:   "abc",
			AgentType: "CLIENT",
			Inventory: Inventory{MachineName: "host-1", TotalMemoryMB: 16384, IsAdmin: true},
		},
	}

	data, err := Codec{}.Marshal(original)
	require.NoError(t, err)

	var decoded AgentMessage
	require.NoError(t, Codec{}.Unmarshal(data, &decoded))

	assert.Equal(t, KindRegistration, decoded.Kind())
	require.NoError(t, decoded.Validate())
	assert.Equal(t, original.Registration, decoded.Registration)
}

func TestCodecIgnoresUnknownFields(t *testing.T) {
	type futureCommand struct {
		ID       string `cbor:"id"`
		Type     string `cbor:"type"`
		Priority int    `cbor:"priority"`
	}
	type futureServerMessage struct {
		Command *futureCommand `cbor:"command"`
	}

	data, err := Codec{}.Marshal(&futureServerMessage{Command: &futureCommand{ID: "c1", Type: "ping", Priority: 9}})
	require.NoError(t, err)

	var decoded ServerMessage
	require.NoError(t, Codec{}.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.Command)
	assert.Equal(t, "c1", decoded.Command.ID)
	assert.Equal(t, "ping", decoded.Command.Type)
}
