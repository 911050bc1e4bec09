// Package wire defines the streaming-channel protocol spoken between agents
// and the gateway.
//
// # Transport
//
// Agents hold one long-lived bidirectional gRPC stream:
//
//	service AgentControl {
//	    rpc Connect(stream AgentMessage) returns (stream ServerMessage);
//	}
//
// Messages are encoded with CBOR rather than protobuf. The codec registers
// itself with gRPC under the content subtype "cbor" and the client stub
// requests it on every call, so the server picks it up per stream while
// other services on the same server (health checks) keep using protobuf.
//
// # Envelopes
//
// AgentMessage and ServerMessage are tagged unions: exactly one payload
// field is set. Kind reports which one.
//
// Agent to server:
//
//   - registration: must be the first message on a stream
//   - heartbeat: liveness plus refreshed inventory
//   - result: CommandResult correlated by command id
//   - metrics: periodic resource samples
//   - payload: out-of-band data (inventory reports, log dumps)
//
// Server to agent:
//
//   - connection_response: accept or reject the registration
//   - command: work for the agent
//   - config_update: runtime settings such as the heartbeat interval
package wire
