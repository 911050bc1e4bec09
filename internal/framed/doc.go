// Package framed terminates the lightweight-agent TCP channel.
//
// # Wire format
//
// Every message is one frame:
//
//	[4-byte big-endian length][length bytes of UTF-8 JSON]
//
// Lengths of zero or above MaxFrameSize (1 MiB) are protocol violations and
// the connection is dropped. The JSON object is discriminated by its "type"
// field:
//
//	agent -> gateway   registration, heartbeat, result, check_update
//	gateway -> agent   accepted, error, command
//
// Unknown types are logged and ignored.
//
// # Connection lifecycle
//
// The first frame must be a registration. After acceptance the gateway
// replies with an accepted frame and, for INSTALLER agents, immediately
// pushes a download command. The pump then polls for frames with a short
// read deadline so it can enforce its own idle timeout (60s without any
// frame) independently of the registry sweeper.
//
// A heartbeat arriving after the sweeper evicted this connection's session
// re-registers it silently with the data the connection already holds. The
// gRPC transport deliberately has no equivalent.
package framed
