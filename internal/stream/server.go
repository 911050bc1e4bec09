// ABOUTME: AgentControl gRPC service terminating one bidirectional stream per agent
// ABOUTME: Registration first, then heartbeats/results/payloads dispatched into the registry

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/wire"
)

// ErrStreamClosed is returned when a command is sent after the stream ended.
var ErrStreamClosed = errors.New("stream closed")

// PayloadKindMetrics is the payload kind metrics samples are forwarded under.
const PayloadKindMetrics = "metrics"

// Server implements wire.AgentControlServer on top of a session registry.
type Server struct {
	wire.UnimplementedAgentControlServer

	registry          *session.Registry
	serverID          string
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewServer creates the service. A positive heartbeatInterval is pushed to
// each agent in a ConfigUpdate after acceptance.
func NewServer(registry *session.Registry, serverID string, heartbeatInterval time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:          registry,
		serverID:          serverID,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "stream"),
	}
}

// conn is the session transport for one stream. gRPC forbids concurrent
// SendMsg calls, so writes are serialised.
type conn struct {
	mu     sync.Mutex
	stream wire.AgentControl_ConnectServer
	closed bool
}

func (c *conn) send(msg *wire.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrStreamClosed
	}
	return c.stream.Send(msg)
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SendCommand implements session.Transport.
func (c *conn) SendCommand(cmd session.Command) error {
	return c.send(&wire.ServerMessage{Command: commandToWire(cmd)})
}

// Connect handles one agent stream.
// Protocol flow:
// 1. Agent sends Registration
// 2. Server replies ConnectionResponse (and ConfigUpdate when configured)
// 3. Agent sends Heartbeat, Result, Metrics, Payload
// 4. Server pushes Command at any time
func (s *Server) Connect(stream wire.AgentControl_ConnectServer) error {
	first, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return status.Errorf(codes.Internal, "receiving first message: %v", err)
	}

	reg := first.Registration
	if reg == nil {
		return status.Error(codes.InvalidArgument, "first message must be a registration")
	}
	key := session.NewKey(reg.AgentID, reg.AgentType)
	if key.IsZero() {
		return status.Error(codes.InvalidArgument, "agent_id and agent_type are required")
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	c := &conn{stream: stream}
	defer c.close()

	sess := session.New(key, session.TransportStream, c, inventoryFromWire(reg.Inventory), cancel)
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		sess.RemoteAddr = p.Addr.String()
	}
	logger := s.logger.With("session_key", key.String(), "session_id", sess.ID)

	if ok, reason := s.registry.Register(sess); !ok {
		_ = c.send(&wire.ServerMessage{ConnectionResponse: &wire.ConnectionResponse{
			Accepted: false,
			AgentID:  key.AgentID,
			ServerID: s.serverID,
			Reason:   reason,
		}})
		return status.Error(codes.PermissionDenied, reason)
	}
	defer s.registry.Unregister(sess)

	err = c.send(&wire.ServerMessage{ConnectionResponse: &wire.ConnectionResponse{
		Accepted:   true,
		AgentID:    key.AgentID,
		SessionKey: key.String(),
		ServerID:   s.serverID,
	}})
	if err != nil {
		logger.Warn("sending connection response", "error", err)
		return status.Errorf(codes.Unavailable, "sending connection response: %v", err)
	}

	if s.heartbeatInterval > 0 {
		err = c.send(&wire.ServerMessage{ConfigUpdate: &wire.ConfigUpdate{
			HeartbeatIntervalSeconds: int(s.heartbeatInterval / time.Second),
		}})
		if err != nil {
			logger.Warn("sending config update", "error", err)
			return status.Errorf(codes.Unavailable, "sending config update: %v", err)
		}
	}

	// Reads run on their own goroutine so a registry-initiated cancel
	// (replacement, disconnect, shutdown) ends the handler without waiting
	// for the agent to send anything.
	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.recvLoop(sess, stream, logger)
	}()

	select {
	case err := <-recvErr:
		return s.closeReason(err, logger)
	case <-ctx.Done():
		if stream.Context().Err() != nil {
			logger.Info("agent stream cancelled")
			return nil
		}
		logger.Info("session closed by gateway")
		return status.Error(codes.Aborted, "session closed by gateway")
	}
}

func (s *Server) closeReason(err error, logger *slog.Logger) error {
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("agent disconnected (EOF)")
		return nil
	case status.Code(err) == codes.Canceled, errors.Is(err, context.Canceled):
		logger.Info("agent stream cancelled")
		return nil
	case status.Code(err) == codes.NotFound:
		logger.Info("session evicted, closing stream")
		return err
	default:
		logger.Warn("receiving message", "error", err)
		return status.Errorf(codes.Internal, "receiving message: %v", err)
	}
}

func (s *Server) recvLoop(sess *session.Session, stream wire.AgentControl_ConnectServer, logger *slog.Logger) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := msg.Validate(); err != nil {
			logger.Warn("ignoring malformed envelope", "error", err)
			continue
		}

		switch {
		case msg.Heartbeat != nil:
			if !s.registry.HeartbeatSession(sess, heartbeatFromWire(msg.Heartbeat)) {
				// No resurrection on this transport; the agent reconnects.
				return status.Error(codes.NotFound, "session evicted")
			}

		case msg.Result != nil:
			logger.Debug("received command result", "command_id", msg.Result.CommandID, "success", msg.Result.Success)
			s.registry.HandleResult(sess.Key, resultFromWire(msg.Result))

		case msg.Registration != nil:
			again := session.NewKey(msg.Registration.AgentID, msg.Registration.AgentType)
			if again != sess.Key {
				logger.Warn("re-registration with different identity ignored", "new_key", again.String())
				continue
			}
			s.registry.UpdateInventory(sess.Key, inventoryFromWire(msg.Registration.Inventory))

		case msg.Metrics != nil:
			data, err := json.Marshal(msg.Metrics)
			if err != nil {
				logger.Warn("encoding metrics", "error", err)
				continue
			}
			s.registry.HandlePayload(sess.Key, PayloadKindMetrics, data)

		case msg.Payload != nil:
			s.registry.HandlePayload(sess.Key, msg.Payload.Kind, msg.Payload.Data)
		}
	}
}
