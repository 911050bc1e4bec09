// ABOUTME: Framed TCP accept loop and per-connection pump for lightweight agents
// ABOUTME: Enforces its own idle timeout and silently re-registers sessions the sweeper evicted

package framed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/session"
)

// ErrConnClosed is returned by SendCommand after the connection is gone.
var ErrConnClosed = errors.New("connection closed")

// Config holds framed channel timings.
type Config struct {
	// Addr is the TCP listen address for ListenAndServe.
	Addr string
	// PollInterval bounds each wait for the next frame so the pump can check
	// idleness between frames.
	PollInterval time.Duration
	// IdleTimeout tears a connection down after this long without any frame.
	IdleTimeout time.Duration
	// FrameTimeout bounds reading the rest of a frame once it has started,
	// and the wait for the registration frame.
	FrameTimeout time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// UpdateAdvisor produces download commands from the update manifest.
type UpdateAdvisor interface {
	// ProvisionCommand returns the command pushed to a freshly accepted installer.
	ProvisionCommand(key session.Key) (session.Command, bool)
	// UpdateCommand returns a download command when a version newer than
	// current exists.
	UpdateCommand(current string, testMode bool) (session.Command, bool)
}

// Server accepts framed TCP agents and feeds them into a session registry.
type Server struct {
	cfg      Config
	registry *session.Registry
	advisor  UpdateAdvisor
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	addr net.Addr
	wg   sync.WaitGroup
}

// NewServer creates a Server. advisor may be nil, which disables
// auto-provisioning and update replies.
func NewServer(cfg Config, registry *session.Registry, advisor UpdateAdvisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		registry: registry,
		advisor:  advisor,
		logger:   logger.With("component", "framed"),
		now:      time.Now,
	}
}

// Addr returns the address of the most recent listener, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenAndServe binds cfg.Addr and serves until ctx ends or accepting fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln. It returns nil when ctx is cancelled and
// an error when Accept fails; the listener is closed in both cases. Open
// connections are not affected by Serve returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("framed listener started", "addr", ln.Addr().String())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("connection handler panic", "remote_addr", nc.RemoteAddr().String(), "panic", r)
					_ = nc.Close()
				}
			}()
			s.handleConn(ctx, nc)
		}()
	}
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// conn is the session transport for one framed connection.
type conn struct {
	nc           net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *conn) write(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return WriteMessage(c.nc, m)
}

func (c *conn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.nc.Close()
}

// SendCommand implements session.Transport.
func (c *conn) SendCommand(cmd session.Command) error {
	return c.write(CommandMessage(cmd))
}

func (s *Server) handleConn(parent context.Context, nc net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	c := &conn{nc: nc, r: bufio.NewReader(nc), writeTimeout: s.cfg.WriteTimeout}
	defer c.close()
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	remote := nc.RemoteAddr().String()
	logger := s.logger.With("remote_addr", remote)

	_ = nc.SetReadDeadline(s.now().Add(s.cfg.FrameTimeout))
	first, err := ReadMessage(c.r)
	if err != nil {
		s.logReadError(logger, "reading registration", err)
		return
	}
	if first.Type != TypeRegistration {
		logger.Warn("first frame was not a registration", "type", first.Type)
		_ = c.write(ErrorMessage("first message must be a registration"))
		return
	}

	key := session.NewKey(first.AgentID, first.AgentType)
	if key.IsZero() {
		logger.Warn("registration missing identity")
		_ = c.write(ErrorMessage("agentId and agentType are required"))
		return
	}

	var known session.Inventory
	if first.Inventory != nil {
		known = first.Inventory.toSession()
	}

	current := session.New(key, session.TransportFramed, c, known, cancel)
	current.RemoteAddr = remote
	if ok, reason := s.registry.Register(current); !ok {
		_ = c.write(ErrorMessage(reason))
		return
	}
	defer func() { s.registry.Unregister(current) }()

	logger = logger.With("session_key", key.String())

	if err := c.write(&Message{Type: TypeAccepted, AgentID: key.AgentID, SessionKey: key.String()}); err != nil {
		s.logReadError(logger, "sending accepted", err)
		return
	}

	if key.AgentType == AgentTypeInstaller && s.advisor != nil {
		if cmd, ok := s.advisor.ProvisionCommand(key); ok {
			if err := c.SendCommand(cmd); err != nil {
				s.logReadError(logger, "sending provisioning command", err)
				return
			}
			logger.Info("installer provisioned", "command_id", cmd.ID, "command_type", cmd.Type)
		} else {
			logger.Warn("no version available to provision installer")
		}
	}

	lastFrame := s.now()
	for {
		if ctx.Err() != nil {
			return
		}

		_ = nc.SetReadDeadline(s.now().Add(s.cfg.PollInterval))
		if _, err := c.r.Peek(1); err != nil {
			if isTimeout(err) {
				if idle := s.now().Sub(lastFrame); idle > s.cfg.IdleTimeout {
					logger.Info("no frame within idle timeout, closing", "idle", idle.Round(time.Millisecond))
					return
				}
				continue
			}
			s.logReadError(logger, "waiting for frame", err)
			return
		}

		_ = nc.SetReadDeadline(s.now().Add(s.cfg.FrameTimeout))
		msg, err := ReadMessage(c.r)
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				logger.Warn("ignoring malformed frame", "error", err)
				continue
			}
			s.logReadError(logger, "reading frame", err)
			return
		}

		// Only frames an agent legitimately sends keep the connection alive.
		switch msg.Type {
		case TypeHeartbeat, TypeResult, TypeRegistration, TypeCheckUpdate:
			lastFrame = s.now()
		}

		switch msg.Type {
		case TypeHeartbeat:
			hb := session.Heartbeat{Activity: msg.Activity}
			if msg.Inventory != nil {
				known = msg.Inventory.toSession()
				hb.Inventory = &known
			}
			if s.registry.HeartbeatSession(current, hb) {
				continue
			}
			// Evicted by the sweeper while the socket stayed healthy. A newer
			// connection holding the key wins; this one is stale.
			revived := session.New(key, session.TransportFramed, c, known, cancel)
			revived.RemoteAddr = remote
			if ok, reason := s.registry.Reinstate(revived); !ok {
				logger.Info("not re-registering, closing", "reason", reason)
				return
			}
			current = revived
			logger.Debug("session re-registered after eviction")

		case TypeResult:
			logger.Debug("received command result", "command_id", msg.CommandID, "success", msg.Success)
			s.registry.HandleResult(key, msg.result())

		case TypeRegistration:
			again := session.NewKey(msg.AgentID, msg.AgentType)
			if again != key {
				logger.Warn("re-registration with different identity ignored", "new_key", again.String())
				continue
			}
			if msg.Inventory != nil {
				known = msg.Inventory.toSession()
				s.registry.UpdateInventory(key, known)
			}

		case TypeCheckUpdate:
			s.handleCheckUpdate(logger, c, msg)

		default:
			logger.Warn("ignoring unknown message type", "type", msg.Type)
		}
	}
}

func (s *Server) handleCheckUpdate(logger *slog.Logger, c *conn, msg *Message) {
	if s.advisor == nil {
		logger.Debug("update check ignored, no advisor")
		return
	}
	cmd, ok := s.advisor.UpdateCommand(msg.Version, msg.TestMode)
	if !ok {
		logger.Debug("no update available", "current_version", msg.Version, "test_mode", msg.TestMode)
		return
	}
	if err := c.SendCommand(cmd); err != nil {
		s.logReadError(logger, "sending update command", err)
		return
	}
	logger.Info("update offered", "current_version", msg.Version, "command_id", cmd.ID)
}

func (s *Server) logReadError(logger *slog.Logger, what string, err error) {
	switch {
	case IsExpectedClose(err):
		logger.Debug("connection closed", "during", what, "error", err)
	case IsProtocolViolation(err):
		logger.Warn("protocol violation, dropping connection", "during", what, "error", err)
	default:
		logger.Warn("connection error", "during", what, "error", err)
	}
}
