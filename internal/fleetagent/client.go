// ABOUTME: Reconnecting AgentControl client: registers, heartbeats, and executes pushed commands
// ABOUTME: One writer goroutine owns the stream's send side; Drain flushes results before closing

package fleetagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/2389/fleet-gateway/internal/wire"
)

// ErrRejected is returned when the gateway refuses a registration.
var ErrRejected = errors.New("registration rejected")

const (
	activityIdle    = "Idling"
	activityRunning = "Running command"
	outboundBuffer  = 64
)

// Config configures a Client.
type Config struct {
	Addr      string
	AgentID   string
	AgentType string

	// HeartbeatInterval is used until the gateway sends a ConfigUpdate.
	HeartbeatInterval time.Duration
	// MetricsInterval of zero disables metrics.
	MetricsInterval time.Duration
	ReconnectMin    time.Duration
	ReconnectMax    time.Duration
	// DrainWait bounds how long Drain waits for the gateway to close the
	// stream after CloseSend.
	DrainWait time.Duration

	DialOptions []grpc.DialOption
	Inventory   func(context.Context) wire.Inventory
	Metrics     func(context.Context) wire.Metrics
}

func (c *Config) applyDefaults() {
	if c.AgentType == "" {
		c.AgentType = "CLIENT"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.DrainWait <= 0 {
		c.DrainWait = 2 * time.Second
	}
	if len(c.DialOptions) == 0 {
		c.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                30 * time.Second,
				Timeout:             10 * time.Second,
				PermitWithoutStream: true,
			}),
		}
	}
}

// Client maintains one session with the gateway, reconnecting until its
// context ends or it is drained.
type Client struct {
	cfg      Config
	handlers *Handlers
	logger   *slog.Logger

	mu       sync.Mutex
	active   *link
	draining bool

	running   atomic.Int32
	connected atomic.Bool
	sleep     func(context.Context, time.Duration)
}

// link is one accepted stream.
type link struct {
	stream   wire.AgentControl_ConnectClient
	cancel   context.CancelFunc
	out      chan *wire.AgentMessage
	interval chan time.Duration
	inflight sync.WaitGroup

	drainOnce sync.Once
	drain     chan struct{}
	flushed   chan struct{}
	done      chan struct{}
}

func newLink(stream wire.AgentControl_ConnectClient, cancel context.CancelFunc) *link {
	return &link{
		stream:   stream,
		cancel:   cancel,
		out:      make(chan *wire.AgentMessage, outboundBuffer),
		interval: make(chan time.Duration, 1),
		drain:    make(chan struct{}),
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewClient creates a client. handlers may be shared with other components.
func NewClient(cfg Config, handlers *Handlers, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	if handlers == nil {
		handlers = NewHandlers(logger)
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With("component", "agent-client", "agent_id", cfg.AgentID, "agent_type", cfg.AgentType),
		sleep:    sleepCtx,
	}
}

// Connected reports whether a session is currently accepted.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Activity is the label sent with each heartbeat.
func (c *Client) Activity() string {
	if c.running.Load() > 0 {
		return activityRunning
	}
	return activityIdle
}

func (c *Client) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

// Run connects and serves commands until ctx ends or Drain completes.
// Connection failures are retried with jittered backoff.
func (c *Client) Run(ctx context.Context) error {
	bo := NewBackoff(c.cfg.ReconnectMin, c.cfg.ReconnectMax, 2)
	for {
		accepted, err := c.runOnce(ctx)
		if c.isDraining() {
			c.logger.Info("client drained")
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			c.logger.Warn("registration rejected", "error", err)
		} else if err != nil {
			c.logger.Warn("session ended", "error", err)
		} else {
			c.logger.Info("session closed by gateway")
		}
		if accepted {
			bo.Reset()
		}

		delay := bo.Next()
		c.logger.Info("reconnecting", "delay", delay)
		c.sleep(ctx, delay)
	}
}

func (c *Client) runOnce(ctx context.Context) (accepted bool, err error) {
	conn, err := grpc.NewClient(c.cfg.Addr, c.cfg.DialOptions...)
	if err != nil {
		return false, fmt.Errorf("creating client: %w", err)
	}
	defer conn.Close()

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := wire.NewAgentControlClient(conn).Connect(lctx)
	if err != nil {
		return false, fmt.Errorf("opening stream: %w", err)
	}

	reg := &wire.Registration{AgentID: c.cfg.AgentID, AgentType: c.cfg.AgentType}
	if c.cfg.Inventory != nil {
		reg.Inventory = c.cfg.Inventory(lctx)
	}
	if err := stream.Send(&wire.AgentMessage{Registration: reg}); err != nil {
		return false, fmt.Errorf("sending registration: %w", err)
	}

	first, err := stream.Recv()
	if err != nil {
		return false, fmt.Errorf("receiving connection response: %w", err)
	}
	resp := first.ConnectionResponse
	if resp == nil {
		return false, fmt.Errorf("expected connection response, got %q", first.Kind())
	}
	if !resp.Accepted {
		return false, fmt.Errorf("%w: %s", ErrRejected, resp.Reason)
	}

	l := newLink(stream, cancel)
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		_ = stream.CloseSend()
		return true, nil
	}
	c.active = l
	c.mu.Unlock()
	c.connected.Store(true)
	defer func() {
		c.connected.Store(false)
		c.mu.Lock()
		if c.active == l {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	c.logger.Info("=== CONNECTED ===", "session_key", resp.SessionKey, "server_id", resp.ServerID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(lctx, l)
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop(lctx, l)
	}()

	err = c.recvLoop(lctx, l)
	close(l.done)
	cancel()
	wg.Wait()
	return true, err
}

func (c *Client) recvLoop(ctx context.Context, l *link) error {
	for {
		msg, err := l.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil && status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}

		switch {
		case msg.Command != nil:
			c.dispatch(ctx, l, *msg.Command)
		case msg.ConfigUpdate != nil:
			if secs := msg.ConfigUpdate.HeartbeatIntervalSeconds; secs > 0 {
				select {
				case l.interval <- time.Duration(secs) * time.Second:
				default:
				}
			}
		default:
			c.logger.Debug("ignoring server message", "kind", msg.Kind())
		}
	}
}

func (c *Client) dispatch(ctx context.Context, l *link, cmd wire.Command) {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		c.logger.Warn("dropping command received while draining", "command_id", cmd.ID, "command_type", cmd.Type)
		return
	}
	l.inflight.Add(1)
	c.mu.Unlock()

	c.logger.Debug("command received", "command_id", cmd.ID, "command_type", cmd.Type)
	c.running.Add(1)
	go func() {
		defer l.inflight.Done()
		defer c.running.Add(-1)

		res := c.handlers.Handle(ctx, cmd)
		if !enqueue(ctx, l, &wire.AgentMessage{Result: &res}) {
			c.logger.Warn("result lost, session ended", "command_id", cmd.ID)
		}
	}()
}

func enqueue(ctx context.Context, l *link, msg *wire.AgentMessage) bool {
	select {
	case l.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeLoop is the only goroutine that sends on the stream after registration.
func (c *Client) writeLoop(ctx context.Context, l *link) {
	for {
		select {
		case msg := <-l.out:
			if err := l.stream.Send(msg); err != nil {
				c.logger.Debug("send failed", "kind", msg.Kind(), "error", err)
				l.cancel()
				return
			}
		case <-l.drain:
			if err := flush(l); err != nil {
				c.logger.Debug("send failed while draining", "error", err)
				l.cancel()
				return
			}
			if err := l.stream.CloseSend(); err != nil {
				c.logger.Debug("close send failed", "error", err)
			}
			close(l.flushed)
			return
		case <-ctx.Done():
			return
		}
	}
}

// flush sends whatever is queued without waiting for more.
func flush(l *link) error {
	for {
		select {
		case msg := <-l.out:
			if err := l.stream.Send(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, l *link) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var metricsC <-chan time.Time
	if c.cfg.MetricsInterval > 0 && c.cfg.Metrics != nil {
		mt := time.NewTicker(c.cfg.MetricsInterval)
		defer mt.Stop()
		metricsC = mt.C
	}

	for {
		select {
		case <-ticker.C:
			hb := &wire.Heartbeat{TimestampMs: time.Now().UnixMilli(), Activity: c.Activity()}
			if c.cfg.Inventory != nil {
				inv := c.cfg.Inventory(ctx)
				hb.Inventory = &inv
			}
			if !enqueue(ctx, l, &wire.AgentMessage{Heartbeat: hb}) {
				return
			}
		case <-metricsC:
			m := c.cfg.Metrics(ctx)
			if !enqueue(ctx, l, &wire.AgentMessage{Metrics: &m}) {
				return
			}
		case d := <-l.interval:
			c.logger.Info("heartbeat interval updated", "interval", d)
			ticker.Reset(d)
		case <-l.drain:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Drain stops accepting commands, waits for in-flight commands to finish,
// flushes their results, half-closes the stream, and waits up to
// Config.DrainWait for the gateway to close its side. Run returns without
// reconnecting afterwards. Safe to call when not connected.
func (c *Client) Drain(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	l := c.active
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	c.logger.Info("draining session")

	pending := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(pending)
	}()
	select {
	case <-pending:
	case <-l.done:
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("waiting for in-flight commands: %w", ctx.Err())
	}

	l.drainOnce.Do(func() { close(l.drain) })

	select {
	case <-l.flushed:
	case <-l.done:
	case <-ctx.Done():
		l.cancel()
		return fmt.Errorf("flushing results: %w", ctx.Err())
	}

	t := time.NewTimer(c.cfg.DrainWait)
	defer t.Stop()
	select {
	case <-l.done:
	case <-t.C:
		c.logger.Debug("gateway did not close stream in time")
	case <-ctx.Done():
	}
	l.cancel()
	c.logger.Info("=== DRAINED ===")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
