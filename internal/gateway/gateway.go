// ABOUTME: Gateway orchestrator that coordinates the gRPC, framed TCP and HTTP listeners
// ABOUTME: Owns the session registry, event pipeline, sweeper, and ordered shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/events"
	"github.com/2389/fleet-gateway/internal/framed"
	"github.com/2389/fleet-gateway/internal/notify"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
	"github.com/2389/fleet-gateway/internal/stream"
	"github.com/2389/fleet-gateway/internal/supervisor"
	"github.com/2389/fleet-gateway/internal/updates"
	"github.com/2389/fleet-gateway/internal/wire"
)

// ShutdownCommandType is the command broadcast to every agent on shutdown.
const ShutdownCommandType = "shutdown"

// Gateway orchestrates the fleet-gateway server components.
type Gateway struct {
	config   *config.Config
	registry *session.Registry
	bus      *events.Bus
	history  store.HistoryStore
	updates  *updates.Service
	advisor  *Advisor
	verifier *auth.JWTVerifier

	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	framedServer *framed.Server
	tailnet      *tailnetNode
	forwarder    *notify.Forwarder
	restarts     *supervisor.Supervisor

	logger   *slog.Logger
	serverID string
	started  time.Time
	ready    atomic.Bool

	// background runs the sweeper and the framed supervisor; pipeline runs
	// bus consumers, which end when the bus closes.
	bgCancel   context.CancelFunc
	bgWG       sync.WaitGroup
	pipeCancel context.CancelFunc
	pipeWG     sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

// initHistory opens the history store, or returns nil when disabled.
func initHistory(cfg *config.Config, logger *slog.Logger) (store.HistoryStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLEET_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		logger.Warn("database.path not set, session history disabled")
		return nil, nil
	}
	s, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		// Agents ping every 30s; MinTime must not exceed that.
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             20 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New wires every component from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	history, err := initHistory(cfg, logger)
	if err != nil {
		return nil, err
	}

	updateSvc, err := updates.NewService(cfg.Updates.Dir, cfg.Updates.BinaryName, logger)
	if err != nil {
		closeQuietly(history)
		return nil, fmt.Errorf("initializing update service: %w", err)
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			closeQuietly(history)
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
	}

	bus := events.NewBus(logger)
	registry := session.NewRegistry(logger, session.WithPublisher(bus))

	gw := &Gateway{
		config:   cfg,
		registry: registry,
		bus:      bus,
		history:  history,
		updates:  updateSvc,
		advisor:  NewAdvisor(updateSvc, cfg.Server.PublicURL),
		verifier: verifier,
		logger:   logger.With("component", "gateway"),
		serverID: cfg.Server.ServerID,
	}

	gw.grpcServer = newGRPCServer()
	wire.RegisterAgentControlServer(gw.grpcServer,
		stream.NewServer(registry, gw.serverID, cfg.Sessions.HeartbeatInterval.Std(), logger))
	gw.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(gw.grpcServer, gw.healthServer)

	gw.framedServer = framed.NewServer(framed.Config{
		Addr:         cfg.Server.FramedAddr,
		PollInterval: cfg.Sessions.FramedPollInterval.Std(),
		IdleTimeout:  cfg.Sessions.FramedIdleTimeout.Std(),
	}, registry, gw.advisor, logger)

	gw.restarts = &supervisor.Supervisor{
		Name:          "framed-listener",
		Window:        cfg.Supervisor.Window.Std(),
		MaxRestarts:   cfg.Supervisor.MaxRestarts,
		ShortCooldown: cfg.Supervisor.ShortCooldown.Std(),
		LongCooldown:  cfg.Supervisor.LongCooldown.Std(),
		Logger:        logger,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if verifier != nil {
		gw.logger.Info("HTTP auth middleware enabled")
	} else {
		gw.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return gw, nil
}

// Registry exposes the session registry, mainly for tests and embedding.
func (g *Gateway) Registry() *session.Registry { return g.registry }

// Bus exposes the event bus.
func (g *Gateway) Bus() *events.Bus { return g.bus }

// listeners holds every bound listener for one Run.
type listeners struct {
	grpc net.Listener
	http net.Listener
	// framed binds a fresh listener for each supervised restart; nil
	// disables the framed channel.
	framed func(ctx context.Context) (net.Listener, error)
}

func (l *listeners) close() {
	if l.grpc != nil {
		_ = l.grpc.Close()
	}
	if l.http != nil {
		_ = l.http.Close()
	}
}

func (g *Gateway) setupTCPListeners() (*listeners, error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"framed_addr", g.config.Server.FramedAddr,
	)

	ls := &listeners{}
	var err error
	ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		ls.close()
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if addr := g.config.Server.FramedAddr; addr != "" {
		ls.framed = func(ctx context.Context) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, "tcp", addr)
		}
	}
	return ls, nil
}

func (g *Gateway) setupListeners(ctx context.Context) (*listeners, error) {
	if !g.config.Tailscale.Enabled {
		return g.setupTCPListeners()
	}

	srv := g.config.Server
	if srv.GRPCAddr != "" || srv.HTTPAddr != "" || srv.FramedAddr != "" {
		g.logger.Warn("tailnet mode binds fixed ports, configured addresses unused",
			"grpc_addr", srv.GRPCAddr, "http_addr", srv.HTTPAddr, "framed_addr", srv.FramedAddr)
	}

	node, err := joinTailnet(ctx, g.config.Tailscale, g.logger)
	if err != nil {
		return nil, err
	}
	ls, err := node.listeners()
	if err != nil {
		_ = node.close()
		return nil, err
	}
	g.tailnet = node

	if srv.PublicURL == "" {
		if url := node.baseURL(); url != "" {
			g.logger.Info("download URLs use the tailnet name", "public_url", url)
			g.advisor.SetBaseURL(url)
		}
	}
	return ls, nil
}

func (g *Gateway) startServers(ls *listeners) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", ls.grpc.Addr().String())
		if err := g.grpcServer.Serve(ls.grpc); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", ls.http.Addr().String())
		if err := g.httpServer.Serve(ls.http); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground launches the sweeper, the supervised framed listener and
// the bus consumers.
func (g *Gateway) startBackground(ls *listeners) {
	bgCtx, bgCancel := context.WithCancel(context.Background())
	g.bgCancel = bgCancel

	sweeper := &session.Sweeper{
		Target:   g.registry,
		Interval: g.config.Sessions.SweepInterval.Std(),
		Timeout:  g.config.Sessions.HeartbeatTimeout.Std(),
		Logger:   g.logger,
	}
	g.bgWG.Add(1)
	go func() {
		defer g.bgWG.Done()
		sweeper.Run(bgCtx)
	}()

	if ls.framed != nil {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			g.restarts.Run(bgCtx, func(ctx context.Context) error {
				ln, err := ls.framed(ctx)
				if err != nil {
					return fmt.Errorf("framed listen: %w", err)
				}
				return g.framedServer.Serve(ctx, ln)
			})
		}()
	} else {
		g.logger.Info("framed channel disabled, no framed_addr configured")
	}

	// Consumers stop when the bus closes so they still see the final
	// disconnect events published during shutdown.
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	g.pipeCancel = pipeCancel

	if g.history != nil {
		ch, _ := g.bus.Subscribe(pipeCtx, "history")
		sink := store.NewHistorySink(g.history, g.logger)
		g.pipeWG.Add(1)
		go func() {
			defer g.pipeWG.Done()
			sink.Run(pipeCtx, ch)
		}()
	}

	if url := g.config.Events.NATSURL; url != "" {
		fwd, err := notify.Connect(url, g.config.Events.SubjectPrefix, g.logger)
		if err != nil {
			g.logger.Error("event forwarding disabled", "error", err)
		} else {
			g.forwarder = fwd
			ch, _ := g.bus.Subscribe(pipeCtx, "nats")
			g.pipeWG.Add(1)
			go func() {
				defer g.pipeWG.Done()
				fwd.Run(pipeCtx, ch)
			}()
		}
	}
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run binds every listener and serves until ctx is cancelled or a server
// fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ls, err := g.setupListeners(ctx)
	if err != nil {
		_ = g.Shutdown(context.Background())
		return err
	}

	g.started = time.Now()
	g.startBackground(ls)
	errCh := g.startServers(ls)
	g.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.healthServer.SetServingStatus(wire.AgentControlServiceName, healthpb.HealthCheckResponse_SERVING)
	g.ready.Store(true)

	g.logger.Info("=== Gateway ready ===", "server_id", g.serverID)

	serverErr := g.waitForShutdownSignal(ctx, errCh)
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Sessions.ShutdownGrace.Std() + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// namedCloser is a resource released at the end of shutdown.
type namedCloser struct {
	name  string
	close func() error
}

func closeQuietly(s store.HistoryStore) {
	if s != nil {
		_ = s.Close()
	}
}

// Shutdown stops the gateway in order: notify agents and clear the
// registry, stop the gRPC and HTTP servers, stop the framed listener and
// sweeper, drain the event pipeline, then close the store. Safe to call
// more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("=== Shutting down gateway ===")
	g.ready.Store(false)
	g.healthServer.Shutdown()

	notice := session.NewCommand(ShutdownCommandType, "gateway shutting down", 0)
	notified := g.registry.Shutdown(ctx, g.config.Sessions.ShutdownGrace.Std(), notice)
	g.logger.Info("sessions closed", "notified", notified)

	var errs []error
	g.shutdownGRPCServer(ctx)
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	if g.bgCancel != nil {
		g.bgCancel()
	}
	g.bgWG.Wait()
	g.framedServer.Wait()

	g.bus.Close()
	g.pipeWG.Wait()
	if g.pipeCancel != nil {
		g.pipeCancel()
	}

	g.registry.Close()

	var closers []namedCloser
	if g.forwarder != nil {
		closers = append(closers, namedCloser{"event forwarder", g.forwarder.Close})
	}
	if g.tailnet != nil {
		closers = append(closers, namedCloser{"tailnet node", g.tailnet.close})
	}
	if g.history != nil {
		closers = append(closers, namedCloser{"history store", g.history.Close})
	}
	for _, c := range closers {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	g.logger.Info("gateway stopped")
	return nil
}
