// ABOUTME: Entry point for fleet-agent: connects to the gateway and keeps itself updated
// ABOUTME: Logs go to stderr and to an in-memory ring served by the get_logs command

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/fleet-gateway/internal/fleetagent"
	"github.com/2389/fleet-gateway/internal/inventory"
	"github.com/2389/fleet-gateway/internal/logbuf"
	"github.com/2389/fleet-gateway/internal/updater"
)

// version is set at build time and must be a YYYY.MM.DD.BUILD string for
// update checks to compare correctly.
var version = "0.0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		gatewayAddr       string
		updateURL         string
		agentID           string
		agentType         string
		dataDir           string
		logLevel          string
		testMode          bool
		postUpdate        bool
		expectVersion     string
		checkInterval     time.Duration
		heartbeatInterval time.Duration
		metricsInterval   time.Duration
		logLines          int
	)

	flagSet := pflag.NewFlagSet("fleet-agent", pflag.ContinueOnError)
	flagSet.StringVar(&gatewayAddr, "gateway", "localhost:50051", "gateway gRPC address")
	flagSet.StringVar(&updateURL, "update-url", "http://localhost:8080", "gateway HTTP base URL for updates")
	flagSet.StringVar(&agentID, "agent-id", "", "agent id (default: machine id)")
	flagSet.StringVar(&agentType, "agent-type", "CLIENT", "agent type tag")
	flagSet.StringVar(&dataDir, "data-dir", defaultDataDir(), "directory for downloads, backups, and the updater helper")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flagSet.BoolVar(&testMode, "test-mode", false, "accept test builds when updating")
	flagSet.BoolVar(&postUpdate, updater.PostUpdateFlag[2:], false, "set by the updater after a successful swap")
	flagSet.StringVar(&expectVersion, updater.VersionFlag[2:], "", "version the updater installed")
	flagSet.DurationVar(&checkInterval, "check-interval", 30*time.Minute, "update check interval")
	flagSet.DurationVar(&heartbeatInterval, "heartbeat-interval", 15*time.Second, "heartbeat interval until the gateway overrides it")
	flagSet.DurationVar(&metricsInterval, "metrics-interval", time.Minute, "metrics interval (0 disables)")
	flagSet.IntVar(&logLines, "log-buffer", logbuf.DefaultCapacity, "log lines kept for get_logs")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ring := logbuf.New(logLines)
	opts := &slog.HandlerOptions{Level: parseLevel(logLevel)}
	logger := slog.New(logbuf.NewHandler(ring, slog.NewTextHandler(os.Stderr, opts), opts))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if agentID == "" {
		id, err := inventory.MachineID(ctx)
		if err != nil {
			return fmt.Errorf("deriving agent id: %w", err)
		}
		agentID = id
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	if postUpdate {
		logger.Info("started after update", "version", version, "expected", expectVersion)
		if expectVersion != "" && expectVersion != version {
			logger.Warn("running version differs from the one the updater installed")
		}
	}

	collector := inventory.NewCollector(version)
	handlers := fleetagent.NewHandlers(logger)
	client := fleetagent.NewClient(fleetagent.Config{
		Addr:              gatewayAddr,
		AgentID:           agentID,
		AgentType:         agentType,
		HeartbeatInterval: heartbeatInterval,
		MetricsInterval:   metricsInterval,
		Inventory:         collector.Inventory,
		Metrics:           collector.Metrics,
	}, handlers, logger)

	helperName := "fleet-updater"
	if runtime.GOOS == "windows" {
		helperName += ".exe"
	}
	orch := fleetagent.NewOrchestrator(fleetagent.OrchestratorConfig{
		CurrentVersion: version,
		TestMode:       testMode,
		CheckInterval:  checkInterval,
		ExecutablePath: exe,
		DownloadDir:    filepath.Join(dataDir, "downloads"),
		BackupDir:      filepath.Join(dataDir, "backups"),
		HelperPath:     filepath.Join(dataDir, helperName),
	}, fleetagent.NewHTTPSource(updateURL, nil), client, logger)

	handlers.Register(fleetagent.CommandPing, fleetagent.PingHandler())
	handlers.Register(fleetagent.CommandGetLogs, fleetagent.LogsHandler(ring))
	handlers.Register(fleetagent.CommandCheckUpdate, fleetagent.CheckUpdateHandler(orch.Trigger))
	handlers.Register(fleetagent.CommandShutdown, fleetagent.ShutdownHandler(logger, nil))

	logger.Info("starting fleet-agent",
		"version", version,
		"agent_id", agentID,
		"agent_type", agentType,
		"gateway", gatewayAddr,
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = orch.Run(ctx)
	}()

	// After a drain the orchestrator finishes the hand-off and exits the
	// process, so only a signal ends both loops here.
	err = client.Run(ctx)
	wg.Wait()
	return err
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fleet-agent")
	}
	return filepath.Join(os.TempDir(), "fleet-agent")
}
