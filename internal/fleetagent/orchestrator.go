// ABOUTME: Agent-side update orchestrator: check, download, verify, drain, hand off, exit
// ABOUTME: The external updater helper performs the actual binary replacement

package fleetagent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389/fleet-gateway/internal/updater"
	"github.com/2389/fleet-gateway/internal/updates"
)

// ErrSizeMismatch indicates a download whose length differs from the manifest.
var ErrSizeMismatch = errors.New("downloaded size does not match manifest")

// UpdateSource is where the orchestrator learns about and fetches versions.
type UpdateSource interface {
	Check(ctx context.Context, currentVersion string, testMode bool) (*updates.VersionInfo, error)
	Download(ctx context.Context, version string, w io.Writer) error
	DownloadHelper(ctx context.Context, w io.Writer) error
}

// Drainer gracefully closes the agent's session before hand-off.
type Drainer interface {
	Drain(ctx context.Context) error
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	CurrentVersion string
	TestMode       bool
	CheckInterval  time.Duration
	ExecutablePath string
	DownloadDir    string
	BackupDir      string
	HelperPath     string
	DrainTimeout   time.Duration
}

// Orchestrator polls for updates and applies them.
type Orchestrator struct {
	cfg     OrchestratorConfig
	source  UpdateSource
	drainer Drainer
	logger  *slog.Logger

	launch func(path string, args ...string) error
	exit   func(code int)
	pid    func() int

	kick chan struct{}
	mu   sync.Mutex
}

// NewOrchestrator creates an orchestrator. drainer may be nil.
func NewOrchestrator(cfg OrchestratorConfig, source UpdateSource, drainer Drainer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		source:  source,
		drainer: drainer,
		logger:  logger.With("component", "update-orchestrator"),
		launch:  startDetached,
		exit:    os.Exit,
		pid:     os.Getpid,
		kick:    make(chan struct{}, 1),
	}
}

// Trigger requests a check from Run without waiting for the interval.
func (o *Orchestrator) Trigger() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run checks immediately, then on every interval or Trigger, until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.checkAndLog(ctx)

	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.checkAndLog(ctx)
		case <-o.kick:
			o.checkAndLog(ctx)
		}
	}
}

func (o *Orchestrator) checkAndLog(ctx context.Context) {
	if _, err := o.CheckNow(ctx); err != nil {
		o.logger.Warn("update check failed", "error", err)
	}
}

// CheckNow asks the source for a newer version and applies it if found.
// On a successful hand-off the process exits and CheckNow does not return.
func (o *Orchestrator) CheckNow(ctx context.Context) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	info, err := o.source.Check(ctx, o.cfg.CurrentVersion, o.cfg.TestMode)
	if err != nil {
		return false, fmt.Errorf("checking for update: %w", err)
	}
	if info == nil || !updates.IsNewer(info.Version, o.cfg.CurrentVersion) {
		o.logger.Debug("no update available", "current", o.cfg.CurrentVersion)
		return false, nil
	}

	o.logger.Info("update available", "current", o.cfg.CurrentVersion, "version", info.Version)
	if err := o.apply(ctx, *info); err != nil {
		return false, err
	}
	return true, nil
}

func (o *Orchestrator) apply(ctx context.Context, info updates.VersionInfo) error {
	newPath, err := o.download(ctx, info)
	if err != nil {
		return err
	}
	helper, err := o.ensureHelper(ctx)
	if err != nil {
		os.Remove(newPath)
		return err
	}

	if o.drainer != nil {
		dctx, cancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
		if err := o.drainer.Drain(dctx); err != nil {
			o.logger.Warn("drain incomplete, handing off anyway", "error", err)
		}
		cancel()
	}

	args := updater.Args{
		TargetPath:    o.cfg.ExecutablePath,
		NewBinaryPath: newPath,
		BackupDir:     o.cfg.BackupDir,
		ParentPID:     o.pid(),
		Version:       info.Version,
	}
	if err := o.launch(helper, args.Argv()...); err != nil {
		// The session is already drained; exiting lets the service manager
		// restart the current binary.
		o.logger.Error("launching updater failed", "helper", helper, "error", err)
		o.exit(updater.ExitFailure)
		return fmt.Errorf("launching updater: %w", err)
	}

	o.logger.Info("=== HANDING OFF TO UPDATER ===", "helper", helper, "version", info.Version)
	o.exit(updater.ExitSuccess)
	return nil
}

// download fetches the version into DownloadDir and verifies it against the
// manifest. Nothing is left behind on failure.
func (o *Orchestrator) download(ctx context.Context, info updates.VersionInfo) (string, error) {
	if err := os.MkdirAll(o.cfg.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir: %w", err)
	}
	final := filepath.Join(o.cfg.DownloadDir, fmt.Sprintf("%s.%s.new", filepath.Base(o.cfg.ExecutablePath), info.Version))

	tmp, err := os.CreateTemp(o.cfg.DownloadDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}
	if err := o.source.Download(ctx, info.Version, cw); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("downloading %s: %w", info.Version, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, info.SHA256) {
		cleanup()
		return "", fmt.Errorf("%w: version %s expected %s, got %s", updates.ErrChecksumMismatch, info.Version, info.SHA256, sum)
	}
	if info.FileSizeBytes > 0 && cw.n != info.FileSizeBytes {
		cleanup()
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrSizeMismatch, info.FileSizeBytes, cw.n)
	}

	if err := os.Chmod(tmpName, 0o755); err != nil {
		cleanup()
		return "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", fmt.Errorf("placing download: %w", err)
	}
	o.logger.Info("update downloaded and verified", "path", final, "sha256", sum)
	return final, nil
}

// ensureHelper returns the helper path, fetching it when not cached.
func (o *Orchestrator) ensureHelper(ctx context.Context) (string, error) {
	if _, err := os.Stat(o.cfg.HelperPath); err == nil {
		return o.cfg.HelperPath, nil
	}
	dir := filepath.Dir(o.cfg.HelperPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating helper dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".helper-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if err := o.source.DownloadHelper(ctx, tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("downloading updater helper: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, 0o755); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, o.cfg.HelperPath); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	o.logger.Info("updater helper cached", "path", o.cfg.HelperPath)
	return o.cfg.HelperPath, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// startDetached starts path without waiting for it.
func startDetached(path string, args ...string) error {
	cmd := exec.Command(path, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
