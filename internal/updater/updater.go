// ABOUTME: Out-of-process binary swap with backup, bounded retries, verification, and rollback
// ABOUTME: Every failure path, including panics, degrades to a logged rollback attempt

package updater

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const backupTimeFormat = "20060102-150405.000000"

// Updater replaces one binary. Zero-valued fields take defaults; the func
// fields exist so tests can inject faults.
type Updater struct {
	Logger       *slog.Logger
	WaitTimeout  time.Duration
	PollInterval time.Duration
	CopyRetries  int
	RetryDelay   time.Duration
	KeepBackups  int

	ProcessAlive func(pid int) bool
	CopyFile     func(src, dst string) error
	Launch       func(path string, args ...string) error
	Now          func() time.Time
	Sleep        func(time.Duration)
}

func (u *Updater) defaults() {
	if u.Logger == nil {
		u.Logger = slog.Default()
	}
	if u.WaitTimeout <= 0 {
		u.WaitTimeout = 60 * time.Second
	}
	if u.PollInterval <= 0 {
		u.PollInterval = 500 * time.Millisecond
	}
	if u.CopyRetries <= 0 {
		u.CopyRetries = 5
	}
	if u.RetryDelay <= 0 {
		u.RetryDelay = 2 * time.Second
	}
	if u.KeepBackups <= 0 {
		u.KeepBackups = 3
	}
	if u.ProcessAlive == nil {
		u.ProcessAlive = processAlive
	}
	if u.CopyFile == nil {
		u.CopyFile = copyFile
	}
	if u.Launch == nil {
		u.Launch = launchDetached
	}
	if u.Now == nil {
		u.Now = time.Now
	}
	if u.Sleep == nil {
		u.Sleep = time.Sleep
	}
}

// run holds what rollback needs to know.
type run struct {
	args   Args
	backup string
}

// Run performs the update and returns a process exit code.
func (u *Updater) Run(ctx context.Context, args Args) (code int) {
	u.defaults()
	log := u.Logger.With("target", args.TargetPath, "version", args.Version)
	r := &run{args: args}

	defer func() {
		if p := recover(); p != nil {
			log.Error("unexpected fault during update", "panic", fmt.Sprint(p))
			code = u.rollback(log, r)
		}
	}()

	log.Info("update started", "new_binary", args.NewBinaryPath, "parent_pid", args.ParentPID)

	u.waitForExit(ctx, log, args.ParentPID)

	if _, err := os.Stat(args.NewBinaryPath); err != nil {
		log.Error("new binary missing, nothing changed", "error", err)
		return ExitFailure
	}

	if _, err := os.Stat(args.TargetPath); err == nil {
		backup, err := u.backup(args)
		if err != nil {
			log.Warn("backup failed, continuing without a rollback point", "error", err)
		} else {
			r.backup = backup
			log.Info("backup created", "backup", backup)
		}
	} else {
		log.Info("target does not exist, treating as first install")
	}

	if err := u.replace(ctx, log, args.NewBinaryPath, args.TargetPath); err != nil {
		log.Error("replacing binary failed", "error", err)
		return u.rollback(log, r)
	}

	if err := verifySize(args.NewBinaryPath, args.TargetPath); err != nil {
		log.Error("verification failed", "error", err)
		return u.rollback(log, r)
	}

	u.pruneBackups(log, args)

	if err := u.Launch(args.TargetPath, RelaunchArgs(args.Version)...); err != nil {
		log.Error("relaunching updated binary failed", "error", err)
		return ExitFailure
	}
	log.Info("update complete")
	return ExitSuccess
}

func (u *Updater) waitForExit(ctx context.Context, log *slog.Logger, pid int) {
	if pid <= 0 {
		return
	}
	deadline := u.Now().Add(u.WaitTimeout)
	for u.ProcessAlive(pid) {
		if ctx.Err() != nil || !u.Now().Before(deadline) {
			log.Warn("parent still running, proceeding anyway", "pid", pid, "waited", u.WaitTimeout)
			return
		}
		u.Sleep(u.PollInterval)
	}
	log.Info("parent exited", "pid", pid)
}

func (u *Updater) backup(args Args) (string, error) {
	if err := os.MkdirAll(args.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.bak", filepath.Base(args.TargetPath), u.Now().UTC().Format(backupTimeFormat))
	dst := filepath.Join(args.BackupDir, name)
	if err := u.CopyFile(args.TargetPath, dst); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

func (u *Updater) replace(ctx context.Context, log *slog.Logger, src, dst string) error {
	var err error
	for attempt := 1; attempt <= u.CopyRetries; attempt++ {
		if err = u.CopyFile(src, dst); err == nil {
			return nil
		}
		log.Warn("copy attempt failed", "attempt", attempt, "of", u.CopyRetries, "error", err)
		if attempt < u.CopyRetries && ctx.Err() == nil {
			u.Sleep(u.RetryDelay)
		}
	}
	return fmt.Errorf("after %d attempts: %w", u.CopyRetries, err)
}

// rollback restores the backup, if any, and relaunches the old binary.
// It never panics outward.
func (u *Updater) rollback(log *slog.Logger, r *run) (code int) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("rollback itself faulted", "panic", fmt.Sprint(p))
			code = ExitFailure
		}
	}()

	if r.backup == "" {
		log.Error("no backup available, cannot roll back")
		return ExitFailure
	}

	var err error
	for attempt := 1; attempt <= u.CopyRetries; attempt++ {
		if err = u.CopyFile(r.backup, r.args.TargetPath); err == nil {
			break
		}
		log.Warn("restore attempt failed", "attempt", attempt, "error", err)
		if attempt < u.CopyRetries {
			u.Sleep(u.RetryDelay)
		}
	}
	if err != nil {
		log.Error("rollback failed", "backup", r.backup, "error", err)
		return ExitFailure
	}
	log.Info("previous binary restored", "backup", r.backup)

	if err := u.Launch(r.args.TargetPath); err != nil {
		log.Error("relaunching previous binary failed", "error", err)
	}
	return ExitFailure
}

func (u *Updater) pruneBackups(log *slog.Logger, args Args) {
	entries, err := os.ReadDir(args.BackupDir)
	if err != nil {
		return
	}
	prefix := filepath.Base(args.TargetPath) + "."
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".bak") {
			backups = append(backups, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(backups)))
	for _, name := range backups[min(len(backups), u.KeepBackups):] {
		if err := os.Remove(filepath.Join(args.BackupDir, name)); err != nil {
			log.Warn("pruning backup", "backup", name, "error", err)
		}
	}
}

func verifySize(src, dst string) error {
	a, err := os.Stat(src)
	if err != nil {
		return err
	}
	b, err := os.Stat(dst)
	if err != nil {
		return err
	}
	if a.Size() != b.Size() {
		return fmt.Errorf("size mismatch: source %d bytes, target %d bytes", a.Size(), b.Size())
	}
	return nil
}

// copyFile overwrites dst with the contents of src and flushes it to disk.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0o755)
	if fi, err := in.Stat(); err == nil {
		mode = fi.Mode().Perm()
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
