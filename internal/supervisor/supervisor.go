// ABOUTME: Restart loop that keeps a listener alive through faults and panics
// ABOUTME: Rate-limits restarts per rolling window and only stops on context cancellation

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Defaults for the restart limiter.
const (
	DefaultWindow        = 60 * time.Second
	DefaultMaxRestarts   = 5
	DefaultShortCooldown = time.Second
	DefaultLongCooldown  = 30 * time.Second
)

// Supervisor runs a function forever, restarting it after every return.
// A nil error return while the context is live counts as a fault too: the
// supervised loop is not supposed to stop on its own.
type Supervisor struct {
	Name          string
	Window        time.Duration
	MaxRestarts   int
	ShortCooldown time.Duration
	LongCooldown  time.Duration
	Logger        *slog.Logger

	// now and sleep are replaced in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	restarts atomic.Int64
}

// Restarts returns the total number of restarts performed.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

// Run calls fn until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context, fn func(context.Context) error) {
	window := orDefault(s.Window, DefaultWindow)
	short := orDefault(s.ShortCooldown, DefaultShortCooldown)
	long := orDefault(s.LongCooldown, DefaultLongCooldown)
	limit := s.MaxRestarts
	if limit <= 0 {
		limit = DefaultMaxRestarts
	}
	now := s.now
	if now == nil {
		now = time.Now
	}
	sleep := s.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "supervisor", "name", s.Name)

	windowStart := now()
	inWindow := 0

	for {
		err := s.runOnce(ctx, fn)
		if ctx.Err() != nil {
			logger.Info("supervisor stopped")
			return
		}

		t := now()
		if t.Sub(windowStart) >= window {
			windowStart = t
			inWindow = 0
		}
		inWindow++
		s.restarts.Add(1)

		cooldown := short
		if inWindow > limit {
			cooldown = long
		}
		logger.Error("supervised task failed, restarting",
			"error", err,
			"restarts_in_window", inWindow,
			"cooldown", cooldown,
		)
		sleep(ctx, cooldown)
	}
}

func (s *Supervisor) runOnce(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := fn(ctx); err != nil {
		return err
	}
	return fmt.Errorf("exited without error")
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
