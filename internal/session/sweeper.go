// ABOUTME: Periodic liveness sweep evicting sessions that stopped heartbeating
// ABOUTME: Runs independently of every connection until its context ends

package session

import (
	"context"
	"log/slog"
	"time"
)

// Default sweep cadence and heartbeat timeout.
const (
	DefaultSweepInterval    = 10 * time.Second
	DefaultHeartbeatTimeout = 30 * time.Second
)

// Evictor is the slice of the Registry the sweeper needs.
type Evictor interface {
	EvictStale(timeout time.Duration) int
}

// Sweeper calls EvictStale on a fixed period.
type Sweeper struct {
	Target   Evictor
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sweeper")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Target.EvictStale(timeout); n > 0 {
				logger.Info("evicted stale sessions", "count", n, "timeout", timeout)
			}
		}
	}
}
