// ABOUTME: Tests for inventory and metrics collection with stubbed probes
// ABOUTME: Probe failures must degrade to empty fields, never errors

package inventory

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
)

func stubCollector() *Collector {
	return &Collector{
		AgentVersion: "2025.01.01.1",
		DiskPath:     "/",
		HostInfo: func(context.Context) (*host.InfoStat, error) {
			return &host.InfoStat{Hostname: "build-07", Platform: "ubuntu", PlatformVersion: "24.04", Uptime: 3600}, nil
		},
		Memory: func(context.Context) (*mem.VirtualMemoryStat, error) {
			return &mem.VirtualMemoryStat{Total: 16384 * bytesPerMB, Used: 4096 * bytesPerMB}, nil
		},
		CPUPercent: func(context.Context, time.Duration, bool) ([]float64, error) {
			return []float64{12.5}, nil
		},
		DiskUsage: func(context.Context, string) (*disk.UsageStat, error) {
			return &disk.UsageStat{Free: 2048 * bytesPerMB}, nil
		},
		LocalIP:  func() string { return "10.0.0.7" },
		Username: func() string { return "svc" },
		IsAdmin:  func() bool { return true },
		Now:      func() time.Time { return time.UnixMilli(1700000000000) },
	}
}

func TestInventory(t *testing.T) {
	inv := stubCollector().Inventory(context.Background())

	assert.Equal(t, "build-07", inv.MachineName)
	assert.Equal(t, "ubuntu 24.04", inv.OSVersion)
	assert.Equal(t, runtime.GOOS, inv.OS)
	assert.Equal(t, runtime.GOARCH, inv.Architecture)
	assert.Equal(t, uint64(16384), inv.TotalMemoryMB)
	assert.Equal(t, "10.0.0.7", inv.IPAddress)
	assert.Equal(t, "svc", inv.Username)
	assert.True(t, inv.IsAdmin)
	assert.Equal(t, "2025.01.01.1", inv.AgentVersion)
}

func TestMetrics(t *testing.T) {
	m := stubCollector().Metrics(context.Background())

	assert.Equal(t, int64(1700000000000), m.TimestampMs)
	assert.InDelta(t, 12.5, m.CPUPercent, 0.001)
	assert.Equal(t, uint64(4096), m.MemoryUsedMB)
	assert.Equal(t, uint64(2048), m.DiskFreeMB)
	assert.Equal(t, uint64(3600), m.UptimeSeconds)
}

func TestProbeFailuresLeaveFieldsEmpty(t *testing.T) {
	c := stubCollector()
	boom := errors.New("unsupported")
	c.Memory = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, boom }
	c.CPUPercent = func(context.Context, time.Duration, bool) ([]float64, error) { return nil, boom }
	c.DiskUsage = func(context.Context, string) (*disk.UsageStat, error) { return nil, boom }

	inv := c.Inventory(context.Background())
	assert.Zero(t, inv.TotalMemoryMB)
	assert.Equal(t, "build-07", inv.MachineName)

	m := c.Metrics(context.Background())
	assert.Zero(t, m.CPUPercent)
	assert.Zero(t, m.MemoryUsedMB)
	assert.Zero(t, m.DiskFreeMB)
}

func TestNewCollector_RealHost(t *testing.T) {
	inv := NewCollector("dev").Inventory(context.Background())
	assert.Equal(t, runtime.GOOS, inv.OS)
	assert.Equal(t, "dev", inv.AgentVersion)
}
