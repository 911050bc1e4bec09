// ABOUTME: Collects machine inventory and resource metrics for the agent using gopsutil
// ABOUTME: Each probe is injectable so tests never depend on the host

package inventory

import (
	"context"
	"net"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/2389/fleet-gateway/internal/wire"
)

const bytesPerMB = 1024 * 1024

// Collector gathers inventory and metrics. Zero-valued probes fall back to
// gopsutil.
type Collector struct {
	AgentVersion string
	DiskPath     string

	HostInfo   func(context.Context) (*host.InfoStat, error)
	Memory     func(context.Context) (*mem.VirtualMemoryStat, error)
	CPUPercent func(context.Context, time.Duration, bool) ([]float64, error)
	DiskUsage  func(context.Context, string) (*disk.UsageStat, error)
	LocalIP    func() string
	Username   func() string
	IsAdmin    func() bool
	Now        func() time.Time
}

// NewCollector returns a collector backed by the real host.
func NewCollector(agentVersion string) *Collector {
	return &Collector{
		AgentVersion: agentVersion,
		DiskPath:     defaultDiskPath(),
		HostInfo:     host.InfoWithContext,
		Memory:       mem.VirtualMemoryWithContext,
		CPUPercent:   cpu.PercentWithContext,
		DiskUsage:    disk.UsageWithContext,
		LocalIP:      firstUsableIPv4,
		Username:     currentUsername,
		IsAdmin:      isAdmin,
		Now:          time.Now,
	}
}

// Inventory returns what the agent reports on registration and heartbeat.
// Probe failures leave the matching fields empty.
func (c *Collector) Inventory(ctx context.Context) wire.Inventory {
	inv := wire.Inventory{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		AgentVersion: c.AgentVersion,
	}

	if c.HostInfo != nil {
		if info, err := c.HostInfo(ctx); err == nil && info != nil {
			inv.MachineName = info.Hostname
			if info.Platform != "" {
				inv.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
			}
		}
	}
	if inv.MachineName == "" {
		inv.MachineName, _ = os.Hostname()
	}
	if c.Memory != nil {
		if vm, err := c.Memory(ctx); err == nil && vm != nil {
			inv.TotalMemoryMB = vm.Total / bytesPerMB
		}
	}
	if c.LocalIP != nil {
		inv.IPAddress = c.LocalIP()
	}
	if c.Username != nil {
		inv.Username = c.Username()
	}
	if c.IsAdmin != nil {
		inv.IsAdmin = c.IsAdmin()
	}
	return inv
}

// Metrics samples current resource usage. CPU is sampled without blocking,
// relative to the previous call.
func (c *Collector) Metrics(ctx context.Context) wire.Metrics {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	m := wire.Metrics{TimestampMs: now().UnixMilli()}

	if c.CPUPercent != nil {
		if pct, err := c.CPUPercent(ctx, 0, false); err == nil && len(pct) > 0 {
			m.CPUPercent = pct[0]
		}
	}
	if c.Memory != nil {
		if vm, err := c.Memory(ctx); err == nil && vm != nil {
			m.MemoryUsedMB = vm.Used / bytesPerMB
		}
	}
	if c.DiskUsage != nil && c.DiskPath != "" {
		if du, err := c.DiskUsage(ctx, c.DiskPath); err == nil && du != nil {
			m.DiskFreeMB = du.Free / bytesPerMB
		}
	}
	if c.HostInfo != nil {
		if info, err := c.HostInfo(ctx); err == nil && info != nil {
			m.UptimeSeconds = info.Uptime
		}
	}
	return m
}

func defaultDiskPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// firstUsableIPv4 returns the first global unicast IPv4 on an up,
// non-loopback, non-container interface.
func firstUsableIPv4() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "docker") || strings.HasPrefix(name, "br-") || strings.HasPrefix(name, "veth") {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet == nil {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
				return ip.String()
			}
		}
	}
	return ""
}

// MachineID returns a stable host identifier suitable as a default agent id.
func MachineID(ctx context.Context) (string, error) {
	id, err := host.HostIDWithContext(ctx)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(id)), nil
}
