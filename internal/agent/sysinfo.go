package agent

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/stagewire/stagewire/internal/wire"
)

// sysinfo samples host telemetry on the uptime tick. Sampling errors leave
// the previous values in place; a booth PC with a flaky stats source still
// reports something.
type sysinfo struct {
	hostname string
	platform string

	mu  sync.Mutex
	cpu float64
	mem float64
}

func newSysinfo() *sysinfo {
	s := &sysinfo{platform: runtime.GOOS}
	if hi, err := host.Info(); err == nil {
		s.hostname = hi.Hostname
		if hi.Platform != "" {
			s.platform = hi.Platform
		}
	} else if hn, err := os.Hostname(); err == nil {
		s.hostname = hn
	}
	return s
}

// refresh samples CPU and memory. cpu.Percent with zero interval measures
// since the previous call, which matches the periodic tick.
func (s *sysinfo) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cpuPct, memPct float64
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPct = vm.UsedPercent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cpuPct > 0 {
		s.cpu = cpuPct
	}
	if memPct > 0 {
		s.mem = memPct
	}
}

// Snapshot renders the host block for a telemetry update.
func (s *sysinfo) Snapshot(name string, uptime time.Duration) wire.SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return wire.SystemStatus{
		Hostname:      s.hostname,
		Platform:      s.platform,
		UptimeSec:     int64(uptime.Seconds()),
		Name:          name,
		CPUPercent:    s.cpu,
		MemoryPercent: s.mem,
	}
}
