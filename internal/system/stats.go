package system

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// HostStats is a point-in-time view of the host and this process.
type HostStats struct {
	CPUPercent    float64
	LogicalCPUs   int
	MemUsedPct    float64
	MemTotalBytes uint64
	ProcessRSS    uint64
	Goroutines    int
}

// Snapshot samples CPU usage over interval and reads memory counters. Fields
// that cannot be read stay zero.
func Snapshot(ctx context.Context, interval time.Duration) (HostStats, error) {
	s := HostStats{Goroutines: runtime.NumGoroutine()}

	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return s, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.LogicalCPUs = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemUsedPct = vm.UsedPercent
		s.MemTotalBytes = vm.Total
	}

	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			s.ProcessRSS = mi.RSS
		}
	}
	return s, nil
}

// Report formats stats the way the CLI prints its performance block.
func (s HostStats) Report() string {
	return fmt.Sprintf(
		"--- [PERFORMANCE REPORT] ---\n"+
			"CPU: %.1f%% of %d cores\n"+
			"Memory: %.1f%% of %d MiB\n"+
			"Process RSS: %d MiB\n"+
			"Goroutines: %d\n"+
			"----------------------------\n",
		s.CPUPercent, s.LogicalCPUs, s.MemUsedPct, s.MemTotalBytes>>20, s.ProcessRSS>>20, s.Goroutines,
	)
}
