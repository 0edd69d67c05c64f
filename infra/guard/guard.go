// Package guard sheds admission load when the host is saturated. It samples
// CPU and memory pressure on an interval and answers a cheap Admit check on
// the upgrade path: a node past its watermarks refuses new sessions instead
// of degrading the established ones.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ErrOverloaded refuses admission while the host is past a watermark.
var ErrOverloaded = errors.New("guard: host over pressure watermark")

// Sampler reads the host pressure figures. The production sampler asks the
// OS; tests inject fixed readings.
type Sampler interface {
	Sample(ctx context.Context) (cpuPercent, memPercent float64, err error)
}

// HostSampler reads pressure from the operating system.
type HostSampler struct{}

func (HostSampler) Sample(ctx context.Context) (float64, float64, error) {
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("guard: cpu sample: %w", err)
	}
	var cpuPct float64
	if len(cpuPcts) > 0 {
		cpuPct = cpuPcts[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("guard: memory sample: %w", err)
	}
	return cpuPct, vm.UsedPercent, nil
}

// Config carries the watermarks and the sampling cadence.
type Config struct {
	Enabled       bool
	MaxCPUPercent float64
	MaxMemPercent float64
	CheckInterval time.Duration
}

// Guard holds the latest host sample and enforces the watermarks. A disabled
// guard admits everything and never samples.
type Guard struct {
	cfg     Config
	sampler Sampler
	clock   clockwork.Clock
	logger  *slog.Logger

	// cpu and mem hold the latest readings as math.Float64bits.
	cpu atomic.Uint64
	mem atomic.Uint64

	// tripped flips on the first refused admission after a clear spell,
	// bounding the log volume under sustained pressure.
	tripped atomic.Bool
}

func New(cfg Config, sampler Sampler, clock clockwork.Clock, logger *slog.Logger) *Guard {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Guard{cfg: cfg, sampler: sampler, clock: clock, logger: logger}
}

// Run samples until the context ends. One immediate sample primes the
// readings so the first admissions are not judged on zeroes.
func (g *Guard) Run(ctx context.Context) {
	if !g.cfg.Enabled {
		return
	}
	g.sampleOnce(ctx)

	ticker := g.clock.NewTicker(g.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.sampleOnce(ctx)
		}
	}
}

func (g *Guard) sampleOnce(ctx context.Context) {
	cpuPct, memPct, err := g.sampler.Sample(ctx)
	if err != nil {
		g.logger.Warn("HOST_SAMPLE_FAILED", "err", err)
		return
	}
	g.cpu.Store(math.Float64bits(cpuPct))
	g.mem.Store(math.Float64bits(memPct))
}

// SetReadings stores pressure figures directly. Tests use it in place of a
// running sample loop.
func (g *Guard) SetReadings(cpuPct, memPct float64) {
	g.cpu.Store(math.Float64bits(cpuPct))
	g.mem.Store(math.Float64bits(memPct))
}

// Readings returns the latest host sample.
func (g *Guard) Readings() (cpuPercent, memPercent float64) {
	return math.Float64frombits(g.cpu.Load()), math.Float64frombits(g.mem.Load())
}

// Admit reports whether a new session may be accepted right now.
func (g *Guard) Admit() error {
	if !g.cfg.Enabled {
		return nil
	}
	cpuPct, memPct := g.Readings()

	over := (g.cfg.MaxCPUPercent > 0 && cpuPct > g.cfg.MaxCPUPercent) ||
		(g.cfg.MaxMemPercent > 0 && memPct > g.cfg.MaxMemPercent)
	if !over {
		g.tripped.Store(false)
		return nil
	}

	if g.tripped.CompareAndSwap(false, true) {
		g.logger.Warn("ADMISSION_GUARD_TRIPPED",
			"cpu_percent", cpuPct,
			"mem_percent", memPct,
			"max_cpu_percent", g.cfg.MaxCPUPercent,
			"max_mem_percent", g.cfg.MaxMemPercent,
		)
	}
	return fmt.Errorf("%w: cpu=%.1f%% mem=%.1f%%", ErrOverloaded, cpuPct, memPct)
}
