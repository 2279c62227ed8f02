package gateway

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

const cpuSampleInterval = 5 * time.Second

// Admission rejects new connections before the upgrade when the node is
// already saturated, so existing sessions keep their latency budget.
type Admission struct {
	maxConnections int
	cpuThreshold   float64 // percent; 0 disables the CPU check
	active         func() int

	cpuPercent atomic.Uint64 // float64 bits
	logger     zerolog.Logger
}

// NewAdmission creates the guard. active samples the live connection count.
func NewAdmission(maxConnections int, cpuThreshold float64, active func() int, logger zerolog.Logger) *Admission {
	return &Admission{
		maxConnections: maxConnections,
		cpuThreshold:   cpuThreshold,
		active:         active,
		logger:         logger.With().Str("component", "admission").Logger(),
	}
}

// Run samples CPU usage until ctx is cancelled.
func (a *Admission) Run(ctx context.Context) {
	for {
		// cpu.Percent blocks for the interval, so this doubles as the tick.
		percents, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false)
		if ctx.Err() != nil {
			return
		}
		if err != nil || len(percents) == 0 {
			continue
		}
		a.cpuPercent.Store(math.Float64bits(percents[0]))
	}
}

// CPUPercent returns the most recent sample.
func (a *Admission) CPUPercent() float64 {
	return math.Float64frombits(a.cpuPercent.Load())
}

// Allow reports whether a new connection may be accepted, with the failed
// check name on rejection.
func (a *Admission) Allow() (bool, string) {
	if a.maxConnections > 0 && a.active() >= a.maxConnections {
		return false, "max_connections"
	}
	if a.cpuThreshold > 0 && a.CPUPercent() >= a.cpuThreshold {
		return false, "cpu"
	}
	return true, ""
}
