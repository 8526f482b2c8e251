// Package limits protects a gateway instance from overload: a
// resource guard that refuses connections past capacity or under CPU
// pressure, and a token-bucket limiter on connection attempts.
package limits

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

const cpuSampleInterval = 5 * time.Second

// ResourceGuard enforces static capacity limits. Static by intent:
// the operator sets the ceiling, nothing adapts at runtime.
type ResourceGuard struct {
	maxConnections int64
	cpuThreshold   float64

	currentConns *int64       // owned by the server, atomic ops only
	currentCPU   atomic.Value // float64

	logger zerolog.Logger
	stop   chan struct{}
}

// RejectReason labels guard refusals for logs and metrics.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectCapacity    RejectReason = "capacity"
	RejectCPUPressure RejectReason = "cpu_pressure"
)

func NewResourceGuard(maxConnections int, cpuThreshold float64, currentConns *int64, logger zerolog.Logger) *ResourceGuard {
	g := &ResourceGuard{
		maxConnections: int64(maxConnections),
		cpuThreshold:   cpuThreshold,
		currentConns:   currentConns,
		logger:         logger.With().Str("component", "resource_guard").Logger(),
		stop:           make(chan struct{}),
	}
	g.currentCPU.Store(0.0)
	go g.sampleLoop()
	return g
}

// Admit reports whether a new connection may be accepted right now.
func (g *ResourceGuard) Admit() RejectReason {
	if atomic.LoadInt64(g.currentConns) >= g.maxConnections {
		return RejectCapacity
	}
	if g.cpuThreshold > 0 {
		if pct := g.currentCPU.Load().(float64); pct >= g.cpuThreshold {
			return RejectCPUPressure
		}
	}
	return RejectNone
}

// CPUPercent returns the most recent sampled CPU utilization.
func (g *ResourceGuard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

func (g *ResourceGuard) sampleLoop() {
	ticker := time.NewTicker(cpuSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			pcts, err := cpu.Percent(0, false)
			if err != nil || len(pcts) == 0 {
				g.logger.Debug().Err(err).Msg("cpu sample failed")
				continue
			}
			g.currentCPU.Store(pcts[0])
		}
	}
}

func (g *ResourceGuard) Stop() {
	close(g.stop)
}
