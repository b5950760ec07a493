package monitor

import (
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/kubeadapt/gpu-broker/internal/observability"
)

// MemStatsProvider abstracts runtime.MemStats reading for testability.
type MemStatsProvider interface {
	ReadMemStats(m *runtime.MemStats)
}

type runtimeMemStatsProvider struct{}

func (runtimeMemStatsProvider) ReadMemStats(m *runtime.MemStats) {
	runtime.ReadMemStats(m)
}

// MemoryGuard polls runtime.MemStats and calls onPressure when usage
// exceeds threshold times GOMEMLIMIT.
type MemoryGuard struct {
	threshold  float64
	onPressure func()
	interval   time.Duration
	provider   MemStatsProvider
	metrics    *observability.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewMemoryGuard creates a guard. A nil provider reads the real runtime
// stats; metrics may be nil.
func NewMemoryGuard(threshold float64, interval time.Duration, onPressure func(),
	provider MemStatsProvider, metrics *observability.Metrics) *MemoryGuard {
	if provider == nil {
		provider = runtimeMemStatsProvider{}
	}
	return &MemoryGuard{
		threshold:  threshold,
		onPressure: onPressure,
		interval:   interval,
		provider:   provider,
		metrics:    metrics,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins polling in the background.
func (g *MemoryGuard) Start() {
	go g.run()
}

func (g *MemoryGuard) run() {
	defer close(g.done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			if g.check() {
				slog.Warn("monitor: memory pressure detected")
				if g.metrics != nil {
					g.metrics.MemoryPressureEvents.Inc()
				}
				if g.onPressure != nil {
					g.onPressure()
				}
			}
		}
	}
}

// check reports whether usage is above the threshold. Without a memory
// limit it is always false.
func (g *MemoryGuard) check() bool {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 {
		return false
	}

	var stats runtime.MemStats
	g.provider.ReadMemStats(&stats)

	usage := stats.Sys - stats.HeapReleased
	return float64(usage)/float64(limit) > g.threshold
}

// Stop halts polling and waits for the goroutine to exit. Safe to call
// multiple times; must follow Start.
func (g *MemoryGuard) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	<-g.done
}
