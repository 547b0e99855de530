package metrics

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/randomizedcoder/go-process-shards/internal/pool"
	"github.com/randomizedcoder/go-process-shards/internal/process"
)

// DefaultMonitorInterval is how often shards are sampled.
const DefaultMonitorInterval = 2 * time.Second

// ShardSource lists the shards to sample.
type ShardSource interface {
	GetAllShards() []pool.Shard
	FreeCount() int
}

// Monitor periodically samples every shard's process and readiness into a
// Collector.
type Monitor struct {
	source    ShardSource
	collector *Collector
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	prev map[string]process.Diagnostics
}

// NewMonitor creates a monitor. A zero interval uses DefaultMonitorInterval.
func NewMonitor(source ShardSource, collector *Collector, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		source:    source,
		collector: collector,
		interval:  interval,
		timeout:   interval,
		logger:    logger,
		prev:      make(map[string]process.Diagnostics),
	}
}

// Run samples until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one sample of every shard and returns them.
func (m *Monitor) Sample(ctx context.Context) []ShardSample {
	shards := m.source.GetAllShards()
	out := make([]ShardSample, 0, len(shards))
	seen := make(map[string]struct{}, len(shards))

	for _, s := range shards {
		id := s.ID()
		seen[id] = struct{}{}
		sample := ShardSample{ShardID: id}
		if q := s.Errors(); q != nil {
			sample.ErrorDropRate = q.DropRate()
		}

		readyCtx, cancel := context.WithTimeout(ctx, m.timeout)
		ready, err := s.IsReady(readyCtx)
		cancel()
		if err != nil {
			m.logger.Debug("shard_ready_check_failed", "shard_id", id, "error", err)
		}
		sample.Ready = ready

		if d, ok := s.Diagnostics(); ok {
			sample.ResidentMemory = d.ResidentMemory
			sample.VirtualMemory = d.VirtualMemory
			sample.OpenFDs = d.OpenFDs
			sample.Threads = d.Threads
			if prev, ok := m.prev[id]; ok {
				sample.CPUPercent = CPUPercent(prev, d)
			}
			m.prev[id] = d
		} else {
			delete(m.prev, id)
		}

		m.collector.RecordShardSample(sample)
		out = append(out, sample)
	}

	for id := range m.prev {
		if _, ok := seen[id]; !ok {
			delete(m.prev, id)
		}
	}
	m.collector.SetFree(m.source.FreeCount())
	m.collector.SampleRates()
	return out
}

// CPUPercent computes CPU usage between two samples of the same process,
// where 100 is one full core. It is 0 when the samples belong to different
// processes or are not ordered in time.
func CPUPercent(prev, cur process.Diagnostics) float64 {
	if prev.PID != cur.PID || !prev.StartTime.Equal(cur.StartTime) {
		return 0
	}
	elapsed := cur.SampledAt.Sub(prev.SampledAt)
	used := cur.CPUTime - prev.CPUTime
	if elapsed <= 0 || used < 0 {
		return 0
	}
	pct := 100 * used.Seconds() / elapsed.Seconds()
	if limit := 100 * float64(maxCPUs()); pct > limit {
		pct = limit
	}
	return pct
}

func maxCPUs() int {
	return runtime.NumCPU()
}
