// Package metrics provides Prometheus metrics for the shard pool.
//
// Metrics are organized by dashboard panel:
//   - Pool overview: size, free shards, priorities
//   - Shard lifecycle: starts, readiness, exits, restarts, uptime
//   - Shard resources: memory, fds, threads, CPU (sampled by Monitor)
//   - Pipeline: batches, messages, input rate, latency, reserve timeouts
package metrics

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-process-shards/internal/process"
	"github.com/randomizedcoder/go-process-shards/internal/timeseries"
)

const namespace = "process_shards"

// Collector owns every pool metric and the counters behind the exit summary.
type Collector struct {
	// --- Panel 1: Pool Overview ---
	info       *prometheus.GaugeVec
	poolSize   prometheus.Gauge
	poolFree   prometheus.Gauge
	priorities *prometheus.GaugeVec

	// --- Panel 2: Shard Lifecycle ---
	starts   prometheus.Counter
	readies  prometheus.Counter
	restarts prometheus.Counter
	exits    *prometheus.CounterVec
	ready    *prometheus.GaugeVec
	uptime   prometheus.Histogram

	// --- Panel 3: Shard Resources ---
	residentMemory *prometheus.GaugeVec
	virtualMemory  *prometheus.GaugeVec
	openFDs        *prometheus.GaugeVec
	threads        *prometheus.GaugeVec
	cpuPercent     *prometheus.GaugeVec
	errorDropRatio *prometheus.GaugeVec

	// --- Panel 4: Pipeline ---
	batches         *prometheus.CounterVec
	messagesIn      prometheus.Counter
	messagesOut     prometheus.Counter
	messagesErr     prometheus.Counter
	reserveTimeouts prometheus.Counter
	batchDuration   prometheus.Histogram
	batchP50        prometheus.Gauge
	batchP95        prometheus.Gauge
	batchP99        prometheus.Gauge
	messageRate     *prometheus.GaugeVec

	mu            sync.Mutex
	startTime     time.Time
	poolSizeValue int
	totalStarts   int64
	totalRestarts int64
	totalBatches  int64
	failedBatches int64
	totalIn       int64
	totalOut      int64
	totalErr      int64
	totalTimeouts int64
	exitCodes     map[int]int64
	latency       *tdigest.TDigest
	inputRate     *timeseries.RateTracker
	shardIDs      map[string]struct{}
}

// CollectorConfig holds the static labels reported by the info metric.
type CollectorConfig struct {
	PoolSize int
	Command  string
	Version  string
}

// NewCollector creates a collector registered with the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	return NewCollectorWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewCollectorWithRegistry creates a collector registered with registry.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	shardLabel := []string{"shard_id"}
	c := &Collector{
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the pool (value always 1)",
		}, []string{"version", "command"}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_size",
			Help:      "Configured number of shards",
		}),
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_free_shards",
			Help:      "Shards not currently reserved",
		}),
		priorities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_priority",
			Help:      "Last computed priority of a free shard (lower is preferred)",
		}, shardLabel),

		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_starts_total",
			Help:      "Worker processes spawned",
		}),
		readies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_ready_total",
			Help:      "Worker processes that reported ready",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_restarts_total",
			Help:      "Restart delays scheduled by shard supervisors",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shard_exits_total",
			Help:      "Worker process exits by category",
		}, []string{"category"}),
		ready: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_ready",
			Help:      "Whether the shard's process is ready (1) or not (0)",
		}, shardLabel),
		uptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shard_uptime_seconds",
			Help:      "Worker process lifetime distribution",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		residentMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_resident_memory_bytes",
			Help:      "Resident memory of the shard's process",
		}, shardLabel),
		virtualMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_virtual_memory_bytes",
			Help:      "Virtual memory of the shard's process",
		}, shardLabel),
		openFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_open_fds",
			Help:      "Open file descriptors of the shard's process",
		}, shardLabel),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_threads",
			Help:      "Threads of the shard's process",
		}, shardLabel),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_cpu_percent",
			Help:      "CPU usage of the shard's process between the last two samples",
		}, shardLabel),
		errorDropRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shard_error_queue_drop_ratio",
			Help:      "Fraction of stderr messages the shard's error queue dropped",
		}, shardLabel),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches handed to shards by result",
		}, []string{"result"}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_in_total",
			Help:      "Messages published to shards",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_out_total",
			Help:      "Output messages republished",
		}),
		messagesErr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_err_total",
			Help:      "Error messages republished",
		}),
		reserveTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reserve_timeouts_total",
			Help:      "Reservation attempts that found no free shard in time",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from publish until the shard reported ready again",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.025, 0.05,
				0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
			},
		}),
		batchP50: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_duration_p50_seconds",
			Help:      "Batch duration 50th percentile",
		}),
		batchP95: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_duration_p95_seconds",
			Help:      "Batch duration 95th percentile",
		}),
		batchP99: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_duration_p99_seconds",
			Help:      "Batch duration 99th percentile",
		}),
		messageRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages_in_per_second",
			Help:      "Input message rate over a trailing window",
		}, []string{"window"}),

		startTime:     time.Now(),
		poolSizeValue: cfg.PoolSize,
		exitCodes:     make(map[int]int64),
		latency:       tdigest.NewWithCompression(100),
		inputRate:     timeseries.NewRateTracker(),
		shardIDs:      make(map[string]struct{}),
	}

	registry.MustRegister(
		c.info, c.poolSize, c.poolFree, c.priorities,
		c.starts, c.readies, c.restarts, c.exits, c.ready, c.uptime,
		c.residentMemory, c.virtualMemory, c.openFDs, c.threads, c.cpuPercent, c.errorDropRatio,
		c.batches, c.messagesIn, c.messagesOut, c.messagesErr, c.reserveTimeouts,
		c.batchDuration, c.batchP50, c.batchP95, c.batchP99, c.messageRate,
	)

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.Command).Set(1)
	c.poolSize.Set(float64(cfg.PoolSize))
	return c
}

// =============================================================================
// Pool Events
// =============================================================================

// PriorityUpdated records a free shard's new priority.
func (c *Collector) PriorityUpdated(shardID string, priority int64) {
	c.track(shardID)
	c.priorities.WithLabelValues(shardID).Set(float64(priority))
}

// SetFree updates the free shard gauge.
func (c *Collector) SetFree(n int) {
	c.poolFree.Set(float64(n))
}

// =============================================================================
// Shard Lifecycle Events
// =============================================================================

// ProcessCallbacks returns worker callbacks feeding this collector.
func (c *Collector) ProcessCallbacks() process.Callbacks {
	return process.Callbacks{
		OnStart: func(id string, _ int) { c.ShardStarted(id) },
		OnReady: func(id string, _ int) { c.ShardReady(id) },
		OnExit: func(id string, _ int, code int, uptime time.Duration, _ bool) {
			c.RecordExit(id, code, uptime)
		},
	}
}

// ShardStarted records a process spawn.
func (c *Collector) ShardStarted(shardID string) {
	c.track(shardID)
	c.starts.Inc()
	c.ready.WithLabelValues(shardID).Set(0)

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// ShardReady records that a process reported ready.
func (c *Collector) ShardReady(shardID string) {
	c.readies.Inc()
	c.ready.WithLabelValues(shardID).Set(1)
}

// ShardRestarted records a scheduled restart.
func (c *Collector) ShardRestarted(string) {
	c.restarts.Inc()

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

// RecordExit records a process exit.
func (c *Collector) RecordExit(shardID string, exitCode int, uptime time.Duration) {
	c.exits.WithLabelValues(ExitCategory(exitCode)).Inc()
	c.uptime.Observe(uptime.Seconds())
	c.ready.WithLabelValues(shardID).Set(0)

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.mu.Unlock()
}

// ExitCategory buckets an exit code: 0 is success, above 128 is a signal.
func ExitCategory(exitCode int) string {
	switch {
	case exitCode == 0:
		return "success"
	case exitCode > 128:
		return "signal"
	default:
		return "error"
	}
}

// =============================================================================
// Shard Resources
// =============================================================================

// ShardSample is one monitoring sample of a shard.
type ShardSample struct {
	ShardID        string
	Ready          bool
	ResidentMemory uint64
	VirtualMemory  uint64
	OpenFDs        int
	Threads        int
	CPUPercent     float64
	ErrorDropRate  float64
}

// RecordShardSample updates the per-shard resource gauges.
func (c *Collector) RecordShardSample(s ShardSample) {
	c.track(s.ShardID)
	ready := 0.0
	if s.Ready {
		ready = 1
	}
	c.ready.WithLabelValues(s.ShardID).Set(ready)
	c.residentMemory.WithLabelValues(s.ShardID).Set(float64(s.ResidentMemory))
	c.virtualMemory.WithLabelValues(s.ShardID).Set(float64(s.VirtualMemory))
	c.openFDs.WithLabelValues(s.ShardID).Set(float64(s.OpenFDs))
	c.threads.WithLabelValues(s.ShardID).Set(float64(s.Threads))
	c.cpuPercent.WithLabelValues(s.ShardID).Set(s.CPUPercent)
	c.errorDropRatio.WithLabelValues(s.ShardID).Set(s.ErrorDropRate)
}

// RemoveShard deletes every per-shard series for shardID.
func (c *Collector) RemoveShard(shardID string) {
	c.mu.Lock()
	delete(c.shardIDs, shardID)
	c.mu.Unlock()

	for _, v := range []*prometheus.GaugeVec{
		c.priorities, c.ready, c.residentMemory, c.virtualMemory, c.openFDs, c.threads, c.cpuPercent,
		c.errorDropRatio,
	} {
		v.DeleteLabelValues(shardID)
	}
}

// Reset removes the per-shard series of every shard seen so far.
func (c *Collector) Reset() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.shardIDs))
	for id := range c.shardIDs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.RemoveShard(id)
	}
	c.poolFree.Set(0)
}

func (c *Collector) track(shardID string) {
	c.mu.Lock()
	c.shardIDs[shardID] = struct{}{}
	c.mu.Unlock()
}

// =============================================================================
// Pipeline Events
// =============================================================================

// BatchUpdate describes one processed batch.
type BatchUpdate struct {
	ShardID  string
	Inputs   int
	Outputs  int
	Errors   int
	Duration time.Duration
	Failed   bool
}

// RecordBatch records a processed batch.
func (c *Collector) RecordBatch(b BatchUpdate) {
	result := "ok"
	if b.Failed {
		result = "failed"
	}
	c.batches.WithLabelValues(result).Inc()
	c.messagesIn.Add(float64(b.Inputs))
	c.inputRate.Add(int64(b.Inputs))
	c.messagesOut.Add(float64(b.Outputs))
	c.messagesErr.Add(float64(b.Errors))
	c.batchDuration.Observe(b.Duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalBatches++
	if b.Failed {
		c.failedBatches++
	}
	c.totalIn += int64(b.Inputs)
	c.totalOut += int64(b.Outputs)
	c.totalErr += int64(b.Errors)
	c.latency.Add(b.Duration.Seconds(), 1)
	c.batchP50.Set(c.latency.Quantile(0.50))
	c.batchP95.Set(c.latency.Quantile(0.95))
	c.batchP99.Set(c.latency.Quantile(0.99))
}

// SampleRates records a rate sample and refreshes the rate gauges.
// The monitor calls it once per tick.
func (c *Collector) SampleRates() timeseries.RateStats {
	c.inputRate.RecordSample()
	stats := c.inputRate.Stats()
	for window, rate := range stats.Windows() {
		c.messageRate.WithLabelValues(window).Set(rate)
	}
	return stats
}

// ReserveTimeout records a reservation that found no free shard.
func (c *Collector) ReserveTimeout() {
	c.reserveTimeouts.Inc()

	c.mu.Lock()
	c.totalTimeouts++
	c.mu.Unlock()
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds the data for the exit summary.
type Summary struct {
	Duration        time.Duration
	PoolSize        int
	TotalStarts     int64
	TotalRestarts   int64
	ExitCodes       map[int]int64
	Batches         int64
	FailedBatches   int64
	MessagesIn      int64
	MessagesOut     int64
	MessagesErr     int64
	ReserveTimeouts int64
	BatchP50        time.Duration
	BatchP95        time.Duration
	BatchP99        time.Duration
	InputRate       timeseries.RateStats
}

// GenerateSummary creates a summary of the run.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:        time.Since(c.startTime),
		PoolSize:        c.poolSizeValue,
		TotalStarts:     c.totalStarts,
		TotalRestarts:   c.totalRestarts,
		ExitCodes:       make(map[int]int64, len(c.exitCodes)),
		Batches:         c.totalBatches,
		FailedBatches:   c.failedBatches,
		MessagesIn:      c.totalIn,
		MessagesOut:     c.totalOut,
		MessagesErr:     c.totalErr,
		ReserveTimeouts: c.totalTimeouts,
		InputRate:       c.inputRate.Stats(),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}
	if c.totalBatches > 0 {
		s.BatchP50 = seconds(c.latency.Quantile(0.50))
		s.BatchP95 = seconds(c.latency.Quantile(0.95))
		s.BatchP99 = seconds(c.latency.Quantile(0.99))
	}
	return s
}

// TotalStarts returns the number of process spawns.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}

// TotalBatches returns the number of processed batches.
func (c *Collector) TotalBatches() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBatches
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
