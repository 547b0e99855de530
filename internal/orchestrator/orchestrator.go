// Package orchestrator wires the shard pool, the message pipeline and the
// observability surfaces into one run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/config"
	"github.com/randomizedcoder/go-process-shards/internal/metrics"
	"github.com/randomizedcoder/go-process-shards/internal/pipeline"
	"github.com/randomizedcoder/go-process-shards/internal/pool"
	"github.com/randomizedcoder/go-process-shards/internal/preflight"
	"github.com/randomizedcoder/go-process-shards/internal/process"
	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
	"github.com/randomizedcoder/go-process-shards/internal/tui"
)

// Orchestrator coordinates all components for one pool run.
type Orchestrator struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	runner        *process.ExecRunner
	watcher       *process.Watcher
	pool          *pool.Pool
	registry      *prometheus.Registry
	metrics       *metrics.Collector
	metricsServer *metrics.Server
	monitor       *metrics.Monitor

	broker     broker.Broker
	ownsBroker bool
	input      io.Reader
	echo       io.Writer
	out        io.Writer
	handleSigs bool
	startTime  time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithBroker uses b instead of opening the configured broker. The caller
// keeps ownership of b.
func WithBroker(b broker.Broker) Option {
	return func(o *Orchestrator) { o.broker = b }
}

// WithInput publishes every line read from r to the input topic.
func WithInput(r io.Reader) Option {
	return func(o *Orchestrator) { o.input = r }
}

// WithEcho writes the payload of every output and error message to w.
func WithEcho(w io.Writer) Option {
	return func(o *Orchestrator) { o.echo = w }
}

// WithOutput sets where preflight results and the exit summary are
// printed (default stdout).
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// WithVersion sets the version reported by the info metric.
func WithVersion(v string) Option {
	return func(o *Orchestrator) { o.version = v }
}

// WithoutSignals disables SIGINT/SIGTERM handling.
func WithoutSignals() Option {
	return func(o *Orchestrator) { o.handleSigs = false }
}

// New creates a new Orchestrator with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:     cfg,
		logger:     logger,
		out:        os.Stdout,
		handleSigs: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.runner = NewRunner(cfg)
	o.watcher = process.NewWatcher(logger)

	o.registry = prometheus.NewRegistry()
	o.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		PoolSize: cfg.Shards,
		Command:  o.runner.CommandString(),
		Version:  o.version,
	}, o.registry)

	poolCfg := pool.DefaultConfig(cfg.Shards, pool.ProcessShardFactory(o.shardConfig()))
	poolCfg.PriorityCheckInterval = cfg.PriorityInterval
	poolCfg.PriorityCheckTimeout = cfg.PriorityTimeout
	poolCfg.Logger = logger
	poolCfg.OnPriorityUpdated = o.metrics.PriorityUpdated
	o.pool = pool.New(poolCfg)

	o.monitor = metrics.NewMonitor(o.pool, o.metrics, cfg.MonitorInterval, logger)
	if cfg.MetricsAddr != "" {
		o.metricsServer = metrics.NewServer(cfg.MetricsAddr, o.registry, o.pool, logger)
	}
	return o
}

// NewRunner builds the worker runner described by cfg.
func NewRunner(cfg *config.Config) *process.ExecRunner {
	return process.NewExecRunner(process.ExecConfig{
		BinaryPath: cfg.Command,
		Args:       cfg.Args,
		Env:        cfg.Env,
		Dir:        cfg.Dir,
	})
}

// shardConfig maps the run configuration onto every shard.
func (o *Orchestrator) shardConfig() pool.ShardConfig {
	cfg := o.config
	sc := pool.DefaultShardConfig()

	sc.Process.Runner = o.runner
	sc.Process.Handlers = process.LineHandlerFactory{QuietPeriod: cfg.QuietPeriod}
	sc.Process.Watcher = o.watcher
	sc.Process.Logger = o.logger
	sc.Process.Callbacks = o.metrics.ProcessCallbacks()
	sc.Process.OutputCapacity = cfg.OutputQueueSize
	sc.Process.ErrorCapacity = cfg.ErrorQueueSize
	sc.Process.StatusCheckInterval = cfg.StatusCheckInterval
	sc.Process.GracefulStopTimeout = cfg.GracefulStopTimeout
	sc.Process.DrainTimeout = cfg.DrainTimeout
	sc.Process.EnrichHeaders = cfg.EnrichHeaders
	sc.Process.VerboseStderr = cfg.Verbose

	sc.RestartPolicy = cfg.RestartPolicyFor()
	sc.RestartJitter = supervisor.NewJitterSourceFromTime()
	sc.RestartJitterPct = cfg.RestartJitter
	sc.AutoRestartInterval = cfg.AutoRestart
	sc.AutoRestartSkipFirst = true
	sc.AutoRestartForceOnBusy = cfg.AutoRestartForce
	sc.Callbacks = supervisor.Callbacks{OnRestart: o.onRestart}
	sc.Logger = o.logger
	return sc
}

// Run executes the pool. It blocks until the duration elapses, a signal
// arrives, the TUI quits or ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	// Run preflight checks
	if !o.config.SkipPreflight {
		result := preflight.RunAll(o.config.Shards, o.config.Command, o.config.Dir)
		preflight.WriteResults(o.out, result)
		if !result.Passed {
			return fmt.Errorf("preflight checks failed (use --skip-preflight to override)")
		}
	}

	if o.broker == nil {
		b, err := OpenBroker(ctx, o.config, o.logger)
		if err != nil {
			return fmt.Errorf("open %s broker: %w", o.config.Broker, err)
		}
		o.broker = b
		o.ownsBroker = true
	}

	// Start metrics server
	if o.metricsServer != nil {
		if err := o.metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	// The watcher stops after the pool, so it only kills process groups
	// that outlived their shard.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		_ = o.watcher.Run(watchCtx)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.pool.Run(gctx) })
	g.Go(func() error { return o.monitor.Run(gctx) })
	g.Go(func() error { return o.runPipeline(gctx) })
	if o.input != nil {
		g.Go(func() error { return o.feed(gctx, o.input) })
	}
	if o.echo != nil {
		g.Go(func() error { return o.echoTopics(gctx) })
	}

	var program *tea.Program
	if o.config.TUIEnabled {
		program = tea.NewProgram(o.newTUI(), tea.WithAltScreen())
		g.Go(func() error {
			_, err := program.Run()
			o.logger.Info("tui_exited")
			cancel()
			return err
		})
	}

	o.logger.Info("pool_starting",
		"shards", o.config.Shards,
		"command", o.runner.CommandString(),
		"broker", o.config.Broker,
		"input_topic", o.config.InputTopic,
	)

	o.waitForStop(gctx)
	cancel()
	tui.SendQuit(program)

	err := g.Wait()
	if n := o.watcher.Tracked(); n > 0 {
		o.logger.Warn("orphaned_workers", "count", n)
	}
	stopWatch()
	<-watchDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if o.metricsServer != nil {
		if err := o.metricsServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("metrics_server_shutdown_error", "error", err)
		}
	}
	if o.ownsBroker {
		if err := o.broker.Close(); err != nil {
			o.logger.Warn("broker_close_error", "error", err)
		}
	}

	o.logger.Info("pool_run_finished", "uptime", time.Since(o.startTime).String())
	o.printExitSummary()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// waitForStop blocks until a stop condition occurs.
func (o *Orchestrator) waitForStop(ctx context.Context) {
	var sigCh chan os.Signal
	if o.handleSigs {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)
	}

	// Setup duration timer if configured
	var durationTimer <-chan time.Time
	if o.config.Duration > 0 {
		timer := time.NewTimer(o.config.Duration)
		defer timer.Stop()
		durationTimer = timer.C
	}

	select {
	case sig := <-sigCh:
		o.logger.Info("received_signal", "signal", sig.String())
	case <-durationTimer:
		o.logger.Info("duration_elapsed", "duration", o.config.Duration.String())
	case <-ctx.Done():
		o.logger.Info("context_cancelled")
	}
}

// runPipeline waits for the pool and then keeps the batch processor
// running, restarting it after broker failures.
func (o *Orchestrator) runPipeline(ctx context.Context) error {
	select {
	case <-o.pool.Started():
	case <-ctx.Done():
		return ctx.Err()
	}

	cfg := o.config
	proc := pipeline.New(o.broker, o.pool, pipeline.Config{
		Consumer: broker.ConsumerConfig{
			Topic:        cfg.InputTopic,
			Group:        cfg.Group,
			BatchSize:    cfg.BatchSize,
			BatchTimeout: cfg.BatchTimeout,
		},
		OutputTopic:      cfg.OutputTopic,
		ErrorTopic:       cfg.ErrorTopic,
		ReserveTimeout:   cfg.ReserveTimeout,
		Logger:           o.logger,
		OnBatch:          o.onBatch,
		OnReserveTimeout: o.metrics.ReserveTimeout,
	})

	sup := supervisor.New(supervisor.Config{
		Name:   "pipeline",
		Job:    proc,
		Policy: supervisor.Policy{OnSuccess: supervisor.Constant(0), OnError: cfg.RestartDelay()},
		Logger: o.logger,
	})
	return sup.Run(ctx)
}

func (o *Orchestrator) newTUI() tui.Model {
	return tui.New(tui.Config{
		PoolSize:      o.config.Shards,
		Command:       o.runner.CommandString(),
		MetricsAddr:   o.config.MetricsAddr,
		PoolSource:    o.pool,
		SummarySource: o.metrics,
	})
}

// Callback handlers

func (o *Orchestrator) onRestart(shardID string, successes, failures int, delay time.Duration) {
	o.metrics.ShardRestarted(shardID)

	if o.config.Verbose {
		o.logger.Debug("shard_restart_scheduled",
			"shard_id", shardID,
			"successes", successes,
			"failures", failures,
			"delay", delay.String(),
		)
	}
}

func (o *Orchestrator) onBatch(r pipeline.BatchResult) {
	o.metrics.RecordBatch(metrics.BatchUpdate{
		ShardID:  r.ShardID,
		Inputs:   r.Inputs,
		Outputs:  r.Outputs,
		Errors:   r.Errors,
		Duration: r.Duration,
		Failed:   r.Err != nil,
	})
}

// printExitSummary prints a summary of the run.
func (o *Orchestrator) printExitSummary() {
	summary := o.metrics.GenerateSummary()
	w := o.out

	fmt.Fprintln(w)
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                     go-process-shards Exit Summary")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
	fmt.Fprintf(w, "Run Duration:           %s\n", formatDuration(summary.Duration))
	fmt.Fprintf(w, "Pool Size:              %d\n", summary.PoolSize)
	fmt.Fprintf(w, "Worker:                 %s\n", o.runner.CommandString())
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Pipeline:")
	fmt.Fprintf(w, "  Batches:              %d (%d failed)\n", summary.Batches, summary.FailedBatches)
	fmt.Fprintf(w, "  Messages In:          %d\n", summary.MessagesIn)
	fmt.Fprintf(w, "  Messages Out:         %d\n", summary.MessagesOut)
	fmt.Fprintf(w, "  Messages Err:         %d\n", summary.MessagesErr)
	fmt.Fprintf(w, "  Reserve Timeouts:     %d\n", summary.ReserveTimeouts)
	fmt.Fprintln(w)

	if summary.Batches > 0 {
		fmt.Fprintln(w, "Batch Latency:")
		fmt.Fprintf(w, "  P50 (median):         %s\n", summary.BatchP50)
		fmt.Fprintf(w, "  P95:                  %s\n", summary.BatchP95)
		fmt.Fprintf(w, "  P99:                  %s\n", summary.BatchP99)
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "Lifecycle:")
	fmt.Fprintf(w, "  Total Starts:         %d\n", summary.TotalStarts)
	fmt.Fprintf(w, "  Total Restarts:       %d\n", summary.TotalRestarts)
	fmt.Fprintln(w)

	if len(summary.ExitCodes) > 0 {
		codes := make([]int, 0, len(summary.ExitCodes))
		for code := range summary.ExitCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		fmt.Fprintln(w, "Exit Codes:")
		for _, code := range codes {
			fmt.Fprintf(w, "  %3d %-16s %d\n", code, exitCodeLabel(code), summary.ExitCodes[code])
		}
		fmt.Fprintln(w)
	}

	if o.config.MetricsAddr != "" {
		fmt.Fprintf(w, "Metrics endpoint was: http://%s/metrics\n", o.config.MetricsAddr)
	}
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════════")
}

// formatDuration formats a duration as HH:MM:SS.
func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// Pool returns the shard pool for external access.
func (o *Orchestrator) Pool() *pool.Pool {
	return o.pool
}

// Metrics returns the metrics collector for external access.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.metrics
}

// Registry returns the registry the collector is registered with.
func (o *Orchestrator) Registry() *prometheus.Registry {
	return o.registry
}

// Runner returns the worker runner for external access.
func (o *Orchestrator) Runner() *process.ExecRunner {
	return o.runner
}
