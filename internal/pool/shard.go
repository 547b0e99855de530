package pool

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/lifecycle"
	"github.com/randomizedcoder/go-process-shards/internal/logging"
	"github.com/randomizedcoder/go-process-shards/internal/process"
	"github.com/randomizedcoder/go-process-shards/internal/queue"
	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// StateReader exposes what the pool needs to rank a shard.
type StateReader interface {
	ID() string
	IsReady(ctx context.Context) (bool, error)
	IsStopped() bool
	PID() int
	Diagnostics() (process.Diagnostics, bool)
}

// Lifetime controls whether a shard's process runs.
type Lifetime interface {
	Start()
	Stop() bool
	Restart(ctx context.Context) error
}

// InputSink accepts batches for the shard's process.
type InputSink interface {
	Publish(ctx context.Context, msgs []broker.Message) error
}

// OutputSource exposes what the shard's process produced.
type OutputSource interface {
	Outputs() *queue.Queue[broker.Message]
	Errors() *queue.Queue[broker.Message]
}

// Shard is one pool member.
type Shard interface {
	StateReader
	Lifetime
	InputSink
	OutputSource

	// Run blocks until ctx ends.
	Run(ctx context.Context) error
}

// Factory creates the shard with the given id.
type Factory func(id string) Shard

// ShardConfig configures process shards.
type ShardConfig struct {
	// Process is the worker template. ID is replaced per shard.
	Process process.Options

	// RestartPolicy applies when the worker crashes. Zero values default
	// to a constant one second.
	RestartPolicy supervisor.Policy

	// RestartJitter, when set, spreads each shard's crash delays by
	// ±RestartJitterPct/2 so shards that crash together restart apart.
	RestartJitter    *supervisor.JitterSource
	RestartJitterPct float64

	// AutoStart runs the worker as soon as the shard runs and again
	// whenever it exits cleanly.
	AutoStart bool

	// AutoRestartInterval, when positive, recycles the worker this often.
	AutoRestartInterval    time.Duration
	AutoRestartSkipFirst   bool
	AutoRestartForceOnBusy bool

	// Callbacks observe the restart supervisor.
	Callbacks supervisor.Callbacks

	Logger *slog.Logger
}

// DefaultShardConfig returns a config that runs workers immediately and
// restarts crashed ones after one second.
func DefaultShardConfig() ShardConfig {
	return ShardConfig{
		Process:       process.DefaultOptions(),
		RestartPolicy: supervisor.DefaultPolicy(),
		AutoStart:     true,
	}
}

// ProcessShard runs a process.Worker behind a lifecycle.Controller, and
// restarts the controller with a supervisor when the worker crashes.
type ProcessShard struct {
	id          string
	worker      *process.Worker
	controller  *lifecycle.Controller
	sup         *supervisor.Supervisor
	autoRestart *supervisor.Supervisor
}

// NewProcessShard creates a shard. It does nothing until Run.
func NewProcessShard(id string, cfg ShardConfig) *ProcessShard {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := cfg.Process
	opts.ID = id
	if opts.Logger == nil {
		opts.Logger = logger
	}
	shardLogger := logging.ForShard(logger, id, 0)

	s := &ProcessShard{id: id, worker: process.NewWorker(opts)}
	s.controller = lifecycle.New(s.worker, shardLogger, cfg.AutoStart)
	s.sup = supervisor.New(supervisor.Config{
		Name:      id,
		Job:       s.controller,
		Policy:    restartPolicy(id, cfg),
		Logger:    shardLogger,
		Callbacks: cfg.Callbacks,
	})
	if cfg.AutoRestartInterval > 0 {
		s.autoRestart = supervisor.New(supervisor.Config{
			Name: id + "/auto_restart",
			Job: &lifecycle.AutoRestart{
				Target:      s.controller,
				Ready:       s,
				SkipFirst:   cfg.AutoRestartSkipFirst,
				ForceOnBusy: cfg.AutoRestartForceOnBusy,
			},
			Policy: supervisor.ConstantPolicy(cfg.AutoRestartInterval),
			Logger: shardLogger,
		})
	}
	return s
}

// restartPolicy returns cfg.RestartPolicy with the shard's own jitter
// applied to crash delays.
func restartPolicy(id string, cfg ShardConfig) supervisor.Policy {
	policy := cfg.RestartPolicy
	if cfg.RestartJitter != nil {
		policy.OnError = cfg.RestartJitter.Jittered(id, policy.OnError, cfg.RestartJitterPct)
	}
	return policy
}

// ProcessShardFactory returns a Factory building process shards from cfg.
func ProcessShardFactory(cfg ShardConfig) Factory {
	return func(id string) Shard {
		return NewProcessShard(id, cfg)
	}
}

// Run implements Shard.
func (s *ProcessShard) Run(ctx context.Context) error {
	if s.autoRestart == nil {
		return s.sup.Run(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sup.Run(gctx) })
	g.Go(func() error { return s.autoRestart.Run(gctx) })
	return g.Wait()
}

func (s *ProcessShard) ID() string { return s.id }

func (s *ProcessShard) IsReady(ctx context.Context) (bool, error) {
	return s.worker.IsReady(ctx)
}

func (s *ProcessShard) IsStopped() bool { return s.controller.IsStopped() }

func (s *ProcessShard) PID() int { return s.worker.PID() }

func (s *ProcessShard) Diagnostics() (process.Diagnostics, bool) {
	return s.worker.Diagnostics()
}

func (s *ProcessShard) Start() { s.controller.Start() }

func (s *ProcessShard) Stop() bool { return s.controller.Stop() }

func (s *ProcessShard) Restart(ctx context.Context) error {
	return s.controller.Restart(ctx)
}

func (s *ProcessShard) Publish(ctx context.Context, msgs []broker.Message) error {
	return s.worker.Publish(ctx, msgs)
}

func (s *ProcessShard) Outputs() *queue.Queue[broker.Message] { return s.worker.Outputs() }

func (s *ProcessShard) Errors() *queue.Queue[broker.Message] { return s.worker.Errors() }

// Restarts returns how often the worker has been restarted after a crash.
func (s *ProcessShard) Restarts() int { return s.sup.Restarts() }

// WorkerState returns the phase of the current process run.
func (s *ProcessShard) WorkerState() process.State { return s.worker.State() }

// RecentStderr returns up to n recent stderr lines of the worker.
func (s *ProcessShard) RecentStderr(n int) []string { return s.worker.RecentStderr(n) }
