// Package pool keeps a fixed set of shards running and hands them out
// for exclusive use, preferring the healthiest free shard.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-process-shards/internal/priority"
	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// ErrAlreadyRunning is returned by Run when the pool is already running.
var ErrAlreadyRunning = errors.New("pool: already running")

// Priority terms summed by the recompute loop. Lower is preferred.
const (
	PriorityReady   int64 = 0
	NotReadyPenalty int64 = 1
	StoppedPenalty  int64 = 2
)

// Config configures a Pool.
type Config struct {
	// Size is the number of shards. Must be positive.
	Size int

	// PriorityCheckInterval is the pause between recompute passes.
	PriorityCheckInterval time.Duration

	// PriorityCheckTimeout bounds the health checks of one shard.
	PriorityCheckTimeout time.Duration

	Factory Factory
	Logger  *slog.Logger

	// OnPriorityUpdated is called whenever a free shard's priority changes.
	OnPriorityUpdated func(shardID string, priority int64)
}

// DefaultConfig returns the default intervals for a pool of size shards.
func DefaultConfig(size int, factory Factory) Config {
	return Config{
		Size:                  size,
		PriorityCheckInterval: time.Second,
		PriorityCheckTimeout:  5 * time.Second,
		Factory:               factory,
	}
}

// snapshotStderrLines is how many recent stderr lines a snapshot carries.
const snapshotStderrLines = 5

// StderrSource is implemented by shards that keep their worker's recent
// stderr output.
type StderrSource interface {
	RecentStderr(n int) []string
}

// ShardStatus is a point-in-time view of one shard.
type ShardStatus struct {
	ID             string   `json:"id"`
	Priority       int64    `json:"priority"`
	Free           bool     `json:"free"`
	Ready          bool     `json:"ready"`
	Stopped        bool     `json:"stopped"`
	PID            int      `json:"pid,omitempty"`
	ErrorDropRate  float64  `json:"error_drop_rate"`
	ErrorsDegraded bool     `json:"errors_degraded"`
	RecentStderr   []string `json:"recent_stderr,omitempty"`
}

// Pool is a fixed-size shard pool.
//
// free holds the unreserved shards ranked by priority. all holds every
// shard regardless of reservation.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	free *priority.Guarded[string, Shard]
	all  sync.Map // id -> Shard

	idsMu sync.RWMutex
	ids   []string

	running atomic.Bool
	started chan struct{}
}

// New creates a pool. Shards are created by Run.
func New(cfg Config) *Pool {
	def := DefaultConfig(cfg.Size, cfg.Factory)
	if cfg.PriorityCheckInterval <= 0 {
		cfg.PriorityCheckInterval = def.PriorityCheckInterval
	}
	if cfg.PriorityCheckTimeout <= 0 {
		cfg.PriorityCheckTimeout = def.PriorityCheckTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		free:    priority.NewGuarded[string, Shard](),
		started: make(chan struct{}),
	}
}

// Started is closed once every shard is registered.
func (p *Pool) Started() <-chan struct{} {
	return p.started
}

// Run creates Size shards, runs them and the priority recompute loop,
// and blocks until ctx ends. Both indexes are empty when it returns.
func (p *Pool) Run(ctx context.Context) error {
	if p.cfg.Size <= 0 {
		return errors.New("pool: size must be positive")
	}
	if p.cfg.Factory == nil {
		return errors.New("pool: factory is nil")
	}
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.clear()

	g, gctx := errgroup.WithContext(ctx)
	ids := make([]string, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		id := uuid.NewString()
		shard := p.cfg.Factory(id)
		if err := p.free.Enqueue(id, priority.Max, shard); err != nil {
			return err
		}
		p.all.Store(id, shard)
		ids = append(ids, id)
		g.Go(func() error { return shard.Run(gctx) })
	}
	sort.Strings(ids)
	p.idsMu.Lock()
	p.ids = ids
	p.idsMu.Unlock()

	recompute := supervisor.New(supervisor.Config{
		Name:   "recompute_priorities",
		Job:    supervisor.JobFunc(p.recomputePriorities),
		Policy: supervisor.ConstantPolicy(p.cfg.PriorityCheckInterval),
		Logger: p.logger,
	})
	g.Go(func() error { return recompute.Run(gctx) })

	p.logger.Info("pool_started", "size", p.cfg.Size)
	close(p.started)

	err := g.Wait()
	p.logger.Info("pool_stopped")
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}

func (p *Pool) clear() {
	p.free.Clear()
	p.idsMu.Lock()
	for _, id := range p.ids {
		p.all.Delete(id)
	}
	p.ids = nil
	p.idsMu.Unlock()
}

// TryReserve takes the shard with the given id if it is free.
func (p *Pool) TryReserve(id string) (Shard, bool) {
	shard, ok := p.free.TryRemoveByKey(id)
	if ok {
		p.logger.Debug("shard_reserved", "shard_id", id)
	}
	return shard, ok
}

// TryReserveFree takes the free shard with the lowest priority.
func (p *Pool) TryReserveFree() (Shard, bool) {
	id, shard, ok := p.free.TryDequeue()
	if ok {
		p.logger.Debug("shard_reserved", "shard_id", id)
	}
	return shard, ok
}

// ReserveFree polls TryReserveFree until a shard is free or ctx ends.
// A nil delay uses supervisor.DefaultPollDelay.
func (p *Pool) ReserveFree(ctx context.Context, delay supervisor.DelayFunc) (Shard, error) {
	var shard Shard
	err := supervisor.RepeatWhile(ctx, func(context.Context) (bool, error) {
		var ok bool
		shard, ok = p.TryReserveFree()
		return !ok, nil
	}, delay)
	if err != nil {
		return nil, err
	}
	return shard, nil
}

// Return puts a reserved shard back at the lowest preference until the
// next recompute pass ranks it.
func (p *Pool) Return(shard Shard) {
	id := shard.ID()
	if !p.Exists(id) {
		p.logger.Warn("unknown_shard_returned", "shard_id", id)
		return
	}
	if err := p.free.Enqueue(id, priority.Max, shard); err != nil {
		p.logger.Warn("shard_already_free", "shard_id", id)
		return
	}
	p.logger.Debug("shard_returned", "shard_id", id)
}

// GetAllShards returns every shard ordered by id, reserved or not.
func (p *Pool) GetAllShards() []Shard {
	p.idsMu.RLock()
	defer p.idsMu.RUnlock()
	shards := make([]Shard, 0, len(p.ids))
	for _, id := range p.ids {
		if s, ok := p.all.Load(id); ok {
			shards = append(shards, s.(Shard))
		}
	}
	return shards
}

// GetShard returns the shard with the given id.
func (p *Pool) GetShard(id string) (Shard, bool) {
	s, ok := p.all.Load(id)
	if !ok {
		return nil, false
	}
	return s.(Shard), true
}

// Exists reports whether a shard with the given id belongs to the pool.
func (p *Pool) Exists(id string) bool {
	_, ok := p.all.Load(id)
	return ok
}

// Size returns the configured number of shards.
func (p *Pool) Size() int {
	return p.cfg.Size
}

// FreeCount returns the number of unreserved shards.
func (p *Pool) FreeCount() int {
	return p.free.Len()
}

// Snapshot reports the state of every shard. Shards whose readiness check
// fails are reported not ready.
func (p *Pool) Snapshot(ctx context.Context) []ShardStatus {
	shards := p.GetAllShards()
	out := make([]ShardStatus, 0, len(shards))
	for _, s := range shards {
		st := ShardStatus{ID: s.ID(), Priority: priority.Max, Stopped: s.IsStopped(), PID: s.PID()}
		if pr, ok := p.free.Priority(st.ID); ok {
			st.Free, st.Priority = true, pr
		}
		st.Ready, _ = s.IsReady(ctx)
		if q := s.Errors(); q != nil {
			st.ErrorDropRate, st.ErrorsDegraded = q.DropRate(), q.IsDegraded()
		}
		if src, ok := s.(StderrSource); ok {
			st.RecentStderr = src.RecentStderr(snapshotStderrLines)
		}
		out = append(out, st)
	}
	return out
}
