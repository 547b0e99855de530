package lifecycle

import (
	"context"

	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// Restarter restarts something on demand.
type Restarter interface {
	Restart(ctx context.Context) error
}

// ReadinessChecker reports whether something can accept work.
type ReadinessChecker interface {
	IsReady(ctx context.Context) (bool, error)
}

// WhenReady polls r until it reports ready, fails, or ctx ends.
func WhenReady(ctx context.Context, r ReadinessChecker, delay supervisor.DelayFunc) error {
	return supervisor.RepeatWhile(ctx, func(ctx context.Context) (bool, error) {
		ok, err := r.IsReady(ctx)
		return !ok, err
	}, delay)
}

// AutoRestart is a job that restarts a shard once per run. Run it under a
// supervisor with a constant policy to recycle a shard periodically.
type AutoRestart struct {
	Target Restarter
	Ready  ReadinessChecker

	// SkipFirst makes the first run a no-op, so the first restart happens
	// one interval after startup.
	SkipFirst bool

	// ForceOnBusy restarts without waiting for the shard to finish its
	// current batch.
	ForceOnBusy bool

	skipped bool
}

// Run implements supervisor.Job.
func (a *AutoRestart) Run(ctx context.Context) error {
	if a.SkipFirst && !a.skipped {
		a.skipped = true
		return nil
	}
	if !a.ForceOnBusy && a.Ready != nil {
		if err := WhenReady(ctx, a.Ready, nil); err != nil {
			return err
		}
	}
	return a.Target.Restart(ctx)
}
