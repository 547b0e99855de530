package pool

import (
	"context"
	"fmt"

	"github.com/randomizedcoder/go-process-shards/internal/priority"
)

// shardPriority ranks a shard: ready and running is best, stopped is worst.
func shardPriority(ctx context.Context, s Shard) (int64, error) {
	ready, err := s.IsReady(ctx)
	if err != nil {
		return 0, fmt.Errorf("readiness: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := PriorityReady
	if !ready {
		p += NotReadyPenalty
	}
	if s.IsStopped() {
		p += StoppedPenalty
	}
	return p, nil
}

// recomputePriorities ranks every free shard once. A shard whose checks
// fail is ranked priority.Max until a later pass succeeds.
func (p *Pool) recomputePriorities(ctx context.Context) error {
	for _, s := range p.GetAllShards() {
		checkCtx, cancel := context.WithTimeout(ctx, p.cfg.PriorityCheckTimeout)
		pr, err := shardPriority(checkCtx, s)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("shard_priority_check_failed", "shard_id", s.ID(), "error", err)
			pr = priority.Max
		}
		if p.free.TryUpdatePriority(s.ID(), pr) {
			p.logger.Info("shard_priority_updated", "shard_id", s.ID(), "priority", pr)
			if p.cfg.OnPriorityUpdated != nil {
				p.cfg.OnPriorityUpdated(s.ID(), pr)
			}
		}
	}
	return nil
}
