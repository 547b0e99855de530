package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/lifecycle"
	"github.com/randomizedcoder/go-process-shards/internal/pool"
	"github.com/randomizedcoder/go-process-shards/internal/queue"
	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// BatchHandler receives items drained from a shard queue.
type BatchHandler func(ctx context.Context, msgs []broker.Message) error

// Worker is what PublishAndHandleUntilReady needs from a shard.
type Worker interface {
	pool.InputSink
	pool.OutputSource
	IsReady(ctx context.Context) (bool, error)
}

// ClearOutputsAndErrors discards whatever a previous user of the shard
// left in its queues and returns the number of discarded items.
func ClearOutputsAndErrors(w pool.OutputSource) int {
	return w.Outputs().Clear() + w.Errors().Clear()
}

// PublishAndHandleUntilReady publishes msgs to w and feeds its outputs and
// errors to the handlers until w reports ready again. Items queued when
// readiness is observed are flushed before it returns. A nil readyDelay
// uses supervisor.DefaultPollDelay.
func PublishAndHandleUntilReady(
	ctx context.Context,
	w Worker,
	msgs []broker.Message,
	onOutput, onError BatchHandler,
	readyDelay supervisor.DelayFunc,
) error {
	ClearOutputsAndErrors(w)
	if err := w.Publish(ctx, msgs); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	drainCtx, stopDrain := context.WithCancel(gctx)
	defer stopDrain()

	g.Go(func() error { return drain(drainCtx, gctx, w.Outputs(), onOutput) })
	g.Go(func() error { return drain(drainCtx, gctx, w.Errors(), onError) })
	g.Go(func() error {
		defer stopDrain()
		return lifecycle.WhenReady(gctx, w, readyDelay)
	})
	return g.Wait()
}

// drain hands q's items to handle until drainCtx ends, then flushes what
// is left. Handlers run under handleCtx so a stopped drain does not abort
// an in-flight publish.
func drain(drainCtx, handleCtx context.Context, q *queue.Queue[broker.Message], handle BatchHandler) error {
	for {
		first, err := q.Pop(drainCtx)
		if err != nil {
			if handleCtx.Err() != nil {
				return handleCtx.Err()
			}
			return flush(handleCtx, q, handle, nil)
		}
		if err := flush(handleCtx, q, handle, []broker.Message{first}); err != nil {
			return err
		}
	}
}

// flush appends every queued item to batch and hands it to handle.
func flush(ctx context.Context, q *queue.Queue[broker.Message], handle BatchHandler, batch []broker.Message) error {
	for {
		m, ok := q.TryPop()
		if !ok {
			break
		}
		batch = append(batch, m)
	}
	if len(batch) == 0 || handle == nil {
		return nil
	}
	return handle(ctx, batch)
}
