// Package pipeline moves batches from a broker consumer through the shard
// pool and republishes what the shards produce.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-process-shards/internal/broker"
	"github.com/randomizedcoder/go-process-shards/internal/pool"
	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// ErrReserveTimeout means no shard became free within ReserveTimeout.
var ErrReserveTimeout = errors.New("pipeline: no free shard")

// Reserver hands out shards for exclusive use. *pool.Pool implements it.
type Reserver interface {
	ReserveFree(ctx context.Context, delay supervisor.DelayFunc) (pool.Shard, error)
	Return(shard pool.Shard)
}

// BatchResult describes one processed batch.
type BatchResult struct {
	ShardID  string
	Inputs   int
	Outputs  int
	Errors   int
	Duration time.Duration
	Err      error
}

// Config configures a Processor.
type Config struct {
	Consumer    broker.ConsumerConfig
	OutputTopic string
	ErrorTopic  string

	// ReserveTimeout bounds one attempt to reserve a shard (default 1s).
	ReserveTimeout time.Duration

	// ReserveWaitInterval is the pause between reservation polls (default 1ms).
	ReserveWaitInterval time.Duration

	Logger *slog.Logger

	// OnBatch is called after every batch attempt that reached a shard.
	OnBatch func(BatchResult)

	// OnReserveTimeout is called whenever a reservation attempt times out.
	OnReserveTimeout func()
}

// Processor runs the consume, process, republish, commit loop.
type Processor struct {
	broker broker.Broker
	shards Reserver
	cfg    Config
	logger *slog.Logger
}

// New creates a processor.
func New(b broker.Broker, shards Reserver, cfg Config) *Processor {
	if cfg.ReserveTimeout <= 0 {
		cfg.ReserveTimeout = time.Second
	}
	if cfg.ReserveWaitInterval <= 0 {
		cfg.ReserveWaitInterval = time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{broker: b, shards: shards, cfg: cfg, logger: logger}
}

// Run processes batches until ctx ends or a broker operation fails. A
// batch is committed only after all of its outputs and errors have been
// republished, so a failure redelivers it to the next Run.
func (p *Processor) Run(ctx context.Context) error {
	consumer, err := p.broker.Consumer(ctx, p.cfg.Consumer)
	if err != nil {
		return fmt.Errorf("open consumer: %w", err)
	}
	defer consumer.Close()

	outputs, err := p.broker.Producer(ctx, p.cfg.OutputTopic)
	if err != nil {
		return fmt.Errorf("open output producer: %w", err)
	}
	defer outputs.Close()

	errs, err := p.broker.Producer(ctx, p.cfg.ErrorTopic)
	if err != nil {
		return fmt.Errorf("open error producer: %w", err)
	}
	defer errs.Close()

	p.logger.Info("pipeline_started",
		"topic", p.cfg.Consumer.Topic,
		"group", p.cfg.Consumer.Group,
		"output_topic", p.cfg.OutputTopic,
		"error_topic", p.cfg.ErrorTopic,
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if len(batch) == 0 {
			continue
		}

		if err := p.processUntilDone(ctx, batch, outputs, errs); err != nil {
			return err
		}
		if err := consumer.Commit(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
}

// processUntilDone retries a batch whose reservation timed out; the batch
// stays uncommitted meanwhile.
func (p *Processor) processUntilDone(ctx context.Context, batch []broker.Message, outputs, errs broker.Producer) error {
	for {
		err := p.Process(ctx, batch, outputs, errs)
		if !errors.Is(err, ErrReserveTimeout) {
			return err
		}
		p.logger.Warn("reserve_timeout", "timeout", p.cfg.ReserveTimeout.String(), "batch_size", len(batch))
		if p.cfg.OnReserveTimeout != nil {
			p.cfg.OnReserveTimeout()
		}
	}
}

// Process runs one batch on a free shard and republishes its outputs and
// errors with fresh keys and timestamps.
func (p *Processor) Process(ctx context.Context, batch []broker.Message, outputs, errs broker.Producer) error {
	reserveCtx, cancel := context.WithTimeout(ctx, p.cfg.ReserveTimeout)
	shard, err := p.shards.ReserveFree(reserveCtx, supervisor.Constant(p.cfg.ReserveWaitInterval))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w within %s", ErrReserveTimeout, p.cfg.ReserveTimeout)
	}
	defer p.shards.Return(shard)

	res := BatchResult{ShardID: shard.ID(), Inputs: len(batch)}
	start := time.Now()
	res.Err = PublishAndHandleUntilReady(ctx, shard, batch,
		republish(outputs, &res.Outputs),
		republish(errs, &res.Errors),
		nil,
	)
	res.Duration = time.Since(start)

	if p.cfg.OnBatch != nil {
		p.cfg.OnBatch(res)
	}
	if res.Err != nil {
		return fmt.Errorf("shard %s: %w", res.ShardID, res.Err)
	}
	p.logger.Debug("batch_processed",
		"shard_id", res.ShardID,
		"inputs", res.Inputs,
		"outputs", res.Outputs,
		"errors", res.Errors,
		"duration", res.Duration.String(),
	)
	return nil
}

// republish returns a handler that publishes items to prod under new
// keys and timestamps and adds their number to count.
func republish(prod broker.Producer, count *int) BatchHandler {
	return func(ctx context.Context, msgs []broker.Message) error {
		now := time.Now().UTC()
		out := make([]broker.Message, len(msgs))
		for i, m := range msgs {
			m.Key = uuid.NewString()
			m.Timestamp = now
			out[i] = m
		}
		if err := prod.Publish(ctx, out); err != nil {
			return err
		}
		*count += len(out)
		return nil
	}
}
