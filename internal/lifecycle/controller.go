// Package lifecycle lets a long-running job be started, stopped and
// restarted on demand while its outer loop keeps running.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/randomizedcoder/go-process-shards/internal/supervisor"
)

// Controller gates an inner job behind start and stop signals.
//
// startCh holds at most one pending start. stopCh holds the cancel
// function of the running inner job; an empty stopCh means stopped.
type Controller struct {
	job       supervisor.Job
	logger    *slog.Logger
	autoStart bool

	startCh chan struct{}
	stopCh  chan context.CancelFunc
}

// New creates a controller for job. With autoStart the job is started on
// the first Run and again whenever it completes on its own.
func New(job supervisor.Job, logger *slog.Logger, autoStart bool) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		job:       job,
		logger:    logger,
		autoStart: autoStart,
		startCh:   make(chan struct{}, 1),
		stopCh:    make(chan context.CancelFunc, 1),
	}
	c.reset()
	return c
}

// IsStopped reports whether no run is in progress or pending cancellation.
func (c *Controller) IsStopped() bool {
	return len(c.stopCh) == 0
}

// Start requests a run. It does nothing if the job is already running.
func (c *Controller) Start() {
	if !c.IsStopped() {
		return
	}
	c.signalStart()
}

// Stop cancels the running job and drops any pending start. It reports
// whether a running job was cancelled.
func (c *Controller) Stop() bool {
	select {
	case <-c.startCh:
	default:
	}
	select {
	case cancel := <-c.stopCh:
		cancel()
		return true
	default:
		return false
	}
}

// Restart stops the job, waits until it reports stopped and starts it again.
func (c *Controller) Restart(ctx context.Context) error {
	c.Stop()
	err := supervisor.RepeatWhile(ctx, func(context.Context) (bool, error) {
		return !c.IsStopped(), nil
	}, nil)
	if err != nil {
		return err
	}
	c.Start()
	c.logger.Info("shard_restarted")
	return nil
}

// Run serves start requests until ctx ends. A job that fails while nobody
// asked it to stop ends Run with that error, so an outer supervisor can
// apply its restart policy.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-c.startCh:
		case <-ctx.Done():
			return ctx.Err()
		}

		runCtx, cancel := context.WithCancel(ctx)
		select {
		case c.stopCh <- cancel:
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}

		c.logger.Info("shard_starting")
		err := c.job.Run(runCtx)
		cancelled := runCtx.Err() != nil
		cancel()
		c.clearStop()

		switch {
		case !cancelled && err == nil:
			c.reset()
		case !cancelled:
			c.reset()
			return err
		case err == nil || errors.Is(err, context.Canceled):
			c.logger.Info("shard_stopped")
		default:
			c.logger.Warn("shard_stopped_with_error", "error", err)
		}
	}
}

// reset marks the job stopped and, with autoStart, queues the next start.
func (c *Controller) reset() {
	if c.autoStart {
		c.signalStart()
	}
	c.clearStop()
}

// clearStop drops the cancel func of a run that has already returned.
func (c *Controller) clearStop() {
	select {
	case <-c.stopCh:
	default:
	}
}

func (c *Controller) signalStart() {
	select {
	case c.startCh <- struct{}{}:
	default:
	}
}
