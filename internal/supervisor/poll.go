package supervisor

import (
	"context"
	"time"
)

// RepeatWhile calls predicate until it reports false, fails, or ctx ends.
// Between calls it sleeps delay(i) for the i-th retry. A nil delay uses
// DefaultPollDelay.
func RepeatWhile(ctx context.Context, predicate func(ctx context.Context) (bool, error), delay DelayFunc) error {
	if delay == nil {
		delay = DefaultPollDelay
	}
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		again, err := predicate(ctx)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}

		if err := Sleep(ctx, delay(i)); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
