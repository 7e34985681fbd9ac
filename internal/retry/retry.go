// Package retry runs connection attempts until they succeed, pacing them with
// a backoff policy.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy hands out a fresh BackOff for each retry loop. NextBackOff is the
// single decision point: a duration means "retry after this long",
// backoff.Stop means "give up".
type Policy func() backoff.BackOff

// Constant retries forever with a fixed delay between attempts.
func Constant(delay time.Duration) Policy {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(delay)
	}
}

// Forever calls op until it returns nil, the policy stops, or ctx ends.
// It returns the number of attempts made.
func Forever(ctx context.Context, logger *zap.SugaredLogger, policy Policy, op func(context.Context) error) (int, error) {
	b := policy()
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return attempt, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		logger.With(zap.Int("attempt", attempt), zap.Duration("retryIn", delay), zap.Error(err)).
			Warn("Connection attempt failed")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}
