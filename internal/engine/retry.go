package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/stepflow/internal/workflow"
)

// RetryPolicy controls retries of transient step failures.
//
// Only errors marked Transient (network failures, 429, 5xx from an
// external call) are retried. Everything else fails the step on the first
// attempt.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retries.
	MaxRetries uint64

	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy retries twice, starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
	}
}

// NoRetry disables retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// withRetry runs op, retrying transient workflow errors under the policy.
// notify is called before each retry.
func withRetry[T any](ctx context.Context, p RetryPolicy, op func() (T, error), notify func(err error, wait time.Duration)) (T, error) {
	var result T
	err := backoff.RetryNotify(func() error {
		r, err := op()
		if err != nil {
			if workflow.IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}, p.backOff(ctx), notify)
	return result, err
}
