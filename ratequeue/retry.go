/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-ratequeue/log"
)

// RetryPolicy creates a fresh backoff for every processed payload.
type RetryPolicy interface {
	NewBackOff() backoff.BackOff
}

// RetryPolicyFunc is an adapter to allow the use of ordinary functions as RetryPolicy.
type RetryPolicyFunc func() backoff.BackOff

// NewBackOff implements RetryPolicy.
func (f RetryPolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// NewExponentialRetryPolicy retries up to maxRetries times (unlimited if 0) with delays growing from initialInterval.
func NewExponentialRetryPolicy(initialInterval time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicyFunc(func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initialInterval
		return withMaxRetries(eb, maxRetries)
	})
}

// NewConstantRetryPolicy retries up to maxRetries times (unlimited if 0) waiting interval between attempts.
func NewConstantRetryPolicy(interval time.Duration, maxRetries int) RetryPolicy {
	return RetryPolicyFunc(func() backoff.BackOff {
		return withMaxRetries(backoff.NewConstantBackOff(interval), maxRetries)
	})
}

func withMaxRetries(b backoff.BackOff, maxRetries int) backoff.BackOff {
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxRetries))
	}
	b.Reset()
	return b
}

// WithRetry wraps p so a failed Process call is repeated according to policy before it becomes a processing fault.
// isRetryable decides which errors are worth another attempt (nil means all of them).
//
// Retries happen inside the tick, so the controller drains nothing else while they are in progress.
func WithRetry(p Processor, policy RetryPolicy, isRetryable func(error) bool, logger log.FieldLogger) Processor {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return ProcessorFunc(func(ctx context.Context, payload interface{}) (Result, error) {
		var res Result
		op := func() error {
			var err error
			res, err = p.Process(ctx, payload)
			if err != nil && isRetryable != nil && !isRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		notify := func(err error, delay time.Duration) {
			logger.Warn("processing failed, retrying", log.Error(err), log.Duration("delay", delay))
		}
		if err := backoff.RetryNotify(op, backoff.WithContext(policy.NewBackOff(), ctx), notify); err != nil {
			return Result{}, err
		}
		return res, nil
	})
}
