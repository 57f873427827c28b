package errs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for infrastructure errors: 100ms base, factor 2, 30s cap,
// at most 5 attempts. Non-retryable errors abort immediately.
const (
	retryBase        = 100 * time.Millisecond
	retryFactor      = 2.0
	retryCap         = 30 * time.Second
	retryMaxAttempts = 5
)

// Retry runs op with the standard backoff policy. The first attempt is not
// counted as a retry; op runs at most retryMaxAttempts times in total.
func Retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = retryFactor
	bo.MaxInterval = retryCap
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempts >= retryMaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}
