package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	retryAttempts    = 3
	retryMinInterval = 2 * time.Second
	retryMaxInterval = 10 * time.Second
)

// withTransientRetry runs op, retrying only transient failures with
// exponential backoff (3 attempts, 2s..10s). Fatal errors propagate at once.
func withTransientRetry(ctx context.Context, what string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryMinInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return backoff.Permanent(err)
		}
		if attempt >= retryAttempts {
			return backoff.Permanent(err)
		}
		log.Warn().Err(err).Str("op", what).Int("attempt", attempt).Msg("transient failure, retrying")
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(bo, ctx))
}
