package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"bengkelpos/backend/internal/config"
	"bengkelpos/backend/internal/domain"
)

// withConflictRetry runs op until it succeeds, fails with anything other
// than a transaction conflict, or cfg.MaxAttempts is reached. Each attempt
// starts from scratch.
func withConflictRetry[T any](ctx context.Context, cfg config.RetryConfig, logger logrus.FieldLogger, op func(attempt int) (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		value, err := op(attempt)
		if err == nil {
			return value, nil
		}
		if !domain.IsConflict(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(max(cfg.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"retry_in": next.String(),
			}).Warnf("transaction conflict, retrying: %v", err)
		}),
	)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	return result, err
}
