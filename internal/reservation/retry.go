package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db"
)

const maxRetryBackoff = time.Second

func isTransient(err error) bool {
	return errors.Is(err, errClaimRace) || db.IsTransient(err)
}

// withRetry runs fn until it succeeds, fails permanently or the retry budget is
// spent. The last transient error is returned unchanged so callers can map it.
func (e *Engine) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.NewExponential(e.retryBase)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(maxRetryBackoff, backoff)
	backoff = retry.WithMaxRetries(e.maxRetries, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if uint64(attempt) <= e.maxRetries {
			e.metrics.IncRetry()
			e.logg.Warn(e.logg.WithFields(ctx, map[string]any{"attempt": attempt, "cause": err.Error()}), "retrying stock transaction")
		}
		return retry.RetryableError(err)
	})
}
