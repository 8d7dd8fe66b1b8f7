package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jzx17/procsync/pkg/types"
)

// ErrBudgetExhausted is returned by Poll when the time budget runs out
var ErrBudgetExhausted = errors.New("poll budget exhausted")

// RetryCondition reports whether a failed attempt should be retried
type RetryCondition func(error) bool

// PollConfig configures a bounded polling loop
type PollConfig struct {
	// Budget is the total time allowed since the first attempt.
	// Zero or negative means poll until the context is done.
	Budget time.Duration

	// Backoff computes the sleep between attempts
	Backoff BackoffStrategy

	// RetryIf selects the errors that are retried; others are returned as is.
	// A nil RetryIf retries every error.
	RetryIf RetryCondition

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock
}

// PollStats describes a finished polling loop
type PollStats struct {
	// Attempts is the number of times the operation was invoked
	Attempts int

	// Waited is the time elapsed between the first attempt and the outcome
	Waited time.Duration
}

// Poll invokes fn until it succeeds, fails with a non-retryable error, the
// budget is exhausted or ctx is done. The sleep before the final attempt is
// clamped so that the last attempt happens at the budget boundary: Poll never
// gives up before Budget has elapsed, and never later than Budget plus one
// backoff delay.
func Poll(ctx context.Context, config PollConfig, fn func(attempt int) error) (PollStats, error) {
	clock := config.Clock
	if clock == nil {
		clock = types.NewRealClock()
	}
	backoff := config.Backoff
	if backoff == nil {
		backoff = NewFixedBackoff(0)
	}

	var stats PollStats
	start := clock.Now()

	for attempt := 1; ; attempt++ {
		stats.Attempts = attempt
		err := fn(attempt)
		if err == nil {
			stats.Waited = clock.Since(start)
			return stats, nil
		}
		if config.RetryIf != nil && !config.RetryIf(err) {
			stats.Waited = clock.Since(start)
			return stats, err
		}

		elapsed := clock.Since(start)
		delay := backoff.NextDelay(attempt)
		if config.Budget > 0 {
			if elapsed >= config.Budget {
				stats.Waited = elapsed
				return stats, fmt.Errorf("%w after %d attempts: %w", ErrBudgetExhausted, attempt, err)
			}
			if remaining := config.Budget - elapsed; delay > remaining {
				delay = remaining
			}
		}

		if err := types.Sleep(ctx, clock, delay); err != nil {
			stats.Waited = clock.Since(start)
			return stats, err
		}
	}
}
