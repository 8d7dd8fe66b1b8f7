// Package retry provides the bounded polling loop used for cross-process lock
// acquisition, together with the backoff strategies it sleeps with.
//
// Key Features:
//
// 1. Bounded polling:
//   - Poll: invoke an operation until success, a non-retryable error, budget
//     exhaustion or context cancellation
//   - RetryCondition: only selected errors are retried, everything else is
//     returned immediately
//   - PollStats: attempt count and time waited
//
// 2. Backoff algorithms:
//   - FixedBackoff: Fixed delay (the default poll interval)
//   - ExponentialBackoff: Exponential backoff with a maximum delay
//   - WithBackoffMinDelay: floor applied after jitter
//
// 3. Jitter support:
//   - FullJitter: Full jitter
//   - EqualJitter: Equal jitter
//
// Basic usage example:
//
//	stats, err := retry.Poll(ctx, retry.PollConfig{
//		Budget:  500 * time.Millisecond,
//		Backoff: retry.NewFixedBackoff(100 * time.Millisecond),
//		RetryIf: func(err error) bool { return errors.Is(err, fs.ErrExist) },
//	}, func(attempt int) error {
//		return tryCreate(path)
//	})
//	if errors.Is(err, retry.ErrBudgetExhausted) {
//		// gave up after stats.Attempts attempts
//	}
//
// Timing guarantees:
//
// Poll measures the budget from the first attempt. The sleep before the final
// attempt is shortened so that the final attempt happens exactly at the budget
// boundary; Poll therefore never fails before the budget and never later than
// the budget plus one backoff delay.
//
// Thread safety:
//
// FixedBackoff and ExponentialBackoff are stateless and can be shared.
// Poll itself runs on the calling goroutine.
package retry
