package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy computes the sleep between two polling attempts.
// Implementations are stateless so one strategy can serve many pollers.
type BackoffStrategy interface {
	// NextDelay returns the sleep after the given failed attempt (1-based)
	NextDelay(attempt int) time.Duration
}

// JitterFunc randomizes a delay
type JitterFunc func(time.Duration) time.Duration

// FullJitter picks a delay in [0, delay)
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return rand.N(delay)
}

// EqualJitter picks a delay in [delay/2, delay)
func EqualJitter(delay time.Duration) time.Duration {
	half := delay / 2
	if half <= 0 {
		return delay
	}
	return half + rand.N(half)
}

// backoffParams holds the settings shared by every strategy
type backoffParams struct {
	multiplier float64
	minDelay   time.Duration
	maxDelay   time.Duration
	jitter     JitterFunc
}

// finish applies jitter and the delay bounds
func (p *backoffParams) finish(delay time.Duration) time.Duration {
	if p.jitter != nil {
		delay = p.jitter(delay)
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		delay = p.maxDelay
	}
	if delay < p.minDelay {
		delay = p.minDelay
	}
	return delay
}

// BackoffOption configures a backoff strategy
type BackoffOption func(*backoffParams)

// WithBackoffMultiplier sets the growth factor of ExponentialBackoff
func WithBackoffMultiplier(multiplier float64) BackoffOption {
	return func(p *backoffParams) {
		if multiplier >= 1 {
			p.multiplier = multiplier
		}
	}
}

// WithBackoffMaxDelay caps every delay
func WithBackoffMaxDelay(maxDelay time.Duration) BackoffOption {
	return func(p *backoffParams) { p.maxDelay = maxDelay }
}

// WithBackoffMinDelay sets a floor applied after jitter, so that a jittered
// poller never spins on a busy lock without sleeping.
func WithBackoffMinDelay(minDelay time.Duration) BackoffOption {
	return func(p *backoffParams) { p.minDelay = minDelay }
}

// WithBackoffJitter randomizes every delay with jitter
func WithBackoffJitter(jitter JitterFunc) BackoffOption {
	return func(p *backoffParams) { p.jitter = jitter }
}

// FixedBackoff sleeps the same interval after every attempt. It is the
// strategy behind a lock poll interval.
type FixedBackoff struct {
	delay  time.Duration
	params backoffParams
}

// NewFixedBackoff creates a fixed backoff strategy
func NewFixedBackoff(delay time.Duration, opts ...BackoffOption) *FixedBackoff {
	b := &FixedBackoff{delay: delay}
	for _, opt := range opts {
		opt(&b.params)
	}
	return b
}

// NextDelay returns the fixed interval, jittered if configured
func (b *FixedBackoff) NextDelay(int) time.Duration {
	return b.params.finish(b.delay)
}

// ExponentialBackoff multiplies the delay after every attempt, up to a
// maximum (30s unless configured).
type ExponentialBackoff struct {
	initialDelay time.Duration
	params       backoffParams
}

// NewExponentialBackoff creates an exponential backoff strategy
func NewExponentialBackoff(initialDelay time.Duration, opts ...BackoffOption) *ExponentialBackoff {
	b := &ExponentialBackoff{
		initialDelay: initialDelay,
		params: backoffParams{
			multiplier: 2.0,
			maxDelay:   30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(&b.params)
	}
	return b
}

// NextDelay returns initialDelay * multiplier^(attempt-1), capped
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// math.Pow reaches +Inf for large attempts; compare before converting
	f := float64(b.initialDelay) * math.Pow(b.params.multiplier, float64(attempt-1))
	delay := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		delay = time.Duration(f)
	}
	return b.params.finish(delay)
}
