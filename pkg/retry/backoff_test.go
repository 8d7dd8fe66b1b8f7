package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedBackoff(t *testing.T) {
	backoff := NewFixedBackoff(100 * time.Millisecond)
	for _, attempt := range []int{0, 1, 2, 10, 1000} {
		assert.Equal(t, 100*time.Millisecond, backoff.NextDelay(attempt), "attempt %d", attempt)
	}
}

func TestExponentialBackoff(t *testing.T) {
	backoff := NewExponentialBackoff(100*time.Millisecond,
		WithBackoffMultiplier(2.0),
		WithBackoffMaxDelay(time.Second))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 100 * time.Millisecond},
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{5000, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoff.NextDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponentialBackoffOptions(t *testing.T) {
	t.Run("custom multiplier", func(t *testing.T) {
		backoff := NewExponentialBackoff(100*time.Millisecond, WithBackoffMultiplier(1.5))
		assert.Equal(t, 150*time.Millisecond, backoff.NextDelay(2))
	})

	t.Run("multiplier below one is ignored", func(t *testing.T) {
		backoff := NewExponentialBackoff(100*time.Millisecond, WithBackoffMultiplier(0.5))
		assert.Equal(t, 200*time.Millisecond, backoff.NextDelay(2))
	})

	t.Run("default cap", func(t *testing.T) {
		backoff := NewExponentialBackoff(time.Millisecond)
		assert.Equal(t, 30*time.Second, backoff.NextDelay(100))
	})
}

func TestJitter(t *testing.T) {
	delay := time.Second
	for i := 0; i < 100; i++ {
		full := FullJitter(delay)
		assert.GreaterOrEqual(t, full, time.Duration(0))
		assert.Less(t, full, delay)

		equal := EqualJitter(delay)
		assert.GreaterOrEqual(t, equal, delay/2)
		assert.Less(t, equal, delay)
	}

	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), EqualJitter(0))
	assert.Equal(t, time.Duration(1), EqualJitter(1))
}

func TestFixedBackoffWithJitter(t *testing.T) {
	delay := 100 * time.Millisecond
	backoff := NewFixedBackoff(delay, WithBackoffJitter(EqualJitter))

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := backoff.NextDelay(1)
		assert.GreaterOrEqual(t, d, delay/2)
		assert.Less(t, d, delay)
		seen[d] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

func TestBackoffMinDelay(t *testing.T) {
	zero := func(time.Duration) time.Duration { return 0 }

	backoff := NewFixedBackoff(100*time.Millisecond,
		WithBackoffJitter(zero),
		WithBackoffMinDelay(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, backoff.NextDelay(1))

	exp := NewExponentialBackoff(time.Millisecond,
		WithBackoffJitter(zero),
		WithBackoffMinDelay(time.Millisecond))
	assert.Equal(t, time.Millisecond, exp.NextDelay(20))
}

func BenchmarkExponentialBackoff(b *testing.B) {
	backoff := NewExponentialBackoff(100*time.Millisecond, WithBackoffJitter(FullJitter))
	for i := 0; i < b.N; i++ {
		backoff.NextDelay(i % 10)
	}
}
