// Package testutils provides simplified testing utilities and helper functions
package testutils

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// DefaultTimeout bounds tests that spawn processes or poll locks
const DefaultTimeout = 30 * time.Second

// Context returns a context cancelled at the end of the test or after timeout
func Context(t testing.TB, timeout time.Duration) context.Context {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// LockPath returns a lock path inside a per-test temporary directory
func LockPath(t testing.TB, name string) string {
	return filepath.Join(t.TempDir(), name)
}

// AssertElapsed asserts min <= elapsed <= max
func AssertElapsed(t testing.TB, elapsed, min, max time.Duration, msgAndArgs ...interface{}) bool {
	t.Helper()
	ok := assert.GreaterOrEqual(t, elapsed, min, msgAndArgs...)
	return assert.LessOrEqual(t, elapsed, max, msgAndArgs...) && ok
}
