package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jzx17/procsync/pkg/metrics"
	"github.com/jzx17/procsync/pkg/retry"
	"github.com/jzx17/procsync/pkg/types"
)

// DefaultPollInterval is the retry cadence used when none is configured
const DefaultPollInterval = 100 * time.Millisecond

var tracer = otel.Tracer("github.com/jzx17/procsync/pkg/filelock")

// Config defines configuration for a file lock
type Config struct {
	// Timeout is the acquisition budget measured from the first attempt.
	// Zero or negative waits until the context is done.
	Timeout time.Duration

	// PollInterval is the sleep between attempts
	PollInterval time.Duration

	// Backoff overrides the fixed PollInterval cadence (optional)
	Backoff retry.BackoffStrategy

	// ProcessName is recorded in the marker (defaults to the executable name)
	ProcessName string

	// Perm is the marker file mode
	Perm os.FileMode

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		PollInterval: DefaultPollInterval,
		ProcessName:  defaultProcessName(),
		Perm:         0o644,
		Clock:        types.NewRealClock(),
	}
}

// Locker acquires the lock identified by one path
type Locker struct {
	path   string
	config Config
}

// New creates a Locker for path
func New(path string, config *Config) (*Locker, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	cfg := *config
	if cfg.PollInterval < 0 {
		return nil, fmt.Errorf("poll interval must not be negative, got %v", cfg.PollInterval)
	}
	if cfg.PollInterval == 0 && cfg.Backoff == nil {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProcessName == "" {
		cfg.ProcessName = defaultProcessName()
	}
	if cfg.Perm == 0 {
		cfg.Perm = 0o644
	}
	if cfg.Clock == nil {
		cfg.Clock = types.NewRealClock()
	}

	return &Locker{path: path, config: cfg}, nil
}

// Path returns the lock resource path
func (l *Locker) Path() string {
	return l.path
}

// Acquire blocks until the lock is granted, the timeout is exhausted
// (types.ErrLockTimeout) or ctx is done.
func (l *Locker) Acquire(ctx context.Context) (*Lock, error) {
	ctx, span := tracer.Start(ctx, "filelock.Acquire", trace.WithAttributes(
		attribute.String("lock.path", l.path),
		attribute.Int64("lock.timeout_ms", l.config.Timeout.Milliseconds()),
	))
	defer span.End()

	backoff := l.config.Backoff
	if backoff == nil {
		backoff = retry.NewFixedBackoff(l.config.PollInterval)
	}

	var lock *Lock
	stats, err := retry.Poll(ctx, retry.PollConfig{
		Budget:  l.config.Timeout,
		Backoff: backoff,
		RetryIf: isHeld,
		Clock:   l.config.Clock,
	}, func(attempt int) error {
		lk, err := l.create()
		if err != nil {
			return err
		}
		lock = lk
		return nil
	})
	metrics.LockWaitSeconds.Observe(stats.Waited.Seconds())
	span.SetAttributes(attribute.Int("lock.attempts", stats.Attempts))

	switch {
	case err == nil:
		metrics.LockAcquisitions.Inc()
		return lock, nil
	case errors.Is(err, retry.ErrBudgetExhausted):
		metrics.LockTimeouts.Inc()
		timeoutErr := &types.LockTimeoutError{
			Path:     l.path,
			Timeout:  l.config.Timeout,
			Waited:   stats.Waited,
			Attempts: stats.Attempts,
		}
		if h, herr := Inspect(l.path); herr == nil {
			timeoutErr.Holder = h.String()
		}
		span.RecordError(timeoutErr)
		span.SetStatus(codes.Error, "lock timeout")
		return nil, timeoutErr
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
}

// TryAcquire makes a single attempt; it fails with types.ErrLockHeld when
// another owner holds the lock.
func (l *Locker) TryAcquire() (*Lock, error) {
	lock, err := l.create()
	if err != nil {
		if isHeld(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrLockHeld, l.path)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", l.path, err)
	}
	metrics.LockAcquisitions.Inc()
	return lock, nil
}

// Do runs fn while holding the lock. The lock is released on every exit
// path of fn, including errors and panics.
func (l *Locker) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	lock, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx)
}

// create performs one exclusive create of the marker
func (l *Locker) create() (*Lock, error) {
	holder := Holder{
		Token:       uuid.NewString(),
		PID:         os.Getpid(),
		Hostname:    localHostname(),
		ProcessName: l.config.ProcessName,
		AcquiredAt:  l.config.Clock.Now(),
	}
	data, err := json.Marshal(holder)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, l.config.Perm)
	if err != nil {
		return nil, err
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// the marker is ours, nobody else can have replaced it
		_ = os.Remove(l.path)
		return nil, err
	}

	return &Lock{path: l.path, holder: holder}, nil
}

func isHeld(err error) bool {
	return errors.Is(err, fs.ErrExist)
}

// Lock is a granted lock; it proves ownership through its token
type Lock struct {
	path     string
	holder   Holder
	mu       sync.Mutex
	released bool
}

// Path returns the lock resource path
func (lk *Lock) Path() string {
	return lk.path
}

// Token returns the ownership token written into the marker
func (lk *Lock) Token() string {
	return lk.holder.Token
}

// Holder returns the ownership record written at grant time
func (lk *Lock) Holder() Holder {
	return lk.holder
}

// Release removes the marker. It fails with types.ErrLockNotHeld when the
// marker is gone or carries another owner's token, and on every call after
// the first.
//
// The marker is first renamed to a name private to this lock and only then
// checked, so a marker written by a newer owner is never deleted: when the
// token does not match it is linked back in place.
func (lk *Lock) Release() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.released {
		return fmt.Errorf("%w: %s already released", types.ErrLockNotHeld, lk.path)
	}

	claimed := lk.path + ".release-" + lk.holder.Token
	if err := os.Rename(lk.path, claimed); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			lk.released = true
			return fmt.Errorf("%w: %s was removed", types.ErrLockNotHeld, lk.path)
		}
		return fmt.Errorf("release lock %s: %w", lk.path, err)
	}

	current, err := Inspect(claimed)
	if err == nil && current.Token == lk.holder.Token {
		lk.released = true
		if err := os.Remove(claimed); err != nil {
			return fmt.Errorf("release lock %s: %w", lk.path, err)
		}
		return nil
	}

	// not ours: put it back unless someone acquired in the meantime
	restoreMarker(claimed, lk.path)
	lk.released = true
	if err != nil {
		return fmt.Errorf("%w: %s: %v", types.ErrLockNotHeld, lk.path, err)
	}
	return fmt.Errorf("%w: %s is held by %s", types.ErrLockNotHeld, lk.path, current)
}

// restoreMarker moves the marker at claimed back to path without replacing
// a marker created there since.
func restoreMarker(claimed, path string) {
	if err := os.Link(claimed, path); err != nil && !errors.Is(err, fs.ErrExist) {
		// no hard links on this filesystem
		if _, serr := os.Lstat(path); errors.Is(serr, fs.ErrNotExist) {
			_ = os.Rename(claimed, path)
			return
		}
	}
	_ = os.Remove(claimed)
}

// Acquire acquires the lock at path with the given budget and poll interval
func Acquire(ctx context.Context, path string, timeout, pollInterval time.Duration) (*Lock, error) {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	cfg.PollInterval = pollInterval
	locker, err := New(path, cfg)
	if err != nil {
		return nil, err
	}
	return locker.Acquire(ctx)
}

// WithLock runs fn while holding the lock at path
func WithLock(ctx context.Context, path string, config *Config, fn func(ctx context.Context) error) error {
	locker, err := New(path, config)
	if err != nil {
		return err
	}
	return locker.Do(ctx, fn)
}
