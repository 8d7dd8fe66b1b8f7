package worker

import (
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/jzx17/procsync/pkg/logsink"
	"github.com/jzx17/procsync/pkg/types"
)

// Config defines configuration for a dispatch
type Config struct {
	// Workers is the worker count hint. Zero or negative uses the
	// processor count.
	Workers int

	// Init is run once in every worker process before it accepts tasks
	// (optional)
	Init *InitValue

	// Sink receives the log records of the coordinator and of every worker
	// (optional, defaults to a sink on standard error for the duration of
	// the call)
	Sink *logsink.Sink

	// LogLevel is the minimum level forwarded by workers (optional,
	// defaults to the sink level)
	LogLevel slog.Leveler

	// OnResult is called in the coordinating process for every finished
	// task, in completion order (optional)
	OnResult func(Result)

	// StartTimeout bounds process start and the init hook
	StartTimeout time.Duration

	// ShutdownTimeout bounds the wait for a worker to exit once all tasks
	// are done; the process is killed afterwards
	ShutdownTimeout time.Duration

	// Env holds extra KEY=value entries for worker processes
	Env []string

	// Clock for time operations (optional, defaults to real clock)
	Clock types.Clock
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		StartTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Clock:           types.NewRealClock(),
	}
}

func (c *Config) normalize() (*Config, error) {
	if c == nil {
		return DefaultConfig(), nil
	}
	if c.StartTimeout < 0 {
		return nil, fmt.Errorf("start timeout must not be negative, got %v", c.StartTimeout)
	}
	if c.ShutdownTimeout < 0 {
		return nil, fmt.Errorf("shutdown timeout must not be negative, got %v", c.ShutdownTimeout)
	}

	cfg := *c
	defaults := DefaultConfig()
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = defaults.StartTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	return &cfg, nil
}

// ProcessorCount returns the number of logical processors usable by the
// process. After Init it honours the container CPU quota.
func ProcessorCount() int {
	return runtime.GOMAXPROCS(0)
}

// EffectiveWorkers resolves the number of worker processes for tasks tasks:
// min(hint, tasks), where a hint of zero or less means ProcessorCount. The
// result is at least 1 unless there are no tasks.
func EffectiveWorkers(hint, tasks int) int {
	if tasks <= 0 {
		return 0
	}
	if hint <= 0 {
		hint = ProcessorCount()
	}
	if hint > tasks {
		hint = tasks
	}
	if hint < 1 {
		hint = 1
	}
	return hint
}
