package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jzx17/procsync/pkg/logsink"
	"github.com/jzx17/procsync/pkg/metrics"
)

// ApplyInCurrentProcess runs the tasks of a dispatch sequentially in the
// calling process. Validation, result order and error reporting are those
// of Dispatch; panics are captured as *types.PanicError and failures keep
// their original error values. The init hook runs once before the first
// task and its failure is returned as is. It needs no Init and starts no
// process, which makes it usable for debugging and where spawning is not
// available.
func ApplyInCurrentProcess(ctx context.Context, fn *FuncValue, args [][]interface{}, kwargs []Kwargs, config *Config) ([]Result, error) {
	cfg, err := config.normalize()
	if err != nil {
		return nil, err
	}
	tasks, err := buildTasks(fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return []Result{}, nil
	}

	ctx, span := tracer.Start(ctx, "worker.ApplyInCurrentProcess", trace.WithAttributes(
		attribute.String("worker.func", fn.name),
		attribute.Int("worker.tasks", len(tasks)),
	))
	defer span.End()

	sink := cfg.Sink
	if sink == nil {
		sink = logsink.New(os.Stderr, nil)
		defer sink.Close()
	}
	level := cfg.LogLevel
	if level == nil {
		level = sink.Level()
	}
	logger := slog.New(logsink.NewHandler(sink.Submit, level).WithSource("local"))
	ctx = withLogger(ctx, logger)

	if cfg.Init != nil {
		if err := runInit(ctx, cfg.Init, logger); err != nil {
			return nil, fmt.Errorf("init %s: %w", cfg.Init.name, err)
		}
	}

	metrics.TasksDispatched.Add(float64(len(tasks)))
	p := &pool{fn: fn, config: cfg, sink: sink, logger: logger}

	results := make([]Result, len(tasks))
	for i, task := range tasks {
		value, err := fn.call(ctx, task.Args, task.Kwargs)
		r := Result{Index: task.Index, Value: value, Err: err}
		results[i] = r
		p.record(r)
		if cfg.OnResult != nil {
			cfg.OnResult(r)
		}
	}

	err = failure(results)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, err
}
