package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jzx17/procsync/pkg/logsink"
	"github.com/jzx17/procsync/pkg/metrics"
	"github.com/jzx17/procsync/pkg/types"
)

var tracer = otel.Tracer("github.com/jzx17/procsync/pkg/worker")

var errNoSurvivors = errors.New("no surviving worker")

// Dispatch runs fn once per task in a pool of worker processes and returns
// one Result per task, ordered by task index.
//
// Task i receives args[i] and kwargs[i]; either list may be nil, but when
// both are given they must have the same length. Every task is checked
// against the signature of fn, and its arguments must be encodable with
// encoding/gob; on failure Dispatch returns *types.ArgumentMismatchError
// before any process starts.
//
// All tasks run to completion. When some fail, the results are returned
// together with an error for the lowest failed index: a
// *types.WorkerCrashedError when its worker died, otherwise a
// *types.TaskExecutionError wrapping the captured cause.
//
// ctx carries values such as the trace span; cancelling it does not stop a
// dispatch that has started.
func Dispatch(ctx context.Context, fn *FuncValue, args [][]interface{}, kwargs []Kwargs, config *Config) ([]Result, error) {
	if !isInitialized() {
		return nil, fmt.Errorf("%w: call worker.Init at the start of main", types.ErrNotInitialized)
	}
	cfg, err := config.normalize()
	if err != nil {
		return nil, err
	}
	tasks, err := buildTasks(fn, args, kwargs)
	if err != nil {
		return nil, err
	}
	payloads := make([][]byte, len(tasks))
	for i, task := range tasks {
		payloads[i], err = encodeArgs(fn, task)
		if err != nil {
			return nil, &types.ArgumentMismatchError{Func: fn.name, Index: i, Reason: fmt.Sprintf("not transferable: %v", err)}
		}
	}
	seal()

	if len(tasks) == 0 {
		return []Result{}, nil
	}

	_, span := tracer.Start(context.WithoutCancel(ctx), "worker.Dispatch", trace.WithAttributes(
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

	p := &pool{
		id:       uuid.NewString(),
		fn:       fn,
		config:   cfg,
		sink:     sink,
		level:    level.Level(),
		payloads: payloads,
	}
	p.logger = sink.Logger().With("pool", p.id)
	workers := EffectiveWorkers(cfg.Workers, len(tasks))
	span.SetAttributes(attribute.String("worker.pool", p.id), attribute.Int("worker.processes", workers))

	metrics.TasksDispatched.Add(float64(len(tasks)))
	results := p.run(workers)

	err = failure(results)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return results, err
}

// pool is the state of one Dispatch call
type pool struct {
	id       string
	fn       *FuncValue
	config   *Config
	sink     *logsink.Sink
	logger   *slog.Logger
	level    slog.Level
	payloads [][]byte
}

// run starts one supervisor per worker, collects exactly one result per task and
// joins every supervisor before returning.
func (p *pool) run(workers int) []Result {
	n := len(p.payloads)
	taskCh := make(chan int, n)
	for i := 0; i < n; i++ {
		taskCh <- i
	}
	close(taskCh)
	resultCh := make(chan Result, n)

	p.logger.Debug("dispatch started", "func", p.fn.name, "tasks", n, "workers", workers)

	alive := int32(workers)
	var g errgroup.Group
	for id := 0; id < workers; id++ {
		id := id
		g.Go(func() error {
			crash := p.supervise(id, taskCh, resultCh)
			if atomic.AddInt32(&alive, -1) == 0 && crash != nil {
				// nobody is left to run what is still queued
				cause := errNoSurvivors
				if crash.Cause != nil {
					cause = fmt.Errorf("%w, last failure: %w", errNoSurvivors, crash.Cause)
				}
				for idx := range taskCh {
					resultCh <- Result{Index: idx, Err: &types.WorkerCrashedError{
						WorkerID:  crash.WorkerID,
						PID:       crash.PID,
						TaskIndex: idx,
						State:     crash.State,
						Cause:     cause,
					}}
				}
			}
			return nil
		})
	}

	results := make([]Result, n)
	for i := 0; i < n; i++ {
		r := <-resultCh
		results[r.Index] = r
		p.record(r)
		if p.config.OnResult != nil {
			p.config.OnResult(r)
		}
	}
	_ = g.Wait()

	p.logger.Debug("dispatch finished", "func", p.fn.name, "tasks", n)
	return results
}

// supervise drives one worker process until the task channel is drained or
// the process crashes. It returns the crash, if any.
func (p *pool) supervise(id int, taskCh <-chan int, resultCh chan<- Result) *types.WorkerCrashedError {
	proc, err := startProcess(id, p.id, p.config, p.sink, p.logger)
	if err != nil {
		p.logger.Error("worker failed to start", "worker", id, "error", err)
		metrics.WorkerCrashes.Inc()
		return &types.WorkerCrashedError{WorkerID: id, TaskIndex: -1, Cause: err}
	}

	initIndex := -1
	if p.config.Init != nil {
		initIndex = p.config.Init.index
	}
	crash := proc.handshake(hello{
		WorkerID: id,
		PoolID:   p.id,
		Func:     p.fn.index,
		Init:     initIndex,
		LogLevel: p.level,
		Registry: registryNames(),
	}, p.config.StartTimeout)
	if crash != nil {
		return crash
	}

	for idx := range taskCh {
		r := proc.run(p.fn, idx, p.payloads[idx])
		resultCh <- r
		if crash, ok := r.Err.(*types.WorkerCrashedError); ok {
			return crash
		}
	}

	if err := proc.shutdown(p.config.ShutdownTimeout); err != nil {
		p.logger.Warn("worker exit", "worker", id, "error", err)
	}
	return nil
}

func (p *pool) record(r Result) {
	if r.Err == nil {
		return
	}
	var remote *types.RemoteError
	var panicked *types.PanicError
	switch {
	case errors.Is(r.Err, types.ErrWorkerCrashed):
		metrics.TaskFailures.WithLabelValues(metrics.FailureCrashed).Inc()
	case errors.As(r.Err, &remote) && remote.IsPanic(), errors.As(r.Err, &panicked):
		metrics.TaskFailures.WithLabelValues(metrics.FailurePanic).Inc()
	default:
		metrics.TaskFailures.WithLabelValues(metrics.FailureError).Inc()
	}
	p.logger.Debug("task failed", "index", r.Index, "error", r.Err)
}
