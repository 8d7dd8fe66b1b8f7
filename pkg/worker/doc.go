/*
Package worker runs a registered function over a list of tasks in a bounded
pool of operating system processes and returns the results in task order.

# Overview

Parallelism comes from separate processes only. A dispatch re-executes the
current binary once per worker; each worker process runs tasks one at a time
and reports every result back to the coordinating process, which collects
exactly one Result per task and joins all workers before returning.

  - Results are ordered by task index, whatever order the workers finish in
  - Every task runs, even when siblings fail; there is no early abort
  - Worker log records are funnelled into one logsink.Sink
  - A crashed worker is detected and reported, never waited on forever

# Registering functions

Only functions registered at package initialization can run in a worker,
because a worker is a fresh process of the same binary and finds the
function by its registration index:

	var square = worker.Func(func(x int) int { return x * x })

	var setup = worker.InitFunc(func(ctx context.Context, logger *slog.Logger) error {
		logger.Info("worker starting")
		return nil
	})

Closures capturing state are not supported. Arguments and results travel
with encoding/gob, encoded against the declared parameter and result types,
so a worker returns exactly what a local call would: nil pointers stay nil
and empty slices stay empty. Values passed through Kwargs or interface
parameters need their dynamic types registered with gob; parameter and
result types of a registered function are registered automatically.

# Initialization

Every binary that dispatches must call Init first thing in main (or
TestMain for tests). In the coordinating process Init only adjusts
GOMAXPROCS; in a worker process it serves tasks and exits:

	func main() {
		worker.Init()
		...
	}

Dispatch returns types.ErrNotInitialized when Init was not called, since the
worker processes would otherwise run main.

# Dispatching

	results, err := worker.Dispatch(ctx, square,
		[][]interface{}{{1}, {2}, {3}}, nil,
		&worker.Config{Workers: 2, Init: setup, Sink: sink})
	// results[i].Value: 1, 4, 9

The number of workers is min(Config.Workers, len(tasks)); a hint of zero
uses the processor count (see EffectiveWorkers). ApplyInCurrentProcess runs
the same tasks sequentially in the calling process with the same ordering
and error semantics, which helps debugging and environments that cannot
spawn processes.

# Error Handling

  - types.ErrArgumentMismatch: argument lists of different length or a task
    not matching the function signature; no process is started
  - types.ErrTaskExecution: the lowest failed task index, wrapping a
    *types.RemoteError carrying the failure message (panics included)
  - types.ErrWorkerCrashed: a worker process died; its in-flight task fails
    and the queued tasks move to the surviving workers

In each case the full result list is returned alongside the error.

# Wire Protocol

Workers receive gob frames on fd 3 and reply on fd 4, leaving standard
output and error to the dispatched code. Those streams are captured line by
line into the sink at Info and Warn level.
*/
package worker
