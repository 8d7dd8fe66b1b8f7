package worker

import (
	"fmt"

	"github.com/jzx17/procsync/pkg/types"
)

// Kwargs carries the named arguments of a task. A function receives them
// when its last parameter is of type Kwargs.
type Kwargs map[string]interface{}

// Task is one invocation of the dispatched function
type Task struct {
	// Index is the submission position of the task
	Index int

	// Args are the positional arguments
	Args []interface{}

	// Kwargs are the named arguments
	Kwargs Kwargs
}

// Result is the outcome of one task
type Result struct {
	// Index matches the originating Task.Index
	Index int

	// Value is the function's result, nil when it returns none or failed
	Value interface{}

	// Err is the captured failure. In worker processes it is a
	// *types.RemoteError or a *types.WorkerCrashedError.
	Err error
}

// Failed reports whether the task failed
func (r Result) Failed() bool {
	return r.Err != nil
}

// buildTasks pairs positional and named argument sets and checks every task
// against the signature of fn. Nothing is executed when it fails.
func buildTasks(fn *FuncValue, args [][]interface{}, kwargs []Kwargs) ([]Task, error) {
	if fn == nil {
		return nil, &types.ArgumentMismatchError{Func: "<nil>", Index: -1, Reason: "function is nil"}
	}
	if args != nil && kwargs != nil && len(args) != len(kwargs) {
		return nil, &types.ArgumentMismatchError{
			Func:   fn.name,
			Index:  -1,
			Reason: fmt.Sprintf("%d positional argument sets but %d keyword argument sets", len(args), len(kwargs)),
		}
	}

	n := len(args)
	if args == nil {
		n = len(kwargs)
	}
	tasks := make([]Task, n)
	for i := range tasks {
		task := Task{Index: i}
		if args != nil {
			task.Args = args[i]
		}
		if kwargs != nil {
			task.Kwargs = kwargs[i]
		}
		if err := fn.typecheck(task.Args, task.Kwargs); err != nil {
			return nil, &types.ArgumentMismatchError{Func: fn.name, Index: i, Reason: err.Error()}
		}
		tasks[i] = task
	}
	return tasks, nil
}

// failure picks the error reported for a finished set of results: the
// first failure by index, with the total number of failures.
func failure(results []Result) error {
	var first *Result
	failures := 0
	for i := range results {
		if results[i].Err == nil {
			continue
		}
		failures++
		if first == nil {
			first = &results[i]
		}
	}
	if first == nil {
		return nil
	}
	if crash, ok := first.Err.(*types.WorkerCrashedError); ok {
		return crash
	}
	return &types.TaskExecutionError{Index: first.Index, Cause: first.Err, Failures: failures}
}
