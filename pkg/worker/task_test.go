package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/procsync/pkg/types"
)

type label string

func (l label) String() string { return string(l) }

var (
	addFunc = Func(func(a, b int) int { return a + b })

	greetFunc = Func(func(ctx context.Context, name string, kw Kwargs) (string, error) {
		if name == "" {
			return "", errors.New("empty name")
		}
		greeting := "hello"
		if g, ok := kw["greeting"].(string); ok {
			greeting = g
		}
		return greeting + " " + name, nil
	})

	validateFunc = Func(func(x int) error {
		if x < 0 {
			return fmt.Errorf("negative: %d", x)
		}
		return nil
	})

	panicFunc = Func(func(x int) int { panic(fmt.Sprintf("bad input %d", x)) })

	describeFunc = Func(func(s fmt.Stringer, p *int) string {
		if p == nil {
			return s.String() + ":nil"
		}
		return fmt.Sprintf("%s:%d", s, *p)
	})

	// point is registered through *point, point and *int parameters
	lookupFunc = Func(func(id int) *point {
		if id == 0 {
			return nil
		}
		return &point{X: id, Y: -id}
	})

	sumFunc = Func(func(p point, q *point, r *int) int {
		total := p.X + p.Y
		if q != nil {
			total += q.X + q.Y
		}
		if r != nil {
			total += *r
		}
		return total
	})

	zerosFunc = Func(func(n int) []int {
		if n < 0 {
			return nil
		}
		return make([]int, n)
	})

	countsFunc = Func(func(keys []string) map[string]int {
		if keys == nil {
			return nil
		}
		counts := make(map[string]int)
		for _, k := range keys {
			counts[k]++
		}
		return counts
	})

	echoFunc = Func(func(v interface{}) interface{} { return v })
)

type point struct{ X, Y int }

func TestFuncRejectsBadSignatures(t *testing.T) {
	tests := []struct {
		name string
		fn   interface{}
	}{
		{name: "not a func", fn: 42},
		{name: "nil func", fn: (func())(nil)},
		{name: "variadic", fn: func(xs ...int) {}},
		{name: "channel parameter", fn: func(c chan int) {}},
		{name: "func result", fn: func() func() { return nil }},
		{name: "second result not error", fn: func() (int, int) { return 0, 0 }},
		{name: "three results", fn: func() (int, int, error) { return 0, 0, nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Panics(t, func() { Func(tt.fn) })
		})
	}
}

func TestRegistrationAfterSeal(t *testing.T) {
	seal()
	before := len(funcs)
	assert.Panics(t, func() { Func(func(x int) int { return x }) })
	assert.Panics(t, func() {
		InitFunc(func(ctx context.Context, _ *slog.Logger) error { return nil })
	})
	assert.Equal(t, before, len(funcs))
}

func TestFuncValueSignature(t *testing.T) {
	assert.Equal(t, 2, addFunc.NumIn())
	assert.Contains(t, addFunc.Name(), "pkg/worker")

	assert.True(t, greetFunc.takesContext)
	assert.True(t, greetFunc.takesKwargs)
	assert.Equal(t, 1, greetFunc.NumIn())
	assert.Equal(t, "string", greetFunc.In(0).String())

	assert.True(t, validateFunc.returnsError)
	assert.False(t, validateFunc.returnsValue)
}

func TestTypecheck(t *testing.T) {
	n := 3
	tests := []struct {
		name    string
		fn      *FuncValue
		args    []interface{}
		kwargs  Kwargs
		wantErr string
	}{
		{name: "exact types", fn: addFunc, args: []interface{}{1, 2}},
		{name: "too few", fn: addFunc, args: []interface{}{1}, wantErr: "takes 2 arguments, got 1"},
		{name: "wrong type", fn: addFunc, args: []interface{}{1, "2"}, wantErr: "argument 1: expected int, got string"},
		{name: "nil for int", fn: addFunc, args: []interface{}{nil, 2}, wantErr: "non-nillable"},
		{name: "unexpected kwargs", fn: addFunc, args: []interface{}{1, 2}, kwargs: Kwargs{"x": 1}, wantErr: "no keyword arguments"},
		{name: "kwargs accepted", fn: greetFunc, args: []interface{}{"ada"}, kwargs: Kwargs{"greeting": "hi"}},
		{name: "interface parameter", fn: describeFunc, args: []interface{}{label("a"), &n}},
		{name: "nil pointer", fn: describeFunc, args: []interface{}{label("a"), nil}},
		{name: "interface not implemented", fn: describeFunc, args: []interface{}{3, &n}, wantErr: "argument 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fn.typecheck(tt.args, tt.kwargs)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCall(t *testing.T) {
	ctx := context.Background()

	value, err := addFunc.call(ctx, []interface{}{2, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, value)

	value, err = greetFunc.call(ctx, []interface{}{"ada"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello ada", value)

	value, err = greetFunc.call(ctx, []interface{}{"ada"}, Kwargs{"greeting": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi ada", value)

	_, err = greetFunc.call(ctx, []interface{}{""}, nil)
	assert.EqualError(t, err, "empty name")

	value, err = validateFunc.call(ctx, []interface{}{-1}, nil)
	assert.Nil(t, value)
	assert.EqualError(t, err, "negative: -1")

	value, err = describeFunc.call(ctx, []interface{}{label("x"), nil}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x:nil", value)
}

func TestCallRecoversPanic(t *testing.T) {
	value, err := panicFunc.call(context.Background(), []interface{}{7}, nil)
	assert.Nil(t, value)

	var pe *types.PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "bad input 7", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestBuildTasks(t *testing.T) {
	t.Run("positional only", func(t *testing.T) {
		tasks, err := buildTasks(addFunc, [][]interface{}{{1, 2}, {3, 4}}, nil)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, 1, tasks[1].Index)
		assert.Equal(t, []interface{}{3, 4}, tasks[1].Args)
		assert.Nil(t, tasks[1].Kwargs)
	})

	t.Run("positional and keyword", func(t *testing.T) {
		tasks, err := buildTasks(greetFunc,
			[][]interface{}{{"a"}, {"b"}},
			[]Kwargs{nil, {"greeting": "hey"}})
		require.NoError(t, err)
		assert.Equal(t, Kwargs{"greeting": "hey"}, tasks[1].Kwargs)
	})

	t.Run("length mismatch", func(t *testing.T) {
		_, err := buildTasks(greetFunc, [][]interface{}{{"a"}, {"b"}}, []Kwargs{nil})
		assert.ErrorIs(t, err, types.ErrArgumentMismatch)

		var mismatch *types.ArgumentMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, -1, mismatch.Index)
	})

	t.Run("bad task reports its index", func(t *testing.T) {
		_, err := buildTasks(addFunc, [][]interface{}{{1, 2}, {1, 2}, {1}}, nil)
		var mismatch *types.ArgumentMismatchError
		require.True(t, errors.As(err, &mismatch))
		assert.Equal(t, 2, mismatch.Index)
		assert.True(t, strings.Contains(mismatch.Func, "pkg/worker"))
	})

	t.Run("nil function", func(t *testing.T) {
		_, err := buildTasks(nil, nil, nil)
		assert.ErrorIs(t, err, types.ErrArgumentMismatch)
	})

	t.Run("empty", func(t *testing.T) {
		tasks, err := buildTasks(addFunc, nil, nil)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
}

func TestFailure(t *testing.T) {
	boom := errors.New("boom")
	crash := &types.WorkerCrashedError{WorkerID: 1, TaskIndex: 2}

	assert.NoError(t, failure([]Result{{Index: 0, Value: 1}, {Index: 1, Value: 2}}))

	err := failure([]Result{{Index: 0}, {Index: 1, Err: boom}, {Index: 2, Err: crash}})
	var te *types.TaskExecutionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1, te.Index)
	assert.Equal(t, 2, te.Failures)
	assert.ErrorIs(t, err, boom)

	err = failure([]Result{{Index: 0, Err: crash}, {Index: 1, Err: boom}})
	assert.Same(t, crash, err)
	assert.ErrorIs(t, err, types.ErrWorkerCrashed)
}

func TestEffectiveWorkers(t *testing.T) {
	procs := ProcessorCount()
	tests := []struct {
		name  string
		hint  int
		tasks int
		want  int
	}{
		{name: "no tasks", hint: 4, tasks: 0, want: 0},
		{name: "hint above tasks", hint: 10, tasks: 3, want: 3},
		{name: "hint below tasks", hint: 2, tasks: 3, want: 2},
		{name: "zero hint", hint: 0, tasks: 1000, want: min(procs, 1000)},
		{name: "negative hint", hint: -1, tasks: 1000, want: min(procs, 1000)},
		{name: "zero hint few tasks", hint: 0, tasks: 1, want: 1},
		{name: "hint above processor count", hint: procs + 2, tasks: procs + 4, want: procs + 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveWorkers(tt.hint, tt.tasks))
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	cfg, err := (*Config)(nil).normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().StartTimeout, cfg.StartTimeout)

	cfg, err = (&Config{Workers: 2}).normalize()
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.NotNil(t, cfg.Clock)
	assert.Positive(t, cfg.ShutdownTimeout)

	_, err = (&Config{StartTimeout: -1}).normalize()
	assert.Error(t, err)
	_, err = (&Config{ShutdownTimeout: -1}).normalize()
	assert.Error(t, err)
}

func TestDispatchRequiresInit(t *testing.T) {
	prev := atomic.SwapInt32(&initialized, 0)
	defer atomic.StoreInt32(&initialized, prev)

	_, err := Dispatch(context.Background(), addFunc, [][]interface{}{{1, 2}}, nil, nil)
	assert.ErrorIs(t, err, types.ErrNotInitialized)
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	payload, err := encodeArgs(greetFunc, Task{Args: []interface{}{"ada"}, Kwargs: Kwargs{"greeting": "hi"}})
	require.NoError(t, err)

	rep := execute(ctx, greetFunc, request{Kind: frameTask, Index: 4, Payload: payload})
	assert.Equal(t, frameResult, rep.Kind)
	assert.Equal(t, 4, rep.Index)
	require.Nil(t, rep.Err)

	value, err := decodeResult(greetFunc, rep.Payload)
	require.NoError(t, err)
	assert.Equal(t, "hi ada", value)

	payload, err = encodeArgs(panicFunc, Task{Args: []interface{}{3}})
	require.NoError(t, err)
	rep = execute(ctx, panicFunc, request{Kind: frameTask, Index: 0, Payload: payload})
	require.NotNil(t, rep.Err)
	assert.True(t, rep.Err.IsPanic())
	assert.Contains(t, rep.Err.Message, "bad input 3")

	rep = execute(ctx, addFunc, request{Kind: frameTask, Payload: []byte("garbage")})
	require.NotNil(t, rep.Err)
	assert.Equal(t, "gob", rep.Err.Type)
}

func TestRegisterPointerTypes(t *testing.T) {
	assert.NotPanics(t, func() {
		registerGob(reflect.TypeOf((*int)(nil)))
		registerGob(reflect.TypeOf(point{}))
		registerGob(reflect.TypeOf(&point{}))
		registerGob(reflect.TypeOf((**point)(nil)))
		registerGob(reflect.TypeOf([]*point{}))
	})

	require.NotNil(t, lookupFunc)
	require.NotNil(t, sumFunc)
	assert.Equal(t, reflect.TypeOf(&point{}), lookupFunc.result)
}

// TestRemoteCallMatchesLocalCall sends each call through the worker codec
// and compares the value with a direct call.
func TestRemoteCallMatchesLocalCall(t *testing.T) {
	n := 7
	tests := []struct {
		name string
		fn   *FuncValue
		args []interface{}
	}{
		{name: "nil pointer result", fn: lookupFunc, args: []interface{}{0}},
		{name: "pointer result", fn: lookupFunc, args: []interface{}{3}},
		{name: "empty slice result", fn: zerosFunc, args: []interface{}{0}},
		{name: "nil slice result", fn: zerosFunc, args: []interface{}{-1}},
		{name: "slice result", fn: zerosFunc, args: []interface{}{3}},
		{name: "empty map result", fn: countsFunc, args: []interface{}{[]string{}}},
		{name: "nil map result", fn: countsFunc, args: []interface{}{nil}},
		{name: "map result", fn: countsFunc, args: []interface{}{[]string{"a", "b", "a"}}},
		{name: "pointer arguments", fn: sumFunc, args: []interface{}{point{1, 2}, &point{3, 4}, &n}},
		{name: "nil pointer arguments", fn: sumFunc, args: []interface{}{point{}, nil, nil}},
		{name: "interface value", fn: echoFunc, args: []interface{}{"text"}},
		{name: "nil interface", fn: echoFunc, args: []interface{}{nil}},
		{name: "no value result", fn: validateFunc, args: []interface{}{1}},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := tt.fn.call(ctx, tt.args, nil)
			require.NoError(t, err)

			payload, err := encodeArgs(tt.fn, Task{Args: tt.args})
			require.NoError(t, err)
			rep := execute(ctx, tt.fn, request{Kind: frameTask, Payload: payload})
			require.Nil(t, rep.Err)

			got, err := decodeResult(tt.fn, rep.Payload)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "task", frameTask.String())
	assert.Equal(t, "unknown", frameKind(99).String())
	assert.Equal(t, "crashed", processStateCrashed.String())
}
