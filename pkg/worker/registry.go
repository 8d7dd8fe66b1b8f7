package worker

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/jzx17/procsync/pkg/types"
)

func init() {
	gob.Register([]interface{}{})
	gob.Register(map[string]interface{}{})
	gob.Register(Kwargs{})
}

var (
	typeOfContext = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeOfKwargs  = reflect.TypeOf(Kwargs(nil))
	typeOfError   = reflect.TypeOf((*error)(nil)).Elem()
)

var (
	// funcs and inits are the registries of callable functions and worker
	// init hooks. Both sides of a pool run the same binary, so a function
	// is identified by its registration index; names are compared during
	// the handshake to catch divergent registration order.
	funcs []*FuncValue
	inits []*InitValue
	// registryBusy detects data races in registration.
	registryBusy int32
	// sealed is set by the first dispatch or served worker. Registering
	// after that point would make indices differ between processes.
	sealed int32
)

func register(what string, add func()) {
	if atomic.LoadInt32(&sealed) != 0 {
		panic(fmt.Sprintf("worker.%s: registration after the first dispatch; register at package init", what))
	}
	if atomic.AddInt32(&registryBusy, 1) != 1 {
		panic(fmt.Sprintf("worker.%s: data race", what))
	}
	add()
	if atomic.AddInt32(&registryBusy, -1) != 0 {
		panic(fmt.Sprintf("worker.%s: data race", what))
	}
}

func seal() {
	atomic.StoreInt32(&sealed, 1)
}

func registryNames() []string {
	names := make([]string, 0, len(funcs)+len(inits))
	for _, f := range funcs {
		names = append(names, f.name)
	}
	for _, h := range inits {
		names = append(names, h.name)
	}
	return names
}

// FuncValue is a function that can run in a worker process, as returned by
// Func.
type FuncValue struct {
	fn    reflect.Value
	name  string
	index int
	args  []reflect.Type

	// result is the type of the value result, nil when there is none
	result reflect.Type

	takesContext bool
	takesKwargs  bool
	returnsValue bool
	returnsError bool
}

// Func registers fn so it can be dispatched to worker processes. Func must
// be called during package initialization, typically as a package-level
// variable, so that every process of the binary registers the same
// functions in the same order:
//
//	var square = worker.Func(func(x int) int { return x * x })
//
// fn may take a leading context.Context and a trailing Kwargs in addition
// to its positional parameters. It may return nothing, a value, an error,
// or a value and an error. Parameter and result types are registered with
// encoding/gob; types carried inside Kwargs must be registered by the caller.
func Func(fn interface{}) *FuncValue {
	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func || fv.IsNil() {
		panic(fmt.Sprintf("worker.Func: argument is a %T, not a func", fn))
	}
	ftype := fv.Type()
	if ftype.IsVariadic() {
		panic("worker.Func: variadic functions are not supported")
	}

	v := &FuncValue{
		fn:   fv,
		name: runtime.FuncForPC(fv.Pointer()).Name(),
	}

	in := ftype.NumIn()
	first := 0
	if in > 0 && ftype.In(0) == typeOfContext {
		v.takesContext = true
		first = 1
	}
	if in > first && ftype.In(in-1) == typeOfKwargs {
		v.takesKwargs = true
		in--
	}
	for i := first; i < in; i++ {
		typ := ftype.In(i)
		mustTransfer("parameter", typ)
		v.args = append(v.args, typ)
	}

	switch ftype.NumOut() {
	case 0:
	case 1:
		if ftype.Out(0) == typeOfError {
			v.returnsError = true
		} else {
			mustTransfer("result", ftype.Out(0))
			v.result = ftype.Out(0)
			v.returnsValue = true
		}
	case 2:
		if ftype.Out(1) != typeOfError {
			panic("worker.Func: second result must be an error")
		}
		mustTransfer("result", ftype.Out(0))
		v.result = ftype.Out(0)
		v.returnsValue = true
		v.returnsError = true
	default:
		panic(fmt.Sprintf("worker.Func: func returns %d values, at most 2 are supported", ftype.NumOut()))
	}

	register("Func", func() {
		v.index = len(funcs)
		funcs = append(funcs, v)
	})
	return v
}

func mustTransfer(what string, typ reflect.Type) {
	switch typ.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		panic(fmt.Sprintf("worker.Func: %s type %s cannot cross a process boundary", what, typ))
	}
	registerGob(typ)
}

// registerGob registers the base type of typ with gob so its values can
// travel inside Kwargs and interface parameters. gob keys registrations by
// base type, so *T and T share one entry; a type gob already knows, under
// either name, is left as it is.
func registerGob(typ reflect.Type) {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	switch typ.Kind() {
	case reflect.Interface, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return
	}
	defer func() {
		if r := recover(); r != nil {
			if msg, ok := r.(string); ok && strings.HasPrefix(msg, "gob: registering duplicate") {
				return
			}
			panic(r)
		}
	}()
	gob.Register(reflect.Zero(typ).Interface())
}

// Name returns the fully qualified function name
func (f *FuncValue) Name() string { return f.name }

// NumIn returns the number of positional parameters of f
func (f *FuncValue) NumIn() int { return len(f.args) }

// In returns the type of the i'th positional parameter of f
func (f *FuncValue) In(i int) reflect.Type { return f.args[i] }

// typecheck verifies one task against the signature of f
func (f *FuncValue) typecheck(args []interface{}, kwargs Kwargs) error {
	if len(args) != len(f.args) {
		return fmt.Errorf("function takes %d arguments, got %d", len(f.args), len(args))
	}
	for i, arg := range args {
		expect := f.args[i]
		if arg == nil {
			if !nillable(expect) {
				return fmt.Errorf("argument %d: nil for non-nillable type %s", i, expect)
			}
			continue
		}
		if have := reflect.TypeOf(arg); !have.AssignableTo(expect) {
			return fmt.Errorf("argument %d: expected %s, got %s", i, expect, have)
		}
	}
	if len(kwargs) > 0 && !f.takesKwargs {
		return fmt.Errorf("function takes no keyword arguments, got %d", len(kwargs))
	}
	return nil
}

func nillable(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map:
		return true
	}
	return false
}

// call invokes f, recovering panics as *types.PanicError
func (f *FuncValue) call(ctx context.Context, args []interface{}, kwargs Kwargs) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &types.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	in := make([]reflect.Value, 0, len(f.args)+2)
	if f.takesContext {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	for i, arg := range args {
		if arg == nil {
			in = append(in, reflect.Zero(f.args[i]))
		} else {
			in = append(in, reflect.ValueOf(arg))
		}
	}
	if f.takesKwargs {
		if kwargs == nil {
			kwargs = Kwargs{}
		}
		in = append(in, reflect.ValueOf(kwargs))
	}

	out := f.fn.Call(in)
	if f.returnsValue {
		value = out[0].Interface()
	}
	if f.returnsError {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return value, err
}

// InitValue is a per-worker initialization hook, as returned by InitFunc
type InitValue struct {
	fn    func(ctx context.Context, logger *slog.Logger) error
	name  string
	index int
}

// InitFunc registers a hook run once in every worker process before it
// accepts tasks, and once by ApplyInCurrentProcess. The logger forwards to
// the pool's log sink. Like Func, it must be called at package init.
func InitFunc(fn func(ctx context.Context, logger *slog.Logger) error) *InitValue {
	if fn == nil {
		panic("worker.InitFunc: nil hook")
	}
	v := &InitValue{
		fn:   fn,
		name: runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name(),
	}
	register("InitFunc", func() {
		v.index = len(inits)
		inits = append(inits, v)
	})
	return v
}

// Name returns the fully qualified hook name
func (h *InitValue) Name() string { return h.name }
