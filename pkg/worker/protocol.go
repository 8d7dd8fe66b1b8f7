package worker

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/jzx17/procsync/pkg/logsink"
	"github.com/jzx17/procsync/pkg/types"
)

// Worker processes inherit two pipes: requests from the coordinator arrive
// on fd 3 and replies leave on fd 4. Standard output and error stay free for
// the dispatched code and are captured line by line.
const (
	requestFD = 3
	replyFD   = 4

	workerEnv = "PROCSYNC_WORKER"
	poolEnv   = "PROCSYNC_POOL"
)

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	frameReady
	frameInitFailed
	frameTask
	frameResult
	frameLog
	frameShutdown
)

// String returns the string representation of frameKind
func (k frameKind) String() string {
	switch k {
	case frameHello:
		return "hello"
	case frameReady:
		return "ready"
	case frameInitFailed:
		return "init-failed"
	case frameTask:
		return "task"
	case frameResult:
		return "result"
	case frameLog:
		return "log"
	case frameShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// hello opens the conversation with a worker process
type hello struct {
	WorkerID int
	PoolID   string
	Func     int
	Init     int // -1 for no hook
	LogLevel slog.Level
	Registry []string
}

// request is a coordinator to worker frame
type request struct {
	Kind  frameKind
	Hello *hello
	// Index and Payload are set for task frames
	Index   int
	Payload []byte
}

// reply is a worker to coordinator frame
type reply struct {
	Kind    frameKind
	Index   int
	Payload []byte
	Err     *types.RemoteError
	Log     *logsink.Record
}

// taskArgs is the payload of a task frame
type taskArgs struct {
	Args   []wireValue
	Kwargs Kwargs
}

// wireValue is one argument or result encoded against the declared type of
// its parameter, so that the receiving side rebuilds a value of exactly
// that type. Nil marks nil pointers, slices, maps and interfaces, which gob
// cannot send on their own.
type wireValue struct {
	Nil  bool
	Data []byte
}

// interfaceBox carries values whose declared type is an interface; the
// dynamic type must be registered with gob.
type interfaceBox struct {
	V interface{}
}

func encodeValue(typ reflect.Type, v interface{}) (wireValue, error) {
	if v == nil {
		return wireValue{Nil: true}, nil
	}
	if typ.Kind() == reflect.Interface {
		data, err := encodePayload(interfaceBox{V: v})
		return wireValue{Data: data}, err
	}

	rv := reflect.ValueOf(v)
	if rv.Type() != typ {
		rv = rv.Convert(typ)
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Slice, reflect.Map:
		if rv.IsNil() {
			return wireValue{Nil: true}, nil
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).EncodeValue(rv); err != nil {
		return wireValue{}, err
	}
	return wireValue{Data: buf.Bytes()}, nil
}

func decodeValue(typ reflect.Type, w wireValue) (reflect.Value, error) {
	if w.Nil {
		return reflect.Zero(typ), nil
	}
	if typ.Kind() == reflect.Interface {
		var box interfaceBox
		if err := decodePayload(w.Data, &box); err != nil {
			return reflect.Value{}, err
		}
		if box.V == nil {
			return reflect.Zero(typ), nil
		}
		v := reflect.ValueOf(box.V)
		if !v.Type().AssignableTo(typ) {
			return reflect.Value{}, fmt.Errorf("decoded %s does not implement %s", v.Type(), typ)
		}
		return v, nil
	}

	ptr := reflect.New(typ)
	if err := gob.NewDecoder(bytes.NewReader(w.Data)).DecodeValue(ptr); err != nil {
		return reflect.Value{}, err
	}
	v := ptr.Elem()
	// gob does not tell empty from nil
	switch typ.Kind() {
	case reflect.Slice:
		if v.IsNil() {
			v.Set(reflect.MakeSlice(typ, 0, 0))
		}
	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(typ))
		}
	case reflect.Ptr:
		if v.IsNil() {
			v.Set(reflect.New(typ.Elem()))
		}
	}
	return v, nil
}

// encodeArgs encodes the positional arguments of a task for fn
func encodeArgs(fn *FuncValue, task Task) ([]byte, error) {
	in := taskArgs{Args: make([]wireValue, len(task.Args)), Kwargs: task.Kwargs}
	for i, arg := range task.Args {
		w, err := encodeValue(fn.args[i], arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		in.Args[i] = w
	}
	return encodePayload(in)
}

// decodeArgs is the worker side of encodeArgs
func decodeArgs(fn *FuncValue, data []byte) ([]interface{}, Kwargs, error) {
	var in taskArgs
	if err := decodePayload(data, &in); err != nil {
		return nil, nil, err
	}
	if len(in.Args) != len(fn.args) {
		return nil, nil, fmt.Errorf("function takes %d arguments, got %d", len(fn.args), len(in.Args))
	}
	args := make([]interface{}, len(in.Args))
	for i, w := range in.Args {
		v, err := decodeValue(fn.args[i], w)
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args[i] = v.Interface()
	}
	return args, in.Kwargs, nil
}

// encodeResult encodes the value returned by fn; functions without a value
// result send an empty payload.
func encodeResult(fn *FuncValue, value interface{}) ([]byte, error) {
	if fn.result == nil {
		return nil, nil
	}
	w, err := encodeValue(fn.result, value)
	if err != nil {
		return nil, err
	}
	return encodePayload(w)
}

// decodeResult rebuilds the value encoded by encodeResult. Interface results
// come back as their dynamic value, the way a local call returns them.
func decodeResult(fn *FuncValue, data []byte) (interface{}, error) {
	if fn.result == nil {
		return nil, nil
	}
	var w wireValue
	if err := decodePayload(data, &w); err != nil {
		return nil, err
	}
	v, err := decodeValue(fn.result, w)
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// encodePayload encodes v with its own gob stream so a payload can be
// checked for transferability before any process starts.
func encodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodePayload(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
