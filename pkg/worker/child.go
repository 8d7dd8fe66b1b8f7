package worker

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/jzx17/procsync/pkg/logsink"
	"github.com/jzx17/procsync/pkg/types"
)

var initialized int32

// Init prepares the process for worker pools and must be the first call in
// main (or TestMain) of every binary that dispatches. It sizes GOMAXPROCS to
// the CPU quota. When the process was started as a worker, Init serves tasks
// and exits; it never returns.
func Init() {
	atomic.StoreInt32(&initialized, 1)
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		slog.Default().Debug(fmt.Sprintf(format, args...))
	}))

	id, ok := os.LookupEnv(workerEnv)
	if !ok {
		return
	}
	workerID, err := strconv.Atoi(id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "procsync worker: bad %s=%q\n", workerEnv, id)
		os.Exit(2)
	}
	os.Exit(serve(workerID, os.NewFile(requestFD, "procsync-requests"), os.NewFile(replyFD, "procsync-replies")))
}

// IsWorker reports whether the current process was started as a worker
func IsWorker() bool {
	_, ok := os.LookupEnv(workerEnv)
	return ok
}

func isInitialized() bool {
	return atomic.LoadInt32(&initialized) != 0
}

type loggerKey struct{}

// Logger returns the logger of the running task. In a worker process it
// forwards to the pool's log sink. Without one it returns slog.Default().
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

func withLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// replyWriter serialises frames written by the serve loop and by log calls
// from any goroutine of the dispatched code.
type replyWriter struct {
	mu  sync.Mutex
	enc *gob.Encoder
}

func (w *replyWriter) send(r reply) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(&r)
}

func (w *replyWriter) sendLog(rec logsink.Record) error {
	return w.send(reply{Kind: frameLog, Log: &rec})
}

// serve runs the worker side of the protocol and returns the exit code
func serve(workerID int, in io.ReadCloser, out io.WriteCloser) int {
	seal()
	defer out.Close()
	defer in.Close()

	dec := gob.NewDecoder(bufio.NewReader(in))
	w := &replyWriter{enc: gob.NewEncoder(out)}

	var req request
	if err := dec.Decode(&req); err != nil || req.Kind != frameHello || req.Hello == nil {
		fmt.Fprintf(os.Stderr, "procsync worker %d: no hello from coordinator: %v\n", workerID, err)
		return 3
	}
	h := req.Hello

	if err := checkRegistry(h); err != nil {
		_ = w.send(reply{Kind: frameInitFailed, Err: types.NewRemoteError(err)})
		return 3
	}

	source := fmt.Sprintf("worker-%d", h.WorkerID)
	logger := slog.New(logsink.NewHandler(w.sendLog, h.LogLevel).WithSource(source))
	ctx := withLogger(context.Background(), logger)

	if h.Init >= 0 {
		if err := runInit(ctx, inits[h.Init], logger); err != nil {
			_ = w.send(reply{Kind: frameInitFailed, Err: types.NewRemoteError(err)})
			return 3
		}
	}
	if err := w.send(reply{Kind: frameReady}); err != nil {
		return 3
	}
	logger.Debug("worker ready", "pid", os.Getpid(), "pool", h.PoolID)

	fn := funcs[h.Func]
	served := 0
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return 0
			}
			fmt.Fprintf(os.Stderr, "procsync worker %d: decode request: %v\n", h.WorkerID, err)
			return 3
		}
		switch req.Kind {
		case frameShutdown:
			logger.Debug("worker stopping", "pid", os.Getpid(), "tasks", served)
			return 0
		case frameTask:
			if err := w.send(execute(ctx, fn, req)); err != nil {
				return 3
			}
			served++
		default:
			fmt.Fprintf(os.Stderr, "procsync worker %d: unexpected %s frame\n", h.WorkerID, req.Kind)
			return 3
		}
	}
}

func checkRegistry(h *hello) error {
	names := registryNames()
	if len(names) != len(h.Registry) {
		return fmt.Errorf("registry mismatch: coordinator has %d entries, worker has %d", len(h.Registry), len(names))
	}
	for i := range names {
		if names[i] != h.Registry[i] {
			return fmt.Errorf("registry mismatch at %d: coordinator has %s, worker has %s", i, h.Registry[i], names[i])
		}
	}
	if h.Func < 0 || h.Func >= len(funcs) {
		return fmt.Errorf("unknown function index %d", h.Func)
	}
	if h.Init >= len(inits) {
		return fmt.Errorf("unknown init hook index %d", h.Init)
	}
	return nil
}

// runInit runs a hook with panic recovery
func runInit(ctx context.Context, hook *InitValue, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &types.PanicError{Value: r}
		}
	}()
	return hook.fn(ctx, logger)
}

// execute runs one task frame; failures are captured in the reply
func execute(ctx context.Context, fn *FuncValue, req request) reply {
	r := reply{Kind: frameResult, Index: req.Index}

	args, kwargs, err := decodeArgs(fn, req.Payload)
	if err != nil {
		r.Err = &types.RemoteError{Type: "gob", Message: fmt.Sprintf("decode arguments: %v", err)}
		return r
	}

	value, err := fn.call(ctx, args, kwargs)
	if err != nil {
		r.Err = types.NewRemoteError(err)
		return r
	}
	payload, err := encodeResult(fn, value)
	if err != nil {
		r.Err = &types.RemoteError{Type: "gob", Message: fmt.Sprintf("encode result: %v", err)}
		return r
	}
	r.Payload = payload
	return r
}
