package worker

import (
	"bufio"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jzx17/procsync/pkg/logsink"
	"github.com/jzx17/procsync/pkg/metrics"
	"github.com/jzx17/procsync/pkg/types"
)

// processState defines the state of a worker process
type processState int32

const (
	// processStateStarting represents a process before its handshake
	processStateStarting processState = iota
	// processStateIdle represents a process waiting for a task
	processStateIdle
	// processStateWorking represents a process running a task
	processStateWorking
	// processStateStopped represents a process that exited normally
	processStateStopped
	// processStateCrashed represents a process that terminated abnormally
	processStateCrashed
)

// String returns the string representation of processState
func (ps processState) String() string {
	switch ps {
	case processStateStarting:
		return "starting"
	case processStateIdle:
		return "idle"
	case processStateWorking:
		return "working"
	case processStateStopped:
		return "stopped"
	case processStateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

var errReplyStreamClosed = errors.New("reply stream closed")

// process is the coordinator's handle on one worker process
type process struct {
	id     int
	cmd    *exec.Cmd
	state  int32 // atomic processState
	clock  types.Clock
	logger *slog.Logger

	reqFile *os.File
	enc     *gob.Encoder

	// replies carries every non-log frame; it is closed when the reply
	// stream ends. Once abandoned, frames nobody waits for are dropped.
	replies     chan reply
	readErr     error
	abandoned   chan struct{}
	abandonOnce sync.Once

	// pumps tracks the output pumps and the reply reader
	pumps    sync.WaitGroup
	waitOnce sync.Once
	waitDone chan struct{}
	exitErr  error
}

// startProcess re-executes the current binary as worker id
func startProcess(id int, poolID string, cfg *Config, sink *logsink.Sink, logger *slog.Logger) (*process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	repR, repW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, err
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeAll(reqR, reqW, repR, repW)
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeAll(reqR, reqW, repR, repW, outR, outW)
		return nil, err
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env, workerEnv+"="+strconv.Itoa(id), poolEnv+"="+poolID)
	cmd.Stdout = outW
	cmd.Stderr = errW
	// ExtraFiles[i] becomes fd 3+i in the child
	cmd.ExtraFiles = []*os.File{reqR, repW}

	err = cmd.Start()
	// the child holds its own copies now
	closeAll(reqR, repW, outW, errW)
	if err != nil {
		closeAll(reqW, repR, outR, errR)
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}
	metrics.WorkersSpawned.Inc()

	p := &process{
		id:        id,
		cmd:       cmd,
		state:     int32(processStateStarting),
		clock:     cfg.Clock,
		logger:    logger.With("worker", id, "pid", cmd.Process.Pid),
		reqFile:   reqW,
		enc:       gob.NewEncoder(reqW),
		replies:   make(chan reply, 1),
		abandoned: make(chan struct{}),
		waitDone:  make(chan struct{}),
	}

	source := fmt.Sprintf("worker-%d", id)
	p.pumps.Add(3)
	go p.pumpLines(outR, sink, source, "stdout", slog.LevelInfo)
	go p.pumpLines(errR, sink, source, "stderr", slog.LevelWarn)
	go p.readReplies(repR, sink)

	p.logger.Debug("worker process started")
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// PID returns the operating system process id
func (p *process) PID() int {
	return p.cmd.Process.Pid
}

// State returns the current process state
func (p *process) State() processState {
	return processState(atomic.LoadInt32(&p.state))
}

func (p *process) setState(s processState) {
	atomic.StoreInt32(&p.state, int32(s))
}

// pumpLines forwards the plain output of the process to the sink
func (p *process) pumpLines(r io.ReadCloser, sink *logsink.Sink, source, stream string, level slog.Level) {
	defer p.pumps.Done()
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		_ = sink.Submit(logsink.Record{
			Time:    p.clock.Now(),
			Level:   level,
			Message: scanner.Text(),
			Attrs:   []logsink.Attr{{Key: "stream", Value: stream}},
			Source:  source,
		})
	}
}

// readReplies routes log frames to the sink and everything else to replies
func (p *process) readReplies(r io.ReadCloser, sink *logsink.Sink) {
	defer p.pumps.Done()
	defer close(p.replies)
	defer r.Close()

	dec := gob.NewDecoder(bufio.NewReader(r))
	for {
		var rep reply
		if err := dec.Decode(&rep); err != nil {
			if errors.Is(err, io.EOF) {
				err = errReplyStreamClosed
			}
			p.readErr = err
			return
		}
		if rep.Kind == frameLog {
			if rep.Log != nil {
				_ = sink.Submit(*rep.Log)
			}
			continue
		}
		select {
		case p.replies <- rep:
		case <-p.abandoned:
		}
	}
}

// abandon stops delivery of frames to replies
func (p *process) abandon() {
	p.abandonOnce.Do(func() { close(p.abandoned) })
}

func (p *process) send(req request) error {
	return p.enc.Encode(&req)
}

// handshake sends hello and waits for ready within timeout
func (p *process) handshake(h hello, timeout time.Duration) *types.WorkerCrashedError {
	if err := p.send(request{Kind: frameHello, Hello: &h}); err != nil {
		return p.crash(-1, fmt.Errorf("send hello: %w", err))
	}

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rep, ok := <-p.replies:
		if !ok {
			return p.crash(-1, p.readErr)
		}
		switch rep.Kind {
		case frameReady:
			p.setState(processStateIdle)
			return nil
		case frameInitFailed:
			return p.crash(-1, fmt.Errorf("worker init failed: %w", rep.Err))
		default:
			return p.crash(-1, fmt.Errorf("unexpected %s frame during handshake", rep.Kind))
		}
	case <-timer.C():
		return p.crash(-1, fmt.Errorf("no handshake within %v; does main call worker.Init?", timeout))
	}
}

// run sends one task and waits for its result
func (p *process) run(fn *FuncValue, index int, payload []byte) Result {
	p.setState(processStateWorking)

	if err := p.send(request{Kind: frameTask, Index: index, Payload: payload}); err != nil {
		return Result{Index: index, Err: p.crash(index, fmt.Errorf("send task: %w", err))}
	}

	rep, ok := <-p.replies
	if !ok {
		return Result{Index: index, Err: p.crash(index, p.readErr)}
	}
	if rep.Kind != frameResult || rep.Index != index {
		return Result{Index: index, Err: p.crash(index, fmt.Errorf("unexpected %s frame for task %d", rep.Kind, rep.Index))}
	}
	p.setState(processStateIdle)

	if rep.Err != nil {
		return Result{Index: index, Err: rep.Err}
	}
	value, err := decodeResult(fn, rep.Payload)
	if err != nil {
		return Result{Index: index, Err: &types.RemoteError{Type: "gob", Message: fmt.Sprintf("decode result: %v", err)}}
	}
	return Result{Index: index, Value: value}
}

// crash kills and reaps the process and describes the failure
func (p *process) crash(taskIndex int, cause error) *types.WorkerCrashedError {
	p.setState(processStateCrashed)
	p.abandon()
	_ = p.cmd.Process.Kill()
	p.wait()
	metrics.WorkerCrashes.Inc()

	err := &types.WorkerCrashedError{
		WorkerID:  p.id,
		PID:       p.PID(),
		TaskIndex: taskIndex,
		Cause:     cause,
	}
	if ps := p.cmd.ProcessState; ps != nil {
		err.State = ps.String()
	}
	p.logger.Warn("worker crashed", "task", taskIndex, "error", err)
	return err
}

// wait reaps the process once and drains its output and log frames
func (p *process) wait() {
	p.waitOnce.Do(func() {
		p.exitErr = p.cmd.Wait()
		p.reqFile.Close()
		p.pumps.Wait()
		close(p.waitDone)
	})
	<-p.waitDone
}

// shutdown asks the process to exit and kills it after timeout
func (p *process) shutdown(timeout time.Duration) error {
	if p.State() == processStateCrashed {
		return nil
	}
	_ = p.send(request{Kind: frameShutdown})
	p.reqFile.Close()
	p.abandon()

	go p.wait()

	timer := p.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.waitDone:
	case <-timer.C():
		p.logger.Warn("worker did not exit in time, killing it", "timeout", timeout)
		_ = p.cmd.Process.Kill()
		<-p.waitDone
	}
	p.setState(processStateStopped)
	if p.exitErr != nil {
		return fmt.Errorf("worker %d exit: %w", p.id, p.exitErr)
	}
	return nil
}
