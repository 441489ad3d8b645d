package service

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnitNotStarted = errors.New("unit not started")
	ErrUnitInProgress = errors.New("unit in progress")
	ErrUnitTimeout    = errors.New("unit timed out")

	errUnitTerminated = errors.New("unit terminated")
)

// exit codes as sh and timeout(1) report them
const (
	exitTimedOut = 124
	exitNotExec  = 126
	exitNotFound = 127
)

const (
	minWaitDelay = time.Second
	reapSlack    = time.Second
)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
	Grace   time.Duration // SIGTERM to SIGKILL delay on termination, zero kills at once
}

type Result struct {
	ID       uuid.UUID
	Name     string
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	State    *os.ProcessState
	ExitCode int
	Status   Status
	TimedOut bool
	Err      error
}

// Failed reports whether the unit counts as failed. Cancelled units do not.
func (r Result) Failed() bool {
	return r.Status == StatusFailed
}

// Runner runs a single unit process in its own process group and
// delivers exactly one Result per started command to the results channel.
type Runner struct {
	mx          sync.RWMutex
	id          uuid.UUID
	name        string
	cmd         *exec.Cmd
	cancelFunc  context.CancelCauseFunc
	stopTimeout context.CancelFunc
	terminated  bool
	signalled   atomic.Bool
	grace       time.Duration
	result      Result
	results     chan<- Result
	quit        <-chan struct{}
}

// NewRunner returns a runner reporting to results. A closed quit makes
// pending deliveries give up.
func NewRunner(id uuid.UUID, name string, results chan<- Result, quit <-chan struct{}) *Runner {
	return &Runner{
		id:      id,
		name:    name,
		result:  Result{ID: id, Name: name, Err: ErrUnitNotStarted},
		results: results,
		quit:    quit,
	}
}

func (r *Runner) ID() uuid.UUID {
	return r.id
}

// Start runs the underlying process and returns ErrUnitInProgress or an exec
// error, otherwise nil. It does NOT wait on the command to finish: the
// Result arrives on the results channel. A command which cannot be started
// is delivered as a failed Result too.
func (r *Runner) Start(ctx context.Context, proto Command, stdout, stderr io.Writer) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrUnitInProgress
	}

	r.result = Result{
		ID:   r.id,
		Name: r.name,
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}
	r.terminated = false
	r.signalled.Store(false)
	r.grace = proto.Grace

	ctx, r.cancelFunc = context.WithCancelCause(ctx)
	r.stopTimeout = func() {}
	if proto.Timeout > 0 {
		ctx, r.stopTimeout = context.WithTimeoutCause(ctx, proto.Timeout, ErrUnitTimeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return r.stop(cmd.Process)
	}
	cmd.WaitDelay = max(proto.Grace, minWaitDelay)

	out := newStream(stdout)
	errs := newStream(stderr)
	cmd.Stdout = out.w
	cmd.Stderr = errs.w

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.result.Status = StatusFailed
		r.result.ExitCode = startExitCode(err)
		r.cancelFunc(err)
		r.stopTimeout()
		go r.deliver(r.result)
		return err
	}
	slog.DebugContext(ctx, "unit started", "pid", cmd.Process.Pid, "path", proto.Path, "args", proto.Args)

	r.cmd = cmd
	go r.wait(ctx, cmd, out, errs)
	return nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, streams ...stream) {
	err := cmd.Wait()
	for _, s := range streams {
		s.flush()
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	// Terminate sets the cause under the lock
	cause := context.Cause(ctx)
	r.stopTimeout()
	r.cancelFunc(nil)
	if r.terminated {
		// sweep whatever survived the grace period in the group
		_ = killGroup(cmd.Process)
	}

	res := r.result
	res.Stopped = stopped
	res.State = cmd.ProcessState
	res.Err = err
	res.ExitCode = exitCode(cmd.ProcessState)
	switch {
	case errors.Is(cause, ErrUnitTimeout):
		res.TimedOut = true
		res.Status = StatusFailed
		if res.ExitCode == 0 {
			res.ExitCode = exitTimedOut
		}
		res.Err = errors.Join(ErrUnitTimeout, err)
	case cause != nil:
		res.Status = StatusCancelled
	case res.ExitCode != 0:
		res.Status = StatusFailed
	default:
		res.Status = StatusSucceeded
		if errors.Is(err, exec.ErrWaitDelay) {
			slog.WarnContext(ctx, "unit exited, but its output was kept open", "error", err)
		}
	}
	r.result = res
	r.cmd = nil
	r.mx.Unlock()

	slog.DebugContext(ctx, "unit stopped", "exit_code", res.ExitCode, "status", res.Status.String())
	r.deliver(res)
}

func (r *Runner) deliver(res Result) {
	select {
	case r.results <- res:
	case <-r.quit:
	}
}

// Terminate asks a running unit to stop: SIGTERM to its process group,
// SIGKILL once the grace period passed. It does not wait, the Result is
// delivered as usual with StatusCancelled.
func (r *Runner) Terminate() error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		return nil
	}
	r.terminated = true
	err := r.stop(r.cmd.Process)
	r.cancelFunc(errUnitTerminated)
	return err
}

// stop signals the process group once, further calls are no-ops.
func (r *Runner) stop(p *os.Process) error {
	if r.signalled.Swap(true) {
		return nil
	}
	var err error
	if r.grace <= 0 {
		err = killGroup(p)
	} else {
		err = terminateGroup(p)
	}
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// Result returns the last command result, or a result with
// ErrUnitNotStarted if nothing ran yet.
func (r *Runner) Result() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}

func startExitCode(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return exitNotFound
	}
	return exitNotExec
}
