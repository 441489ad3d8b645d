package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/partest/internal/log"
	"github.com/CZERTAINLY/partest/internal/model"
)

var ErrSupervisorClosed = errors.New("supervisor closed")

// record is a Job Record: one launched unit which was not observed yet.
type record struct {
	unit   model.Unit
	runner *Runner
}

// Supervisor launches units and waits for any of them to complete. It is
// not safe for concurrent use: Launch, Wait, Terminate and Close must be
// called from the same goroutine, which owns the outstanding set.
type Supervisor struct {
	cfg         model.Supervisor
	runID       uuid.UUID
	started     time.Time
	outMx       sync.Mutex
	stdout      io.Writer
	stderr      io.Writer
	outstanding map[uuid.UUID]*record
	done        chan Result
	quit        chan struct{}
	closed      bool
	results     []Result
	launched    []Result
}

func NewSupervisor(cfg model.Supervisor) *Supervisor {
	return &Supervisor{
		cfg:         cfg,
		runID:       uuid.New(),
		started:     time.Now().UTC(),
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		outstanding: make(map[uuid.UUID]*record),
		done:        make(chan Result),
		quit:        make(chan struct{}),
	}
}

// WithOutput changes where unit output and diagnostics go. Call it before
// the first Launch.
func (s *Supervisor) WithOutput(stdout, stderr io.Writer) *Supervisor {
	s.stdout = stdout
	s.stderr = stderr
	return s
}

func (s *Supervisor) RunID() uuid.UUID {
	return s.runID
}

// Launch starts the unit and records it in the outstanding set. A unit
// which fails to start stays recorded: its failure is observed by Wait like
// any other completion.
func (s *Supervisor) Launch(ctx context.Context, unit model.Unit) (uuid.UUID, error) {
	if s.closed {
		return uuid.Nil, ErrSupervisorClosed
	}
	argv := unit.Argv()
	if len(argv) == 0 {
		return uuid.Nil, errors.New("unit " + unit.Name + ": empty command")
	}

	id := uuid.New()
	ctx = log.ContextAttrs(ctx,
		slog.String("unit_name", unit.Name),
		slog.String("unit_id", id.String()),
	)
	runner := NewRunner(id, unit.Name, s.done, s.quit)
	s.outstanding[id] = &record{unit: unit, runner: runner}

	stdout, stderr := s.unitOutput(unit.Name)
	cmd := Command{
		Path:    argv[0],
		Args:    argv[1:],
		Env:     unit.Environ(os.Environ()),
		Timeout: unit.Timeout,
		Grace:   s.cfg.Grace,
	}
	if err := runner.Start(ctx, cmd, stdout, stderr); err != nil {
		slog.ErrorContext(ctx, "unit can't be started", "error", err)
	} else {
		slog.InfoContext(ctx, "unit launched", "argv", argv)
	}
	s.launched = append(s.launched, Result{ID: id, Name: unit.Name, Path: cmd.Path, Args: cmd.Args})
	return id, nil
}

// Outstanding returns the number of launched units not observed yet.
func (s *Supervisor) Outstanding() int {
	return len(s.outstanding)
}

// Results returns the observed results in completion order.
func (s *Supervisor) Results() []Result {
	return append([]Result(nil), s.results...)
}

// Wait blocks until all outstanding units succeed, returning nil, or until
// the first of them fails, returning a *UnitFailure without waiting for the
// rest. Siblings of a failed unit are handled according to the siblings
// policy. A cancelled ctx terminates every outstanding unit and returns
// its cause.
func (s *Supervisor) Wait(ctx context.Context) error {
	if s.closed {
		return ErrSupervisorClosed
	}
	for len(s.outstanding) > 0 {
		select {
		case <-ctx.Done():
			return s.interrupted(ctx)
		case result := <-s.done:
			if !s.observe(ctx, result) {
				continue
			}
			switch {
			case result.Failed():
				failure := &UnitFailure{
					ID:       result.ID,
					Name:     result.Name,
					ExitCode: result.ExitCode,
					Err:      result.Err,
				}
				slog.ErrorContext(ctx, "unit failed", "unit_name", result.Name, "exit_code", result.ExitCode, "error", result.Err)
				s.diagnose(failure)
				s.applyPolicy(ctx)
				return failure
			case result.Status == StatusCancelled && ctx.Err() != nil:
				// units launched with ctx see the cancellation first
				return s.interrupted(ctx)
			default:
				slog.DebugContext(ctx, "unit completed", "unit_name", result.Name, "status", result.Status.String(), "outstanding", len(s.outstanding))
			}
		}
	}
	return nil
}

func (s *Supervisor) interrupted(ctx context.Context) error {
	slog.WarnContext(ctx, "supervisor interrupted: terminating units", "outstanding", len(s.outstanding))
	s.Terminate(ctx)
	return context.Cause(ctx)
}

// observe removes the record of a completed unit, it returns false for
// results not matching any outstanding record.
func (s *Supervisor) observe(ctx context.Context, result Result) bool {
	if _, ok := s.outstanding[result.ID]; !ok {
		slog.WarnContext(ctx, "result of unknown unit: ignoring", "unit_name", result.Name, "unit_id", result.ID.String())
		return false
	}
	delete(s.outstanding, result.ID)
	s.results = append(s.results, result)
	return true
}

func (s *Supervisor) applyPolicy(ctx context.Context) {
	if len(s.outstanding) == 0 {
		return
	}
	switch s.cfg.Siblings {
	case model.SiblingsLeave:
		slog.InfoContext(ctx, "leaving siblings running", "outstanding", len(s.outstanding))
	default:
		slog.InfoContext(ctx, "terminating siblings", "outstanding", len(s.outstanding))
		s.Terminate(ctx)
	}
}

// Terminate stops every outstanding unit and reaps them, waiting at most
// for the grace period plus a small slack.
func (s *Supervisor) Terminate(ctx context.Context) {
	if len(s.outstanding) == 0 {
		return
	}
	var g errgroup.Group
	for _, rec := range s.outstanding {
		g.Go(func() error {
			if err := rec.runner.Terminate(); err != nil {
				return fmt.Errorf("terminating unit %s: %w", rec.unit.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "terminating units", "error", err)
	}

	deadline := time.NewTimer(max(s.cfg.Grace, minWaitDelay) + reapSlack)
	defer deadline.Stop()
	for len(s.outstanding) > 0 {
		select {
		case result := <-s.done:
			s.observe(ctx, result)
		case <-deadline.C:
			names := make([]string, 0, len(s.outstanding))
			for _, rec := range s.outstanding {
				names = append(names, rec.unit.Name)
			}
			slog.WarnContext(ctx, "units did not stop in time", "units", names)
			return
		}
	}
}

// Close releases the supervisor. Outstanding units are terminated under the
// kill policy and left running under the leave policy; either way their
// completions are no longer observed.
func (s *Supervisor) Close() {
	if s.closed {
		return
	}
	if s.cfg.Siblings != model.SiblingsLeave {
		s.Terminate(context.Background())
	}
	s.closed = true
	close(s.quit)
}

func (s *Supervisor) unitOutput(name string) (io.Writer, io.Writer) {
	switch s.cfg.Output {
	case model.OutputDiscard:
		return nil, nil
	case model.OutputRaw:
		return s.raw(s.stdout), s.raw(s.stderr)
	default:
		return s.prefixed(name, s.stdout), s.prefixed(name, s.stderr)
	}
}

// prefixed wraps w in a prefixWriter. Under the leave policy units may
// outlive partest and its pipes, so files are handed to them unprefixed.
func (s *Supervisor) prefixed(name string, w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok && s.cfg.Siblings == model.SiblingsLeave {
		return f
	}
	return newPrefixWriter(name, s.locked(w))
}

// raw hands files to the unit directly, so it keeps writing there even
// after partest exited.
func (s *Supervisor) raw(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok {
		return f
	}
	return s.locked(w)
}

func (s *Supervisor) locked(w io.Writer) io.Writer {
	return syncWriter{mx: &s.outMx, w: w}
}

func (s *Supervisor) diagnose(failure *UnitFailure) {
	c := color.New(color.FgRed, color.Bold)
	if f, ok := s.stderr.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		c.DisableColor()
	}
	s.outMx.Lock()
	defer s.outMx.Unlock()
	_, _ = c.Fprintf(s.stderr, "FAIL %s: exit code %d\n", failure.Name, failure.ExitCode)
}
