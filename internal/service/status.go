package service

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"github.com/google/uuid"
)

// Status is the completion state of a Job Record.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for _, st := range []Status{StatusPending, StatusSucceeded, StatusFailed, StatusCancelled} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// UnitFailure is returned by Supervisor.Wait for the first failed unit.
type UnitFailure struct {
	ID       uuid.UUID
	Name     string
	ExitCode int
	Err      error
}

func (f *UnitFailure) Error() string {
	msg := fmt.Sprintf("unit %s failed: exit code %d", f.Name, f.ExitCode)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *UnitFailure) Unwrap() error {
	return f.Err
}

// exit status of partest cancelled without a known signal, as sh reports SIGINT
const exitInterrupted = 130

// InterruptError is the cancellation cause of a run stopped by a signal sent
// to partest. It matches context.Canceled.
type InterruptError struct {
	Signal syscall.Signal
}

func (e *InterruptError) Error() string {
	return "interrupted by signal: " + e.Signal.String()
}

func (e *InterruptError) Unwrap() error {
	return context.Canceled
}

// ExitCode follows the shell convention, 128+n for signal n.
func (e *InterruptError) ExitCode() int {
	return 128 + int(e.Signal)
}

// ExitCode maps the outcome of a run to the process exit status: 0 for nil,
// the unit's code for a *UnitFailure, 128+n for a run interrupted by signal
// n, 130 for other cancellations and 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var failure *UnitFailure
	if errors.As(err, &failure) {
		if failure.ExitCode > 0 {
			return failure.ExitCode
		}
		return 1
	}
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return interrupt.ExitCode()
	}
	if errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	return 1
}
