package service_test

import (
	"os/exec"
	"testing"
	"time"

	"github.com/CZERTAINLY/partest/internal/service"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	results := make(chan service.Result)
	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	id := uuid.New()
	runner := service.NewRunner(id, "golang", results, quit)
	t.Run("not yet started", func(t *testing.T) {
		res := runner.Result()
		require.ErrorIs(t, res.Err, service.ErrUnitNotStarted)
		require.Equal(t, service.StatusPending, res.Status)
	})

	cmd := service.Command{
		Path:    sh,
		Args:    []string{"-c", "echo golang; echo golang; sleep 10"},
		Env:     []string{"LC_ALL=C"},
		Timeout: 100 * time.Millisecond,
		Grace:   time.Second,
	}
	ctx := t.Context()
	var stdout safeBuffer

	t.Run("start", func(t *testing.T) {
		err := runner.Start(ctx, cmd, &stdout, nil)
		require.NoError(t, err)
		res := runner.Result()
		require.NoError(t, res.Err)
	})
	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(ctx, cmd, nil, nil)
		require.Error(t, err)
		require.ErrorIs(t, err, service.ErrUnitInProgress)
	})
	t.Run("wait", func(t *testing.T) {
		res := <-results
		require.Equal(t, id, res.ID)
		require.Equal(t, "golang", res.Name)
		require.Equal(t, sh, res.Path)
		require.Equal(t, cmd.Args, res.Args)
		require.NotZero(t, res.Started)
		require.NotZero(t, res.Stopped)
		require.GreaterOrEqual(t, res.Stopped.Sub(res.Started), 100*time.Millisecond)
		require.Less(t, res.Stopped.Sub(res.Started), 5*time.Second)
		require.True(t, res.TimedOut)
		require.True(t, res.Failed())
		require.Equal(t, 143, res.ExitCode)
		require.ErrorIs(t, res.Err, service.ErrUnitTimeout)
		var exitErr *exec.ExitError
		require.ErrorAs(t, res.Err, &exitErr)
		require.Equal(t, "golang\ngolang\n", stdout.String())
	})
	t.Run("exec error", func(t *testing.T) {
		noCmd := service.Command{
			Path: "does not exist",
		}
		err := runner.Start(ctx, noCmd, nil, nil)
		require.Error(t, err)
		var execErr *exec.Error
		require.ErrorAs(t, err, &execErr)
		require.Equal(t, noCmd.Path, execErr.Name)
		require.EqualError(t, execErr.Err, "executable file not found in $PATH")

		res := <-results
		require.True(t, res.Failed())
		require.Equal(t, 127, res.ExitCode)
		require.ErrorAs(t, res.Err, &execErr)
	})
}

func TestRunner_Terminate(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	results := make(chan service.Result)
	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	runner := service.NewRunner(uuid.New(), "sleeper", results, quit)
	require.NoError(t, runner.Terminate(), "terminate of a stopped runner is a no-op")

	cmd := service.Command{
		Path:  sh,
		Args:  []string{"-c", "sleep 10; exit 0"},
		Grace: time.Second,
	}
	err := runner.Start(t.Context(), cmd, nil, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, runner.Terminate())
	res := <-results
	require.Less(t, time.Since(start), 5*time.Second)
	require.Equal(t, service.StatusCancelled, res.Status)
	require.False(t, res.Failed())
	require.Equal(t, 143, res.ExitCode)
}

func TestRunner_Exit(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	var testCases = []struct {
		scenario string
		script   string
		status   service.Status
		exitCode int
	}{
		{"success", "exit 0", service.StatusSucceeded, 0},
		{"failure", "exit 3", service.StatusFailed, 3},
		{"killed", "kill -9 $$", service.StatusFailed, 137},
		{"terminated", "kill -TERM $$", service.StatusFailed, 143},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			results := make(chan service.Result)
			quit := make(chan struct{})
			t.Cleanup(func() { close(quit) })

			runner := service.NewRunner(uuid.New(), tt.scenario, results, quit)
			err := runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", tt.script}}, nil, nil)
			require.NoError(t, err)
			res := <-results
			require.Equal(t, tt.status, res.Status)
			require.Equal(t, tt.exitCode, res.ExitCode)
			require.Equal(t, res, runner.Result())
		})
	}
}

func TestStreams(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; printf 'stderr\\nstderr\\n' 1>&2"},
	}

	results := make(chan service.Result)
	quit := make(chan struct{})
	t.Cleanup(func() { close(quit) })

	var stdout, stderr safeBuffer
	runner := service.NewRunner(uuid.New(), "streams", results, quit)
	err := runner.Start(t.Context(), cmd, &stdout, &stderr)
	require.NoError(t, err)
	res := <-results
	require.Equal(t, service.StatusSucceeded, res.Status)
	require.Equal(t, "stdout\n", stdout.String())
	require.Equal(t, "stderr\nstderr\n", stderr.String())
}
