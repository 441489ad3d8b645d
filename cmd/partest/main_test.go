package main

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/CZERTAINLY/partest/internal/model"
	"github.com/CZERTAINLY/partest/internal/service"
	"github.com/stretchr/testify/require"
)

const testConfig = `
version: 0
supervisor:
  siblings: leave
  grace: 10s
  output: raw
units:
  - name: unit
    command: ["pytest"]
    filter: "not integration"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "partest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func ptr[T any](v T) *T {
	return &v
}

func TestBuildConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, testConfig)

	t.Run("file only", func(t *testing.T) {
		cfg, err := buildConfig(path, model.Overrides{}, runFlags{})
		require.NoError(t, err)
		require.Equal(t, model.SiblingsLeave, cfg.Supervisor.Siblings)
		require.Equal(t, 10*time.Second, cfg.Supervisor.Grace)
		require.Len(t, cfg.Units, 1)
		require.Nil(t, cfg.Supervisor.Report)
	})

	t.Run("precedence", func(t *testing.T) {
		overrides := model.Overrides{
			Siblings: ptr(model.SiblingsKill),
			Grace:    ptr(time.Second),
			Output:   ptr(model.OutputDiscard),
		}
		flags := runFlags{
			units:     []string{"e2e:make e2e", "make lint"},
			grace:     ptr(2 * time.Second),
			verbose:   ptr(true),
			reportDir: "/tmp",
		}
		cfg, err := buildConfig(path, overrides, flags)
		require.NoError(t, err)
		require.Equal(t, model.SiblingsKill, cfg.Supervisor.Siblings, "environment beats file")
		require.Equal(t, 2*time.Second, cfg.Supervisor.Grace, "flag beats environment")
		require.Equal(t, model.OutputDiscard, cfg.Supervisor.Output)
		require.True(t, cfg.Supervisor.Verbose)
		require.Equal(t, &model.Report{Dir: "/tmp"}, cfg.Supervisor.Report)

		require.Len(t, cfg.Units, 3)
		require.Equal(t, model.Unit{Name: "e2e", Shell: "make e2e"}, cfg.Units[1])
		require.Equal(t, model.Unit{Name: "unit3", Shell: "make lint"}, cfg.Units[2])
	})

	t.Run("no config file", func(t *testing.T) {
		cfg, err := buildConfig("", model.Overrides{}, runFlags{units: []string{"true"}})
		require.NoError(t, err)
		require.Equal(t, model.DefaultGrace, cfg.Supervisor.Grace)
		require.Equal(t, []model.Unit{{Name: "unit1", Shell: "true"}}, cfg.Units)
	})

	t.Run("invalid override", func(t *testing.T) {
		_, err := buildConfig("", model.Overrides{Siblings: ptr("ignore")}, runFlags{})
		require.Error(t, err)
		details := model.ConfigErrDetails(err)
		require.Len(t, details, 1)
		require.Equal(t, "supervisor.siblings", details[0].Path)
	})

	t.Run("duplicate unit", func(t *testing.T) {
		_, err := buildConfig(path, model.Overrides{}, runFlags{units: []string{"unit:make test"}})
		require.Error(t, err)
		require.Equal(t, model.CodeDuplicate, model.ConfigErrDetails(err)[0].Code)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := buildConfig(filepath.Join(t.TempDir(), "nope.yaml"), model.Overrides{}, runFlags{})
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestExists(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, testConfig)
	require.True(t, exists(path))
	require.False(t, exists(filepath.Dir(path)))
	require.False(t, exists(filepath.Join(filepath.Dir(path), "missing")))
}

func TestCancelOnSignal(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		signal   os.Signal
		exitCode int
	}{
		{syscall.SIGINT, 130},
		{syscall.SIGTERM, 143},
	}
	for _, tt := range testCases {
		t.Run(tt.signal.String(), func(t *testing.T) {
			t.Parallel()
			ch := make(chan os.Signal, 1)
			ctx, stop := cancelOnSignal(t.Context(), ch)
			t.Cleanup(stop)

			ch <- tt.signal
			<-ctx.Done()
			cause := context.Cause(ctx)
			require.ErrorIs(t, cause, context.Canceled)
			var interrupt *service.InterruptError
			require.ErrorAs(t, cause, &interrupt)
			require.Equal(t, tt.exitCode, service.ExitCode(cause))
		})
	}

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		ctx, stop := cancelOnSignal(t.Context(), make(chan os.Signal))
		stop()
		<-ctx.Done()
		require.Equal(t, context.Canceled, context.Cause(ctx))
	})
}
