package service

import (
	"context"
	"io"
	"log/slog"

	"github.com/CZERTAINLY/partest/internal/model"
)

// Run implements the CLI run command: it launches every configured unit,
// waits for all of them or the first failure and hands the report to the
// reporters. Reporter errors are logged only, they never change the result.
func Run(ctx context.Context, cfg model.Config, stdout, stderr io.Writer, reporters ...Reporter) error {
	supervisor := NewSupervisor(cfg.Supervisor).WithOutput(stdout, stderr)
	defer supervisor.Close()
	defer closeReporters(ctx, reporters)

	if len(cfg.Units) == 0 {
		slog.WarnContext(ctx, "no units configured")
	}
	for _, unit := range cfg.Units {
		if _, err := supervisor.Launch(ctx, unit); err != nil {
			supervisor.Terminate(ctx)
			return err
		}
	}

	err := supervisor.Wait(ctx)

	rep := supervisor.Report(err)
	slog.InfoContext(ctx, "run finished",
		"run_id", rep.RunID.String(),
		"status", rep.Status,
		"exit_code", rep.ExitCode,
		"units", len(rep.Units),
	)
	// ctx may be done already
	if rerr := report(context.WithoutCancel(ctx), reporters, rep); rerr != nil {
		slog.ErrorContext(ctx, "reporting have failed", "error", rerr)
	}
	return err
}
