package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/CZERTAINLY/partest/internal/log"
	"github.com/CZERTAINLY/partest/internal/model"
	"github.com/CZERTAINLY/partest/internal/service"

	"github.com/spf13/cobra"
)

const defaultConfigName = "partest.yaml"

var (
	configPath string // actual config file used (if loaded)
	config     model.Config

	flagConfigFilePath string   // value of --config flag
	flagVerbose        bool     // value of --verbose flag
	flagUnits          []string // values of --unit flags
	flagSiblings       string
	flagGrace          time.Duration
	flagOutput         string
	flagReportDir      string
	flagReportURL      string
)

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVarP(&flagConfigFilePath, "config", "c", "", "Config file to load - default is "+defaultConfigName+" in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	runCmd.Flags().StringArrayVarP(&flagUnits, "unit", "u", nil, "Unit to run in the format '[alias:]command', allowing multiple -u flags")
	runCmd.Flags().StringVar(&flagSiblings, "siblings", model.SiblingsKill, "What happens to running units once one fails: kill or leave (leave does not prefix output going to a terminal or file)")
	runCmd.Flags().DurationVar(&flagGrace, "grace", model.DefaultGrace, "Delay between SIGTERM and SIGKILL for killed units")
	runCmd.Flags().StringVar(&flagOutput, "output", model.OutputPrefix, "Unit output: prefix, raw or discard")
	runCmd.Flags().StringVar(&flagReportDir, "report-dir", "", "Directory to store the JSON run report in")
	runCmd.Flags().StringVar(&flagReportURL, "report-url", "", "URL to POST the JSON run report to")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	runCmd.PreRunE = initPartest

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var failure *service.UnitFailure
		if !errors.As(err, &failure) && !errors.Is(err, context.Canceled) {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
		}
		slog.Error("partest failed", "err", err)
		os.Exit(service.ExitCode(err))
	}
}

// notifyContext is signal.NotifyContext recording the received signal as
// the cancellation cause, so the exit status tells SIGINT from SIGTERM.
func notifyContext(parent context.Context, signals ...os.Signal) (context.Context, context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	ctx, stop := cancelOnSignal(parent, ch)
	return ctx, func() {
		signal.Stop(ch)
		stop()
	}
}

func cancelOnSignal(parent context.Context, ch <-chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	go func() {
		select {
		case sig := <-ch:
			var cause error = context.Canceled
			if s, ok := sig.(syscall.Signal); ok {
				cause = &service.InterruptError{Signal: s}
			}
			cancel(cause)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(nil) }
}

var rootCmd = &cobra.Command{
	Use:          "partest",
	Short:        "Runs test units in parallel and fails fast on the first failure",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run command launches all configured units and waits for them",
	Long: `run command launches all configured units and waits for them.

Exit status is 0 when every unit succeeded, the exit code of the first failed
unit otherwise. A run interrupted by a signal exits with 128+n, that is 130
for SIGINT and 143 for SIGTERM. Any other error exits with 1.`,
	Args:  cobra.NoArgs,
	RunE:  doRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a partest",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("partest: version info not available")
			return
		}

		fmt.Printf("partest: %s\n", info.Main.Version)
		fmt.Printf("go:      %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:  %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:    %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:   %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("partest",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	reporters, err := service.Reporters(config.Supervisor.Report)
	if err != nil {
		return err
	}
	return service.Run(ctx, config, os.Stdout, os.Stderr, reporters...)
}

func initPartest(cmd *cobra.Command, _ []string) error {
	if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else if envConfig, ok := os.LookupEnv("PARTESTCONFIG"); ok {
		configPath = envConfig
	} else if exists(defaultConfigName) {
		configPath = defaultConfigName
	}

	overrides, err := model.LoadOverrides()
	if err != nil {
		return err
	}
	config, err = buildConfig(configPath, overrides, runFlags{
		units:     flagUnits,
		siblings:  changed(cmd, "siblings", flagSiblings),
		grace:     changed(cmd, "grace", flagGrace),
		output:    changed(cmd, "output", flagOutput),
		verbose:   changed(cmd, "verbose", flagVerbose),
		reportDir: flagReportDir,
		reportURL: flagReportURL,
	})
	if err != nil {
		return err
	}

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.Supervisor.Verbose))

	slog.Debug("partest run", "configPath", configPath)
	slog.Debug("partest run", "config", config)
	return nil
}

// runFlags are the command line values, nil pointers for flags not given.
type runFlags struct {
	units     []string
	siblings  *string
	grace     *time.Duration
	output    *string
	verbose   *bool
	reportDir string
	reportURL string
}

// buildConfig loads path (if any) and applies the environment overrides and
// then the flags on top of it. The result is validated.
func buildConfig(path string, overrides model.Overrides, flags runFlags) (model.Config, error) {
	cfg := model.DefaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return model.Config{}, fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err = model.LoadConfig(f)
		if err != nil {
			return model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	overrides.Apply(&cfg.Supervisor)
	model.Overrides{
		Siblings: flags.siblings,
		Grace:    flags.grace,
		Verbose:  flags.verbose,
		Output:   flags.output,
	}.Apply(&cfg.Supervisor)

	if flags.reportDir != "" || flags.reportURL != "" {
		report := model.Report{}
		if cfg.Supervisor.Report != nil {
			report = *cfg.Supervisor.Report
		}
		if flags.reportDir != "" {
			report.Dir = flags.reportDir
		}
		if flags.reportURL != "" {
			report.URL = flags.reportURL
		}
		cfg.Supervisor.Report = &report
	}

	for _, s := range flags.units {
		unit, err := model.ParseUnit(s, len(cfg.Units))
		if err != nil {
			return model.Config{}, fmt.Errorf("parsing --unit %q: %w", s, err)
		}
		cfg.Units = append(cfg.Units, unit)
	}

	if err := cfg.Validate(); err != nil {
		return model.Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func changed[T any](cmd *cobra.Command, name string, value T) *T {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
