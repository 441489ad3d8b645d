package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/partest/internal/model"
)

const (
	ReportPassed    = "passed"
	ReportFailed    = "failed"
	ReportCancelled = "cancelled"
)

// Report summarizes a run of the supervisor.
type Report struct {
	RunID      uuid.UUID    `json:"run_id"`
	Started    time.Time    `json:"started"`
	Stopped    time.Time    `json:"stopped"`
	Status     string       `json:"status"`
	ExitCode   int          `json:"exit_code"`
	FailedUnit string       `json:"failed_unit,omitempty"`
	Units      []UnitReport `json:"units"`
}

type UnitReport struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Argv     []string  `json:"argv"`
	Started  time.Time `json:"started,omitzero"`
	Stopped  time.Time `json:"stopped,omitzero"`
	ExitCode int       `json:"exit_code"`
	Status   Status    `json:"status"`
	TimedOut bool      `json:"timed_out,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Report builds the report of the units launched so far, in launch order.
// Units not observed yet are reported as pending. err is the value returned
// by Wait.
func (s *Supervisor) Report(err error) Report {
	observed := make(map[uuid.UUID]Result, len(s.results))
	for _, r := range s.results {
		observed[r.ID] = r
	}

	rep := Report{
		RunID:    s.runID,
		Started:  s.started,
		Stopped:  time.Now().UTC(),
		Status:   ReportPassed,
		ExitCode: ExitCode(err),
		Units:    make([]UnitReport, 0, len(s.launched)),
	}
	var failure *UnitFailure
	switch {
	case errors.As(err, &failure):
		rep.Status = ReportFailed
		rep.FailedUnit = failure.Name
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		rep.Status = ReportCancelled
	case err != nil:
		rep.Status = ReportFailed
	}

	for _, l := range s.launched {
		r, ok := observed[l.ID]
		if !ok {
			r = l
		}
		u := UnitReport{
			ID:       r.ID,
			Name:     r.Name,
			Argv:     append([]string{r.Path}, r.Args...),
			Started:  r.Started,
			Stopped:  r.Stopped,
			ExitCode: r.ExitCode,
			Status:   r.Status,
			TimedOut: r.TimedOut,
		}
		if r.Err != nil {
			u.Error = r.Err.Error()
		}
		rep.Units = append(rep.Units, u)
	}
	return rep
}

// Reporter is a sink for the run report.
type Reporter interface {
	Report(ctx context.Context, report Report) error
}

type ReportCloser interface {
	Reporter
	Close() error
}

// Reporters builds the sinks configured in cfg, nil cfg means none.
func Reporters(cfg *model.Report) ([]Reporter, error) {
	if cfg == nil {
		return nil, nil
	}
	var reporters []Reporter
	if cfg.Dir != "" {
		r, err := NewDirReporter(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("initializing report dir: %w", err)
		}
		reporters = append(reporters, r)
	}
	if cfg.URL != "" {
		r, err := NewHTTPReporter(cfg.URL)
		if err != nil {
			closeReporters(context.Background(), reporters)
			return nil, fmt.Errorf("initializing report url: %w", err)
		}
		reporters = append(reporters, r)
	}
	return reporters, nil
}

func report(ctx context.Context, reporters []Reporter, rep Report) error {
	var errs []error
	for _, r := range reporters {
		if err := r.Report(ctx, rep); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeReporters(ctx context.Context, reporters []Reporter) {
	for _, r := range reporters {
		if closer, ok := r.(ReportCloser); ok {
			if err := closer.Close(); err != nil {
				slog.ErrorContext(ctx, "closing reporter have failed", "error", err)
			}
		}
	}
}

type WriteReporter struct {
	w io.Writer
}

func NewWriteReporter(w io.Writer) WriteReporter {
	return WriteReporter{w: w}
}

func (r WriteReporter) Report(_ context.Context, rep Report) error {
	if r.w == nil {
		r.w = os.Stdout
	}
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// DirReporter stores each report as partest-<timestamp>-<run id>.json inside
// a directory. An existing report is never overwritten.
type DirReporter struct {
	root *os.Root
}

func NewDirReporter(path string) (*DirReporter, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &DirReporter{root: root}, nil
}

func (r *DirReporter) Report(ctx context.Context, rep Report) error {
	if r.root == nil {
		return errors.New("root already closed")
	}

	path := "partest-" + rep.Started.Format("2006-01-02-15-04-05") + "-" + rep.RunID.String() + ".json"

	f, err := r.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating partest report: %w", err)
	}
	err = NewWriteReporter(f).Report(ctx, rep)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving partest report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing partest report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (r *DirReporter) Close() error {
	if r.root == nil {
		return errors.New("reporter already closed")
	}
	err := r.root.Close()
	r.root = nil
	return err
}
