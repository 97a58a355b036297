package scanner

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-deadlines/core"
	"github.com/robfig/cron/v3"
)

// Schedule runs ProcessBatch on a cron spec. Overlapping runs are skipped.
type Schedule struct {
	cron    *cron.Cron
	scanner *Scanner
	spec    string
	runner  func(context.Context) BatchReport
	onRun   func(BatchReport)
}

type ScheduleOption func(*Schedule)

// WithBatchRunner replaces the direct ProcessBatch call, e.g. to route the
// scheduled scan through the command bus so it lands in the cron run log.
func WithBatchRunner(fn func(context.Context) BatchReport) ScheduleOption {
	return func(s *Schedule) {
		if fn != nil {
			s.runner = fn
		}
	}
}

// OnRun is called after every scheduled batch.
func OnRun(fn func(BatchReport)) ScheduleOption {
	return func(s *Schedule) {
		s.onRun = fn
	}
}

func NewSchedule(scanner *Scanner, spec string, opts ...ScheduleOption) (*Schedule, error) {
	if scanner == nil {
		return nil, fmt.Errorf("scanner: schedule requires a scanner")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, core.ConfigError("scanner: schedule spec is required", nil)
	}
	logger := cronLogger{logger: scanner.logger}
	s := &Schedule{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		scanner: scanner,
		spec:    spec,
		runner:  scanner.ProcessBatch,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, core.ConfigError(fmt.Sprintf("scanner: invalid schedule %q: %v", spec, err), map[string]any{
			"schedule": spec,
		})
	}
	return s, nil
}

func (s *Schedule) run() {
	report := s.runner(context.Background())
	if s.onRun != nil {
		s.onRun(report)
	}
}

func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running batch until ctx is done.
func (s *Schedule) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cronLogger struct {
	logger core.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if l.logger != nil {
		l.logger.Debug("cron: "+msg, keysAndValues...)
	}
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	if l.logger != nil {
		l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
	}
}
