package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/dispatch"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultConcurrency = 4
	UrgentWindow       = 5 * time.Minute
	upcomingLimit      = 50
)

type Dispatcher interface {
	Dispatch(ctx context.Context, transferID string) dispatch.Result
}

type Option func(*Scanner)

func WithConcurrency(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(s *Scanner) {
		s.loggerProvider = provider
	}
}

type Scanner struct {
	transfers      core.TransferRepository
	dispatcher     Dispatcher
	concurrency    int
	now            func() time.Time
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func New(transfers core.TransferRepository, dispatcher Dispatcher, opts ...Option) (*Scanner, error) {
	if transfers == nil {
		return nil, fmt.Errorf("scanner: transfer repository is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("scanner: dispatcher is required")
	}
	s := &Scanner{
		transfers:   transfers,
		dispatcher:  dispatcher,
		concurrency: DefaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = core.ResolveLogger("scanner", s.loggerProvider, s.logger)
	return s, nil
}

// FindOverdueTransfers is read-only. On a data-access error it returns an
// empty set together with the error, so callers never act on a guess.
func (s *Scanner) FindOverdueTransfers(ctx context.Context, now time.Time) ([]core.Transfer, error) {
	transfers, err := s.transfers.FindOverdue(ctx, now)
	if err != nil {
		core.Log(ctx, s.logger, core.LogError, "overdue scan failed", map[string]any{"error": err.Error()})
		return []core.Transfer{}, err
	}
	out := make([]core.Transfer, 0, len(transfers))
	for _, transfer := range transfers {
		if transfer.IsOverdue(now) {
			out = append(out, transfer)
		}
	}
	return out, nil
}

type BatchReport struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Processed  int               `json:"processed"`
	Succeeded  int               `json:"succeeded"`
	Failed     int               `json:"failed"`
	Details    map[string]string `json:"details,omitempty"`
	Results    []dispatch.Result `json:"results,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// ProcessBatch dispatches every overdue transfer. Transfers run concurrently
// up to the configured limit and one failure never stops the rest.
func (s *Scanner) ProcessBatch(ctx context.Context) BatchReport {
	if ctx == nil {
		ctx = context.Background()
	}
	report := BatchReport{StartedAt: s.now(), Details: map[string]string{}}
	transfers, err := s.FindOverdueTransfers(ctx, report.StartedAt)
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = s.now()
		return report
	}

	results := make([]dispatch.Result, len(transfers))
	p := pool.New().WithMaxGoroutines(s.concurrency)
	for i, transfer := range transfers {
		p.Go(func() {
			results[i] = s.dispatchOne(ctx, transfer.ID)
		})
	}
	p.Wait()

	for _, result := range results {
		report.Processed++
		if result.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		report.Details[result.TransferID] = result.Message
	}
	report.Results = results
	report.FinishedAt = s.now()
	core.Log(ctx, s.logger, core.LogInfo, "overdue batch processed", map[string]any{
		"processed": report.Processed,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
	})
	return report
}

func (s *Scanner) dispatchOne(ctx context.Context, transferID string) (result dispatch.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = dispatch.Result{
				TransferID: transferID,
				Step:       dispatch.StepNone,
				Message:    fmt.Sprintf("dispatch panicked: %v", recovered),
			}
			core.Log(ctx, s.logger, core.LogError, "dispatch panicked", map[string]any{
				"transfer_id": transferID,
				"panic":       fmt.Sprint(recovered),
			})
		}
	}()
	if err := ctx.Err(); err != nil {
		return dispatch.Result{TransferID: transferID, Step: dispatch.StepNone, Message: err.Error()}
	}
	return s.dispatcher.Dispatch(ctx, transferID)
}

type NextDeadlineInfo struct {
	NextDeadline       *time.Time `json:"next_deadline,omitempty"`
	NextTransferID     string     `json:"next_transfer_id,omitempty"`
	MinutesUntil       *int       `json:"minutes_until,omitempty"`
	ActiveCount        int        `json:"active_count"`
	UrgentCount        int        `json:"urgent_count"`
	RecommendedMinutes int        `json:"recommended_interval_minutes"`
	Error              string     `json:"error,omitempty"`
}

// NextDeadlineInfo summarises upcoming deadlines and suggests how soon the
// next scan should run.
func (s *Scanner) NextDeadlineInfo(ctx context.Context) NextDeadlineInfo {
	now := s.now()
	upcoming, err := s.transfers.FindUpcoming(ctx, now, upcomingLimit)
	if err != nil {
		return NextDeadlineInfo{RecommendedMinutes: 15, Error: err.Error()}
	}
	info := NextDeadlineInfo{ActiveCount: len(upcoming), RecommendedMinutes: 15}
	if len(upcoming) == 0 {
		return info
	}
	sort.Slice(upcoming, func(i, j int) bool {
		return upcoming[i].DeadlineDatetime.Before(upcoming[j].DeadlineDatetime)
	})
	for _, transfer := range upcoming {
		if transfer.DeadlineDatetime.Sub(now) <= UrgentWindow {
			info.UrgentCount++
		}
	}
	next := upcoming[0]
	deadline := next.DeadlineDatetime
	minutes := int(math.Ceil(deadline.Sub(now).Minutes()))
	info.NextDeadline = &deadline
	info.NextTransferID = next.ID
	info.MinutesUntil = &minutes
	info.RecommendedMinutes = RecommendedInterval(minutes, info.UrgentCount)
	return info
}

// RecommendedInterval maps time to the next deadline onto a polling interval in minutes.
func RecommendedInterval(minutesUntil int, urgent int) int {
	switch {
	case urgent > 0 || minutesUntil <= 5:
		return 1
	case minutesUntil <= 15:
		return 2
	case minutesUntil <= 60:
		return 5
	case minutesUntil <= 240:
		return 15
	default:
		return 30
	}
}
