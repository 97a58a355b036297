package command

import (
	"context"
	"strings"
	"time"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/dispatch"
	"github.com/goliatone/go-deadlines/scanner"
)

type DeadlineDispatcher interface {
	Dispatch(ctx context.Context, transferID string) dispatch.Result
}

type BatchProcessor interface {
	ProcessBatch(ctx context.Context) scanner.BatchReport
}

type CallEventClearer interface {
	Clear() int
}

type DispatchDeadlineCommand struct {
	dispatcher DeadlineDispatcher
}

func NewDispatchDeadlineCommand(dispatcher DeadlineDispatcher) *DispatchDeadlineCommand {
	return &DispatchDeadlineCommand{dispatcher: dispatcher}
}

func (c *DispatchDeadlineCommand) Execute(ctx context.Context, msg DispatchDeadlineMessage) error {
	if c == nil || c.dispatcher == nil {
		return commandDependencyError("command: dispatcher is required")
	}
	storeResult(ctx, c.dispatcher.Dispatch(ctx, strings.TrimSpace(msg.TransferID)))
	return nil
}

// ScanResult pairs a batch report with its cron run log id.
type ScanResult struct {
	RunID  string              `json:"run_id,omitempty"`
	Report scanner.BatchReport `json:"report"`
}

type ScanOverdueCommand struct {
	processor BatchProcessor
	runs      core.CronRunLog
	logger    core.Logger
	now       func() time.Time
}

type ScanOption func(*ScanOverdueCommand)

func WithCronRunLog(runs core.CronRunLog) ScanOption {
	return func(c *ScanOverdueCommand) {
		c.runs = runs
	}
}

func WithScanLogger(logger core.Logger) ScanOption {
	return func(c *ScanOverdueCommand) {
		c.logger = logger
	}
}

func WithScanClock(now func() time.Time) ScanOption {
	return func(c *ScanOverdueCommand) {
		if now != nil {
			c.now = now
		}
	}
}

func NewScanOverdueCommand(processor BatchProcessor, opts ...ScanOption) *ScanOverdueCommand {
	c := &ScanOverdueCommand{processor: processor, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = core.ResolveLogger("command.scan", nil, c.logger)
	return c
}

// Execute runs one batch and brackets it with cron run log rows. A run log
// failure is logged and never blocks the batch.
func (c *ScanOverdueCommand) Execute(ctx context.Context, msg ScanOverdueMessage) error {
	if c == nil || c.processor == nil {
		return commandDependencyError("command: batch processor is required")
	}
	trigger := strings.TrimSpace(msg.TriggeredBy)
	if trigger == "" {
		trigger = TriggerManual
	}

	result := ScanResult{}
	startedAt := c.now()
	if c.runs != nil {
		id, err := c.runs.Start(ctx, core.CronRun{
			JobName:     DeadlineJobName,
			JobType:     DeadlineJobType,
			Status:      core.CronRunRunning,
			TriggeredBy: trigger,
			GithubRunID: strings.TrimSpace(msg.GithubRunID),
			Metadata:    msg.Metadata,
			StartedAt:   startedAt,
		})
		if err != nil {
			core.Log(ctx, c.logger, core.LogWarn, "cron run log start failed", map[string]any{"error": err.Error()})
		}
		result.RunID = id
	}

	report := c.processor.ProcessBatch(ctx)
	result.Report = report

	if c.runs != nil && result.RunID != "" {
		completedAt := c.now()
		status := core.CronRunCompleted
		if report.Error != "" {
			status = core.CronRunFailed
		}
		if err := c.runs.Finish(ctx, result.RunID, core.CronRunResult{
			Status:         status,
			CompletedAt:    completedAt,
			DurationMS:     completedAt.Sub(startedAt).Milliseconds(),
			ItemsProcessed: report.Processed,
			ItemsSuccess:   report.Succeeded,
			ItemsFailed:    report.Failed,
			Error:          report.Error,
			Metadata:       map[string]any{"details": report.Details},
		}); err != nil {
			core.Log(ctx, c.logger, core.LogWarn, "cron run log finish failed", map[string]any{"run_id": result.RunID, "error": err.Error()})
		}
	}

	storeResult(ctx, result)
	return nil
}

type ClearResult struct {
	Removed int `json:"removed"`
}

type ClearCallEventsCommand struct {
	log CallEventClearer
}

func NewClearCallEventsCommand(log CallEventClearer) *ClearCallEventsCommand {
	return &ClearCallEventsCommand{log: log}
}

func (c *ClearCallEventsCommand) Execute(ctx context.Context, _ ClearCallEventsMessage) error {
	if c == nil || c.log == nil {
		return commandDependencyError("command: call log is required")
	}
	storeResult(ctx, ClearResult{Removed: c.log.Clear()})
	return nil
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}

var (
	_ gocmd.Commander[DispatchDeadlineMessage] = (*DispatchDeadlineCommand)(nil)
	_ gocmd.Commander[ScanOverdueMessage]      = (*ScanOverdueCommand)(nil)
	_ gocmd.Commander[ClearCallEventsMessage]  = (*ClearCallEventsCommand)(nil)
)
