package command

import (
	"context"
	"errors"
	"testing"
	"time"

	gocmd "github.com/goliatone/go-command"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/dispatch"
	"github.com/goliatone/go-deadlines/scanner"
	"github.com/goliatone/go-deadlines/store/memory"
)

type stubDispatcher struct {
	calls []string
}

func (s *stubDispatcher) Dispatch(_ context.Context, transferID string) dispatch.Result {
	s.calls = append(s.calls, transferID)
	return dispatch.Result{TransferID: transferID, Success: true, Step: dispatch.StepFlowCall, Message: "flow started"}
}

type stubProcessor struct {
	report scanner.BatchReport
}

func (s stubProcessor) ProcessBatch(context.Context) scanner.BatchReport {
	return s.report
}

type stubClearer struct{ removed int }

func (s stubClearer) Clear() int { return s.removed }

func TestDispatchDeadlineCommandStoresResult(t *testing.T) {
	dispatcher := &stubDispatcher{}
	cmd := NewDispatchDeadlineCommand(dispatcher)
	collector := gocmd.NewResult[dispatch.Result]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, DispatchDeadlineMessage{TransferID: " T1 "}); err != nil {
		t.Fatalf("execute dispatch: %v", err)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "T1" {
		t.Fatalf("expected trimmed transfer id, got %#v", dispatcher.calls)
	}
	result, ok := collector.Load()
	if !ok || !result.Success || result.Step != dispatch.StepFlowCall {
		t.Fatalf("unexpected stored result %#v", result)
	}
}

func TestDispatchDeadlineMessageValidate(t *testing.T) {
	err := DispatchDeadlineMessage{}.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if richErr.TextCode != core.ErrorBadInput {
		t.Fatalf("expected %s, got %s", core.ErrorBadInput, richErr.TextCode)
	}
	if err := (DispatchDeadlineMessage{TransferID: "T1"}).Validate(); err != nil {
		t.Fatalf("expected valid message, got %v", err)
	}
}

func TestScanOverdueCommandRecordsCronRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	processor := stubProcessor{report: scanner.BatchReport{
		Processed: 3,
		Succeeded: 2,
		Failed:    1,
		Details:   map[string]string{"T1": "flow started"},
	}}
	cmd := NewScanOverdueCommand(processor,
		WithCronRunLog(store),
		WithScanClock(func() time.Time { return now }),
	)
	collector := gocmd.NewResult[ScanResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)

	if err := cmd.Execute(ctx, ScanOverdueMessage{TriggeredBy: TriggerGithubActions, GithubRunID: "42"}); err != nil {
		t.Fatalf("execute scan: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.RunID == "" {
		t.Fatalf("expected run id in result, got %#v", result)
	}
	if result.Report.Processed != 3 {
		t.Fatalf("expected report to pass through, got %#v", result.Report)
	}

	runs := store.CronRuns()
	if len(runs) != 1 {
		t.Fatalf("expected one cron run, got %d", len(runs))
	}
	if runs[0].TriggeredBy != TriggerGithubActions || runs[0].GithubRunID != "42" {
		t.Fatalf("unexpected cron run %#v", runs[0])
	}
	if runs[0].Status != core.CronRunCompleted {
		t.Fatalf("expected completed run, got %s", runs[0].Status)
	}
}

func TestScanOverdueCommandMarksFailedBatch(t *testing.T) {
	store := memory.New()
	cmd := NewScanOverdueCommand(stubProcessor{report: scanner.BatchReport{Error: "database unavailable"}}, WithCronRunLog(store))

	if err := cmd.Execute(context.Background(), ScanOverdueMessage{}); err != nil {
		t.Fatalf("execute scan: %v", err)
	}
	runs := store.CronRuns()
	if len(runs) != 1 || runs[0].Status != core.CronRunFailed {
		t.Fatalf("expected failed cron run, got %#v", runs)
	}
	if runs[0].TriggeredBy != TriggerManual {
		t.Fatalf("expected manual trigger default, got %q", runs[0].TriggeredBy)
	}
}

func TestClearCallEventsCommand(t *testing.T) {
	cmd := NewClearCallEventsCommand(stubClearer{removed: 4})
	collector := gocmd.NewResult[ClearResult]()
	ctx := gocmd.ContextWithResult(context.Background(), collector)
	if err := cmd.Execute(ctx, ClearCallEventsMessage{}); err != nil {
		t.Fatalf("execute clear: %v", err)
	}
	result, ok := collector.Load()
	if !ok || result.Removed != 4 {
		t.Fatalf("unexpected clear result %#v", result)
	}
}

func TestCommandsRequireDependencies(t *testing.T) {
	checks := map[string]error{
		"dispatch": NewDispatchDeadlineCommand(nil).Execute(context.Background(), DispatchDeadlineMessage{TransferID: "T1"}),
		"scan":     NewScanOverdueCommand(nil).Execute(context.Background(), ScanOverdueMessage{}),
		"clear":    NewClearCallEventsCommand(nil).Execute(context.Background(), ClearCallEventsMessage{}),
	}
	for name, err := range checks {
		if err == nil {
			t.Fatalf("%s: expected dependency error", name)
		}
		var richErr *goerrors.Error
		if !errors.As(err, &richErr) || richErr.TextCode != core.ErrorInternal {
			t.Fatalf("%s: expected internal text code, got %v", name, err)
		}
	}
}
