package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/scanner"
	"github.com/goliatone/go-deadlines/store/memory"
)

type stubForecaster struct {
	info scanner.NextDeadlineInfo
}

func (s stubForecaster) NextDeadlineInfo(context.Context) scanner.NextDeadlineInfo {
	return s.info
}

func TestListCallEventsQueryCapsLimitAndFilters(t *testing.T) {
	log := calllog.New(200)
	for i := 0; i < 150; i++ {
		log.Append(calllog.Event{ExecutionID: fmt.Sprintf("EX%d", i), TransferID: "T1", Kind: calllog.KindStatusWebhook})
	}
	log.Append(calllog.Event{ExecutionID: "OTHER", TransferID: "T2"})

	q := NewListCallEventsQuery(log)
	all, err := q.Query(context.Background(), ListCallEventsMessage{})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(all) != MaxCallEventLimit {
		t.Fatalf("expected capped page of %d, got %d", MaxCallEventLimit, len(all))
	}

	filtered, err := q.Query(context.Background(), ListCallEventsMessage{TransferID: " T2 "})
	if err != nil {
		t.Fatalf("list filtered events: %v", err)
	}
	if len(filtered) != 1 || filtered[0].ExecutionID != "OTHER" {
		t.Fatalf("unexpected filtered events %#v", filtered)
	}

	if err := (ListCallEventsMessage{Limit: -1}).Validate(); err == nil {
		t.Fatalf("expected negative limit to be rejected")
	}
}

func TestCallEventStatsQuery(t *testing.T) {
	log := calllog.New(5)
	log.Append(calllog.Event{Processed: true})
	log.Append(calllog.Event{Error: "boom"})

	stats, err := NewCallEventStatsQuery(log).Query(context.Background(), CallEventStatsMessage{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Processed != 1 || stats.Failed != 1 || stats.Capacity != 5 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}

func TestNextDeadlineQuery(t *testing.T) {
	info, err := NewNextDeadlineQuery(stubForecaster{info: scanner.NextDeadlineInfo{NextTransferID: "T9", RecommendedMinutes: 2}}).
		Query(context.Background(), NextDeadlineMessage{})
	if err != nil {
		t.Fatalf("next deadline: %v", err)
	}
	if info.NextTransferID != "T9" || info.RecommendedMinutes != 2 {
		t.Fatalf("unexpected info %#v", info)
	}
}

func TestAttemptAndTransferQueries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	store.PutTransfer(core.Transfer{ID: "T1", DeadlineDatetime: now.Add(-time.Minute)})
	if _, err := store.Create(context.Background(), core.NotificationAttempt{
		TransferID:       "T1",
		NotificationType: core.NotificationTypeDeadline,
		Channel:          core.ChannelCall,
		Status:           core.AttemptStatusInitiated,
	}); err != nil {
		t.Fatalf("create attempt: %v", err)
	}

	attempts, err := NewListNotificationAttemptsQuery(store).Query(context.Background(), ListNotificationAttemptsMessage{TransferID: "T1"})
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(attempts))
	}

	transfer, err := NewGetTransferQuery(store).Query(context.Background(), GetTransferMessage{TransferID: "T1"})
	if err != nil || transfer.ID != "T1" {
		t.Fatalf("get transfer: %#v %v", transfer, err)
	}

	_, err = NewGetTransferQuery(store).Query(context.Background(), GetTransferMessage{TransferID: "missing"})
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) || richErr.TextCode != core.ErrorNotFound {
		t.Fatalf("expected not found envelope, got %v", err)
	}
}

func TestQueriesRequireDependencies(t *testing.T) {
	if _, err := NewListCallEventsQuery(nil).Query(context.Background(), ListCallEventsMessage{}); err == nil {
		t.Fatalf("expected list events dependency error")
	}
	if _, err := NewNextDeadlineQuery(nil).Query(context.Background(), NextDeadlineMessage{}); err == nil {
		t.Fatalf("expected forecaster dependency error")
	}
	if err := (ListNotificationAttemptsMessage{}).Validate(); err == nil {
		t.Fatalf("expected transfer id validation error")
	}
}
