package query

import (
	"context"
	"errors"
	"strings"

	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/scanner"
)

type CallEventReader interface {
	List(filter calllog.Filter) []calllog.Event
	Stats() calllog.Stats
}

type DeadlineForecaster interface {
	NextDeadlineInfo(ctx context.Context) scanner.NextDeadlineInfo
}

type AttemptReader interface {
	ListByTransfer(ctx context.Context, transferID string) ([]core.NotificationAttempt, error)
}

type TransferReader interface {
	GetTransfer(ctx context.Context, id string) (core.Transfer, error)
}

type ListCallEventsQuery struct {
	log CallEventReader
}

func NewListCallEventsQuery(log CallEventReader) *ListCallEventsQuery {
	return &ListCallEventsQuery{log: log}
}

func (q *ListCallEventsQuery) Query(_ context.Context, msg ListCallEventsMessage) ([]calllog.Event, error) {
	if q == nil || q.log == nil {
		return nil, queryDependencyError("query: call log is required")
	}
	limit := msg.Limit
	if limit == 0 || limit > MaxCallEventLimit {
		limit = MaxCallEventLimit
	}
	return q.log.List(calllog.Filter{
		ExecutionID: strings.TrimSpace(msg.ExecutionID),
		Phone:       strings.TrimSpace(msg.Phone),
		TransferID:  strings.TrimSpace(msg.TransferID),
		Limit:       limit,
	}), nil
}

type CallEventStatsQuery struct {
	log CallEventReader
}

func NewCallEventStatsQuery(log CallEventReader) *CallEventStatsQuery {
	return &CallEventStatsQuery{log: log}
}

func (q *CallEventStatsQuery) Query(_ context.Context, _ CallEventStatsMessage) (calllog.Stats, error) {
	if q == nil || q.log == nil {
		return calllog.Stats{}, queryDependencyError("query: call log is required")
	}
	return q.log.Stats(), nil
}

type NextDeadlineQuery struct {
	forecaster DeadlineForecaster
}

func NewNextDeadlineQuery(forecaster DeadlineForecaster) *NextDeadlineQuery {
	return &NextDeadlineQuery{forecaster: forecaster}
}

func (q *NextDeadlineQuery) Query(ctx context.Context, _ NextDeadlineMessage) (scanner.NextDeadlineInfo, error) {
	if q == nil || q.forecaster == nil {
		return scanner.NextDeadlineInfo{}, queryDependencyError("query: deadline forecaster is required")
	}
	return q.forecaster.NextDeadlineInfo(ctx), nil
}

type ListNotificationAttemptsQuery struct {
	attempts AttemptReader
}

func NewListNotificationAttemptsQuery(attempts AttemptReader) *ListNotificationAttemptsQuery {
	return &ListNotificationAttemptsQuery{attempts: attempts}
}

func (q *ListNotificationAttemptsQuery) Query(ctx context.Context, msg ListNotificationAttemptsMessage) ([]core.NotificationAttempt, error) {
	if q == nil || q.attempts == nil {
		return nil, queryDependencyError("query: notification store is required")
	}
	return q.attempts.ListByTransfer(ctx, strings.TrimSpace(msg.TransferID))
}

type GetTransferQuery struct {
	transfers TransferReader
}

func NewGetTransferQuery(transfers TransferReader) *GetTransferQuery {
	return &GetTransferQuery{transfers: transfers}
}

func (q *GetTransferQuery) Query(ctx context.Context, msg GetTransferMessage) (core.Transfer, error) {
	if q == nil || q.transfers == nil {
		return core.Transfer{}, queryDependencyError("query: transfer repository is required")
	}
	transfer, err := q.transfers.GetTransfer(ctx, strings.TrimSpace(msg.TransferID))
	if errors.Is(err, core.ErrTransferNotFound) {
		return core.Transfer{}, queryWrapNotFound(err, "query: transfer not found")
	}
	return transfer, err
}

var (
	_ gocmd.Querier[ListCallEventsMessage, []calllog.Event]                      = (*ListCallEventsQuery)(nil)
	_ gocmd.Querier[CallEventStatsMessage, calllog.Stats]                        = (*CallEventStatsQuery)(nil)
	_ gocmd.Querier[NextDeadlineMessage, scanner.NextDeadlineInfo]               = (*NextDeadlineQuery)(nil)
	_ gocmd.Querier[ListNotificationAttemptsMessage, []core.NotificationAttempt] = (*ListNotificationAttemptsQuery)(nil)
	_ gocmd.Querier[GetTransferMessage, core.Transfer]                           = (*GetTransferQuery)(nil)
)
