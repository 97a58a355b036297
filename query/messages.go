package query

import "strings"

const (
	TypeListCallEvents           = "deadlines.query.call_events.list"
	TypeCallEventStats           = "deadlines.query.call_events.stats"
	TypeNextDeadline             = "deadlines.query.next_deadline"
	TypeListNotificationAttempts = "deadlines.query.attempts.list"
	TypeGetTransfer              = "deadlines.query.transfer.get"
)

// MaxCallEventLimit caps a single diagnostics page.
const MaxCallEventLimit = 100

type ListCallEventsMessage struct {
	ExecutionID string
	Phone       string
	TransferID  string
	Limit       int
}

func (ListCallEventsMessage) Type() string { return TypeListCallEvents }

func (m ListCallEventsMessage) Validate() error {
	if m.Limit < 0 {
		return queryValidationError("limit", "limit must not be negative")
	}
	return nil
}

type CallEventStatsMessage struct{}

func (CallEventStatsMessage) Type() string { return TypeCallEventStats }

type NextDeadlineMessage struct{}

func (NextDeadlineMessage) Type() string { return TypeNextDeadline }

type ListNotificationAttemptsMessage struct {
	TransferID string
}

func (ListNotificationAttemptsMessage) Type() string { return TypeListNotificationAttempts }

func (m ListNotificationAttemptsMessage) Validate() error {
	if strings.TrimSpace(m.TransferID) == "" {
		return queryValidationError("transfer_id", "transfer id is required")
	}
	return nil
}

type GetTransferMessage struct {
	TransferID string
}

func (GetTransferMessage) Type() string { return TypeGetTransfer }

func (m GetTransferMessage) Validate() error {
	if strings.TrimSpace(m.TransferID) == "" {
		return queryValidationError("transfer_id", "transfer id is required")
	}
	return nil
}
