package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

// TransferRepository is the read/write surface over transfer entities.
type TransferRepository interface {
	GetTransfer(ctx context.Context, id string) (Transfer, error)
	FindOverdue(ctx context.Context, now time.Time) ([]Transfer, error)
	FindUpcoming(ctx context.Context, now time.Time, limit int) ([]Transfer, error)
	FindByNotificationPhone(ctx context.Context, phone string) (Transfer, bool, error)
	MarkNotified(ctx context.Context, id string, notified bool, at time.Time) error
	SetFlowExecution(ctx context.Context, id string, executionID string) error
	// ConfirmDeadline only applies while the transfer is unconfirmed and
	// reports whether this call performed the transition.
	ConfirmDeadline(ctx context.Context, id string, in ConfirmationInput) (bool, error)
	RecordRejection(ctx context.Context, id string, in RejectionInput) error
}

// NotificationStore is the durable log of notification attempts.
type NotificationStore interface {
	Create(ctx context.Context, attempt NotificationAttempt) (NotificationAttempt, error)
	SetExecutionID(ctx context.Context, attemptID string, executionID string, status AttemptStatus, metadata map[string]any) error
	UpdateAttempt(ctx context.Context, attemptID string, status AttemptStatus, metadata map[string]any) error
	// UpdateByExecutionID advances status by rank and merges metadata keys.
	UpdateByExecutionID(ctx context.Context, executionID string, status AttemptStatus, metadata map[string]any) (bool, error)
	GetByExecutionID(ctx context.Context, executionID string) (NotificationAttempt, bool, error)
	ListByTransfer(ctx context.Context, transferID string) ([]NotificationAttempt, error)
}

type AgencyDirectory interface {
	GetAgency(ctx context.Context, agencyID string) (Agency, error)
}

type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
}

type CronRunLog interface {
	Start(ctx context.Context, run CronRun) (string, error)
	Finish(ctx context.Context, id string, result CronRunResult) error
}

type FlowRequest struct {
	PhoneNumber string
	Parameters  map[string]any
	Timeout     time.Duration
}

type FlowExecution struct {
	ExecutionID string
	StatusURL   string
	PhoneNumber string
}

type SimpleCallRequest struct {
	PhoneNumber string
	Message     string
	Timeout     time.Duration
}

type SimpleCall struct {
	CallID      string
	PhoneNumber string
}

// TelephonyClient starts provider flows and plain text-to-speech calls.
type TelephonyClient interface {
	StartFlow(ctx context.Context, req FlowRequest) (FlowExecution, error)
	StartSimpleCall(ctx context.Context, req SimpleCallRequest) (SimpleCall, error)
}

type DeadlineEmail struct {
	To               string
	PatientName      string
	Location         string
	TransferDateTime string
	TransferTitle    string
}

type EmailReceipt struct {
	MessageID string
	To        string
}

type EmailSender interface {
	SendDeadlineReminder(ctx context.Context, msg DeadlineEmail) (EmailReceipt, error)
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}
