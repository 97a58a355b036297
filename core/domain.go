package core

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrTransferNotFound     = errors.New("core: transfer not found")
	ErrAttemptNotFound      = errors.New("core: notification attempt not found")
	ErrDuplicateExecutionID = errors.New("core: provider execution id already recorded")
	ErrAgencyNotFound       = errors.New("core: agency not found")
)

type TransferStatus string

const (
	TransferStatusPending         TransferStatus = "pending"
	TransferStatusDriverAssigned  TransferStatus = "driver_assigned"
	TransferStatusPatientPickedUp TransferStatus = "patient_picked_up"
	TransferStatusCompleted       TransferStatus = "completed"
	TransferStatusDelayed         TransferStatus = "delayed"
	TransferStatusCancelled       TransferStatus = "cancelled"
)

// Closed reports whether the transfer no longer takes part in deadline tracking.
func (s TransferStatus) Closed() bool {
	return s == TransferStatusCompleted || s == TransferStatusCancelled
}

const ConfirmationMethodPhoneCall = "phone_call"

type Transfer struct {
	ID                  string
	Title               string
	PatientName         string
	RouteName           string
	LocationName        string
	PickupLocation      string
	DestinationLocation string
	TransferDatetime    time.Time
	DeadlineDatetime    time.Time
	Status              TransferStatus
	AssignedAgencyID    string

	NotificationNumbers []string
	NotificationEmails  []string

	// legacy single-number columns still consulted by phone lookup
	NotificationPhone          string
	SecondaryNotificationPhone string

	DeadlineNotified             bool
	DeadlineNotifiedAt           *time.Time
	DeadlineConfirmationReceived bool
	DeadlineConfirmed            *bool
	DeadlineConfirmationDatetime *time.Time
	DeadlineConfirmationMethod   string
	DeadlineConfirmationSource   string
	DeadlineFlowExecutionSID     string
}

// IsOverdue mirrors the scanner selection predicate for a single transfer.
func (t Transfer) IsOverdue(now time.Time) bool {
	if t.DeadlineDatetime.IsZero() || !t.DeadlineDatetime.Before(now) {
		return false
	}
	if t.Status.Closed() {
		return false
	}
	return t.DeadlineNotifiedAt == nil || !t.DeadlineConfirmationReceived
}

// LocationText renders the route name followed by the location in parentheses.
func (t Transfer) LocationText() string {
	route := strings.TrimSpace(t.RouteName)
	location := strings.TrimSpace(t.LocationName)
	switch {
	case route == "" && location == "":
		return ""
	case location == "":
		return route
	case route == "":
		return location
	default:
		return route + " (" + location + ")"
	}
}

// PhoneNumbers returns the list and legacy numbers in lookup order, deduplicated.
func (t Transfer) PhoneNumbers() []string {
	out := make([]string, 0, len(t.NotificationNumbers)+2)
	seen := map[string]struct{}{}
	add := func(value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if _, ok := seen[value]; ok {
			return
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	for _, number := range t.NotificationNumbers {
		add(number)
	}
	add(t.NotificationPhone)
	add(t.SecondaryNotificationPhone)
	return out
}

type Agency struct {
	ID            string
	Name          string
	ContactPhones []string
}

type NotificationType string

const (
	NotificationTypeDeadline      NotificationType = "deadline"
	NotificationTypeAssigned      NotificationType = "assigned"
	NotificationTypeStatusChanged NotificationType = "status_changed"
)

type Channel string

const (
	ChannelCall  Channel = "call"
	ChannelEmail Channel = "email"
)

type AttemptStatus string

const (
	AttemptStatusPending      AttemptStatus = "pending"
	AttemptStatusInitiated    AttemptStatus = "initiated"
	AttemptStatusFailed       AttemptStatus = "failed"
	AttemptStatusDTMFReceived AttemptStatus = "dtmf_received"
	AttemptStatusRejected     AttemptStatus = "rejected"
	AttemptStatusConfirmed    AttemptStatus = "confirmed"
)

var attemptStatusRank = map[AttemptStatus]int{
	AttemptStatusPending:      0,
	AttemptStatusInitiated:    1,
	AttemptStatusFailed:       2,
	AttemptStatusDTMFReceived: 3,
	AttemptStatusRejected:     4,
	AttemptStatusConfirmed:    5,
}

// Rank orders attempt statuses so that updates only move forward.
func (s AttemptStatus) Rank() int {
	rank, ok := attemptStatusRank[s]
	if !ok {
		return -1
	}
	return rank
}

// Advance returns the status an attempt should hold after observing next.
func (s AttemptStatus) Advance(next AttemptStatus) AttemptStatus {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

type NotificationAttempt struct {
	ID                  string
	TransferID          string
	NotificationType    NotificationType
	Channel             Channel
	Recipients          []string
	ProviderExecutionID string
	Status              AttemptStatus
	Metadata            map[string]any
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type AuditEntry struct {
	ID         string
	TransferID string
	Action     string
	Details    map[string]any
	CreatedAt  time.Time
}

type ConfirmationInput struct {
	Method      string
	Source      string
	ExecutionID string
	At          time.Time
}

type RejectionInput struct {
	Method string
	At     time.Time
}

type CronRunStatus string

const (
	CronRunStarted   CronRunStatus = "started"
	CronRunRunning   CronRunStatus = "running"
	CronRunCompleted CronRunStatus = "completed"
	CronRunFailed    CronRunStatus = "failed"
)

type CronRun struct {
	ID          string
	JobName     string
	JobType     string
	Status      CronRunStatus
	TriggeredBy string
	GithubRunID string
	Error       string
	Metadata    map[string]any
	StartedAt   time.Time
}

type CronRunResult struct {
	Status         CronRunStatus
	CompletedAt    time.Time
	DurationMS     int64
	ItemsProcessed int
	ItemsSuccess   int
	ItemsFailed    int
	Error          string
	Metadata       map[string]any
}
