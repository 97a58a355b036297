package command

import (
	"strings"
)

const (
	TypeDispatchDeadline = "deadlines.command.dispatch"
	TypeScanOverdue      = "deadlines.command.scan"
	TypeClearCallEvents  = "deadlines.command.call_events.clear"
)

// Cron run log identity of the overdue scan.
const (
	DeadlineJobName = "check-transfer-deadlines"
	DeadlineJobType = "deadline_check"
)

// Trigger sources recorded in the cron run log.
const (
	TriggerManual        = "manual"
	TriggerSchedule      = "schedule"
	TriggerCLI           = "cli"
	TriggerGithubActions = "github_actions"
)

type DispatchDeadlineMessage struct {
	TransferID string
}

func (DispatchDeadlineMessage) Type() string { return TypeDispatchDeadline }

func (m DispatchDeadlineMessage) Validate() error {
	if strings.TrimSpace(m.TransferID) == "" {
		return commandValidationError("transfer_id", "transfer id is required")
	}
	return nil
}

type ScanOverdueMessage struct {
	TriggeredBy string
	GithubRunID string
	Metadata    map[string]any
}

func (ScanOverdueMessage) Type() string { return TypeScanOverdue }

type ClearCallEventsMessage struct{}

func (ClearCallEventsMessage) Type() string { return TypeClearCallEvents }
