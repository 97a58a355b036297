package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/core"
)

const (
	ExecutionStatusEnded     = "ended"
	ConfirmationCodeAccepted = "CONFIRMED"
)

type ReducerOption func(*Reducer)

// WithFlowSID restricts flow-completion confirmations to one flow.
func WithFlowSID(flowSID string) ReducerOption {
	return func(r *Reducer) {
		r.flowSID = strings.TrimSpace(flowSID)
	}
}

func WithAuditLog(audit core.AuditLog) ReducerOption {
	return func(r *Reducer) {
		r.audit = audit
	}
}

func WithClock(now func() time.Time) ReducerOption {
	return func(r *Reducer) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger core.Logger) ReducerOption {
	return func(r *Reducer) {
		r.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) ReducerOption {
	return func(r *Reducer) {
		r.loggerProvider = provider
	}
}

// Outcome describes what a callback changed. It feeds the call log.
type Outcome struct {
	Kind            EventKind
	ExecutionID     string
	TransferID      string
	MatchedBy       MatchedBy
	Action          Action
	FinalStatus     string
	Rejected        bool
	Confirmed       bool
	AttemptUpdated  bool
	TransferChanged bool
}

// Summary is a short human readable line for diagnostics.
func (o Outcome) Summary() string {
	switch o.Kind {
	case EventDTMF:
		return fmt.Sprintf("dtmf %s", o.Action.Kind)
	case EventStatus:
		return fmt.Sprintf("status %s", o.FinalStatus)
	default:
		return string(o.Kind)
	}
}

type Reducer struct {
	transfers      core.TransferRepository
	notifications  core.NotificationStore
	audit          core.AuditLog
	resolver       Resolver
	flowSID        string
	now            func() time.Time
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func NewReducer(transfers core.TransferRepository, notifications core.NotificationStore, opts ...ReducerOption) (*Reducer, error) {
	if transfers == nil {
		return nil, fmt.Errorf("webhooks: transfer repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("webhooks: notification store is required")
	}
	r := &Reducer{
		transfers:     transfers,
		notifications: notifications,
		resolver:      NewResolver(transfers, notifications),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = core.ResolveLogger("webhooks", r.loggerProvider, r.logger)
	return r, nil
}

// Apply routes fields to the handler for kind.
func (r *Reducer) Apply(ctx context.Context, kind EventKind, fields RawWebhookFields) (Outcome, error) {
	switch kind {
	case EventFlow:
		return r.HandleFlow(ctx, fields)
	case EventStatus:
		return r.HandleStatus(ctx, fields)
	case EventDTMF:
		return r.HandleDTMF(ctx, fields)
	default:
		return Outcome{}, fmt.Errorf("webhooks: unknown event kind %q", kind)
	}
}

// HandleFlow only observes. Flow-start callbacks carry no state change.
func (r *Reducer) HandleFlow(ctx context.Context, fields RawWebhookFields) (Outcome, error) {
	out := Outcome{Kind: EventFlow, ExecutionID: fields.ExecutionID()}
	transferID, matchedBy, err := r.resolver.Resolve(ctx, fields)
	out.TransferID, out.MatchedBy = transferID, matchedBy
	r.log(ctx, core.LogInfo, "flow webhook received", out, map[string]any{
		"flow_sid":    fields.FlowSID,
		"event":       fields.Event,
		"widget_name": fields.WidgetName,
	})
	if err != nil {
		return out, fmt.Errorf("webhooks: resolve flow transfer: %w", err)
	}
	return out, nil
}

func (r *Reducer) HandleStatus(ctx context.Context, fields RawWebhookFields) (Outcome, error) {
	now := r.now()
	out := Outcome{Kind: EventStatus, ExecutionID: fields.ExecutionID()}
	out.FinalStatus, out.Rejected = FinalStatus(fields)
	var errs []error

	transferID, matchedBy, err := r.resolver.Resolve(ctx, fields)
	out.TransferID, out.MatchedBy = transferID, matchedBy
	if err != nil {
		errs = append(errs, fmt.Errorf("webhooks: resolve status transfer: %w", err))
	}

	if out.ExecutionID != "" {
		metadata := map[string]any{
			"call_status":      fields.CallStatus,
			"dial_call_status": fields.DialCallStatus,
			"last_update":      now.Format(time.RFC3339),
			"to":               fields.To,
			"from":             fields.From,
			"call_duration":    fields.CallDuration,
			"final_status":     out.FinalStatus,
		}
		if out.Rejected {
			metadata["rejected_at"] = now.Format(time.RFC3339)
			metadata["reject_reason"] = out.FinalStatus
		}
		if completedCall(fields) {
			metadata["completed_at"] = now.Format(time.RFC3339)
		}
		found, err := r.notifications.UpdateByExecutionID(ctx, out.ExecutionID, attemptStatusFor(out), dropEmpty(metadata))
		if err != nil {
			errs = append(errs, fmt.Errorf("webhooks: update attempt %s: %w", out.ExecutionID, err))
		}
		out.AttemptUpdated = found
	}

	if transferID != "" {
		if out.FinalStatus == "completed" && !out.Rejected {
			if err := r.transfers.MarkNotified(ctx, transferID, true, now); err != nil {
				errs = append(errs, fmt.Errorf("webhooks: mark transfer %s notified: %w", transferID, err))
			} else {
				out.TransferChanged = true
			}
		}
	}

	if transferID != "" && out.ExecutionID != "" && r.flowCompletedWithConfirmation(fields) {
		applied, err := r.transfers.ConfirmDeadline(ctx, transferID, core.ConfirmationInput{
			Method:      core.ConfirmationMethodPhoneCall,
			Source:      out.ExecutionID,
			ExecutionID: out.ExecutionID,
			At:          now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("webhooks: confirm transfer %s: %w", transferID, err))
		}
		out.Confirmed = applied
		out.TransferChanged = out.TransferChanged || applied
	}

	if transferID != "" && len(errs) == 0 {
		if err := r.appendAudit(ctx, core.AuditEntry{
			TransferID: transferID,
			Action:     "twilio_status_" + out.FinalStatus,
			Details: mergeDetails(fields.Map(), map[string]any{
				"processed_status": out.FinalStatus,
				"is_rejected":      out.Rejected,
				"matched_by":       string(matchedBy),
			}),
			CreatedAt: now,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	r.log(ctx, core.LogInfo, "status webhook applied", out, map[string]any{
		"final_status": out.FinalStatus,
		"rejected":     out.Rejected,
		"confirmed":    out.Confirmed,
	})
	return out, errors.Join(errs...)
}

func (r *Reducer) HandleDTMF(ctx context.Context, fields RawWebhookFields) (Outcome, error) {
	now := r.now()
	out := Outcome{
		Kind:        EventDTMF,
		ExecutionID: fields.ExecutionID(),
		Action:      Classify(fields.Action, fields.Digits),
	}
	var errs []error

	transferID, matchedBy, err := r.resolver.Resolve(ctx, fields)
	out.TransferID, out.MatchedBy = transferID, matchedBy
	if err != nil {
		errs = append(errs, fmt.Errorf("webhooks: resolve dtmf transfer: %w", err))
	}

	attemptStatus := core.AttemptStatusDTMFReceived
	if transferID != "" {
		switch out.Action.Kind {
		case ActionDeadlineConfirmed:
			attemptStatus = core.AttemptStatusConfirmed
			applied, err := r.transfers.ConfirmDeadline(ctx, transferID, core.ConfirmationInput{
				Method:      core.ConfirmationMethodPhoneCall,
				Source:      out.ExecutionID,
				ExecutionID: out.ExecutionID,
				At:          now,
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("webhooks: confirm transfer %s: %w", transferID, err))
			}
			out.Confirmed = applied
			out.TransferChanged = applied
		case ActionDeadlineRejected:
			attemptStatus = core.AttemptStatusRejected
			out.Rejected = true
			if err := r.transfers.RecordRejection(ctx, transferID, core.RejectionInput{
				Method: core.ConfirmationMethodPhoneCall,
				At:     now,
			}); err != nil {
				errs = append(errs, fmt.Errorf("webhooks: record rejection %s: %w", transferID, err))
			} else {
				out.TransferChanged = true
			}
		case ActionRawDigits, ActionUnrecognized:
		}
	} else {
		switch out.Action.Kind {
		case ActionDeadlineConfirmed:
			attemptStatus = core.AttemptStatusConfirmed
		case ActionDeadlineRejected:
			attemptStatus = core.AttemptStatusRejected
			out.Rejected = true
		case ActionRawDigits, ActionUnrecognized:
		}
	}

	if out.ExecutionID != "" {
		found, err := r.notifications.UpdateByExecutionID(ctx, out.ExecutionID, attemptStatus, dropEmpty(map[string]any{
			"dtmf_action":      out.Action.Value,
			"dtmf_digits":      fields.Digits,
			"dtmf_received_at": now.Format(time.RFC3339),
		}))
		if err != nil {
			errs = append(errs, fmt.Errorf("webhooks: update attempt %s: %w", out.ExecutionID, err))
		}
		out.AttemptUpdated = found
	}

	if transferID != "" && len(errs) == 0 {
		if err := r.appendAudit(ctx, core.AuditEntry{
			TransferID: transferID,
			Action:     "twilio_dtmf_" + out.Action.Label(),
			Details: mergeDetails(fields.Map(), map[string]any{
				"dtmf_digits":    fields.Digits,
				"derived_action": out.Action.Kind.String(),
				"is_action":      out.Action.Kind == ActionDeadlineConfirmed || out.Action.Kind == ActionDeadlineRejected,
				"matched_by":     string(matchedBy),
			}),
			CreatedAt: now,
		}); err != nil {
			errs = append(errs, err)
		}
	}

	r.log(ctx, core.LogInfo, "dtmf webhook applied", out, map[string]any{
		"action":    out.Action.Kind.String(),
		"digits":    fields.Digits,
		"confirmed": out.Confirmed,
	})
	return out, errors.Join(errs...)
}

// FinalStatus derives the reported call outcome. Busy, no-answer and canceled
// count as rejections.
func FinalStatus(fields RawWebhookFields) (string, bool) {
	dial := strings.ToLower(strings.TrimSpace(fields.DialCallStatus))
	call := strings.ToLower(strings.TrimSpace(fields.CallStatus))
	if isRejectedStatus(dial) {
		return dial, true
	}
	if isRejectedStatus(call) {
		return call, true
	}
	switch {
	case dial != "":
		return dial, false
	case call != "":
		return call, false
	case strings.TrimSpace(fields.Event) != "":
		return strings.TrimSpace(fields.Event), false
	default:
		return "unknown", false
	}
}

func isRejectedStatus(status string) bool {
	switch status {
	case "busy", "no-answer", "canceled":
		return true
	default:
		return false
	}
}

func completedCall(fields RawWebhookFields) bool {
	return strings.EqualFold(fields.CallStatus, "completed") && strings.TrimSpace(fields.DialCallStatus) == ""
}

func attemptStatusFor(out Outcome) core.AttemptStatus {
	switch {
	case out.Rejected:
		return core.AttemptStatusRejected
	case out.FinalStatus == "failed":
		return core.AttemptStatusFailed
	default:
		return ""
	}
}

func (r *Reducer) flowCompletedWithConfirmation(fields RawWebhookFields) bool {
	if !strings.EqualFold(strings.TrimSpace(fields.ExecutionStatus), ExecutionStatusEnded) {
		return false
	}
	if strings.TrimSpace(fields.ConfirmationCode) != ConfirmationCodeAccepted {
		return false
	}
	return r.flowSID == "" || fields.FlowSID == r.flowSID
}

// appendAudit runs after every other write of a callback has succeeded, so a
// retried delivery records its audit row once.
func (r *Reducer) appendAudit(ctx context.Context, entry core.AuditEntry) error {
	if r.audit == nil {
		return nil
	}
	if err := r.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("webhooks: append audit %s: %w", entry.Action, err)
	}
	return nil
}

func (r *Reducer) log(ctx context.Context, level core.LogLevel, message string, out Outcome, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["execution_id"] = out.ExecutionID
	fields["transfer_id"] = out.TransferID
	fields["matched_by"] = string(out.MatchedBy)
	core.Log(ctx, r.logger, level, message, fields)
}

func mergeDetails(base map[string]any, extra map[string]any) map[string]any {
	for key, value := range extra {
		base[key] = value
	}
	return base
}

func dropEmpty(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		if text, ok := value.(string); ok && strings.TrimSpace(text) == "" {
			continue
		}
		out[key] = value
	}
	return out
}
