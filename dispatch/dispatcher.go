package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/ratelimit"
)

const DefaultTimeLayout = "02.01.2006 15:04"

// Step names the link of the chain that produced a result.
type Step string

const (
	StepAlreadyConfirmed Step = "already_confirmed"
	StepFlowCall         Step = "flow_call"
	StepEmail            Step = "email"
	StepAgencyCall       Step = "agency_call"
	StepNone             Step = "none"
)

type RecipientFailure struct {
	Step      Step   `json:"step"`
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

type Result struct {
	TransferID  string             `json:"transfer_id"`
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	Step        Step               `json:"step"`
	ExecutionID string             `json:"execution_id,omitempty"`
	Recipient   string             `json:"recipient,omitempty"`
	AttemptIDs  []string           `json:"attempt_ids,omitempty"`
	Failures    []RecipientFailure `json:"failures,omitempty"`
}

type Option func(*Dispatcher)

func WithEmailSender(sender core.EmailSender) Option {
	return func(d *Dispatcher) {
		d.email = sender
	}
}

func WithAgencyDirectory(agencies core.AgencyDirectory) Option {
	return func(d *Dispatcher) {
		d.agencies = agencies
	}
}

func WithAuditLog(audit core.AuditLog) Option {
	return func(d *Dispatcher) {
		d.audit = audit
	}
}

// WithPacer lets the dispatcher release per-chain pacing state once a chain ends.
func WithPacer(pacer *ratelimit.Pacer) Option {
	return func(d *Dispatcher) {
		d.pacer = pacer
	}
}

func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(d *Dispatcher) {
		if loc != nil {
			d.location = loc
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithLoggerProvider(provider core.LoggerProvider) Option {
	return func(d *Dispatcher) {
		d.loggerProvider = provider
	}
}

// Dispatcher walks the flow call, email and agency call links in order and
// stops at the first one that reaches somebody.
type Dispatcher struct {
	transfers      core.TransferRepository
	notifications  core.NotificationStore
	telephony      core.TelephonyClient
	email          core.EmailSender
	agencies       core.AgencyDirectory
	audit          core.AuditLog
	pacer          *ratelimit.Pacer
	callTimeout    time.Duration
	now            func() time.Time
	location       *time.Location
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func New(
	transfers core.TransferRepository,
	notifications core.NotificationStore,
	telephony core.TelephonyClient,
	opts ...Option,
) (*Dispatcher, error) {
	if transfers == nil {
		return nil, fmt.Errorf("dispatch: transfer repository is required")
	}
	if notifications == nil {
		return nil, fmt.Errorf("dispatch: notification store is required")
	}
	if telephony == nil {
		return nil, core.ConfigError("dispatch: telephony client is required", nil)
	}
	d := &Dispatcher{
		transfers:     transfers,
		notifications: notifications,
		telephony:     telephony,
		now:           func() time.Time { return time.Now().UTC() },
		location:      time.UTC,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.logger = core.ResolveLogger("dispatch", d.loggerProvider, d.logger)
	return d, nil
}

// Dispatch never returns an error. Every failure is folded into the result
// so batch callers can keep going.
func (d *Dispatcher) Dispatch(ctx context.Context, transferID string) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	transferID = strings.TrimSpace(transferID)
	result := Result{TransferID: transferID, Step: StepNone}
	if transferID == "" {
		result.Message = "transfer id is required"
		return result
	}

	transfer, err := d.transfers.GetTransfer(ctx, transferID)
	if err != nil {
		result.Message = fmt.Sprintf("transfer lookup failed: %v", err)
		d.log(ctx, core.LogError, "deadline dispatch lookup failed", transferID, map[string]any{"error": err.Error()})
		return result
	}
	if transfer.DeadlineConfirmationReceived {
		result.Success = true
		result.Step = StepAlreadyConfirmed
		result.Message = "deadline already confirmed, no notification sent"
		return result
	}

	ctx = ratelimit.WithBucket(ctx, "dispatch:"+transferID)
	if d.pacer != nil {
		defer d.pacer.Forget("dispatch:" + transferID)
	}

	chain := []func(context.Context, core.Transfer, *Result) bool{
		d.flowCall,
		d.emailReminder,
		d.agencyCall,
	}
	for _, link := range chain {
		if link(ctx, transfer, &result) {
			result.Success = true
			break
		}
	}

	if !result.Success {
		result.Step = StepNone
		result.Message = failureMessage(result.Failures)
	}
	d.finish(ctx, transfer, &result)
	return result
}

func (d *Dispatcher) flowCall(ctx context.Context, transfer core.Transfer, result *Result) bool {
	numbers := nonEmpty(transfer.NotificationNumbers)
	if len(numbers) == 0 {
		return false
	}
	now := d.now()
	hash := core.NewCallHash(transfer.ID, now)
	attempt := d.createAttempt(ctx, result, core.NotificationAttempt{
		TransferID:       transfer.ID,
		NotificationType: core.NotificationTypeDeadline,
		Channel:          core.ChannelCall,
		Recipients:       numbers,
		Status:           core.AttemptStatusPending,
		Metadata: map[string]any{
			"call_hash": hash,
			"kind":      string(StepFlowCall),
		},
	})

	params := d.flowParameters(transfer, hash)
	failures := []RecipientFailure{}
	for _, number := range numbers {
		execution, err := d.telephony.StartFlow(ctx, core.FlowRequest{
			PhoneNumber: number,
			Parameters:  params,
			Timeout:     d.callTimeout,
		})
		if err != nil {
			failures = append(failures, RecipientFailure{Step: StepFlowCall, Recipient: number, Error: err.Error()})
			continue
		}

		result.Step = StepFlowCall
		result.ExecutionID = execution.ExecutionID
		result.Recipient = execution.PhoneNumber
		result.Message = fmt.Sprintf("deadline flow call started for %s", execution.PhoneNumber)
		result.Failures = append(result.Failures, failures...)

		meta := map[string]any{
			"phone_number": execution.PhoneNumber,
			"status_url":   execution.StatusURL,
			"started_at":   d.now().Format(time.RFC3339),
		}
		if len(failures) > 0 {
			meta["recipient_errors"] = failuresMetadata(failures)
		}
		if attempt.ID != "" {
			if err := d.notifications.SetExecutionID(ctx, attempt.ID, execution.ExecutionID, core.AttemptStatusInitiated, meta); err != nil {
				d.log(ctx, core.LogError, "record flow execution failed", transfer.ID, map[string]any{
					"execution_id": execution.ExecutionID,
					"error":        err.Error(),
				})
			}
		}
		if err := d.transfers.SetFlowExecution(ctx, transfer.ID, execution.ExecutionID); err != nil {
			d.log(ctx, core.LogError, "record transfer flow execution failed", transfer.ID, map[string]any{
				"execution_id": execution.ExecutionID,
				"error":        err.Error(),
			})
		}
		return true
	}

	result.Failures = append(result.Failures, failures...)
	d.failAttempt(ctx, attempt, failures)
	d.log(ctx, core.LogWarn, "deadline flow call failed for every number", transfer.ID, map[string]any{
		"numbers": len(numbers),
	})
	return false
}

func (d *Dispatcher) emailReminder(ctx context.Context, transfer core.Transfer, result *Result) bool {
	emails := nonEmpty(transfer.NotificationEmails)
	if len(emails) == 0 || d.email == nil {
		return false
	}
	to := emails[0]
	attempt := d.createAttempt(ctx, result, core.NotificationAttempt{
		TransferID:       transfer.ID,
		NotificationType: core.NotificationTypeDeadline,
		Channel:          core.ChannelEmail,
		Recipients:       []string{to},
		Status:           core.AttemptStatusPending,
		Metadata:         map[string]any{"kind": string(StepEmail)},
	})

	receipt, err := d.email.SendDeadlineReminder(ctx, core.DeadlineEmail{
		To:               to,
		PatientName:      patientName(transfer),
		Location:         transfer.LocationText(),
		TransferDateTime: d.formatTime(transfer.TransferDatetime),
		TransferTitle:    transferTitle(transfer),
	})
	if err != nil {
		failure := RecipientFailure{Step: StepEmail, Recipient: to, Error: err.Error()}
		result.Failures = append(result.Failures, failure)
		d.failAttempt(ctx, attempt, []RecipientFailure{failure})
		d.log(ctx, core.LogWarn, "deadline email failed", transfer.ID, map[string]any{"to": to, "error": err.Error()})
		return false
	}

	if attempt.ID != "" {
		if err := d.notifications.UpdateAttempt(ctx, attempt.ID, core.AttemptStatusInitiated, map[string]any{
			"message_id": receipt.MessageID,
			"sent_at":    d.now().Format(time.RFC3339),
		}); err != nil {
			d.log(ctx, core.LogError, "record email attempt failed", transfer.ID, map[string]any{"error": err.Error()})
		}
	}
	result.Step = StepEmail
	result.Recipient = receipt.To
	result.Message = fmt.Sprintf("deadline email sent to %s", receipt.To)
	return true
}

func (d *Dispatcher) agencyCall(ctx context.Context, transfer core.Transfer, result *Result) bool {
	if d.agencies == nil || strings.TrimSpace(transfer.AssignedAgencyID) == "" {
		return false
	}
	agency, err := d.agencies.GetAgency(ctx, transfer.AssignedAgencyID)
	if err != nil {
		d.log(ctx, core.LogWarn, "agency lookup failed", transfer.ID, map[string]any{
			"agency_id": transfer.AssignedAgencyID,
			"error":     err.Error(),
		})
		return false
	}
	phones := nonEmpty(agency.ContactPhones)
	if len(phones) == 0 {
		return false
	}

	attempt := d.createAttempt(ctx, result, core.NotificationAttempt{
		TransferID:       transfer.ID,
		NotificationType: core.NotificationTypeDeadline,
		Channel:          core.ChannelCall,
		Recipients:       phones,
		Status:           core.AttemptStatusPending,
		Metadata: map[string]any{
			"kind":      string(StepAgencyCall),
			"agency_id": agency.ID,
		},
	})
	message := AgencyMessage(patientName(transfer), agency.Name, transfer.LocationText())
	failures := []RecipientFailure{}
	for _, phone := range phones {
		call, err := d.telephony.StartSimpleCall(ctx, core.SimpleCallRequest{
			PhoneNumber: phone,
			Message:     message,
			Timeout:     d.callTimeout,
		})
		if err != nil {
			failures = append(failures, RecipientFailure{Step: StepAgencyCall, Recipient: phone, Error: err.Error()})
			continue
		}
		result.Failures = append(result.Failures, failures...)
		meta := map[string]any{"phone_number": call.PhoneNumber}
		if len(failures) > 0 {
			meta["recipient_errors"] = failuresMetadata(failures)
		}
		if attempt.ID != "" && call.CallID != "" {
			if err := d.notifications.SetExecutionID(ctx, attempt.ID, call.CallID, core.AttemptStatusInitiated, meta); err != nil {
				d.log(ctx, core.LogError, "record agency call failed", transfer.ID, map[string]any{"error": err.Error()})
			}
		}
		result.Step = StepAgencyCall
		result.ExecutionID = call.CallID
		result.Recipient = call.PhoneNumber
		result.Message = fmt.Sprintf("agency fallback call placed to %s", call.PhoneNumber)
		return true
	}

	result.Failures = append(result.Failures, failures...)
	d.failAttempt(ctx, attempt, failures)
	return false
}

// AgencyMessage is the spoken text of the agency fallback call.
func AgencyMessage(patient string, agency string, location string) string {
	if strings.TrimSpace(agency) == "" {
		agency = "ajansınız"
	}
	return fmt.Sprintf(
		"Dikkat! %s için %s tarafından planlanmış %s transferi için deadline yaklaşıyor. Lütfen acilen sisteme giriş yapıp transfer durumunu güncelleyiniz.",
		patient, agency, location,
	)
}

func (d *Dispatcher) flowParameters(transfer core.Transfer, hash string) map[string]any {
	return map[string]any{
		"transfer_id":          transfer.ID,
		"call_hash":            hash,
		"patient_name":         patientName(transfer),
		"location":             transfer.LocationText(),
		"pickup_location":      transfer.PickupLocation,
		"destination_location": transfer.DestinationLocation,
		"transfer_datetime":    d.formatTime(transfer.TransferDatetime),
		"deadline_date":        d.formatTime(transfer.DeadlineDatetime),
	}
}

func (d *Dispatcher) createAttempt(ctx context.Context, result *Result, attempt core.NotificationAttempt) core.NotificationAttempt {
	created, err := d.notifications.Create(ctx, attempt)
	if err != nil {
		d.log(ctx, core.LogError, "create notification attempt failed", attempt.TransferID, map[string]any{
			"channel": string(attempt.Channel),
			"error":   err.Error(),
		})
		return core.NotificationAttempt{}
	}
	result.AttemptIDs = append(result.AttemptIDs, created.ID)
	return created
}

func (d *Dispatcher) failAttempt(ctx context.Context, attempt core.NotificationAttempt, failures []RecipientFailure) {
	if attempt.ID == "" {
		return
	}
	if err := d.notifications.UpdateAttempt(ctx, attempt.ID, core.AttemptStatusFailed, map[string]any{
		"recipient_errors": failuresMetadata(failures),
		"failed_at":        d.now().Format(time.RFC3339),
	}); err != nil {
		d.log(ctx, core.LogError, "mark notification attempt failed", attempt.TransferID, map[string]any{"error": err.Error()})
	}
}

func (d *Dispatcher) finish(ctx context.Context, transfer core.Transfer, result *Result) {
	now := d.now()
	if err := d.transfers.MarkNotified(ctx, transfer.ID, result.Success, now); err != nil {
		d.log(ctx, core.LogError, "mark transfer notified failed", transfer.ID, map[string]any{"error": err.Error()})
	}
	if d.audit != nil {
		details := map[string]any{
			"success": result.Success,
			"step":    string(result.Step),
			"message": result.Message,
		}
		if result.ExecutionID != "" {
			details["execution_id"] = result.ExecutionID
		}
		if len(result.Failures) > 0 {
			details["failures"] = failuresMetadata(result.Failures)
		}
		if err := d.audit.Append(ctx, core.AuditEntry{
			TransferID: transfer.ID,
			Action:     "deadline_notification_" + string(result.Step),
			Details:    details,
			CreatedAt:  now,
		}); err != nil {
			d.log(ctx, core.LogError, "append dispatch audit failed", transfer.ID, map[string]any{"error": err.Error()})
		}
	}
	level := core.LogInfo
	if !result.Success {
		level = core.LogWarn
	}
	d.log(ctx, level, "deadline dispatch finished", transfer.ID, map[string]any{
		"success":      result.Success,
		"step":         string(result.Step),
		"execution_id": result.ExecutionID,
		"failures":     len(result.Failures),
	})
}

func (d *Dispatcher) formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.In(d.location).Format(DefaultTimeLayout)
}

func (d *Dispatcher) log(ctx context.Context, level core.LogLevel, message string, transferID string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["transfer_id"] = transferID
	core.Log(ctx, d.logger, level, message, fields)
}

func failureMessage(failures []RecipientFailure) string {
	if len(failures) == 0 {
		return "no notification channel available: transfer has no numbers, emails or agency phones"
	}
	return fmt.Sprintf("all notification channels failed (%d recipient errors)", len(failures))
}

func failuresMetadata(failures []RecipientFailure) []map[string]any {
	out := make([]map[string]any, 0, len(failures))
	for _, failure := range failures {
		out = append(out, map[string]any{
			"step":      string(failure.Step),
			"recipient": failure.Recipient,
			"error":     failure.Error,
		})
	}
	return out
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func patientName(transfer core.Transfer) string {
	if name := strings.TrimSpace(transfer.PatientName); name != "" {
		return name
	}
	return "Hasta"
}

func transferTitle(transfer core.Transfer) string {
	if title := strings.TrimSpace(transfer.Title); title != "" {
		return title
	}
	return "Transfer - " + patientName(transfer)
}
