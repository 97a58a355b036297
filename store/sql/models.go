package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/core"
	"github.com/uptrace/bun"
)

type agencyRecord struct {
	bun.BaseModel `bun:"table:agencies,alias:ag"`

	ID            string    `bun:"id,pk"`
	Name          string    `bun:"name,notnull"`
	ContactPhones []string  `bun:"contact_phones,type:jsonb,notnull"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type transferRecord struct {
	bun.BaseModel `bun:"table:transfers,alias:tr"`

	ID                           string     `bun:"id,pk"`
	Title                        string     `bun:"title,notnull"`
	PatientName                  string     `bun:"patient_name,notnull"`
	RouteName                    string     `bun:"route_name,notnull"`
	LocationName                 string     `bun:"location_name,notnull"`
	PickupLocation               string     `bun:"pickup_location,notnull"`
	DestinationLocation          string     `bun:"destination_location,notnull"`
	TransferDatetime             *time.Time `bun:"transfer_datetime,nullzero"`
	DeadlineDatetime             *time.Time `bun:"deadline_datetime,nullzero"`
	Status                       string     `bun:"status,notnull"`
	AssignedAgencyID             *string    `bun:"assigned_agency_id"`
	NotificationNumbers          []string   `bun:"notification_numbers,type:jsonb,notnull"`
	NotificationEmails           []string   `bun:"notification_emails,type:jsonb,notnull"`
	NotificationPhone            string     `bun:"notification_phone,notnull"`
	SecondaryNotificationPhone   string     `bun:"secondary_notification_phone,notnull"`
	DeadlineNotified             bool       `bun:"deadline_notified,notnull"`
	DeadlineNotifiedAt           *time.Time `bun:"deadline_notified_at,nullzero"`
	DeadlineConfirmationReceived bool       `bun:"deadline_confirmation_received,notnull"`
	DeadlineConfirmed            *bool      `bun:"deadline_confirmed"`
	DeadlineConfirmationDatetime *time.Time `bun:"deadline_confirmation_datetime,nullzero"`
	DeadlineConfirmationMethod   string     `bun:"deadline_confirmation_method,notnull"`
	DeadlineConfirmationSource   string     `bun:"deadline_confirmation_source,notnull"`
	DeadlineFlowExecutionSID     string     `bun:"deadline_flow_execution_sid,notnull"`
	CreatedAt                    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt                    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type notificationRecord struct {
	bun.BaseModel `bun:"table:transfer_notifications,alias:tn"`

	ID                  string         `bun:"id,pk"`
	TransferID          string         `bun:"transfer_id,notnull"`
	NotificationType    string         `bun:"notification_type,notnull"`
	Channel             string         `bun:"channel,notnull"`
	Recipients          []string       `bun:"recipients,type:jsonb,notnull"`
	ProviderExecutionID *string        `bun:"provider_execution_id"`
	Status              string         `bun:"status,notnull"`
	Metadata            map[string]any `bun:"metadata,type:jsonb,notnull"`
	CreatedAt           time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt           time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type auditRecord struct {
	bun.BaseModel `bun:"table:transfer_audit_log,alias:tal"`

	ID         string         `bun:"id,pk"`
	TransferID string         `bun:"transfer_id,notnull"`
	Action     string         `bun:"action,notnull"`
	Details    map[string]any `bun:"details,type:jsonb,notnull"`
	CreatedAt  time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type cronRunRecord struct {
	bun.BaseModel `bun:"table:cron_jobs_log,alias:cjl"`

	ID             string         `bun:"id,pk"`
	JobName        string         `bun:"job_name,notnull"`
	JobType        string         `bun:"job_type,notnull"`
	Status         string         `bun:"status,notnull"`
	TriggeredBy    string         `bun:"triggered_by,notnull"`
	GithubRunID    string         `bun:"github_run_id,notnull"`
	StartedAt      time.Time      `bun:"started_at,notnull"`
	CompletedAt    *time.Time     `bun:"completed_at,nullzero"`
	DurationMS     int64          `bun:"duration_ms,notnull"`
	ItemsProcessed int            `bun:"items_processed,notnull"`
	ItemsSuccess   int            `bun:"items_success,notnull"`
	ItemsFailed    int            `bun:"items_failed,notnull"`
	ErrorMessage   string         `bun:"error_message,notnull"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull"`
}

func newTransferRecord(t core.Transfer) *transferRecord {
	record := &transferRecord{
		ID:                           strings.TrimSpace(t.ID),
		Title:                        t.Title,
		PatientName:                  t.PatientName,
		RouteName:                    t.RouteName,
		LocationName:                 t.LocationName,
		PickupLocation:               t.PickupLocation,
		DestinationLocation:          t.DestinationLocation,
		TransferDatetime:             timePointer(t.TransferDatetime),
		DeadlineDatetime:             timePointer(t.DeadlineDatetime),
		Status:                       string(t.Status),
		AssignedAgencyID:             stringPointer(t.AssignedAgencyID),
		NotificationNumbers:          copyStrings(t.NotificationNumbers),
		NotificationEmails:           copyStrings(t.NotificationEmails),
		NotificationPhone:            strings.TrimSpace(t.NotificationPhone),
		SecondaryNotificationPhone:   strings.TrimSpace(t.SecondaryNotificationPhone),
		DeadlineNotified:             t.DeadlineNotified,
		DeadlineNotifiedAt:           cloneTime(t.DeadlineNotifiedAt),
		DeadlineConfirmationReceived: t.DeadlineConfirmationReceived,
		DeadlineConfirmationDatetime: cloneTime(t.DeadlineConfirmationDatetime),
		DeadlineConfirmationMethod:   t.DeadlineConfirmationMethod,
		DeadlineConfirmationSource:   t.DeadlineConfirmationSource,
		DeadlineFlowExecutionSID:     t.DeadlineFlowExecutionSID,
	}
	if record.Status == "" {
		record.Status = string(core.TransferStatusPending)
	}
	if t.DeadlineConfirmed != nil {
		value := *t.DeadlineConfirmed
		record.DeadlineConfirmed = &value
	}
	return record
}

func (r *transferRecord) toDomain() core.Transfer {
	if r == nil {
		return core.Transfer{}
	}
	out := core.Transfer{
		ID:                           r.ID,
		Title:                        r.Title,
		PatientName:                  r.PatientName,
		RouteName:                    r.RouteName,
		LocationName:                 r.LocationName,
		PickupLocation:               r.PickupLocation,
		DestinationLocation:          r.DestinationLocation,
		Status:                       core.TransferStatus(r.Status),
		NotificationNumbers:          copyStrings(r.NotificationNumbers),
		NotificationEmails:           copyStrings(r.NotificationEmails),
		NotificationPhone:            r.NotificationPhone,
		SecondaryNotificationPhone:   r.SecondaryNotificationPhone,
		DeadlineNotified:             r.DeadlineNotified,
		DeadlineNotifiedAt:           cloneTime(r.DeadlineNotifiedAt),
		DeadlineConfirmationReceived: r.DeadlineConfirmationReceived,
		DeadlineConfirmationDatetime: cloneTime(r.DeadlineConfirmationDatetime),
		DeadlineConfirmationMethod:   r.DeadlineConfirmationMethod,
		DeadlineConfirmationSource:   r.DeadlineConfirmationSource,
		DeadlineFlowExecutionSID:     r.DeadlineFlowExecutionSID,
	}
	if r.TransferDatetime != nil {
		out.TransferDatetime = r.TransferDatetime.UTC()
	}
	if r.DeadlineDatetime != nil {
		out.DeadlineDatetime = r.DeadlineDatetime.UTC()
	}
	if r.AssignedAgencyID != nil {
		out.AssignedAgencyID = *r.AssignedAgencyID
	}
	if r.DeadlineConfirmed != nil {
		value := *r.DeadlineConfirmed
		out.DeadlineConfirmed = &value
	}
	return out
}

func (r *agencyRecord) toDomain() core.Agency {
	if r == nil {
		return core.Agency{}
	}
	return core.Agency{ID: r.ID, Name: r.Name, ContactPhones: copyStrings(r.ContactPhones)}
}

func newNotificationRecord(a core.NotificationAttempt, now time.Time) *notificationRecord {
	return &notificationRecord{
		ID:                  strings.TrimSpace(a.ID),
		TransferID:          strings.TrimSpace(a.TransferID),
		NotificationType:    string(a.NotificationType),
		Channel:             string(a.Channel),
		Recipients:          copyStrings(a.Recipients),
		ProviderExecutionID: stringPointer(a.ProviderExecutionID),
		Status:              string(a.Status),
		Metadata:            mergeMetadata(nil, a.Metadata),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func (r *notificationRecord) toDomain() core.NotificationAttempt {
	if r == nil {
		return core.NotificationAttempt{}
	}
	out := core.NotificationAttempt{
		ID:               r.ID,
		TransferID:       r.TransferID,
		NotificationType: core.NotificationType(r.NotificationType),
		Channel:          core.Channel(r.Channel),
		Recipients:       copyStrings(r.Recipients),
		Status:           core.AttemptStatus(r.Status),
		Metadata:         mergeMetadata(nil, r.Metadata),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
	if r.ProviderExecutionID != nil {
		out.ProviderExecutionID = *r.ProviderExecutionID
	}
	return out
}

func (r *auditRecord) toDomain() core.AuditEntry {
	if r == nil {
		return core.AuditEntry{}
	}
	return core.AuditEntry{
		ID:         r.ID,
		TransferID: r.TransferID,
		Action:     r.Action,
		Details:    mergeMetadata(nil, r.Details),
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

func (r *cronRunRecord) toDomain() core.CronRun {
	if r == nil {
		return core.CronRun{}
	}
	return core.CronRun{
		ID:          r.ID,
		JobName:     r.JobName,
		JobType:     r.JobType,
		Status:      core.CronRunStatus(r.Status),
		TriggeredBy: r.TriggeredBy,
		GithubRunID: r.GithubRunID,
		Error:       r.ErrorMessage,
		Metadata:    mergeMetadata(nil, r.Metadata),
		StartedAt:   r.StartedAt.UTC(),
	}
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func stringPointer(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func copyStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, value := range in {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mergeMetadata never returns nil so jsonb columns stay NOT NULL.
func mergeMetadata(base map[string]any, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range patch {
		out[key] = value
	}
	return out
}
