package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/goliatone/go-deadlines/core"
	deadlinemigrations "github.com/goliatone/go-deadlines/migrations"
	sqlstore "github.com/goliatone/go-deadlines/store/sql"
	"github.com/goliatone/go-deadlines/webhooks"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type testPersistenceConfig struct {
	driver string
	server string
}

func (c testPersistenceConfig) GetDebug() bool                { return false }
func (c testPersistenceConfig) GetDriver() string             { return c.driver }
func (c testPersistenceConfig) GetServer() string             { return c.server }
func (c testPersistenceConfig) GetPingTimeout() time.Duration { return time.Second }
func (c testPersistenceConfig) GetOtelIdentifier() string     { return "go-deadlines-tests" }

var sqlNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLiteClient(t *testing.T) (*persistence.Client, func()) {
	t.Helper()

	dsn := fmt.Sprintf("file:deadlines-test-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	client, err := persistence.New(testPersistenceConfig{driver: "sqlite3", server: dsn}, sqlDB, sqlitedialect.New())
	if err != nil {
		_ = sqlDB.Close()
		t.Fatalf("new persistence client: %v", err)
	}

	ctx := context.Background()
	_, err = deadlinemigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect != deadlinemigrations.DialectSQLite {
			return nil
		}
		client.RegisterSQLMigrations(fsys)
		return nil
	}, deadlinemigrations.WithValidationTargets(deadlinemigrations.DialectSQLite))
	if err != nil {
		_ = client.Close()
		t.Fatalf("register migrations: %v", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		t.Fatalf("migrate: %v", err)
	}
	return client, func() { _ = client.Close() }
}

func newStores(t *testing.T) (*sqlstore.Stores, func()) {
	t.Helper()
	client, cleanup := newSQLiteClient(t)
	stores, err := sqlstore.NewStoresFromPersistence(client)
	if err != nil {
		cleanup()
		t.Fatalf("new stores: %v", err)
	}
	return stores, cleanup
}

func seedTransfer(t *testing.T, stores *sqlstore.Stores, transfer core.Transfer) {
	t.Helper()
	if err := stores.Transfers().Save(context.Background(), transfer); err != nil {
		t.Fatalf("save transfer %s: %v", transfer.ID, err)
	}
}

func TestMigrationSmokeApplySQLite(t *testing.T) {
	client, cleanup := newSQLiteClient(t)
	defer cleanup()

	for _, table := range []string{"transfers", "agencies", "transfer_notifications", "transfer_audit_log", "cron_jobs_log"} {
		var name string
		if err := client.DB().NewRaw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(context.Background(), &name); err != nil {
			t.Fatalf("query sqlite master for %s: %v", table, err)
		}
		if name != table {
			t.Fatalf("expected table %s, got %q", table, name)
		}
	}
}

func TestConfirmDeadlineIsConditionalAndMonotonic(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()
	seedTransfer(t, stores, core.Transfer{ID: "T1", DeadlineDatetime: sqlNow.Add(-time.Hour)})
	transfers := stores.Transfers()

	applied, err := transfers.ConfirmDeadline(ctx, "T1", core.ConfirmationInput{
		Method:      core.ConfirmationMethodPhoneCall,
		Source:      "dtmf",
		ExecutionID: "FN1",
		At:          sqlNow,
	})
	if err != nil || !applied {
		t.Fatalf("expected first confirm to apply, got %v %v", applied, err)
	}
	applied, err = transfers.ConfirmDeadline(ctx, "T1", core.ConfirmationInput{Method: "other", At: sqlNow.Add(time.Hour)})
	if err != nil || applied {
		t.Fatalf("expected second confirm to be a no-op, got %v %v", applied, err)
	}
	if err := transfers.RecordRejection(ctx, "T1", core.RejectionInput{Method: core.ConfirmationMethodPhoneCall, At: sqlNow}); err != nil {
		t.Fatalf("record rejection: %v", err)
	}

	got, err := transfers.GetTransfer(ctx, "T1")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if !got.DeadlineConfirmationReceived || got.DeadlineConfirmed == nil || !*got.DeadlineConfirmed {
		t.Fatalf("expected confirmed transfer, got %#v", got)
	}
	if got.DeadlineConfirmationDatetime == nil || !got.DeadlineConfirmationDatetime.Equal(sqlNow) {
		t.Fatalf("expected first confirmation timestamp to stick, got %v", got.DeadlineConfirmationDatetime)
	}
	if got.DeadlineConfirmationMethod != core.ConfirmationMethodPhoneCall || got.DeadlineFlowExecutionSID != "FN1" {
		t.Fatalf("unexpected confirmation fields %#v", got)
	}
	if !got.DeadlineNotified || got.DeadlineNotifiedAt == nil {
		t.Fatalf("expected confirm to mark notified, got %#v", got)
	}

	if _, err := transfers.ConfirmDeadline(ctx, "missing", core.ConfirmationInput{At: sqlNow}); !errors.Is(err, core.ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound, got %v", err)
	}
	if err := transfers.MarkNotified(ctx, "missing", true, sqlNow); !errors.Is(err, core.ErrTransferNotFound) {
		t.Fatalf("expected ErrTransferNotFound on mark notified, got %v", err)
	}
}

func TestFindOverdueAndUpcoming(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()
	notifiedAt := sqlNow.Add(-30 * time.Minute)
	confirmed := true

	seedTransfer(t, stores, core.Transfer{ID: "overdue-old", DeadlineDatetime: sqlNow.Add(-2 * time.Hour)})
	seedTransfer(t, stores, core.Transfer{ID: "overdue-new", DeadlineDatetime: sqlNow.Add(-time.Hour)})
	seedTransfer(t, stores, core.Transfer{ID: "cancelled", DeadlineDatetime: sqlNow.Add(-time.Hour), Status: core.TransferStatusCancelled})
	seedTransfer(t, stores, core.Transfer{ID: "future", DeadlineDatetime: sqlNow.Add(10 * time.Minute)})
	seedTransfer(t, stores, core.Transfer{ID: "no-deadline"})
	seedTransfer(t, stores, core.Transfer{
		ID:                           "done",
		DeadlineDatetime:             sqlNow.Add(-time.Hour),
		DeadlineNotifiedAt:           &notifiedAt,
		DeadlineConfirmationReceived: true,
		DeadlineConfirmed:            &confirmed,
	})

	overdue, err := stores.Transfers().FindOverdue(ctx, sqlNow)
	if err != nil {
		t.Fatalf("find overdue: %v", err)
	}
	if len(overdue) != 2 || overdue[0].ID != "overdue-old" || overdue[1].ID != "overdue-new" {
		t.Fatalf("unexpected overdue set %#v", overdue)
	}

	upcoming, err := stores.Transfers().FindUpcoming(ctx, sqlNow, 10)
	if err != nil {
		t.Fatalf("find upcoming: %v", err)
	}
	if len(upcoming) != 1 || upcoming[0].ID != "future" {
		t.Fatalf("unexpected upcoming set %#v", upcoming)
	}
}

func TestFindByNotificationPhoneMatchesFormattedNumbers(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()

	seedTransfer(t, stores, core.Transfer{
		ID:                  "older",
		DeadlineDatetime:    sqlNow.Add(-3 * time.Hour),
		NotificationNumbers: []string{"+90 555 123 45 67"},
	})
	seedTransfer(t, stores, core.Transfer{
		ID:                "newer",
		DeadlineDatetime:  sqlNow.Add(-time.Hour),
		NotificationPhone: "0090-555-123-4567",
	})
	seedTransfer(t, stores, core.Transfer{
		ID:                  "other",
		DeadlineDatetime:    sqlNow,
		NotificationNumbers: []string{"+905559999999"},
	})

	got, ok, err := stores.Transfers().FindByNotificationPhone(ctx, "905551234567")
	if err != nil || !ok {
		t.Fatalf("expected phone match, got ok=%v err=%v", ok, err)
	}
	if got.ID != "newer" {
		t.Fatalf("expected newest deadline to win, got %s", got.ID)
	}
	if _, ok, err := stores.Transfers().FindByNotificationPhone(ctx, "+15550000000"); ok || err != nil {
		t.Fatalf("expected no match, got ok=%v err=%v", ok, err)
	}
}

func TestNotificationStoreRankAndMerge(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()
	seedTransfer(t, stores, core.Transfer{ID: "T1", DeadlineDatetime: sqlNow})
	notifications := stores.Notifications()

	attempt, err := notifications.Create(ctx, core.NotificationAttempt{
		TransferID:       "T1",
		NotificationType: core.NotificationTypeDeadline,
		Channel:          core.ChannelCall,
		Recipients:       []string{"+905551234567"},
		Metadata:         map[string]any{"step": "flow"},
	})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if attempt.Status != core.AttemptStatusPending {
		t.Fatalf("expected pending default, got %s", attempt.Status)
	}
	if err := notifications.SetExecutionID(ctx, attempt.ID, "FN1", core.AttemptStatusInitiated, map[string]any{"status_url": "u"}); err != nil {
		t.Fatalf("set execution id: %v", err)
	}

	updated, err := notifications.UpdateByExecutionID(ctx, "FN1", core.AttemptStatusConfirmed, map[string]any{"dtmf_digits": "1"})
	if err != nil || !updated {
		t.Fatalf("update confirmed: %v %v", updated, err)
	}
	if _, err := notifications.UpdateByExecutionID(ctx, "FN1", core.AttemptStatusRejected, map[string]any{"call_status": "busy"}); err != nil {
		t.Fatalf("update rejected: %v", err)
	}
	updated, err = notifications.UpdateByExecutionID(ctx, "unknown", core.AttemptStatusFailed, nil)
	if err != nil || updated {
		t.Fatalf("expected unknown execution id to report false, got %v %v", updated, err)
	}
	owner, found, err := notifications.GetByExecutionID(ctx, " FN1 ")
	if err != nil || !found || owner.ID != attempt.ID || owner.TransferID != "T1" {
		t.Fatalf("expected attempt by execution id, got %#v %v %v", owner, found, err)
	}
	if _, found, err := notifications.GetByExecutionID(ctx, "unknown"); err != nil || found {
		t.Fatalf("expected unknown execution id lookup to report false, got %v %v", found, err)
	}

	attempts, err := notifications.ListByTransfer(ctx, "T1")
	if err != nil || len(attempts) != 1 {
		t.Fatalf("list attempts: %#v %v", attempts, err)
	}
	got := attempts[0]
	if got.Status != core.AttemptStatusConfirmed {
		t.Fatalf("expected status to stay confirmed, got %s", got.Status)
	}
	for _, key := range []string{"step", "status_url", "dtmf_digits", "call_status"} {
		if _, ok := got.Metadata[key]; !ok {
			t.Fatalf("expected merged metadata key %s, got %#v", key, got.Metadata)
		}
	}

	second, err := notifications.Create(ctx, core.NotificationAttempt{TransferID: "T1", Channel: core.ChannelCall})
	if err != nil {
		t.Fatalf("create second attempt: %v", err)
	}
	if err := notifications.SetExecutionID(ctx, second.ID, "FN1", core.AttemptStatusInitiated, nil); !errors.Is(err, core.ErrDuplicateExecutionID) {
		t.Fatalf("expected duplicate execution id error, got %v", err)
	}
	if err := notifications.UpdateAttempt(ctx, "missing", core.AttemptStatusFailed, nil); !errors.Is(err, core.ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestAuditAndCronRunLogs(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()

	if err := stores.Audit().Append(ctx, core.AuditEntry{
		TransferID: "T1",
		Action:     "twilio_dtmf_confirm",
		Details:    map[string]any{"dtmf_digits": "1"},
		CreatedAt:  sqlNow,
	}); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	entries, err := stores.Audit().Entries(ctx, "T1")
	if err != nil || len(entries) != 1 || entries[0].Details["dtmf_digits"] != "1" {
		t.Fatalf("unexpected audit entries %#v %v", entries, err)
	}
	if err := stores.Audit().Append(ctx, core.AuditEntry{TransferID: "T1"}); err == nil {
		t.Fatalf("expected audit entry without action to fail")
	}

	runs := stores.CronRuns()
	id, err := runs.Start(ctx, core.CronRun{
		JobName:     "check-transfer-deadlines",
		JobType:     "deadline_check",
		Status:      core.CronRunRunning,
		TriggeredBy: "github_actions",
		GithubRunID: "42",
		StartedAt:   sqlNow,
	})
	if err != nil || id == "" {
		t.Fatalf("start run: %q %v", id, err)
	}
	if err := runs.Finish(ctx, id, core.CronRunResult{
		Status:         core.CronRunCompleted,
		CompletedAt:    sqlNow.Add(time.Second),
		DurationMS:     1000,
		ItemsProcessed: 2,
		ItemsSuccess:   2,
	}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	recent, err := runs.Recent(ctx, "check-transfer-deadlines", 5)
	if err != nil || len(recent) != 1 {
		t.Fatalf("recent runs: %#v %v", recent, err)
	}
	if recent[0].Status != core.CronRunCompleted || recent[0].TriggeredBy != "github_actions" {
		t.Fatalf("unexpected run %#v", recent[0])
	}
	if err := runs.Finish(ctx, "missing", core.CronRunResult{Status: core.CronRunFailed}); err == nil {
		t.Fatalf("expected finishing an unknown run to fail")
	}
}

func TestAgencyDirectoryThroughCache(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()

	if err := stores.AgencyDirectory().Save(ctx, core.Agency{ID: "A1", Name: "Agency", ContactPhones: []string{"+905550000001"}}); err != nil {
		t.Fatalf("save agency: %v", err)
	}
	agency, err := stores.Agencies().GetAgency(ctx, "A1")
	if err != nil || agency.Name != "Agency" || len(agency.ContactPhones) != 1 {
		t.Fatalf("unexpected agency %#v %v", agency, err)
	}
	if _, err := stores.Agencies().GetAgency(ctx, "missing"); !errors.Is(err, core.ErrAgencyNotFound) {
		t.Fatalf("expected ErrAgencyNotFound, got %v", err)
	}
}

func TestReducerAgainstSQLStores(t *testing.T) {
	ctx := context.Background()
	stores, cleanup := newStores(t)
	defer cleanup()
	seedTransfer(t, stores, core.Transfer{
		ID:                  "T1",
		DeadlineDatetime:    sqlNow.Add(-time.Hour),
		NotificationNumbers: []string{"+905551234567"},
	})
	attempt, err := stores.Notifications().Create(ctx, core.NotificationAttempt{TransferID: "T1", Channel: core.ChannelCall})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if err := stores.Notifications().SetExecutionID(ctx, attempt.ID, "FN1", core.AttemptStatusInitiated, nil); err != nil {
		t.Fatalf("set execution id: %v", err)
	}

	reducer, err := webhooks.NewReducer(stores.Transfers(), stores.Notifications(),
		webhooks.WithAuditLog(stores.Audit()),
		webhooks.WithClock(func() time.Time { return sqlNow }),
	)
	if err != nil {
		t.Fatalf("new reducer: %v", err)
	}

	dtmf := webhooks.RawWebhookFields{ExecutionSID: "FN1", Digits: "1", Action: "confirm_deadline"}
	for i := 0; i < 2; i++ {
		if _, err := reducer.Apply(ctx, webhooks.EventDTMF, dtmf); err != nil {
			t.Fatalf("apply dtmf %d: %v", i, err)
		}
	}
	status := webhooks.RawWebhookFields{ExecutionSID: "FN1", CallStatus: "busy"}
	if _, err := reducer.Apply(ctx, webhooks.EventStatus, status); err != nil {
		t.Fatalf("apply status: %v", err)
	}

	transfer, err := stores.Transfers().GetTransfer(ctx, "T1")
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if !transfer.DeadlineConfirmationReceived || transfer.DeadlineConfirmed == nil || !*transfer.DeadlineConfirmed {
		t.Fatalf("expected confirmation to survive a later busy status, got %#v", transfer)
	}
	attempts, err := stores.Notifications().ListByTransfer(ctx, "T1")
	if err != nil || len(attempts) != 1 || attempts[0].Status != core.AttemptStatusConfirmed {
		t.Fatalf("expected confirmed attempt, got %#v %v", attempts, err)
	}
	entries, err := stores.Audit().Entries(ctx, "T1")
	if err != nil || len(entries) != 3 {
		t.Fatalf("expected three audit rows, got %d %v", len(entries), err)
	}
}
