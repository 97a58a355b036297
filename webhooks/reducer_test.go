package webhooks

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/store/memory"
)

var reducerNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newReducerFixture(t *testing.T) (*Reducer, *memory.Store, core.NotificationAttempt) {
	t.Helper()
	store := memory.New(memory.WithClock(func() time.Time { return reducerNow }))
	store.PutTransfer(core.Transfer{
		ID:                  "T1",
		PatientName:         "Ayse Yilmaz",
		DeadlineDatetime:    reducerNow.Add(-time.Hour),
		Status:              core.TransferStatusPending,
		NotificationNumbers: []string{"+905551234567"},
	})
	ctx := context.Background()
	attempt, err := store.Create(ctx, core.NotificationAttempt{
		TransferID: "T1",
		Channel:    core.ChannelCall,
		Status:     core.AttemptStatusPending,
	})
	if err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	if err := store.SetExecutionID(ctx, attempt.ID, "FN1", core.AttemptStatusInitiated, nil); err != nil {
		t.Fatalf("set execution id: %v", err)
	}
	reducer, err := NewReducer(store, store,
		WithAuditLog(store),
		WithFlowSID("FW1"),
		WithClock(func() time.Time { return reducerNow }),
	)
	if err != nil {
		t.Fatalf("new reducer: %v", err)
	}
	return reducer, store, attempt
}

func attemptByID(t *testing.T, store *memory.Store, id string) core.NotificationAttempt {
	t.Helper()
	attempts, err := store.ListByTransfer(context.Background(), "T1")
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	for _, attempt := range attempts {
		if attempt.ID == id {
			return attempt
		}
	}
	t.Fatalf("attempt %s not found", id)
	return core.NotificationAttempt{}
}

func auditActions(store *memory.Store) []string {
	out := []string{}
	for _, entry := range store.AuditEntries("T1") {
		out = append(out, entry.Action)
	}
	return out
}

func TestDTMFConfirmIsIdempotent(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	ctx := context.Background()
	fields := RawWebhookFields{ExecutionSID: "FN1", Digits: "1", Action: "confirm_deadline", CallHash: "T1_1700000000_ab12cd34"}

	first, err := reducer.HandleDTMF(ctx, fields)
	if err != nil {
		t.Fatalf("first dtmf: %v", err)
	}
	if !first.Confirmed || first.MatchedBy != MatchedByExecutionID || first.TransferID != "T1" {
		t.Fatalf("unexpected first outcome %#v", first)
	}
	afterFirst, _ := store.GetTransfer(ctx, "T1")

	second, err := reducer.HandleDTMF(ctx, fields)
	if err != nil {
		t.Fatalf("second dtmf: %v", err)
	}
	if second.Confirmed {
		t.Fatalf("expected second confirm to be a no-op")
	}
	afterSecond, _ := store.GetTransfer(ctx, "T1")
	if !afterSecond.DeadlineConfirmationDatetime.Equal(*afterFirst.DeadlineConfirmationDatetime) {
		t.Fatalf("expected confirmation timestamp to be stable")
	}
	if !afterSecond.DeadlineConfirmationReceived || afterSecond.DeadlineConfirmed == nil || !*afterSecond.DeadlineConfirmed {
		t.Fatalf("expected transfer to stay confirmed, got %#v", afterSecond)
	}
	if afterSecond.DeadlineConfirmationMethod != core.ConfirmationMethodPhoneCall || !afterSecond.DeadlineNotified {
		t.Fatalf("expected phone_call confirmation with notified flag, got %#v", afterSecond)
	}

	stored := attemptByID(t, store, attempt.ID)
	if stored.Status != core.AttemptStatusConfirmed {
		t.Fatalf("expected attempt confirmed, got %s", stored.Status)
	}
	if stored.Metadata["dtmf_action"] != "confirm_deadline" || stored.Metadata["dtmf_digits"] != "1" {
		t.Fatalf("unexpected attempt metadata %#v", stored.Metadata)
	}
	actions := auditActions(store)
	if len(actions) != 2 || actions[0] != "twilio_dtmf_confirm_deadline" {
		t.Fatalf("expected one audit row per callback, got %#v", actions)
	}
}

func TestConfirmAndCompletedStatusCommute(t *testing.T) {
	dtmf := RawWebhookFields{ExecutionSID: "FN1", Digits: "1", Action: "confirm_deadline", TransferID: "T1"}
	status := RawWebhookFields{ExecutionSID: "FN1", CallStatus: "completed", TransferID: "T1", To: "+905551234567", CallDuration: "35"}

	run := func(order []RawWebhookFields, kinds []EventKind) (core.Transfer, core.NotificationAttempt) {
		reducer, store, attempt := newReducerFixture(t)
		for i, fields := range order {
			if _, err := reducer.Apply(context.Background(), kinds[i], fields); err != nil {
				t.Fatalf("apply %s: %v", kinds[i], err)
			}
		}
		transfer, _ := store.GetTransfer(context.Background(), "T1")
		return transfer, attemptByID(t, store, attempt.ID)
	}

	t1, a1 := run([]RawWebhookFields{dtmf, status}, []EventKind{EventDTMF, EventStatus})
	t2, a2 := run([]RawWebhookFields{status, dtmf}, []EventKind{EventStatus, EventDTMF})

	for _, transfer := range []core.Transfer{t1, t2} {
		if !transfer.DeadlineConfirmationReceived || transfer.DeadlineConfirmed == nil || !*transfer.DeadlineConfirmed {
			t.Fatalf("expected confirmed transfer, got %#v", transfer)
		}
		if !transfer.DeadlineNotified {
			t.Fatalf("expected notified transfer")
		}
	}
	if a1.Status != core.AttemptStatusConfirmed || a2.Status != core.AttemptStatusConfirmed {
		t.Fatalf("expected confirmed attempts in both orders, got %s and %s", a1.Status, a2.Status)
	}
	for _, key := range []string{"call_status", "dtmf_digits", "completed_at", "call_duration"} {
		if a1.Metadata[key] != a2.Metadata[key] {
			t.Fatalf("metadata %s differs by order: %v vs %v", key, a1.Metadata[key], a2.Metadata[key])
		}
	}
}

func TestRejectionDoesNotOverrideConfirmation(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	ctx := context.Background()
	if _, err := reducer.HandleDTMF(ctx, RawWebhookFields{ExecutionSID: "FN1", Action: "confirm_deadline", TransferID: "T1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	out, err := reducer.HandleDTMF(ctx, RawWebhookFields{ExecutionSID: "FN1", Action: "reject_deadline", Digits: "2", TransferID: "T1"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !out.Rejected {
		t.Fatalf("expected rejection to be classified")
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if transfer.DeadlineConfirmed == nil || !*transfer.DeadlineConfirmed {
		t.Fatalf("expected confirmation to survive a later rejection")
	}
	if got := attemptByID(t, store, attempt.ID).Status; got != core.AttemptStatusConfirmed {
		t.Fatalf("expected attempt to stay confirmed, got %s", got)
	}
}

func TestRejectionIsNotTerminal(t *testing.T) {
	reducer, store, _ := newReducerFixture(t)
	ctx := context.Background()
	if _, err := reducer.HandleDTMF(ctx, RawWebhookFields{ExecutionSID: "FN1", Action: "reject_deadline", TransferID: "T1"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if transfer.DeadlineConfirmed == nil || *transfer.DeadlineConfirmed || transfer.DeadlineConfirmationReceived {
		t.Fatalf("expected rejected but unreceived transfer, got %#v", transfer)
	}
	overdue, _ := store.FindOverdue(ctx, reducerNow)
	if len(overdue) != 1 {
		t.Fatalf("expected rejected transfer to stay overdue")
	}
	if _, err := reducer.HandleDTMF(ctx, RawWebhookFields{ExecutionSID: "FN1", Action: "confirm_appointment", TransferID: "T1"}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	transfer, _ = store.GetTransfer(ctx, "T1")
	if !transfer.DeadlineConfirmationReceived || !*transfer.DeadlineConfirmed {
		t.Fatalf("expected later confirmation to win, got %#v", transfer)
	}
}

func TestRawDigitsOnlyRecordEvidence(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	ctx := context.Background()
	out, err := reducer.HandleDTMF(ctx, RawWebhookFields{ExecutionSID: "FN1", Digits: "7", To: "+90 555 123 45 67"})
	if err != nil {
		t.Fatalf("dtmf: %v", err)
	}
	if out.Action.Kind != ActionRawDigits || out.MatchedBy != MatchedByExecutionID {
		t.Fatalf("unexpected outcome %#v", out)
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if transfer.DeadlineConfirmed != nil || transfer.DeadlineConfirmationReceived {
		t.Fatalf("expected no confirmation change, got %#v", transfer)
	}
	if got := attemptByID(t, store, attempt.ID).Status; got != core.AttemptStatusDTMFReceived {
		t.Fatalf("expected dtmf_received, got %s", got)
	}
	if actions := auditActions(store); len(actions) != 1 || actions[0] != "twilio_dtmf_input" {
		t.Fatalf("unexpected audit %#v", actions)
	}
}

func TestStatusBusyMarksRejection(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	ctx := context.Background()
	out, err := reducer.HandleStatus(ctx, RawWebhookFields{ExecutionSID: "FN1", CallStatus: "completed", DialCallStatus: "busy", TransferID: "T1"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !out.Rejected || out.FinalStatus != "busy" {
		t.Fatalf("unexpected outcome %#v", out)
	}
	stored := attemptByID(t, store, attempt.ID)
	if stored.Status != core.AttemptStatusRejected || stored.Metadata["reject_reason"] != "busy" {
		t.Fatalf("unexpected attempt %#v", stored)
	}
	if _, ok := stored.Metadata["completed_at"]; ok {
		t.Fatalf("expected no completed_at when dial status is present")
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if transfer.DeadlineNotified {
		t.Fatalf("expected rejected call not to mark notified")
	}
	if actions := auditActions(store); len(actions) != 1 || actions[0] != "twilio_status_busy" {
		t.Fatalf("unexpected audit %#v", actions)
	}
}

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		fields   RawWebhookFields
		want     string
		rejected bool
	}{
		{RawWebhookFields{CallStatus: "no-answer"}, "no-answer", true},
		{RawWebhookFields{DialCallStatus: "canceled", CallStatus: "completed"}, "canceled", true},
		{RawWebhookFields{DialCallStatus: "completed", CallStatus: "in-progress"}, "completed", false},
		{RawWebhookFields{CallStatus: "failed"}, "failed", false},
		{RawWebhookFields{Event: "ringing"}, "ringing", false},
		{RawWebhookFields{}, "unknown", false},
	}
	for _, tc := range cases {
		got, rejected := FinalStatus(tc.fields)
		if got != tc.want || rejected != tc.rejected {
			t.Fatalf("final status %#v: got %s %v", tc.fields, got, rejected)
		}
	}
}

func TestStatusFlowCompletionConfirms(t *testing.T) {
	reducer, store, _ := newReducerFixture(t)
	ctx := context.Background()

	out, err := reducer.HandleStatus(ctx, RawWebhookFields{
		ExecutionSID: "FN1", FlowSID: "FW-other", ExecutionStatus: "ended",
		ConfirmationCode: "CONFIRMED", TransferID: "T1",
	})
	if err != nil || out.Confirmed {
		t.Fatalf("expected foreign flow to be ignored, got %#v %v", out, err)
	}

	out, err = reducer.HandleStatus(ctx, RawWebhookFields{
		ExecutionSID: "FN1", FlowSID: "FW1", ExecutionStatus: "ended",
		ConfirmationCode: "CONFIRMED", TransferID: "T1",
	})
	if err != nil || !out.Confirmed {
		t.Fatalf("expected flow completion to confirm, got %#v %v", out, err)
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if transfer.DeadlineConfirmationSource != "FN1" || transfer.DeadlineFlowExecutionSID != "FN1" {
		t.Fatalf("unexpected confirmation details %#v", transfer)
	}
}

func TestStatusResolvedByExecutionID(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	out, err := reducer.HandleStatus(context.Background(), RawWebhookFields{ExecutionSID: "FN1", CallStatus: "failed", To: "+901111111111"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if out.TransferID != "T1" || out.MatchedBy != MatchedByExecutionID || !out.AttemptUpdated {
		t.Fatalf("unexpected outcome %#v", out)
	}
	if got := attemptByID(t, store, attempt.ID).Status; got != core.AttemptStatusFailed {
		t.Fatalf("expected failed attempt, got %s", got)
	}
	if actions := auditActions(store); len(actions) != 1 || actions[0] != "twilio_status_failed" {
		t.Fatalf("unexpected audit %#v", actions)
	}
}

func TestUnknownExecutionAndPhoneChangeNothing(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	out, err := reducer.HandleStatus(context.Background(), RawWebhookFields{ExecutionSID: "FN-unknown", CallStatus: "failed", To: "+901111111111"})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if out.TransferID != "" || out.MatchedBy != MatchedByNone || out.AttemptUpdated {
		t.Fatalf("unexpected outcome %#v", out)
	}
	if got := attemptByID(t, store, attempt.ID).Status; got != core.AttemptStatusInitiated {
		t.Fatalf("expected untouched attempt, got %s", got)
	}
	if actions := auditActions(store); len(actions) != 0 {
		t.Fatalf("expected no audit rows without a transfer, got %#v", actions)
	}
}

func TestDTMFWithOnlyExecutionIDConfirmsTransfer(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	ctx := context.Background()
	fields, err := Decode("application/json", []byte(`{"execution_sid":"FN1","action":"confirm_deadline","digits":"1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := reducer.HandleDTMF(ctx, fields)
	if err != nil {
		t.Fatalf("dtmf: %v", err)
	}
	if out.TransferID != "T1" || out.MatchedBy != MatchedByExecutionID || !out.Confirmed {
		t.Fatalf("unexpected outcome %#v", out)
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if !transfer.DeadlineConfirmationReceived || transfer.DeadlineConfirmed == nil || !*transfer.DeadlineConfirmed {
		t.Fatalf("expected T1 confirmed, got %#v", transfer)
	}
	if transfer.DeadlineConfirmationMethod != core.ConfirmationMethodPhoneCall || transfer.DeadlineConfirmationSource != "FN1" {
		t.Fatalf("unexpected confirmation details %#v", transfer)
	}
	if got := attemptByID(t, store, attempt.ID).Status; got != core.AttemptStatusConfirmed {
		t.Fatalf("expected attempt confirmed, got %s", got)
	}
	overdue, _ := store.FindOverdue(ctx, reducerNow)
	if len(overdue) != 0 {
		t.Fatalf("expected confirmed transfer to leave the overdue set, got %d", len(overdue))
	}
}

func TestFlowCompletionWithoutTransferIDConfirms(t *testing.T) {
	reducer, store, _ := newReducerFixture(t)
	ctx := context.Background()
	out, err := reducer.HandleStatus(ctx, RawWebhookFields{
		ExecutionSID: "FN1", FlowSID: "FW1", ExecutionStatus: "ended", ConfirmationCode: "CONFIRMED",
	})
	if err != nil || !out.Confirmed || out.MatchedBy != MatchedByExecutionID {
		t.Fatalf("expected flow completion to confirm through the execution id, got %#v %v", out, err)
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if !transfer.DeadlineConfirmationReceived {
		t.Fatalf("expected T1 confirmed, got %#v", transfer)
	}
}

type flakyTransfers struct {
	*memory.Store
	failures int
}

func (f *flakyTransfers) MarkNotified(ctx context.Context, id string, notified bool, at time.Time) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	return f.Store.MarkNotified(ctx, id, notified, at)
}

func TestRetriedStatusAppendsOneAuditRow(t *testing.T) {
	_, store, attempt := newReducerFixture(t)
	transfers := &flakyTransfers{Store: store, failures: 1}
	reducer, err := NewReducer(transfers, store,
		WithAuditLog(store),
		WithClock(func() time.Time { return reducerNow }),
	)
	if err != nil {
		t.Fatalf("new reducer: %v", err)
	}
	ctx := context.Background()
	fields := RawWebhookFields{ExecutionSID: "FN1", CallStatus: "completed", CallDuration: "42"}

	if _, err := reducer.HandleStatus(ctx, fields); err == nil {
		t.Fatalf("expected transient failure on first delivery")
	}
	if actions := auditActions(store); len(actions) != 0 {
		t.Fatalf("expected no audit row after a failed delivery, got %#v", actions)
	}
	if _, err := reducer.HandleStatus(ctx, fields); err != nil {
		t.Fatalf("retry: %v", err)
	}
	actions := auditActions(store)
	if len(actions) != 1 || actions[0] != "twilio_status_completed" {
		t.Fatalf("expected a single audit row after retry, got %#v", actions)
	}
	transfer, _ := store.GetTransfer(ctx, "T1")
	if !transfer.DeadlineNotified {
		t.Fatalf("expected transfer notified after retry")
	}
	if got := attemptByID(t, store, attempt.ID).Metadata["call_duration"]; got != "42" {
		t.Fatalf("expected merged call duration, got %v", got)
	}
}

func TestFlowEventIsObservational(t *testing.T) {
	reducer, store, attempt := newReducerFixture(t)
	out, err := reducer.HandleFlow(context.Background(), RawWebhookFields{ExecutionSID: "FN1", Event: "flow_started", TransferID: "T1"})
	if err != nil || out.Kind != EventFlow || out.TransferID != "T1" {
		t.Fatalf("unexpected outcome %#v %v", out, err)
	}
	if got := attemptByID(t, store, attempt.ID).Status; got != core.AttemptStatusInitiated {
		t.Fatalf("expected untouched attempt, got %s", got)
	}
}

type failingNotifications struct {
	core.NotificationStore
	err error
}

func (f failingNotifications) UpdateByExecutionID(context.Context, string, core.AttemptStatus, map[string]any) (bool, error) {
	return false, f.err
}

func TestDataAccessFailureSurfaces(t *testing.T) {
	store := memory.New()
	store.PutTransfer(core.Transfer{ID: "T1", DeadlineDatetime: reducerNow.Add(-time.Hour)})
	boom := errors.New("connection refused")
	reducer, err := NewReducer(store, failingNotifications{NotificationStore: store, err: boom})
	if err != nil {
		t.Fatalf("new reducer: %v", err)
	}
	out, err := reducer.HandleDTMF(context.Background(), RawWebhookFields{ExecutionSID: "FN1", Action: "confirm_deadline", TransferID: "T1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected store failure to surface, got %v", err)
	}
	if !out.Confirmed {
		t.Fatalf("expected transfer update to proceed despite attempt failure")
	}
	if !strings.Contains(err.Error(), "FN1") {
		t.Fatalf("expected execution id in error, got %v", err)
	}
}

func TestNewReducerRequiresStores(t *testing.T) {
	if _, err := NewReducer(nil, memory.New()); err == nil {
		t.Fatalf("expected missing transfer repository to fail")
	}
	if _, err := NewReducer(memory.New(), nil); err == nil {
		t.Fatalf("expected missing notification store to fail")
	}
}
