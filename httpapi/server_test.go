package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	"github.com/goliatone/go-deadlines/adapters/gocommand"
	"github.com/goliatone/go-deadlines/adapters/gologger"
	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/command"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/dispatch"
	"github.com/goliatone/go-deadlines/inbound"
	"github.com/goliatone/go-deadlines/query"
	"github.com/goliatone/go-deadlines/scanner"
	"github.com/goliatone/go-deadlines/store/memory"
	"github.com/goliatone/go-deadlines/webhooks"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type stubReceiver struct {
	requests []inbound.Request
	receipt  inbound.Receipt
	err      error
}

func (s *stubReceiver) Receive(_ context.Context, req inbound.Request) (inbound.Receipt, error) {
	s.requests = append(s.requests, req)
	return s.receipt, s.err
}

type stubDispatcher struct {
	dispatched []string
}

func (s *stubDispatcher) Dispatch(_ context.Context, transferID string) dispatch.Result {
	s.dispatched = append(s.dispatched, transferID)
	return dispatch.Result{TransferID: transferID, Success: true, Step: dispatch.StepFlowCall, Message: "started"}
}

type fixture struct {
	server     *Server
	store      *memory.Store
	log        *calllog.Log
	dispatcher *stubDispatcher
	receiver   *stubReceiver
}

func quietProvider() core.LoggerProvider {
	return gologger.NewConsole(gologger.WithOutput(io.Discard))
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	f := &fixture{
		store:      memory.New(memory.WithClock(clock)),
		log:        calllog.New(10, calllog.WithClock(clock)),
		dispatcher: &stubDispatcher{},
		receiver:   &stubReceiver{receipt: inbound.Receipt{Accepted: true, StatusCode: http.StatusOK}},
	}
	scan, err := scanner.New(f.store, f.dispatcher, scanner.WithClock(clock), scanner.WithLoggerProvider(quietProvider()))
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	bus, err := gocommand.NewBus(gocommand.WithQueueRegistry(jobqueuecommand.NewRegistry()))
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	t.Cleanup(bus.Close)
	mustRegister(t, gocommand.RegisterCommand[command.ScanOverdueMessage](bus, command.NewScanOverdueCommand(scan,
		command.WithCronRunLog(f.store),
		command.WithScanClock(clock),
		command.WithScanLogger(quietProvider().GetLogger("scan")),
	)))
	mustRegister(t, gocommand.RegisterCommand[command.ClearCallEventsMessage](bus, command.NewClearCallEventsCommand(f.log)))
	mustRegister(t, gocommand.RegisterQuery[query.ListCallEventsMessage, []calllog.Event](bus, query.NewListCallEventsQuery(f.log)))
	mustRegister(t, gocommand.RegisterQuery[query.CallEventStatsMessage, calllog.Stats](bus, query.NewCallEventStatsQuery(f.log)))
	mustRegister(t, gocommand.RegisterQuery[query.NextDeadlineMessage, scanner.NextDeadlineInfo](bus, query.NewNextDeadlineQuery(scan)))
	mustRegister(t, gocommand.RegisterQuery[query.ListNotificationAttemptsMessage, []core.NotificationAttempt](bus, query.NewListNotificationAttemptsQuery(f.store)))
	mustRegister(t, gocommand.RegisterQuery[query.GetTransferMessage, core.Transfer](bus, query.NewGetTransferQuery(f.store)))
	if err := bus.Initialize(); err != nil {
		t.Fatalf("initialize bus: %v", err)
	}

	base := []Option{
		WithCronToken("secret"),
		WithCronRunLog(f.store),
		WithClock(clock),
		WithLoggerProvider(quietProvider()),
	}
	f.server, err = NewServer(f.receiver, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return f
}

func mustRegister(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("register: %v", err)
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresReceiver(t *testing.T) {
	if _, err := NewServer(nil); err == nil || !core.IsConfigError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	f := newFixture(t, WithPublicBaseURL("https://deadlines.example.com/"))
	f.receiver.err = errors.New("queue full")

	req := httptest.NewRequest(http.MethodPost, WebhookDTMFPath+"?source=studio", strings.NewReader("Digits=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := f.do(req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("expected 200 OK, got %d %q", rec.Code, rec.Body.String())
	}
	if len(f.receiver.requests) != 1 {
		t.Fatalf("expected one forwarded request, got %d", len(f.receiver.requests))
	}
	got := f.receiver.requests[0]
	if got.Kind != webhooks.EventDTMF || string(got.Body) != "Digits=1" {
		t.Fatalf("unexpected forwarded request %#v", got)
	}
	if got.URL != "https://deadlines.example.com"+WebhookDTMFPath+"?source=studio" {
		t.Fatalf("unexpected public url %q", got.URL)
	}
	if !got.ReceivedAt.Equal(fixedNow) {
		t.Fatalf("expected received time from clock, got %s", got.ReceivedAt)
	}
}

func TestWebhookURLFromForwardedHeaders(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, WebhookStatusPath, strings.NewReader("CallSid=CA1"))
	req.Host = "internal:8080"
	req.Header.Set("X-Forwarded-Proto", "https, http")
	req.Header.Set("X-Forwarded-Host", "public.example.com")
	f.do(req)
	if len(f.receiver.requests) != 1 {
		t.Fatalf("expected forwarded request")
	}
	if got := f.receiver.requests[0]; got.URL != "https://public.example.com"+WebhookStatusPath || got.Kind != webhooks.EventStatus {
		t.Fatalf("unexpected request %#v", got)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	f.receiver.receipt = inbound.Receipt{StatusCode: http.StatusForbidden}
	f.receiver.err = errors.New("signature mismatch")

	rec := f.do(httptest.NewRequest(http.MethodPost, WebhookFlowPath, strings.NewReader("{}")))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestWebhookWithRealIngestorVerifiesSignature(t *testing.T) {
	queue := &recordingEnqueuer{}
	ingestor, err := inbound.NewIngestor(queue,
		inbound.WithVerifier(inbound.NewSignatureVerifier("token")),
		inbound.WithClaimStore(inbound.NewInMemoryClaimStore()),
	)
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	server, err := NewServer(ingestor, WithPublicBaseURL("https://deadlines.example.com"), WithLoggerProvider(quietProvider()))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	body := "CallSid=CA1&CallStatus=completed"
	unsigned := httptest.NewRequest(http.MethodPost, WebhookStatusPath, strings.NewReader(body))
	unsigned.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, unsigned)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected unsigned callback to be rejected, got %d", rec.Code)
	}

	signature, err := inbound.SignatureFor("token", inbound.Request{
		URL:         "https://deadlines.example.com" + WebhookStatusPath,
		ContentType: "application/x-www-form-urlencoded",
		Body:        []byte(body),
	})
	if err != nil {
		t.Fatalf("signature: %v", err)
	}
	signed := httptest.NewRequest(http.MethodPost, WebhookStatusPath, strings.NewReader(body))
	signed.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	signed.Header.Set(inbound.SignatureHeader, signature)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, signed)
	if rec.Code != http.StatusOK || queue.count != 1 {
		t.Fatalf("expected signed callback to be queued, got %d with %d queued", rec.Code, queue.count)
	}
}

func TestDiagnosticsCallEvents(t *testing.T) {
	f := newFixture(t)
	f.log.Append(calllog.Event{ExecutionID: "FN1", PhoneNumber: "+905551234567", Kind: calllog.KindFlowStarted})
	f.log.Append(calllog.Event{ExecutionID: "FN2", PhoneNumber: "+905559999999", Kind: calllog.KindDTMFWebhook, Processed: true})

	rec := f.do(httptest.NewRequest(http.MethodGet, CallEventsPath+"?phone=905551234567", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Events []calllog.Event `json:"events"`
		Count  int             `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listed.Count != 1 || listed.Events[0].ExecutionID != "FN1" {
		t.Fatalf("unexpected events %#v", listed)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, CallEventsPath+"?limit=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, CallEventsPath+"/stats", nil))
	var stats calllog.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 2 || stats.Processed != 1 || stats.Capacity != 10 {
		t.Fatalf("unexpected stats %#v", stats)
	}

	rec = f.do(httptest.NewRequest(http.MethodDelete, CallEventsPath, nil))
	var cleared command.ClearResult
	if err := json.Unmarshal(rec.Body.Bytes(), &cleared); err != nil {
		t.Fatalf("decode clear: %v", err)
	}
	if rec.Code != http.StatusOK || cleared.Removed != 2 || f.log.Stats().Total != 0 {
		t.Fatalf("expected log to be cleared, got %d %#v", rec.Code, cleared)
	}
}

func TestDiagnosticsTransferAndAttempts(t *testing.T) {
	f := newFixture(t)
	f.store.PutTransfer(core.Transfer{
		ID:                  "T1",
		PatientName:         "Ayse Yilmaz",
		Status:              core.TransferStatusPending,
		DeadlineDatetime:    fixedNow.Add(20 * time.Minute),
		NotificationNumbers: []string{"+905551234567"},
	})
	if _, err := f.store.Create(context.Background(), core.NotificationAttempt{
		TransferID:       "T1",
		NotificationType: core.NotificationTypeDeadline,
		Channel:          core.ChannelCall,
		Status:           core.AttemptStatusPending,
	}); err != nil {
		t.Fatalf("create attempt: %v", err)
	}

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/diagnostics/transfers/T1", nil))
	var view transferView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if rec.Code != http.StatusOK || view.ID != "T1" || view.DeadlineDatetime == nil {
		t.Fatalf("unexpected transfer response %d %#v", rec.Code, view)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/diagnostics/transfers/T1/attempts", nil))
	var attempts struct {
		Attempts []attemptView `json:"attempts"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &attempts); err != nil {
		t.Fatalf("decode attempts: %v", err)
	}
	if attempts.Count != 1 || attempts.Attempts[0].Status != string(core.AttemptStatusPending) {
		t.Fatalf("unexpected attempts %#v", attempts)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/diagnostics/transfers/missing", nil))
	if rec.Code < http.StatusBadRequest {
		t.Fatalf("expected missing transfer to fail, got %d", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/diagnostics/next-deadline", nil))
	var info scanner.NextDeadlineInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode next deadline: %v", err)
	}
	if info.NextTransferID != "T1" || info.MinutesUntil == nil || *info.MinutesUntil != 20 {
		t.Fatalf("unexpected next deadline %#v", info)
	}
}

func TestCronRejectsMissingToken(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, CronDeadlinesPath, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	runs := f.store.CronRuns()
	if len(runs) != 1 || runs[0].Status != core.CronRunFailed || runs[0].JobName != command.DeadlineJobName {
		t.Fatalf("expected one failed cron run, got %#v", runs)
	}
	if runs[0].Metadata["auth_failure"] != true {
		t.Fatalf("expected auth failure metadata, got %#v", runs[0].Metadata)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, CronDeadlinesPath+"?token=wrong", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected wrong token to be rejected, got %d", rec.Code)
	}
}

func TestCronWithoutConfiguredTokenRejectsEverything(t *testing.T) {
	f := newFixture(t, WithCronToken(""))
	req := httptest.NewRequest(http.MethodPost, CronDeadlinesPath, nil)
	req.Header.Set("Authorization", "Bearer ")
	if rec := f.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCronRunsBatchForGithubActions(t *testing.T) {
	f := newFixture(t)
	f.store.PutTransfer(core.Transfer{
		ID:                  "T1",
		Status:              core.TransferStatusPending,
		DeadlineDatetime:    fixedNow.Add(-time.Hour),
		NotificationNumbers: []string{"+905551234567"},
	})

	req := httptest.NewRequest(http.MethodPost, CronDeadlinesPath, nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set(GithubRunHeader, "987")
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body.String())
	}
	var resp cronResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Success || resp.TriggeredBy != command.TriggerGithubActions || resp.Stats.Processed != 1 || resp.Stats.Successful != 1 {
		t.Fatalf("unexpected cron response %#v", resp)
	}
	if resp.CronLogID == "" || len(f.dispatcher.dispatched) != 1 {
		t.Fatalf("expected logged run and one dispatch, got %#v %#v", resp, f.dispatcher.dispatched)
	}
	runs := f.store.CronRuns()
	if len(runs) != 1 || runs[0].GithubRunID != "987" || runs[0].TriggeredBy != command.TriggerGithubActions {
		t.Fatalf("unexpected cron runs %#v", runs)
	}
}

func TestCronTrigger(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, CronDeadlinesPath, nil)
	req.Header.Set(ExternalCronHeader, "CronJob-Org")
	if trigger, _, _ := cronTrigger(req); trigger != "external_cronjob-org" {
		t.Fatalf("unexpected external trigger %q", trigger)
	}
	req = httptest.NewRequest(http.MethodGet, CronDeadlinesPath+"?github_run_id=42", nil)
	if trigger, runID, _ := cronTrigger(req); trigger != command.TriggerGithubActions || runID != "42" {
		t.Fatalf("unexpected github trigger %q %q", trigger, runID)
	}
	req = httptest.NewRequest(http.MethodGet, CronDeadlinesPath, nil)
	if trigger, _, _ := cronTrigger(req); trigger != command.TriggerManual {
		t.Fatalf("unexpected manual trigger %q", trigger)
	}
}

type recordingEnqueuer struct {
	count int
}

func (r *recordingEnqueuer) Enqueue(context.Context, *job.ExecutionMessage) error {
	r.count++
	return nil
}
