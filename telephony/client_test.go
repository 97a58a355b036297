package telephony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/ratelimit"
	goerrors "github.com/goliatone/go-errors"
)

type capturedRequest struct {
	Path string
	Form map[string]string
	User string
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
	delay    time.Duration
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	user, _, _ := r.BasicAuth()
	captured := capturedRequest{Path: r.URL.Path, Form: map[string]string{}, User: user}
	for key := range r.PostForm {
		captured.Form[key] = r.PostForm.Get(key)
	}
	p.mu.Lock()
	p.requests = append(p.requests, captured)
	status, body, delay := p.status, p.body, p.delay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if status == 0 {
		status = http.StatusCreated
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func testConfig(baseURL string) core.TelephonyConfig {
	cfg := core.DefaultConfig().Telephony
	cfg.AccountSID = "AC123"
	cfg.AuthToken = "secret"
	cfg.FromNumber = "+15550000000"
	cfg.FlowSID = "FW123"
	cfg.APIBaseURL = baseURL
	cfg.StudioBaseURL = baseURL
	return cfg
}

func newTestClient(t *testing.T, provider *fakeProvider, events *calllog.Log) *Client {
	t.Helper()
	server := httptest.NewServer(provider)
	t.Cleanup(server.Close)
	client, err := New(testConfig(server.URL),
		WithAppURL("https://deadlines.example.com/"),
		WithPacer(ratelimit.NewPacer(0)),
		WithCallLog(events),
	)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	cfg := testConfig("https://api.example.com")
	cfg.AuthToken = ""
	_, err := New(cfg)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	if !core.IsConfigError(err) {
		t.Fatalf("expected config error text code, got %v", err)
	}
}

func TestStartFlowPostsExecutionAndLogsEvent(t *testing.T) {
	provider := &fakeProvider{body: `{"sid":"FN1","url":"https://studio/FN1","status":"active"}`}
	events := calllog.New(10)
	client := newTestClient(t, provider, events)

	execution, err := client.StartFlow(context.Background(), core.FlowRequest{
		PhoneNumber: "905551234567",
		Parameters: map[string]any{
			"transfer_id": "T1",
			"call_hash":   "T1_1700000000_ab12cd34",
		},
	})
	if err != nil {
		t.Fatalf("start flow: %v", err)
	}
	if execution.ExecutionID != "FN1" || execution.StatusURL != "https://studio/FN1" {
		t.Fatalf("unexpected execution %#v", execution)
	}
	if execution.PhoneNumber != "+905551234567" {
		t.Fatalf("expected normalized phone, got %q", execution.PhoneNumber)
	}

	if len(provider.requests) != 1 {
		t.Fatalf("expected one provider request, got %d", len(provider.requests))
	}
	got := provider.requests[0]
	if got.Path != "/v2/Flows/FW123/Executions" {
		t.Fatalf("unexpected path %q", got.Path)
	}
	if got.User != "AC123" {
		t.Fatalf("expected basic auth user AC123, got %q", got.User)
	}
	if got.Form["To"] != "+905551234567" || got.Form["From"] != "+15550000000" {
		t.Fatalf("unexpected form %#v", got.Form)
	}
	params := map[string]any{}
	if err := json.Unmarshal([]byte(got.Form["Parameters"]), &params); err != nil {
		t.Fatalf("decode parameters: %v", err)
	}
	if params["transfer_id"] != "T1" || params["call_hash"] != "T1_1700000000_ab12cd34" {
		t.Fatalf("expected caller parameters, got %#v", params)
	}
	if params["dtmfWebhook"] != "https://deadlines.example.com/api/calls/webhooks/dtmf" {
		t.Fatalf("unexpected dtmf webhook %#v", params["dtmfWebhook"])
	}
	if params["machineDetection"] != "Enable" {
		t.Fatalf("expected machine detection flag, got %#v", params["machineDetection"])
	}

	logged := events.List(calllog.Filter{ExecutionID: "FN1"})
	if len(logged) != 1 || logged[0].Kind != calllog.KindFlowStarted || !logged[0].Processed || logged[0].TransferID != "T1" {
		t.Fatalf("unexpected call log entries %#v", logged)
	}
}

func TestStartFlowWrapsProviderErrorWithPhone(t *testing.T) {
	provider := &fakeProvider{status: http.StatusBadRequest, body: `{"message":"invalid number"}`}
	events := calllog.New(10)
	client := newTestClient(t, provider, events)

	_, err := client.StartFlow(context.Background(), core.FlowRequest{PhoneNumber: "+905551234567"})
	if err == nil {
		t.Fatalf("expected provider error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected rich error, got %T", err)
	}
	if rich.Metadata["phone"] != "+905551234567" {
		t.Fatalf("expected phone metadata, got %#v", rich.Metadata)
	}
	logged := events.List(calllog.Filter{Phone: "+905551234567"})
	if len(logged) != 1 || logged[0].Error == "" {
		t.Fatalf("expected failed call log entry, got %#v", logged)
	}
}

func TestStartFlowTimesOutPerCall(t *testing.T) {
	provider := &fakeProvider{body: `{"sid":"FN1"}`, delay: 200 * time.Millisecond}
	client := newTestClient(t, provider, nil)

	started := time.Now()
	_, err := client.StartFlow(context.Background(), core.FlowRequest{
		PhoneNumber: "+905551234567",
		Timeout:     20 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(started); elapsed >= 200*time.Millisecond {
		t.Fatalf("expected per-call timeout to bound the request, took %s", elapsed)
	}
}

func TestStartSimpleCallSendsTwiML(t *testing.T) {
	provider := &fakeProvider{body: `{"sid":"CA1","status":"queued"}`}
	events := calllog.New(10)
	client := newTestClient(t, provider, events)

	call, err := client.StartSimpleCall(context.Background(), core.SimpleCallRequest{
		PhoneNumber: "+905559999999",
		Message:     "Deadline <yaklaşıyor>",
	})
	if err != nil {
		t.Fatalf("simple call: %v", err)
	}
	if call.CallID != "CA1" {
		t.Fatalf("unexpected call %#v", call)
	}
	got := provider.requests[0]
	if got.Path != "/2010-04-01/Accounts/AC123/Calls.json" {
		t.Fatalf("unexpected path %q", got.Path)
	}
	if !strings.Contains(got.Form["Twiml"], `language="tr-TR"`) || !strings.Contains(got.Form["Twiml"], "&lt;yaklaşıyor&gt;") {
		t.Fatalf("unexpected twiml %q", got.Form["Twiml"])
	}
	if got.Form["StatusCallback"] != "https://deadlines.example.com/api/calls/webhooks/status" {
		t.Fatalf("unexpected status callback %q", got.Form["StatusCallback"])
	}
	if logged := events.List(calllog.Filter{ExecutionID: "CA1"}); len(logged) != 1 || logged[0].Kind != calllog.KindSimpleCall {
		t.Fatalf("unexpected call log entries %#v", logged)
	}
}

func TestStartSimpleCallRequiresMessage(t *testing.T) {
	client := newTestClient(t, &fakeProvider{}, nil)
	if _, err := client.StartSimpleCall(context.Background(), core.SimpleCallRequest{PhoneNumber: "+1555"}); err == nil {
		t.Fatalf("expected bad input error")
	}
}
