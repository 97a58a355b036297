package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goliatone/go-deadlines/core"
	goerrors "github.com/goliatone/go-errors"
)

func TestRESTAdapter_FormRequestWithBasicAuth(t *testing.T) {
	var gotUser, gotPass, gotContentType string
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotForm, _ = url.ParseQuery(string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"FN1"}`))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client()).WithBasicAuth("AC1", "secret")
	res, err := adapter.Do(context.Background(), FormRequest(server.URL+"/v2/Flows/FW1/Executions", url.Values{
		"To":   {"+905551234567"},
		"From": {"+15550000000"},
	}, time.Second))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if res.StatusCode != http.StatusCreated || string(res.Body) != `{"sid":"FN1"}` {
		t.Fatalf("unexpected response %d %s", res.StatusCode, res.Body)
	}
	if gotUser != "AC1" || gotPass != "secret" {
		t.Fatalf("expected basic auth, got %q/%q", gotUser, gotPass)
	}
	if gotContentType != contentTypeForm {
		t.Fatalf("expected form content type, got %q", gotContentType)
	}
	if gotForm.Get("To") != "+905551234567" {
		t.Fatalf("unexpected form %v", gotForm)
	}
}

func TestRESTAdapter_ResponseLimitReturnsRichError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("12345"))
	}))
	defer server.Close()

	adapter := NewRESTAdapter(server.Client())
	adapter.MaxResponseBodyBytes = 4

	_, err := adapter.Do(context.Background(), core.TransportRequest{Method: http.MethodGet, URL: server.URL})
	if err == nil {
		t.Fatalf("expected response body limit error")
	}

	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected go-errors envelope, got %T", err)
	}
	if rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external category, got %q", rich.Category)
	}
	if rich.TextCode != core.ErrorProviderFailed {
		t.Fatalf("expected %q text code, got %q", core.ErrorProviderFailed, rich.TextCode)
	}
	if rich.Code != http.StatusBadGateway {
		t.Fatalf("expected %d code, got %d", http.StatusBadGateway, rich.Code)
	}
}

func TestRESTAdapter_TimeoutIsExternalError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	adapter := NewRESTAdapter(server.Client())
	_, err := adapter.Do(context.Background(), core.TransportRequest{
		Method:  http.MethodPost,
		URL:     server.URL,
		Timeout: 20 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryExternal {
		t.Fatalf("expected external rich error, got %v", err)
	}
}

func TestRESTAdapter_RejectsRelativeURL(t *testing.T) {
	adapter := NewRESTAdapter(nil)
	_, err := adapter.Do(context.Background(), core.TransportRequest{URL: "/relative"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) || rich.Category != goerrors.CategoryBadInput {
		t.Fatalf("expected bad input error, got %v", err)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	if err := StatusError(core.TransportResponse{StatusCode: http.StatusCreated}, nil); err != nil {
		t.Fatalf("expected nil for 2xx, got %v", err)
	}
	err := StatusError(core.TransportResponse{StatusCode: http.StatusTooManyRequests}, map[string]any{"phone": "+1"})
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		t.Fatalf("expected rich error, got %T", err)
	}
	if rich.Category != goerrors.CategoryRateLimit || rich.Metadata["phone"] != "+1" {
		t.Fatalf("unexpected rich error %#v", rich)
	}
}
