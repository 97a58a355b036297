package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

func TestMapErrorSentinels(t *testing.T) {
	mapped := MapError(fmt.Errorf("lookup: %w", ErrTransferNotFound))
	if mapped.Code != http.StatusNotFound || mapped.TextCode != ErrorNotFound {
		t.Fatalf("unexpected envelope %d %s", mapped.Code, mapped.TextCode)
	}
	mapped = MapError(ErrDuplicateExecutionID)
	if mapped.Code != http.StatusConflict || mapped.TextCode != ErrorConflict {
		t.Fatalf("unexpected envelope %d %s", mapped.Code, mapped.TextCode)
	}
}

func TestMapErrorKeepsRichErrors(t *testing.T) {
	rich := goerrors.New("provider down", goerrors.CategoryExternal)
	mapped := MapError(rich)
	if mapped.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", mapped.Code)
	}
	if mapped.TextCode != ErrorProviderFailed {
		t.Fatalf("expected provider text code, got %s", mapped.TextCode)
	}
}

func TestMapErrorFallsBackToMessageHeuristics(t *testing.T) {
	mapped := MapError(errors.New("transfer id is required"))
	if mapped.TextCode != ErrorBadInput {
		t.Fatalf("expected bad input, got %s", mapped.TextCode)
	}
	if MapError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}
