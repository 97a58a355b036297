package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/goliatone/go-deadlines/core"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message  string `json:"message"`
	TextCode string `json:"text_code"`
	Category string `json:"category"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// writeError maps err onto the go-errors envelope and its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Message:  "An unexpected error occurred",
			TextCode: core.ErrorInternal,
		}})
		return
	}
	status := mapped.Code
	if status < 400 || status > 599 {
		status = core.HTTPStatus(mapped.Category)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{
		Message:  mapped.Message,
		TextCode: mapped.TextCode,
		Category: fmt.Sprint(mapped.Category),
	}})
}

// writeAck is the provider-facing acknowledgment.
func writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
