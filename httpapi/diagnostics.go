package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deadlines/adapters/gocommand"
	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/command"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/query"
	"github.com/goliatone/go-deadlines/scanner"
)

func (s *Server) listCallEvents(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	msg := query.ListCallEventsMessage{
		ExecutionID: strings.TrimSpace(params.Get("execution_id")),
		Phone:       strings.TrimSpace(params.Get("phone")),
		TransferID:  strings.TrimSpace(params.Get("transfer_id")),
	}
	if raw := strings.TrimSpace(params.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, goerrors.New("httpapi: limit must be a number", goerrors.CategoryBadInput).
				WithTextCode(core.ErrorBadInput))
			return
		}
		msg.Limit = limit
	}
	events, err := gocommand.Query[query.ListCallEventsMessage, []calllog.Event](r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []calllog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) callEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := gocommand.Query[query.CallEventStatsMessage, calllog.Stats](r.Context(), query.CallEventStatsMessage{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) clearCallEvents(w http.ResponseWriter, r *http.Request) {
	result, _, err := gocommand.Execute[command.ClearCallEventsMessage, command.ClearResult](r.Context(), command.ClearCallEventsMessage{})
	if err != nil {
		writeError(w, err)
		return
	}
	core.Log(r.Context(), s.logger, core.LogInfo, "call events cleared", map[string]any{"removed": result.Removed})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) nextDeadline(w http.ResponseWriter, r *http.Request) {
	info, err := gocommand.Query[query.NextDeadlineMessage, scanner.NextDeadlineInfo](r.Context(), query.NextDeadlineMessage{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type transferView struct {
	ID                           string     `json:"id"`
	Title                        string     `json:"title,omitempty"`
	PatientName                  string     `json:"patient_name,omitempty"`
	Status                       string     `json:"status,omitempty"`
	DeadlineDatetime             *time.Time `json:"deadline_datetime,omitempty"`
	NotificationNumbers          []string   `json:"notification_numbers,omitempty"`
	NotificationEmails           []string   `json:"notification_emails,omitempty"`
	DeadlineNotified             bool       `json:"deadline_notified"`
	DeadlineNotifiedAt           *time.Time `json:"deadline_notified_at,omitempty"`
	DeadlineConfirmationReceived bool       `json:"deadline_confirmation_received"`
	DeadlineConfirmed            *bool      `json:"deadline_confirmed,omitempty"`
	DeadlineConfirmationDatetime *time.Time `json:"deadline_confirmation_datetime,omitempty"`
	DeadlineConfirmationMethod   string     `json:"deadline_confirmation_method,omitempty"`
	DeadlineFlowExecutionSID     string     `json:"deadline_flow_execution_sid,omitempty"`
}

func newTransferView(t core.Transfer) transferView {
	view := transferView{
		ID:                           t.ID,
		Title:                        t.Title,
		PatientName:                  t.PatientName,
		Status:                       string(t.Status),
		NotificationNumbers:          t.NotificationNumbers,
		NotificationEmails:           t.NotificationEmails,
		DeadlineNotified:             t.DeadlineNotified,
		DeadlineNotifiedAt:           t.DeadlineNotifiedAt,
		DeadlineConfirmationReceived: t.DeadlineConfirmationReceived,
		DeadlineConfirmed:            t.DeadlineConfirmed,
		DeadlineConfirmationDatetime: t.DeadlineConfirmationDatetime,
		DeadlineConfirmationMethod:   t.DeadlineConfirmationMethod,
		DeadlineFlowExecutionSID:     t.DeadlineFlowExecutionSID,
	}
	if !t.DeadlineDatetime.IsZero() {
		deadline := t.DeadlineDatetime
		view.DeadlineDatetime = &deadline
	}
	return view
}

func (s *Server) getTransfer(w http.ResponseWriter, r *http.Request) {
	transfer, err := gocommand.Query[query.GetTransferMessage, core.Transfer](r.Context(), query.GetTransferMessage{
		TransferID: chi.URLParam(r, "transferID"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransferView(transfer))
}

type attemptView struct {
	ID                  string         `json:"id"`
	TransferID          string         `json:"transfer_id"`
	NotificationType    string         `json:"notification_type"`
	Channel             string         `json:"channel"`
	Recipients          []string       `json:"recipients,omitempty"`
	ProviderExecutionID string         `json:"provider_execution_id,omitempty"`
	Status              string         `json:"status"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := gocommand.Query[query.ListNotificationAttemptsMessage, []core.NotificationAttempt](r.Context(), query.ListNotificationAttemptsMessage{
		TransferID: chi.URLParam(r, "transferID"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]attemptView, 0, len(attempts))
	for _, attempt := range attempts {
		views = append(views, attemptView{
			ID:                  attempt.ID,
			TransferID:          attempt.TransferID,
			NotificationType:    string(attempt.NotificationType),
			Channel:             string(attempt.Channel),
			Recipients:          attempt.Recipients,
			ProviderExecutionID: attempt.ProviderExecutionID,
			Status:              string(attempt.Status),
			Metadata:            attempt.Metadata,
			CreatedAt:           attempt.CreatedAt,
			UpdatedAt:           attempt.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": views, "count": len(views)})
}
