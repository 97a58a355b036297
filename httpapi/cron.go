package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/adapters/gocommand"
	"github.com/goliatone/go-deadlines/command"
	"github.com/goliatone/go-deadlines/core"
)

const (
	GithubRunHeader    = "X-GitHub-Run-Id"
	ExternalCronHeader = "X-External-Cron"
	CronServerHeader   = "X-Cron-Server"
)

type cronStats struct {
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type cronResponse struct {
	Success     bool               `json:"success"`
	Message     string             `json:"message"`
	Timestamp   string             `json:"timestamp"`
	DurationMS  int64              `json:"duration_ms"`
	CronLogID   string             `json:"cron_log_id,omitempty"`
	TriggeredBy string             `json:"triggered_by"`
	Stats       cronStats          `json:"stats"`
	Result      command.ScanResult `json:"result"`
}

// checkDeadlines runs one overdue batch for an external scheduler.
func (s *Server) checkDeadlines(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	started := s.now()
	trigger, githubRunID, source := cronTrigger(r)

	token := cronRequestToken(r)
	if s.cronToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cronToken)) != 1 {
		core.Log(ctx, s.logger, core.LogWarn, "cron trigger rejected", map[string]any{
			"triggered_by":         trigger,
			"token_provided":       token != "",
			"api_token_configured": s.cronToken != "",
		})
		s.recordUnauthorized(r, trigger, githubRunID, source, token != "")
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
			Message:  "unauthorized",
			TextCode: core.ErrorUnauthorized,
		}})
		return
	}

	result, _, err := gocommand.Execute[command.ScanOverdueMessage, command.ScanResult](ctx, command.ScanOverdueMessage{
		TriggeredBy: trigger,
		GithubRunID: githubRunID,
		Metadata: map[string]any{
			"source_info": source,
			"method":      r.Method,
		},
	})
	if err != nil {
		core.Log(ctx, s.logger, core.LogError, "cron deadline check failed", map[string]any{
			"triggered_by": trigger,
			"error":        err.Error(),
		})
		writeError(w, err)
		return
	}

	report := result.Report
	finished := s.now()
	response := cronResponse{
		Success:     report.Error == "",
		Timestamp:   finished.Format(time.RFC3339),
		DurationMS:  finished.Sub(started).Milliseconds(),
		CronLogID:   result.RunID,
		TriggeredBy: trigger,
		Stats: cronStats{
			Processed:  report.Processed,
			Successful: report.Succeeded,
			Failed:     report.Failed,
		},
		Result: result,
	}
	if response.Success {
		response.Message = fmt.Sprintf("%d transfers processed, %d succeeded, %d failed", report.Processed, report.Succeeded, report.Failed)
	} else {
		response.Message = report.Error
	}
	core.Log(ctx, s.logger, core.LogInfo, "cron deadline check finished", map[string]any{
		"triggered_by": trigger,
		"run_id":       result.RunID,
		"processed":    report.Processed,
		"failed":       report.Failed,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) recordUnauthorized(r *http.Request, trigger string, githubRunID string, source map[string]any, tokenProvided bool) {
	if s.cronRuns == nil {
		return
	}
	ctx := r.Context()
	at := s.now()
	id, err := s.cronRuns.Start(ctx, core.CronRun{
		JobName:     command.DeadlineJobName,
		JobType:     command.DeadlineJobType,
		Status:      core.CronRunFailed,
		TriggeredBy: trigger,
		GithubRunID: githubRunID,
		Error:       "unauthorized access attempt",
		Metadata: map[string]any{
			"source_info":          source,
			"auth_failure":         true,
			"token_provided":       tokenProvided,
			"api_token_configured": s.cronToken != "",
		},
		StartedAt: at,
	})
	if err != nil {
		core.Log(ctx, s.logger, core.LogWarn, "cron auth failure could not be logged", map[string]any{"error": err.Error()})
		return
	}
	if err := s.cronRuns.Finish(ctx, id, core.CronRunResult{
		Status:      core.CronRunFailed,
		CompletedAt: at,
		Error:       "unauthorized access attempt",
	}); err != nil {
		core.Log(ctx, s.logger, core.LogWarn, "cron auth failure could not be closed", map[string]any{"run_id": id, "error": err.Error()})
	}
}

// cronTrigger names who fired the request: github_actions, external_<name>
// or manual.
func cronTrigger(r *http.Request) (string, string, map[string]any) {
	githubRunID := strings.TrimSpace(r.Header.Get(GithubRunHeader))
	if githubRunID == "" {
		githubRunID = strings.TrimSpace(r.URL.Query().Get("github_run_id"))
	}
	if githubRunID != "" {
		return command.TriggerGithubActions, githubRunID, map[string]any{"github_run_id": githubRunID}
	}
	if external := strings.TrimSpace(r.Header.Get(ExternalCronHeader)); external != "" {
		return "external_" + strings.ToLower(external), "", map[string]any{
			"external_source": external,
			"server":          r.Header.Get(CronServerHeader),
			"user_agent":      r.UserAgent(),
		}
	}
	ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if ip == "" {
		ip = strings.TrimSpace(r.Header.Get("X-Real-Ip"))
	}
	return command.TriggerManual, "", map[string]any{
		"ip":         ip,
		"user_agent": r.UserAgent(),
	}
}

func cronRequestToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
