package inbound

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"

	"github.com/goliatone/go-deadlines/webhooks"
)

const JobIDPrefix = "deadlines.webhook."

// Request is one provider callback as received over HTTP.
type Request struct {
	Kind        webhooks.EventKind
	URL         string
	ContentType string
	Headers     map[string]string
	Body        []byte
	ReceivedAt  time.Time
}

// Receipt is what the HTTP layer acknowledges with.
type Receipt struct {
	Accepted   bool
	StatusCode int
	EventID    string
	Deduped    bool
	Metadata   map[string]any
}

// Task is the queued unit of reducer work.
type Task struct {
	Kind        webhooks.EventKind
	Key         string
	ClaimID     string
	EventID     string
	ContentType string
	Body        []byte
	ReceivedAt  time.Time
}

// DeliveryKey identifies an exact redelivery of the same callback.
func DeliveryKey(kind webhooks.EventKind, body []byte) string {
	sum := sha256.Sum256(body)
	return string(kind) + ":" + hex.EncodeToString(sum[:])
}

func (t Task) Message() *job.ExecutionMessage {
	return &job.ExecutionMessage{
		JobID:          JobIDPrefix + string(t.Kind),
		ScriptPath:     JobIDPrefix + string(t.Kind),
		IdempotencyKey: t.Key,
		Parameters: map[string]any{
			"kind":         string(t.Kind),
			"claim_id":     t.ClaimID,
			"event_id":     t.EventID,
			"content_type": t.ContentType,
			"body":         string(t.Body),
			"received_at":  t.ReceivedAt.UTC().Format(time.RFC3339Nano),
		},
	}
}

func TaskFromMessage(msg *job.ExecutionMessage) (Task, error) {
	if msg == nil {
		return Task{}, inboundBadInput("inbound: execution message is required", nil)
	}
	params := msg.Parameters
	kind, ok := webhooks.ParseEventKind(param(params, "kind"))
	if !ok {
		kind, ok = webhooks.ParseEventKind(strings.TrimPrefix(msg.JobID, JobIDPrefix))
	}
	if !ok {
		return Task{}, inboundBadInput("inbound: unknown webhook kind", map[string]any{"job_id": msg.JobID})
	}
	task := Task{
		Kind:        kind,
		Key:         strings.TrimSpace(msg.IdempotencyKey),
		ClaimID:     param(params, "claim_id"),
		EventID:     param(params, "event_id"),
		ContentType: param(params, "content_type"),
		Body:        []byte(param(params, "body")),
	}
	if raw := param(params, "received_at"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			task.ReceivedAt = parsed
		}
	}
	return task, nil
}

func param(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
