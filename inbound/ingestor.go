package inbound

import (
	"context"
	"net/http"
	"time"

	"github.com/goliatone/go-job/queue"

	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/webhooks"
)

type IngestorOption func(*Ingestor)

func WithVerifier(verifier Verifier) IngestorOption {
	return func(i *Ingestor) {
		i.verifier = verifier
	}
}

func WithClaimStore(store ClaimStore) IngestorOption {
	return func(i *Ingestor) {
		i.claims = store
	}
}

func WithClaimTTL(ttl time.Duration) IngestorOption {
	return func(i *Ingestor) {
		if ttl > 0 {
			i.claimTTL = ttl
		}
	}
}

func WithCallLog(log *calllog.Log) IngestorOption {
	return func(i *Ingestor) {
		i.callLog = log
	}
}

func WithIngestClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

func WithIngestLogger(logger core.Logger) IngestorOption {
	return func(i *Ingestor) {
		i.logger = logger
	}
}

func WithIngestLoggerProvider(provider core.LoggerProvider) IngestorOption {
	return func(i *Ingestor) {
		i.loggerProvider = provider
	}
}

// Ingestor acknowledges callbacks and enqueues them. Apart from a rejected
// signature every outcome is a 200 receipt.
type Ingestor struct {
	queue          queue.Enqueuer
	verifier       Verifier
	claims         ClaimStore
	claimTTL       time.Duration
	callLog        *calllog.Log
	now            func() time.Time
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func NewIngestor(enqueuer queue.Enqueuer, opts ...IngestorOption) (*Ingestor, error) {
	if enqueuer == nil {
		return nil, inboundInternal("inbound: enqueuer is required", nil)
	}
	i := &Ingestor{
		queue:    enqueuer,
		claimTTL: DefaultClaimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	i.logger = core.ResolveLogger("inbound", i.loggerProvider, i.logger)
	return i, nil
}

func (i *Ingestor) Receive(ctx context.Context, req Request) (Receipt, error) {
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = i.now()
	}
	fields := map[string]any{"kind": string(req.Kind), "bytes": len(req.Body)}

	if i.verifier != nil {
		if err := i.verifier.Verify(ctx, req); err != nil {
			core.Log(ctx, i.logger, core.LogWarn, "webhook signature rejected", mergeFields(fields, map[string]any{"error": err.Error()}))
			return Receipt{StatusCode: http.StatusForbidden}, inboundForbidden(err, map[string]any{"kind": string(req.Kind)})
		}
	}

	decoded, decodeErr := webhooks.Decode(req.ContentType, req.Body)
	fields["execution_id"] = decoded.ExecutionID()

	key := DeliveryKey(req.Kind, req.Body)
	claimID := ""
	if i.claims != nil {
		id, accepted, err := i.claims.Claim(ctx, key, i.claimTTL)
		switch {
		case err != nil:
			core.Log(ctx, i.logger, core.LogWarn, "webhook claim failed, processing without dedupe", mergeFields(fields, map[string]any{"error": err.Error()}))
		case !accepted:
			core.Log(ctx, i.logger, core.LogDebug, "duplicate webhook dropped", fields)
			return Receipt{Accepted: true, StatusCode: http.StatusOK, Deduped: true, Metadata: map[string]any{"deduped": true}}, nil
		default:
			claimID = id
		}
	}

	event := i.callLog.Append(callEventFor(req, decoded, decodeErr))
	if decodeErr != nil {
		core.Log(ctx, i.logger, core.LogError, "webhook payload could not be decoded", mergeFields(fields, map[string]any{"error": decodeErr.Error()}))
		i.complete(ctx, claimID)
		return Receipt{Accepted: true, StatusCode: http.StatusOK, EventID: event.ID}, nil
	}

	task := Task{
		Kind:        req.Kind,
		Key:         key,
		ClaimID:     claimID,
		EventID:     event.ID,
		ContentType: req.ContentType,
		Body:        req.Body,
		ReceivedAt:  req.ReceivedAt,
	}
	if err := i.queue.Enqueue(ctx, task.Message()); err != nil {
		core.Log(ctx, i.logger, core.LogError, "webhook enqueue failed", mergeFields(fields, map[string]any{"error": err.Error()}))
		i.callLog.Update(event.ID, func(e *calllog.Event) {
			e.Error = "enqueue: " + err.Error()
		})
		if claimID != "" {
			if failErr := i.claims.Fail(ctx, claimID, err, time.Time{}); failErr != nil {
				core.Log(ctx, i.logger, core.LogWarn, "release webhook claim failed", mergeFields(fields, map[string]any{"error": failErr.Error()}))
			}
		}
		return Receipt{Accepted: true, StatusCode: http.StatusOK, EventID: event.ID}, nil
	}

	core.Log(ctx, i.logger, core.LogDebug, "webhook accepted", mergeFields(fields, map[string]any{"event_id": event.ID}))
	return Receipt{Accepted: true, StatusCode: http.StatusOK, EventID: event.ID}, nil
}

func (i *Ingestor) complete(ctx context.Context, claimID string) {
	if claimID == "" || i.claims == nil {
		return
	}
	if err := i.claims.Complete(ctx, claimID); err != nil {
		core.Log(ctx, i.logger, core.LogWarn, "complete webhook claim failed", map[string]any{"claim_id": claimID, "error": err.Error()})
	}
}

func callEventFor(req Request, fields webhooks.RawWebhookFields, decodeErr error) calllog.Event {
	event := calllog.Event{
		Timestamp:   req.ReceivedAt,
		Kind:        callEventKind(req.Kind),
		ExecutionID: fields.ExecutionID(),
		PhoneNumber: fields.To,
		TransferID:  fields.TransferID,
		Digits:      fields.Digits,
		Action:      fields.Action,
		Metadata: map[string]any{
			"content_type": req.ContentType,
		},
	}
	if fields.CallStatus != "" {
		event.Metadata["call_status"] = fields.CallStatus
	}
	if fields.Event != "" {
		event.Metadata["event"] = fields.Event
	}
	if decodeErr != nil {
		event.Error = decodeErr.Error()
	}
	return event
}

func callEventKind(kind webhooks.EventKind) calllog.EventKind {
	switch kind {
	case webhooks.EventFlow:
		return calllog.KindFlowWebhook
	case webhooks.EventStatus:
		return calllog.KindStatusWebhook
	default:
		return calllog.KindDTMFWebhook
	}
}

func mergeFields(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range extra {
		out[key] = value
	}
	return out
}
