package inbound

import (
	"context"
	"errors"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-deadlines/calllog"
	"github.com/goliatone/go-deadlines/core"
	"github.com/goliatone/go-deadlines/webhooks"
)

// Reducer applies decoded callbacks to durable state.
type Reducer interface {
	Apply(ctx context.Context, kind webhooks.EventKind, fields webhooks.RawWebhookFields) (webhooks.Outcome, error)
}

type WorkerOption func(*Worker)

func WithWorkerCallLog(log *calllog.Log) WorkerOption {
	return func(w *Worker) {
		w.callLog = log
	}
}

func WithWorkerClaimStore(store ClaimStore) WorkerOption {
	return func(w *Worker) {
		w.claims = store
	}
}

func WithWorkerLogger(logger core.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithWorkerLoggerProvider(provider core.LoggerProvider) WorkerOption {
	return func(w *Worker) {
		w.loggerProvider = provider
	}
}

// Worker runs queued callbacks through the reducer. It doubles as a go-job
// worker hook so terminal failures release the claim and land in the call log.
type Worker struct {
	reducer        Reducer
	callLog        *calllog.Log
	claims         ClaimStore
	logger         core.Logger
	loggerProvider core.LoggerProvider
}

func NewWorker(reducer Reducer, opts ...WorkerOption) (*Worker, error) {
	if reducer == nil {
		return nil, inboundInternal("inbound: reducer is required", nil)
	}
	w := &Worker{reducer: reducer}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = core.ResolveLogger("inbound.worker", w.loggerProvider, w.logger)
	return w, nil
}

// Handle returns an error only when the task is worth retrying.
func (w *Worker) Handle(ctx context.Context, msg *job.ExecutionMessage) error {
	task, err := TaskFromMessage(msg)
	if err != nil {
		core.Log(ctx, w.logger, core.LogError, "webhook task dropped", map[string]any{"error": err.Error()})
		return nil
	}
	fields, err := webhooks.Decode(task.ContentType, task.Body)
	if err != nil {
		w.settle(ctx, task, webhooks.Outcome{Kind: task.Kind}, err)
		return nil
	}

	out, err := w.reducer.Apply(ctx, task.Kind, fields)
	if out.ExecutionID == "" {
		out.ExecutionID = fields.ExecutionID()
	}
	if err != nil && !permanent(err) {
		core.Log(ctx, w.logger, core.LogWarn, "webhook processing failed, will retry", map[string]any{
			"kind":         string(task.Kind),
			"execution_id": out.ExecutionID,
			"transfer_id":  out.TransferID,
			"error":        err.Error(),
		})
		return err
	}
	w.settle(ctx, task, out, err)
	return nil
}

func (w *Worker) settle(ctx context.Context, task Task, out webhooks.Outcome, cause error) {
	w.callLog.Update(task.EventID, func(e *calllog.Event) {
		e.Processed = cause == nil
		if out.TransferID != "" {
			e.TransferID = out.TransferID
		}
		if out.Kind == webhooks.EventDTMF {
			e.Action = out.Action.Kind.String()
		}
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		e.Metadata["matched_by"] = string(out.MatchedBy)
		e.Metadata["summary"] = out.Summary()
		if out.FinalStatus != "" {
			e.Metadata["final_status"] = out.FinalStatus
		}
		if cause != nil {
			e.Error = cause.Error()
		}
	})

	fields := map[string]any{
		"kind":         string(task.Kind),
		"execution_id": out.ExecutionID,
		"transfer_id":  out.TransferID,
		"matched_by":   string(out.MatchedBy),
	}
	if cause != nil {
		fields["error"] = cause.Error()
		core.Log(ctx, w.logger, core.LogError, "webhook processing failed", fields)
	} else {
		core.Log(ctx, w.logger, core.LogInfo, "webhook processed", fields)
	}

	if task.ClaimID == "" || w.claims == nil {
		return
	}
	if err := w.claims.Complete(ctx, task.ClaimID); err != nil {
		core.Log(ctx, w.logger, core.LogWarn, "complete webhook claim failed", map[string]any{"claim_id": task.ClaimID, "error": err.Error()})
	}
}

func (w *Worker) OnStart(context.Context, worker.Event) {}

func (w *Worker) OnSuccess(context.Context, worker.Event) {}

func (w *Worker) OnRetry(ctx context.Context, event worker.Event) {
	core.Log(ctx, w.logger, core.LogDebug, "webhook task retry scheduled", map[string]any{
		"attempt": event.Attempt,
		"delay":   event.Delay.String(),
	})
}

// OnFailure fires once the retry budget is exhausted.
func (w *Worker) OnFailure(ctx context.Context, event worker.Event) {
	msg := event.Message
	if msg == nil && event.Delivery != nil {
		msg = event.Delivery.Message()
	}
	task, err := TaskFromMessage(msg)
	if err != nil {
		return
	}
	cause := event.Err
	if cause == nil {
		cause = errors.New("inbound: webhook task failed")
	}
	w.callLog.Update(task.EventID, func(e *calllog.Event) {
		e.Processed = false
		e.Error = cause.Error()
	})
	core.Log(ctx, w.logger, core.LogError, "webhook task failed terminally", map[string]any{
		"kind":     string(task.Kind),
		"event_id": task.EventID,
		"attempt":  event.Attempt,
		"error":    cause.Error(),
	})
	if task.ClaimID != "" && w.claims != nil {
		if err := w.claims.Fail(ctx, task.ClaimID, cause, time.Time{}); err != nil {
			core.Log(ctx, w.logger, core.LogWarn, "release webhook claim failed", map[string]any{"claim_id": task.ClaimID, "error": err.Error()})
		}
	}
}

// permanent errors would fail the same way on every retry.
func permanent(err error) bool {
	return errors.Is(err, core.ErrTransferNotFound) || errors.Is(err, core.ErrAttemptNotFound)
}

var _ worker.Hook = (*Worker)(nil)
