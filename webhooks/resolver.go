package webhooks

import (
	"context"
	"strings"

	"github.com/goliatone/go-deadlines/core"
)

type MatchedBy string

const (
	MatchedByTransferID  MatchedBy = "transfer_id"
	MatchedByExecutionID MatchedBy = "execution_id"
	MatchedByCallHash    MatchedBy = "call_hash"
	MatchedByPhone       MatchedBy = "phone"
	MatchedByNone        MatchedBy = "none"
)

type PhoneLookup interface {
	FindByNotificationPhone(ctx context.Context, phone string) (core.Transfer, bool, error)
}

type ExecutionLookup interface {
	GetByExecutionID(ctx context.Context, executionID string) (core.NotificationAttempt, bool, error)
}

// Resolver finds the transfer a callback belongs to: explicit id, then the
// attempt that owns the execution id, then the call hash prefix, then a
// reverse lookup on the called number.
type Resolver struct {
	lookup     PhoneLookup
	executions ExecutionLookup
}

func NewResolver(lookup PhoneLookup, executions ExecutionLookup) Resolver {
	return Resolver{lookup: lookup, executions: executions}
}

func (r Resolver) Resolve(ctx context.Context, fields RawWebhookFields) (string, MatchedBy, error) {
	if id := strings.TrimSpace(fields.TransferID); id != "" {
		return id, MatchedByTransferID, nil
	}
	if executionID := fields.ExecutionID(); executionID != "" && r.executions != nil {
		attempt, ok, err := r.executions.GetByExecutionID(ctx, executionID)
		if err != nil {
			return "", MatchedByNone, err
		}
		if ok && strings.TrimSpace(attempt.TransferID) != "" {
			return attempt.TransferID, MatchedByExecutionID, nil
		}
	}
	if id, ok := core.TransferIDFromCallHash(fields.CallHash); ok {
		return id, MatchedByCallHash, nil
	}
	phone := strings.TrimSpace(fields.To)
	if phone == "" || r.lookup == nil {
		return "", MatchedByNone, nil
	}
	transfer, ok, err := r.lookup.FindByNotificationPhone(ctx, phone)
	if err != nil {
		return "", MatchedByNone, err
	}
	if !ok {
		return "", MatchedByNone, nil
	}
	return transfer.ID, MatchedByPhone, nil
}
