package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AuditLog struct {
	repo repository.Repository[*auditRecord]
	now  func() time.Time
}

func NewAuditLog(db *bun.DB) (*AuditLog, error) {
	repo, err := newRepository(db, auditHandlers(), "audit")
	if err != nil {
		return nil, err
	}
	return &AuditLog{repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *AuditLog) Append(ctx context.Context, entry core.AuditEntry) error {
	if l == nil || l.repo == nil {
		return fmt.Errorf("sqlstore: audit log is not configured")
	}
	if strings.TrimSpace(entry.TransferID) == "" || strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("sqlstore: audit entry requires transfer id and action")
	}
	record := &auditRecord{
		ID:         strings.TrimSpace(entry.ID),
		TransferID: strings.TrimSpace(entry.TransferID),
		Action:     strings.TrimSpace(entry.Action),
		Details:    mergeMetadata(nil, entry.Details),
		CreatedAt:  entry.CreatedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		record.CreatedAt = l.now()
	}
	_, err := l.repo.Create(ctx, record)
	return err
}

// Entries lists audit rows for a transfer in insertion order.
func (l *AuditLog) Entries(ctx context.Context, transferID string) ([]core.AuditEntry, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("sqlstore: audit log is not configured")
	}
	records, _, err := l.repo.List(ctx,
		repository.SelectBy("transfer_id", "=", strings.TrimSpace(transferID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.AuditEntry, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
