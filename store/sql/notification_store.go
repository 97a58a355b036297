package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-deadlines/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

type NotificationStore struct {
	db   *bun.DB
	repo repository.Repository[*notificationRecord]
	now  func() time.Time
}

func NewNotificationStore(db *bun.DB) (*NotificationStore, error) {
	repo, err := newRepository(db, notificationHandlers(), "notification")
	if err != nil {
		return nil, err
	}
	return &NotificationStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *NotificationStore) Create(ctx context.Context, attempt core.NotificationAttempt) (core.NotificationAttempt, error) {
	if s == nil || s.repo == nil {
		return core.NotificationAttempt{}, fmt.Errorf("sqlstore: notification store is not configured")
	}
	if strings.TrimSpace(attempt.TransferID) == "" {
		return core.NotificationAttempt{}, fmt.Errorf("sqlstore: transfer id is required")
	}
	if strings.TrimSpace(attempt.ID) == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Status == "" {
		attempt.Status = core.AttemptStatusPending
	}
	record := newNotificationRecord(attempt, s.now())
	created, err := s.repo.Create(ctx, record)
	if err != nil {
		if record.ProviderExecutionID != nil && isUniqueViolation(err) {
			return core.NotificationAttempt{}, fmt.Errorf("%w: %s", core.ErrDuplicateExecutionID, *record.ProviderExecutionID)
		}
		return core.NotificationAttempt{}, err
	}
	return created.toDomain(), nil
}

func (s *NotificationStore) SetExecutionID(ctx context.Context, attemptID string, executionID string, status core.AttemptStatus, metadata map[string]any) error {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return fmt.Errorf("sqlstore: execution id is required")
	}
	err := s.mutate(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.id = ?", strings.TrimSpace(attemptID))
	}, func(record *notificationRecord) {
		record.ProviderExecutionID = &executionID
		s.apply(record, status, metadata)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrAttemptNotFound, attemptID)
	}
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", core.ErrDuplicateExecutionID, executionID)
	}
	return err
}

func (s *NotificationStore) UpdateAttempt(ctx context.Context, attemptID string, status core.AttemptStatus, metadata map[string]any) error {
	err := s.mutate(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.id = ?", strings.TrimSpace(attemptID))
	}, func(record *notificationRecord) {
		s.apply(record, status, metadata)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", core.ErrAttemptNotFound, attemptID)
	}
	return err
}

// UpdateByExecutionID reports false without error when no attempt carries
// executionID. Status only advances by rank; metadata merges key by key.
func (s *NotificationStore) UpdateByExecutionID(ctx context.Context, executionID string, status core.AttemptStatus, metadata map[string]any) (bool, error) {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return false, nil
	}
	err := s.mutate(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.provider_execution_id = ?", executionID)
	}, func(record *notificationRecord) {
		s.apply(record, status, metadata)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetByExecutionID reports false without error when no attempt carries
// executionID.
func (s *NotificationStore) GetByExecutionID(ctx context.Context, executionID string) (core.NotificationAttempt, bool, error) {
	if s == nil || s.repo == nil {
		return core.NotificationAttempt{}, false, fmt.Errorf("sqlstore: notification store is not configured")
	}
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return core.NotificationAttempt{}, false, nil
	}
	record, err := s.repo.Get(ctx, repository.SelectBy("provider_execution_id", "=", executionID))
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return core.NotificationAttempt{}, false, nil
		}
		return core.NotificationAttempt{}, false, err
	}
	return record.toDomain(), true, nil
}

func (s *NotificationStore) ListByTransfer(ctx context.Context, transferID string) ([]core.NotificationAttempt, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: notification store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("transfer_id", "=", strings.TrimSpace(transferID)),
		repository.OrderBy("created_at ASC"),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.NotificationAttempt, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

// mutate loads one attempt, applies fn and writes it back in a single
// transaction. Postgres holds a row lock for the read-modify-write.
func (s *NotificationStore) mutate(ctx context.Context, where func(*bun.SelectQuery) *bun.SelectQuery, fn func(*notificationRecord)) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: notification store is not configured")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		record := &notificationRecord{}
		q := where(tx.NewSelect().Model(record)).Limit(1)
		if s.db.Dialect().Name() == dialect.PG {
			q = q.For("UPDATE")
		}
		if err := q.Scan(ctx); err != nil {
			return err
		}
		fn(record)
		_, err := tx.NewUpdate().
			Model(record).
			Column("provider_execution_id", "status", "metadata", "updated_at").
			WherePK().
			Exec(ctx)
		return err
	})
}

func (s *NotificationStore) apply(record *notificationRecord, status core.AttemptStatus, metadata map[string]any) {
	if status != "" {
		record.Status = string(core.AttemptStatus(record.Status).Advance(status))
	}
	record.Metadata = mergeMetadata(record.Metadata, metadata)
	record.UpdatedAt = s.now()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique_violation")
}
