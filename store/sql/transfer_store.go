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
	"github.com/uptrace/bun"
)

// phoneCandidateLimit bounds the rows loaded for an in-process phone match.
const phoneCandidateLimit = 200

type TransferStore struct {
	db   *bun.DB
	repo repository.Repository[*transferRecord]
	now  func() time.Time
}

func NewTransferStore(db *bun.DB) (*TransferStore, error) {
	repo, err := newRepository(db, transferHandlers(), "transfer")
	if err != nil {
		return nil, err
	}
	return &TransferStore{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Save inserts or replaces a transfer row. Transfers are owned by the
// booking system; this exists for seeding and tests.
func (s *TransferStore) Save(ctx context.Context, transfer core.Transfer) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: transfer store is not configured")
	}
	record := newTransferRecord(transfer)
	if record.ID == "" {
		return fmt.Errorf("sqlstore: transfer id is required")
	}
	now := s.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("patient_name = EXCLUDED.patient_name").
		Set("route_name = EXCLUDED.route_name").
		Set("location_name = EXCLUDED.location_name").
		Set("pickup_location = EXCLUDED.pickup_location").
		Set("destination_location = EXCLUDED.destination_location").
		Set("transfer_datetime = EXCLUDED.transfer_datetime").
		Set("deadline_datetime = EXCLUDED.deadline_datetime").
		Set("status = EXCLUDED.status").
		Set("assigned_agency_id = EXCLUDED.assigned_agency_id").
		Set("notification_numbers = EXCLUDED.notification_numbers").
		Set("notification_emails = EXCLUDED.notification_emails").
		Set("notification_phone = EXCLUDED.notification_phone").
		Set("secondary_notification_phone = EXCLUDED.secondary_notification_phone").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *TransferStore) GetTransfer(ctx context.Context, id string) (core.Transfer, error) {
	if s == nil || s.db == nil {
		return core.Transfer{}, fmt.Errorf("sqlstore: transfer store is not configured")
	}
	id = strings.TrimSpace(id)
	record := &transferRecord{}
	err := s.db.NewSelect().Model(record).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transfer{}, fmt.Errorf("%w: %s", core.ErrTransferNotFound, id)
	}
	if err != nil {
		return core.Transfer{}, err
	}
	return record.toDomain(), nil
}

// FindOverdue selects open transfers past their deadline that are either
// not yet notified or not yet confirmed, oldest deadline first.
func (s *TransferStore) FindOverdue(ctx context.Context, now time.Time) ([]core.Transfer, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: transfer store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.deadline_datetime IS NOT NULL").
				Where("?TableAlias.deadline_datetime < ?", now.UTC()).
				Where("?TableAlias.status NOT IN (?)", bun.In(closedStatuses())).
				WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.
						Where("?TableAlias.deadline_notified_at IS NULL").
						WhereOr("?TableAlias.deadline_confirmation_received = ?", false)
				})
		}),
		repository.OrderBy("deadline_datetime ASC"),
	)
	if err != nil {
		return nil, err
	}
	return transfersToDomain(records), nil
}

func (s *TransferStore) FindUpcoming(ctx context.Context, now time.Time, limit int) ([]core.Transfer, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: transfer store is not configured")
	}
	criteria := []repository.SelectCriteria{
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("?TableAlias.deadline_datetime >= ?", now.UTC()).
				Where("?TableAlias.status NOT IN (?)", bun.In(closedStatuses())).
				Where("?TableAlias.deadline_confirmation_received = ?", false)
		}),
		repository.OrderBy("deadline_datetime ASC"),
	}
	if limit > 0 {
		criteria = append(criteria, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, criteria...)
	if err != nil {
		return nil, err
	}
	return transfersToDomain(records), nil
}

// FindByNotificationPhone narrows candidates in SQL by the trailing digits,
// then matches normalized numbers in process. The newest deadline wins.
func (s *TransferStore) FindByNotificationPhone(ctx context.Context, phone string) (core.Transfer, bool, error) {
	if s == nil || s.db == nil {
		return core.Transfer{}, false, fmt.Errorf("sqlstore: transfer store is not configured")
	}
	target := core.NormalizePhone(phone)
	if target == "" {
		return core.Transfer{}, false, nil
	}
	pattern := "%" + phoneSuffix(target) + "%"

	var records []*transferRecord
	err := s.db.NewSelect().
		Model(&records).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where(stripPhoneFormatting("?TableAlias.notification_phone")+" LIKE ?", pattern).
				WhereOr(stripPhoneFormatting("?TableAlias.secondary_notification_phone")+" LIKE ?", pattern).
				WhereOr(stripPhoneFormatting("CAST(?TableAlias.notification_numbers AS TEXT)")+" LIKE ?", pattern)
		}).
		OrderExpr("?TableAlias.deadline_datetime DESC NULLS LAST").
		OrderExpr("?TableAlias.id ASC").
		Limit(phoneCandidateLimit).
		Scan(ctx)
	if err != nil {
		return core.Transfer{}, false, err
	}
	for _, record := range records {
		transfer := record.toDomain()
		for _, number := range transfer.PhoneNumbers() {
			if core.NormalizePhone(number) == target {
				return transfer, true, nil
			}
		}
	}
	return core.Transfer{}, false, nil
}

func (s *TransferStore) MarkNotified(ctx context.Context, id string, notified bool, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: transfer store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*transferRecord)(nil)).
		Set("deadline_notified = ?", notified).
		Set("deadline_notified_at = ?", at.UTC()).
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return s.requireRow(ctx, id, res, err)
}

func (s *TransferStore) SetFlowExecution(ctx context.Context, id string, executionID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: transfer store is not configured")
	}
	res, err := s.db.NewUpdate().
		Model((*transferRecord)(nil)).
		Set("deadline_flow_execution_sid = ?", strings.TrimSpace(executionID)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	return s.requireRow(ctx, id, res, err)
}

// ConfirmDeadline is the monotonic sink: the update only matches while
// deadline_confirmation_received is still false.
func (s *TransferStore) ConfirmDeadline(ctx context.Context, id string, in core.ConfirmationInput) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: transfer store is not configured")
	}
	id = strings.TrimSpace(id)
	at := in.At.UTC()
	if in.At.IsZero() {
		at = s.now()
	}
	q := s.db.NewUpdate().
		Model((*transferRecord)(nil)).
		Set("deadline_confirmation_received = ?", true).
		Set("deadline_confirmed = ?", true).
		Set("deadline_confirmation_datetime = ?", at).
		Set("deadline_confirmation_method = ?", strings.TrimSpace(in.Method)).
		Set("deadline_confirmation_source = ?", strings.TrimSpace(in.Source)).
		Set("deadline_notified = ?", true).
		Set("deadline_notified_at = COALESCE(deadline_notified_at, ?)", at).
		Set("updated_at = ?", s.now())
	if executionID := strings.TrimSpace(in.ExecutionID); executionID != "" {
		q = q.Set("deadline_flow_execution_sid = ?", executionID)
	}
	res, err := q.
		Where("id = ?", id).
		Where("deadline_confirmation_received = ?", false).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return true, nil
	}
	if err := s.exists(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordRejection keeps the transfer eligible for later confirmation and
// is ignored once a confirmation has landed.
func (s *TransferStore) RecordRejection(ctx context.Context, id string, in core.RejectionInput) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: transfer store is not configured")
	}
	id = strings.TrimSpace(id)
	res, err := s.db.NewUpdate().
		Model((*transferRecord)(nil)).
		Set("deadline_confirmed = ?", false).
		Set("deadline_confirmation_method = ?", strings.TrimSpace(in.Method)).
		Set("updated_at = ?", s.now()).
		Where("id = ?", id).
		Where("deadline_confirmation_received = ?", false).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	return s.exists(ctx, id)
}

func (s *TransferStore) requireRow(ctx context.Context, id string, res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		return nil
	}
	return s.exists(ctx, id)
}

func (s *TransferStore) exists(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	ok, err := s.db.NewSelect().Model((*transferRecord)(nil)).Where("?TableAlias.id = ?", id).Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTransferNotFound, id)
	}
	return nil
}

func closedStatuses() []string {
	return []string{string(core.TransferStatusCompleted), string(core.TransferStatusCancelled)}
}

func transfersToDomain(records []*transferRecord) []core.Transfer {
	out := make([]core.Transfer, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out
}

// stripPhoneFormatting removes the separators people type into numbers.
func stripPhoneFormatting(column string) string {
	expr := column
	for _, sep := range []string{" ", "-", "(", ")", "."} {
		expr = "REPLACE(" + expr + ", '" + sep + "', '')"
	}
	return expr
}

// phoneSuffix keeps the last ten digits, which survive every stored format.
func phoneSuffix(normalized string) string {
	digits := strings.TrimPrefix(normalized, "+")
	if len(digits) > 10 {
		return digits[len(digits)-10:]
	}
	return digits
}
