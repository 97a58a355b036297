package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-deadlines/core"
	"github.com/google/uuid"
)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps every collaborator in process memory. It is safe for
// concurrent use and applies the same conditional updates as the SQL store.
type Store struct {
	mu        sync.RWMutex
	now       func() time.Time
	transfers map[string]core.Transfer
	agencies  map[string]core.Agency
	attempts  map[string]core.NotificationAttempt
	byExec    map[string]string
	order     []string
	audit     []core.AuditEntry
	cronRuns  map[string]cronRecord
}

type cronRecord struct {
	run    core.CronRun
	result *core.CronRunResult
}

func New(opts ...Option) *Store {
	s := &Store{
		now:       func() time.Time { return time.Now().UTC() },
		transfers: map[string]core.Transfer{},
		agencies:  map[string]core.Agency{},
		attempts:  map[string]core.NotificationAttempt{},
		byExec:    map[string]string{},
		cronRuns:  map[string]cronRecord{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) PutTransfer(transfer core.Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers[transfer.ID] = cloneTransfer(transfer)
}

func (s *Store) PutAgency(agency core.Agency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agency.ContactPhones = append([]string(nil), agency.ContactPhones...)
	s.agencies[agency.ID] = agency
}

func (s *Store) GetTransfer(_ context.Context, id string) (core.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transfer, ok := s.transfers[strings.TrimSpace(id)]
	if !ok {
		return core.Transfer{}, fmt.Errorf("%w: %s", core.ErrTransferNotFound, id)
	}
	return cloneTransfer(transfer), nil
}

func (s *Store) FindOverdue(_ context.Context, now time.Time) ([]core.Transfer, error) {
	return s.selectTransfers(func(t core.Transfer) bool {
		return t.IsOverdue(now)
	}, false, 0), nil
}

func (s *Store) FindUpcoming(_ context.Context, now time.Time, limit int) ([]core.Transfer, error) {
	return s.selectTransfers(func(t core.Transfer) bool {
		return !t.DeadlineDatetime.Before(now) && !t.Status.Closed() && !t.DeadlineConfirmationReceived
	}, false, limit), nil
}

// FindByNotificationPhone matches list and legacy numbers, newest deadline first.
func (s *Store) FindByNotificationPhone(_ context.Context, phone string) (core.Transfer, bool, error) {
	target := core.NormalizePhone(phone)
	if target == "" {
		return core.Transfer{}, false, nil
	}
	matches := s.selectTransfers(func(t core.Transfer) bool {
		for _, number := range t.PhoneNumbers() {
			if core.NormalizePhone(number) == target {
				return true
			}
		}
		return false
	}, true, 1)
	if len(matches) == 0 {
		return core.Transfer{}, false, nil
	}
	return matches[0], true, nil
}

func (s *Store) MarkNotified(_ context.Context, id string, notified bool, at time.Time) error {
	return s.mutateTransfer(id, func(t *core.Transfer) {
		t.DeadlineNotified = notified
		stamp := at.UTC()
		t.DeadlineNotifiedAt = &stamp
	})
}

func (s *Store) SetFlowExecution(_ context.Context, id string, executionID string) error {
	return s.mutateTransfer(id, func(t *core.Transfer) {
		t.DeadlineFlowExecutionSID = strings.TrimSpace(executionID)
	})
}

func (s *Store) ConfirmDeadline(_ context.Context, id string, in core.ConfirmationInput) (bool, error) {
	applied := false
	err := s.mutateTransfer(id, func(t *core.Transfer) {
		if t.DeadlineConfirmationReceived {
			return
		}
		at := in.At.UTC()
		confirmed := true
		t.DeadlineConfirmationReceived = true
		t.DeadlineConfirmed = &confirmed
		t.DeadlineConfirmationDatetime = &at
		t.DeadlineConfirmationMethod = in.Method
		t.DeadlineConfirmationSource = in.Source
		if in.ExecutionID != "" {
			t.DeadlineFlowExecutionSID = in.ExecutionID
		}
		t.DeadlineNotified = true
		if t.DeadlineNotifiedAt == nil {
			t.DeadlineNotifiedAt = &at
		}
		applied = true
	})
	return applied, err
}

func (s *Store) RecordRejection(_ context.Context, id string, in core.RejectionInput) error {
	return s.mutateTransfer(id, func(t *core.Transfer) {
		if t.DeadlineConfirmationReceived {
			return
		}
		rejected := false
		t.DeadlineConfirmed = &rejected
		t.DeadlineConfirmationMethod = in.Method
	})
}

func (s *Store) Create(_ context.Context, attempt core.NotificationAttempt) (core.NotificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Status == "" {
		attempt.Status = core.AttemptStatusPending
	}
	execID := strings.TrimSpace(attempt.ProviderExecutionID)
	if execID != "" {
		if _, exists := s.byExec[execID]; exists {
			return core.NotificationAttempt{}, fmt.Errorf("%w: %s", core.ErrDuplicateExecutionID, execID)
		}
		s.byExec[execID] = attempt.ID
	}
	now := s.now()
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	attempt.Recipients = append([]string(nil), attempt.Recipients...)
	attempt.Metadata = mergeMetadata(nil, attempt.Metadata)
	s.attempts[attempt.ID] = attempt
	s.order = append(s.order, attempt.ID)
	return cloneAttempt(attempt), nil
}

func (s *Store) SetExecutionID(_ context.Context, attemptID string, executionID string, status core.AttemptStatus, metadata map[string]any) error {
	executionID = strings.TrimSpace(executionID)
	if executionID == "" {
		return fmt.Errorf("memory: execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAttemptNotFound, attemptID)
	}
	if owner, exists := s.byExec[executionID]; exists && owner != attemptID {
		return fmt.Errorf("%w: %s", core.ErrDuplicateExecutionID, executionID)
	}
	if attempt.ProviderExecutionID != "" && attempt.ProviderExecutionID != executionID {
		delete(s.byExec, attempt.ProviderExecutionID)
	}
	attempt.ProviderExecutionID = executionID
	s.byExec[executionID] = attemptID
	s.applyAttempt(&attempt, status, metadata)
	s.attempts[attemptID] = attempt
	return nil
}

func (s *Store) UpdateAttempt(_ context.Context, attemptID string, status core.AttemptStatus, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrAttemptNotFound, attemptID)
	}
	s.applyAttempt(&attempt, status, metadata)
	s.attempts[attemptID] = attempt
	return nil
}

func (s *Store) UpdateByExecutionID(_ context.Context, executionID string, status core.AttemptStatus, metadata map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	attemptID, ok := s.byExec[strings.TrimSpace(executionID)]
	if !ok {
		return false, nil
	}
	attempt := s.attempts[attemptID]
	s.applyAttempt(&attempt, status, metadata)
	s.attempts[attemptID] = attempt
	return true, nil
}

func (s *Store) GetByExecutionID(_ context.Context, executionID string) (core.NotificationAttempt, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attemptID, ok := s.byExec[strings.TrimSpace(executionID)]
	if !ok {
		return core.NotificationAttempt{}, false, nil
	}
	return cloneAttempt(s.attempts[attemptID]), true, nil
}

func (s *Store) ListByTransfer(_ context.Context, transferID string) ([]core.NotificationAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.NotificationAttempt{}
	for _, id := range s.order {
		attempt := s.attempts[id]
		if attempt.TransferID == transferID {
			out = append(out, cloneAttempt(attempt))
		}
	}
	return out, nil
}

func (s *Store) GetAgency(_ context.Context, agencyID string) (core.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agency, ok := s.agencies[strings.TrimSpace(agencyID)]
	if !ok {
		return core.Agency{}, fmt.Errorf("%w: %s", core.ErrAgencyNotFound, agencyID)
	}
	agency.ContactPhones = append([]string(nil), agency.ContactPhones...)
	return agency, nil
}

func (s *Store) Append(_ context.Context, entry core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.Details = mergeMetadata(nil, entry.Details)
	s.audit = append(s.audit, entry)
	return nil
}

// AuditEntries returns the trail for transferID in insertion order.
func (s *Store) AuditEntries(transferID string) []core.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.AuditEntry{}
	for _, entry := range s.audit {
		if transferID == "" || entry.TransferID == transferID {
			entry.Details = mergeMetadata(nil, entry.Details)
			out = append(out, entry)
		}
	}
	return out
}

func (s *Store) Start(_ context.Context, run core.CronRun) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	if run.Status == "" {
		run.Status = core.CronRunStarted
	}
	s.cronRuns[run.ID] = cronRecord{run: run}
	return run.ID, nil
}

func (s *Store) Finish(_ context.Context, id string, result core.CronRunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.cronRuns[id]
	if !ok {
		return fmt.Errorf("memory: cron run %s not found", id)
	}
	record.run.Status = result.Status
	record.result = &result
	s.cronRuns[id] = record
	return nil
}

// CronRuns returns every recorded run with its result, if finished.
func (s *Store) CronRuns() []core.CronRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.CronRun, 0, len(s.cronRuns))
	for _, record := range s.cronRuns {
		out = append(out, record.run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Store) applyAttempt(attempt *core.NotificationAttempt, status core.AttemptStatus, metadata map[string]any) {
	if status != "" {
		attempt.Status = attempt.Status.Advance(status)
	}
	attempt.Metadata = mergeMetadata(attempt.Metadata, metadata)
	attempt.UpdatedAt = s.now()
}

func (s *Store) mutateTransfer(id string, fn func(*core.Transfer)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	transfer, ok := s.transfers[strings.TrimSpace(id)]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTransferNotFound, id)
	}
	fn(&transfer)
	s.transfers[transfer.ID] = transfer
	return nil
}

func (s *Store) selectTransfers(match func(core.Transfer) bool, newestFirst bool, limit int) []core.Transfer {
	s.mu.RLock()
	out := []core.Transfer{}
	for _, transfer := range s.transfers {
		if match(transfer) {
			out = append(out, cloneTransfer(transfer))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DeadlineDatetime, out[j].DeadlineDatetime
		if a.Equal(b) {
			return out[i].ID < out[j].ID
		}
		if newestFirst {
			return a.After(b)
		}
		return a.Before(b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneTransfer(t core.Transfer) core.Transfer {
	t.NotificationNumbers = append([]string(nil), t.NotificationNumbers...)
	t.NotificationEmails = append([]string(nil), t.NotificationEmails...)
	return t
}

func cloneAttempt(a core.NotificationAttempt) core.NotificationAttempt {
	a.Recipients = append([]string(nil), a.Recipients...)
	a.Metadata = mergeMetadata(nil, a.Metadata)
	return a
}

func mergeMetadata(base map[string]any, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for key, value := range base {
		out[key] = value
	}
	for key, value := range patch {
		out[key] = value
	}
	return out
}

var (
	_ core.TransferRepository = (*Store)(nil)
	_ core.NotificationStore  = (*Store)(nil)
	_ core.AgencyDirectory    = (*Store)(nil)
	_ core.AuditLog           = (*Store)(nil)
	_ core.CronRunLog         = (*Store)(nil)
)
