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

type CronRunLog struct {
	db   *bun.DB
	repo repository.Repository[*cronRunRecord]
	now  func() time.Time
}

func NewCronRunLog(db *bun.DB) (*CronRunLog, error) {
	repo, err := newRepository(db, cronRunHandlers(), "cron run")
	if err != nil {
		return nil, err
	}
	return &CronRunLog{db: db, repo: repo, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *CronRunLog) Start(ctx context.Context, run core.CronRun) (string, error) {
	if l == nil || l.repo == nil {
		return "", fmt.Errorf("sqlstore: cron run log is not configured")
	}
	record := &cronRunRecord{
		ID:           strings.TrimSpace(run.ID),
		JobName:      strings.TrimSpace(run.JobName),
		JobType:      strings.TrimSpace(run.JobType),
		Status:       string(run.Status),
		TriggeredBy:  strings.TrimSpace(run.TriggeredBy),
		GithubRunID:  strings.TrimSpace(run.GithubRunID),
		ErrorMessage: strings.TrimSpace(run.Error),
		Metadata:     mergeMetadata(nil, run.Metadata),
		StartedAt:    run.StartedAt.UTC(),
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.JobName == "" {
		return "", fmt.Errorf("sqlstore: cron job name is required")
	}
	if record.Status == "" {
		record.Status = string(core.CronRunStarted)
	}
	if record.TriggeredBy == "" {
		record.TriggeredBy = "manual"
	}
	if run.StartedAt.IsZero() {
		record.StartedAt = l.now()
	}
	created, err := l.repo.Create(ctx, record)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (l *CronRunLog) Finish(ctx context.Context, id string, result core.CronRunResult) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("sqlstore: cron run log is not configured")
	}
	completed := result.CompletedAt.UTC()
	if result.CompletedAt.IsZero() {
		completed = l.now()
	}
	res, err := l.db.NewUpdate().
		Model((*cronRunRecord)(nil)).
		Set("status = ?", string(result.Status)).
		Set("completed_at = ?", completed).
		Set("duration_ms = ?", result.DurationMS).
		Set("items_processed = ?", result.ItemsProcessed).
		Set("items_success = ?", result.ItemsSuccess).
		Set("items_failed = ?", result.ItemsFailed).
		Set("error_message = ?", strings.TrimSpace(result.Error)).
		Set("metadata = ?", mergeMetadata(nil, result.Metadata)).
		Where("id = ?", strings.TrimSpace(id)).
		Exec(ctx)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("sqlstore: cron run %s not found", id)
	}
	return nil
}

// Recent lists the newest runs for jobName.
func (l *CronRunLog) Recent(ctx context.Context, jobName string, limit int) ([]core.CronRun, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("sqlstore: cron run log is not configured")
	}
	if limit <= 0 {
		limit = 20
	}
	records, _, err := l.repo.List(ctx,
		repository.SelectBy("job_name", "=", strings.TrimSpace(jobName)),
		repository.OrderBy("started_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.CronRun, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}
