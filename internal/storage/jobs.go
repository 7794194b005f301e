package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sevigo/review-queue/internal/core"
)

type workflowJobRepo struct {
	ext sqlx.ExtContext
}

func (r *workflowJobRepo) Create(ctx context.Context, job *core.WorkflowJob) error {
	query := `
		INSERT INTO workflow_jobs (
			id, correlation_id, workflow_type, handler_type, payload, status,
			priority, retry_count, max_retries, organization_id, team_id,
			error_classification, last_error, scheduled_at, current_stage,
			metadata, waiting_for_event, pipeline_state, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`
	_, err := r.ext.ExecContext(ctx, query,
		job.ID, job.CorrelationID, job.WorkflowType, job.HandlerType,
		nullableJSON(job.Payload), job.Status, job.Priority, job.RetryCount,
		job.MaxRetries, job.OrganizationID, job.TeamID, job.ErrorClassification,
		job.LastError, job.ScheduledAt, job.CurrentStage,
		nullableJSON(job.Metadata), job.WaitingForEvent,
		nullableJSON(job.PipelineState), job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workflow job: %w", err)
	}
	return nil
}

func (r *workflowJobRepo) Update(ctx context.Context, job *core.WorkflowJob) error {
	query := `
		UPDATE workflow_jobs SET
			status = $2, retry_count = $3, error_classification = $4,
			last_error = $5, started_at = $6, completed_at = $7,
			current_stage = $8, waiting_for_event = $9, pipeline_state = $10,
			updated_at = $11
		WHERE id = $1`
	res, err := r.ext.ExecContext(ctx, query,
		job.ID, job.Status, job.RetryCount, job.ErrorClassification,
		job.LastError, job.StartedAt, job.CompletedAt, job.CurrentStage,
		job.WaitingForEvent, nullableJSON(job.PipelineState), job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workflow job %s: %w", job.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow job %s not found", job.ID)
	}
	return nil
}

func (r *workflowJobRepo) FindOne(ctx context.Context, id uuid.UUID) (*core.WorkflowJob, error) {
	query := `SELECT * FROM workflow_jobs WHERE id = $1`
	var job core.WorkflowJob
	if err := sqlx.GetContext(ctx, r.ext, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow job %s not found", id)
		}
		return nil, fmt.Errorf("find workflow job %s: %w", id, err)
	}
	return &job, nil
}

func (r *workflowJobRepo) FindMany(ctx context.Context, filter core.JobFilter) ([]*core.WorkflowJob, error) {
	query := `SELECT * FROM workflow_jobs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.WorkflowType != "" {
		args = append(args, filter.WorkflowType)
		query += fmt.Sprintf(" AND workflow_type = $%d", len(args))
	}
	if filter.TeamID != "" {
		args = append(args, filter.TeamID)
		query += fmt.Sprintf(" AND team_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var jobs []*core.WorkflowJob
	if err := sqlx.SelectContext(ctx, r.ext, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("find workflow jobs: %w", err)
	}
	return jobs, nil
}

// nullableJSON maps empty raw JSON to NULL so jsonb columns don't reject
// zero-length input.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
