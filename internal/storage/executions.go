package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sevigo/review-queue/internal/core"
)

type executionRepo struct {
	ext sqlx.ExtContext
}

// UpdateCodeReview upserts the overall status of an execution. The insert
// branch covers executions first referenced by correlation id before any row
// existed for them.
func (r *executionRepo) UpdateCodeReview(ctx context.Context, executionID string, status core.ExecutionStatus, message string) error {
	query := `
		INSERT INTO automation_executions (id, status, message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			updated_at = EXCLUDED.updated_at`
	if _, err := r.ext.ExecContext(ctx, query, executionID, status, message, time.Now()); err != nil {
		return fmt.Errorf("update execution %s: %w", executionID, err)
	}
	return nil
}

func (r *executionRepo) UpdateStageLog(ctx context.Context, key core.StageLogKey, entry *core.StageLog) error {
	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	if entry.ID == 0 {
		query := `
			INSERT INTO execution_stage_logs (
				execution_id, pull_request_number, repository_id, stage_name,
				status, message, metadata, started_at, finished_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`
		err := r.ext.QueryRowxContext(ctx, query,
			key.ExecutionID, key.PullRequestNumber, key.RepositoryID,
			entry.StageName, entry.Status, entry.Message, metadata,
			entry.StartedAt, entry.FinishedAt).Scan(&entry.ID)
		if err != nil {
			return fmt.Errorf("insert stage log for %s: %w", entry.StageName, err)
		}
		return nil
	}

	query := `
		UPDATE execution_stage_logs SET
			status = $2, message = $3, metadata = $4, finished_at = $5
		WHERE id = $1`
	if _, err := r.ext.ExecContext(ctx, query,
		entry.ID, entry.Status, entry.Message, metadata, entry.FinishedAt); err != nil {
		return fmt.Errorf("update stage log %d: %w", entry.ID, err)
	}
	return nil
}

func (r *executionRepo) FindLatestStageLog(ctx context.Context, executionID, stageName string) (*core.StageLog, error) {
	query := `
		SELECT id, execution_id, pull_request_number, repository_id, stage_name,
		       status, message, metadata, started_at, finished_at
		FROM execution_stage_logs
		WHERE execution_id = $1 AND stage_name = $2
		ORDER BY started_at DESC
		LIMIT 1`

	var (
		entry    core.StageLog
		metadata []byte
	)
	row := r.ext.QueryRowxContext(ctx, query, executionID, stageName)
	err := row.Scan(&entry.ID, &entry.ExecutionID, &entry.PullRequestNumber,
		&entry.RepositoryID, &entry.StageName, &entry.Status, &entry.Message,
		&metadata, &entry.StartedAt, &entry.FinishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find stage log for %s/%s: %w", executionID, stageName, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("decode stage log metadata: %w", err)
		}
	}
	return &entry, nil
}

func (r *executionRepo) FindLatestExecutionByFilters(ctx context.Context, pullRequestNumber int, repositoryID string) (*core.Execution, error) {
	query := `
		SELECT * FROM automation_executions
		WHERE pull_request_number = $1 AND repository_id = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1`
	var exec core.Execution
	err := sqlx.GetContext(ctx, r.ext, &exec, query, pullRequestNumber, repositoryID, core.ExecutionInProgress)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find execution for PR %d: %w", pullRequestNumber, err)
	}
	return &exec, nil
}

func marshalMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode stage log metadata: %w", err)
	}
	return raw, nil
}
