// Package timeline persists pipeline stage events as the operator-visible
// execution audit trail. It implements pipeline.Observer on top of the
// AutomationExecutionService storage contract.
package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/pipeline"
)

// maxMetadataItems bounds list values merged into stage-log metadata (e.g.
// truncated lists of ignored files) so a noisy stage cannot grow a row
// without limit.
const maxMetadataItems = 25

// Observer writes one timeline entry per (execution, stage), coalescing a
// stage's start and finish into a single row with a finishedAt timestamp.
type Observer struct {
	executions core.AutomationExecutionService
	logger     *slog.Logger
}

func NewObserver(executions core.AutomationExecutionService, logger *slog.Logger) *Observer {
	return &Observer{executions: executions, logger: logger}
}

var _ pipeline.Observer = (*Observer)(nil)

// OnStageStart writes an IN_PROGRESS entry immediately so an external
// observer sees forward progress before the stage completes.
func (o *Observer) OnStageStart(ctx context.Context, stageName string, pc core.PipelineContext, opts pipeline.StageOptions) error {
	key := o.resolveKey(ctx, pc)
	entry := &core.StageLog{
		ExecutionID:       key.ExecutionID,
		PullRequestNumber: key.PullRequestNumber,
		RepositoryID:      key.RepositoryID,
		StageName:         stageName,
		Status:            core.ExecutionInProgress,
		Message:           opts.Label,
		StartedAt:         time.Now(),
	}
	return o.executions.UpdateStageLog(ctx, key, entry)
}

// OnStageFinish reports SUCCESS when the context accumulated no errors for
// this stage, PARTIAL_ERROR when some units of work failed, and full ERROR
// for a fan-out stage whose every item failed.
func (o *Observer) OnStageFinish(ctx context.Context, stageName string, pc core.PipelineContext, opts pipeline.StageOptions) error {
	errs := pc.ErrorsForStage(stageName)
	status := core.ExecutionSuccess
	message := opts.Label + " completed"
	switch {
	case len(errs) == 0:
	case opts.FanOutTotal > 0 && len(errs) >= opts.FanOutTotal:
		status = core.ExecutionError
		message = opts.Label + " failed for every item"
	default:
		status = core.ExecutionPartialError
		message = opts.Label + " completed with partial errors"
	}
	return o.writeTerminal(ctx, stageName, pc, status, message, errs)
}

func (o *Observer) OnStageError(ctx context.Context, stageName string, pc core.PipelineContext, reason string, opts pipeline.StageOptions) error {
	return o.writeTerminal(ctx, stageName, pc, core.ExecutionError, reason, pc.ErrorsForStage(stageName))
}

func (o *Observer) OnStageSkipped(ctx context.Context, stageName string, pc core.PipelineContext, reason string, opts pipeline.StageOptions) error {
	return o.writeTerminal(ctx, stageName, pc, core.ExecutionSkipped, reason, nil)
}

// writeTerminal coalesces the terminal event into the stage's in-progress
// entry when one exists; otherwise it creates a new entry directly with the
// terminal status.
func (o *Observer) writeTerminal(ctx context.Context, stageName string, pc core.PipelineContext, status core.ExecutionStatus, message string, errs []core.StageError) error {
	key := o.resolveKey(ctx, pc)
	now := time.Now()

	var entry *core.StageLog
	if key.ExecutionID != "" {
		existing, err := o.executions.FindLatestStageLog(ctx, key.ExecutionID, stageName)
		if err != nil {
			o.logger.Warn("stage log lookup failed, creating new entry",
				"stage", stageName, "execution_id", key.ExecutionID, "error", err)
		} else if existing != nil && existing.Status == core.ExecutionInProgress {
			entry = existing
		}
	}
	if entry == nil {
		entry = &core.StageLog{
			ExecutionID:       key.ExecutionID,
			PullRequestNumber: key.PullRequestNumber,
			RepositoryID:      key.RepositoryID,
			StageName:         stageName,
			StartedAt:         now,
		}
	}

	entry.Status = status
	entry.Message = message
	entry.FinishedAt = &now
	entry.Metadata = mergeMetadata(entry.Metadata, errs)

	return o.executions.UpdateStageLog(ctx, key, entry)
}

// resolveKey finds which execution a stage event belongs to. It prefers an
// explicit execution id on the context, falls back to the correlation id,
// then attempts recovery via the latest IN_PROGRESS execution for the PR.
// When all three fail the event is still written keyed by the natural
// (pullRequestNumber, repositoryID) pair rather than dropped.
func (o *Observer) resolveKey(ctx context.Context, pc core.PipelineContext) core.StageLogKey {
	key := core.StageLogKey{
		PullRequestNumber: pc.PullRequestNumber,
		RepositoryID:      pc.RepositoryID,
	}
	if pc.ExecutionID != "" {
		key.ExecutionID = pc.ExecutionID
		return key
	}
	if pc.CorrelationID != "" {
		key.ExecutionID = pc.CorrelationID
		return key
	}
	exec, err := o.executions.FindLatestExecutionByFilters(ctx, pc.PullRequestNumber, pc.RepositoryID)
	if err != nil || exec == nil {
		o.logger.Warn("could not recover execution id, writing event keyed by PR",
			"pull_request", pc.PullRequestNumber, "repository_id", pc.RepositoryID, "error", err)
		return key
	}
	key.ExecutionID = exec.ID
	return key
}

// mergeMetadata folds stage error metadata into existing metadata rather than
// replacing it. List values are appended and capped at maxMetadataItems.
func mergeMetadata(existing map[string]any, errs []core.StageError) map[string]any {
	if len(errs) == 0 {
		return existing
	}
	merged := map[string]any{}
	for k, v := range existing {
		merged[k] = v
	}
	for _, e := range errs {
		for k, v := range e.Metadata {
			list, ok := v.([]any)
			if !ok {
				merged[k] = v
				continue
			}
			prior, _ := merged[k].([]any)
			combined := append(prior, list...)
			if len(combined) > maxMetadataItems {
				combined = combined[:maxMetadataItems]
			}
			merged[k] = combined
		}
	}
	return merged
}
