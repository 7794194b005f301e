// Package processor is the job processor invoked by the inbox consumer: it
// loads a claimed job, builds or resumes its pipeline context, runs the
// registered stage list through the executor, and checkpoints progress back
// onto the job so an interrupted run can be resumed where it left off.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/pipeline"
)

// Registry maps a workflow type to its ordered stage list. The concrete
// stages (diff fetching, analysis, comment posting) are supplied by the
// orchestrating layer.
type Registry map[string][]pipeline.Stage

// PipelineProcessor implements core.JobProcessor.
type PipelineProcessor struct {
	store    core.Store
	observer pipeline.Observer
	registry Registry
	logger   *slog.Logger
}

func New(store core.Store, observer pipeline.Observer, registry Registry, logger *slog.Logger) *PipelineProcessor {
	if registry == nil {
		registry = Registry{}
	}
	return &PipelineProcessor{
		store:    store,
		observer: observer,
		registry: registry,
		logger:   logger,
	}
}

var _ core.JobProcessor = (*PipelineProcessor)(nil)

// Register adds or replaces the stage list for a workflow type.
func (p *PipelineProcessor) Register(workflowType string, stages []pipeline.Stage) {
	p.registry[workflowType] = stages
}

// Process runs the pipeline for one job.
func (p *PipelineProcessor) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.WorkflowJobs().FindOne(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	stages, ok := p.registry[job.WorkflowType]
	if !ok {
		return fmt.Errorf("no pipeline registered for workflow type %q", job.WorkflowType)
	}

	pc, err := p.buildContext(job)
	if err != nil {
		return err
	}
	resumed := pc.StatusInfo.JumpToStage != ""

	now := time.Now()
	job.Status = core.JobStatusInProgress
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	if err := p.store.WorkflowJobs().Update(ctx, job); err != nil {
		return fmt.Errorf("mark job %s in progress: %w", jobID, err)
	}

	checkpointer := &checkpointObserver{store: p.store, job: job, logger: p.logger}
	executor := pipeline.NewExecutor(pipeline.Multi{p.observer, checkpointer}, p.logger)

	pipelineName := strings.ToLower(strings.ReplaceAll(job.WorkflowType, "_", "-"))
	result := executor.Execute(ctx, pc, stages, pipelineName, "", "")

	return p.finalize(ctx, job, result, resumed)
}

// buildContext reconstructs the context from a checkpoint when one exists,
// otherwise creates a fresh one seeded from the job.
func (p *PipelineProcessor) buildContext(job *core.WorkflowJob) (core.PipelineContext, error) {
	if len(job.PipelineState) > 0 {
		var pc core.PipelineContext
		if err := json.Unmarshal(job.PipelineState, &pc); err != nil {
			return pc, fmt.Errorf("decode pipeline state for job %s: %w", job.ID, err)
		}
		return pc, nil
	}

	pc := core.PipelineContext{
		StatusInfo:    core.StatusInfo{Status: core.PipelineInProgress},
		CorrelationID: job.CorrelationID,
		ExecutionID:   job.CorrelationID,
	}
	if len(job.Payload) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return pc, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
		}
		pc.Payload = payload
		if n, ok := payload["pullRequestNumber"].(float64); ok {
			pc.PullRequestNumber = int(n)
		}
		if id, ok := payload["repositoryId"].(string); ok {
			pc.RepositoryID = id
		}
	}
	return pc, nil
}

// finalize checkpoints the final context and terminalizes the job. A run that
// paused itself (skipped without a jump target) goes back to PENDING and
// waits for its resume event; it is not a failure.
func (p *PipelineProcessor) finalize(ctx context.Context, job *core.WorkflowJob, result core.PipelineContext, resumed bool) error {
	state, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode pipeline state for job %s: %w", job.ID, err)
	}
	now := time.Now()
	job.PipelineState = state
	job.UpdatedAt = now

	paused := result.StatusInfo.Status == core.PipelineSkipped && !resumed
	if paused {
		job.Status = core.JobStatusPending
		job.WaitingForEvent = result.StatusInfo.SkippedReason
		if err := p.store.WorkflowJobs().Update(ctx, job); err != nil {
			return fmt.Errorf("checkpoint paused job %s: %w", job.ID, err)
		}
		p.logger.Info("pipeline paused",
			"job_id", job.ID, "waiting_for", job.WaitingForEvent)
		return nil
	}

	job.CompletedAt = &now
	job.WaitingForEvent = ""
	execStatus := core.ExecutionSuccess
	execMessage := "pipeline completed"
	if len(result.Errors) > 0 {
		// Partial failures do not fail the job: downstream work that
		// succeeded is kept, and the timeline carries the per-stage detail.
		execStatus = core.ExecutionPartialError
		execMessage = fmt.Sprintf("pipeline completed with %d stage errors", len(result.Errors))
		job.LastError = summarizeErrors(result.Errors)
		job.ErrorClassification = core.ErrorTransient
	}
	job.Status = core.JobStatusSuccess
	if err := p.store.WorkflowJobs().Update(ctx, job); err != nil {
		return fmt.Errorf("terminalize job %s: %w", job.ID, err)
	}

	if result.ExecutionID != "" {
		if err := p.store.Executions().UpdateCodeReview(ctx, result.ExecutionID, execStatus, execMessage); err != nil {
			p.logger.Warn("failed to update execution status",
				"job_id", job.ID, "execution_id", result.ExecutionID, "error", err)
		}
	}

	p.logger.Info("pipeline finished",
		"job_id", job.ID, "status", execStatus, "stage_errors", len(result.Errors))
	return nil
}

func summarizeErrors(errs []core.StageError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Stage, e.Error))
	}
	return strings.Join(parts, "; ")
}

// checkpointObserver records the currently running stage on the job row so an
// operator (and a resume) can see how far the run got.
type checkpointObserver struct {
	store  core.Store
	job    *core.WorkflowJob
	logger *slog.Logger
}

func (c *checkpointObserver) OnStageStart(ctx context.Context, stageName string, _ core.PipelineContext, _ pipeline.StageOptions) error {
	c.job.CurrentStage = stageName
	c.job.UpdatedAt = time.Now()
	if err := c.store.WorkflowJobs().Update(ctx, c.job); err != nil {
		c.logger.Warn("stage checkpoint failed", "job_id", c.job.ID, "stage", stageName, "error", err)
	}
	return nil
}

func (c *checkpointObserver) OnStageFinish(context.Context, string, core.PipelineContext, pipeline.StageOptions) error {
	return nil
}

func (c *checkpointObserver) OnStageError(context.Context, string, core.PipelineContext, string, pipeline.StageOptions) error {
	return nil
}

func (c *checkpointObserver) OnStageSkipped(context.Context, string, core.PipelineContext, string, pipeline.StageOptions) error {
	return nil
}
