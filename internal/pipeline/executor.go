package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/review-queue/internal/core"
)

// Executor runs stages strictly in order over a copy-on-write context. It
// never returns an error for ordinary stage failures: those are recorded on
// the context and execution continues with the next stage.
type Executor struct {
	observer Observer
	logger   *slog.Logger
}

// NewExecutor creates an Executor. A nil observer disables stage event
// reporting.
func NewExecutor(observer Observer, logger *slog.Logger) *Executor {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Executor{observer: observer, logger: logger}
}

// Execute runs the stages over pc and returns the final context.
//
// A context arriving (or becoming) SKIPPED controls the loop: without a jump
// target the whole remaining run is aborted; with one, stages are skipped
// until the named stage, which then resumes with status forced back to
// IN_PROGRESS. The original skip status is stashed and restored after the
// final stage so a resumed-and-completed run still reports that it was
// skipped, not that it ran cleanly from stage one.
func (e *Executor) Execute(ctx context.Context, pc core.PipelineContext, stages []Stage, pipelineName, parentPipelineID, rootPipelineID string) core.PipelineContext {
	pc = e.stampMetadata(pc, pipelineName, parentPipelineID, rootPipelineID)

	log := e.logger.With("pipeline", pipelineName, "pipeline_id", pc.Metadata.PipelineID)
	log.Info("pipeline started", "stages", len(stages))

	for _, st := range stages {
		if pc.StatusInfo.Status == core.PipelineSkipped {
			jump := pc.StatusInfo.JumpToStage
			if jump == "" {
				log.Info("pipeline skipped, aborting remaining stages",
					"reason", pc.StatusInfo.SkippedReason, "stage", st.Name())
				break
			}
			if st.Name() != jump {
				e.notifySkipped(ctx, st, pc, pc.StatusInfo.SkippedReason)
				log.Debug("skipping stage until jump target", "stage", st.Name(), "jump_to", jump)
				continue
			}
			// Resuming at the jump target. Stash the skip status so it can
			// be restored for reporting once the run completes.
			stash := pc.StatusInfo
			pc.SuspendedStatus = &stash
			pc.StatusInfo.JumpToStage = ""
			pc.StatusInfo.Status = core.PipelineInProgress
			log.Info("resuming pipeline at stage", "stage", st.Name())
		}
		pc = e.runStage(ctx, st, pc, log)
	}

	if pc.SuspendedStatus != nil {
		restored := *pc.SuspendedStatus
		pc.SuspendedStatus = nil
		pc.StatusInfo.Status = restored.Status
		pc.StatusInfo.Message = restored.Message
		pc.StatusInfo.SkippedReason = restored.SkippedReason
		log.Info("restored original skip status after resumed run", "reason", restored.SkippedReason)
	}

	log.Info("pipeline finished", "status", pc.StatusInfo.Status, "errors", len(pc.Errors))
	return pc
}

// runStage executes one stage, replacing the working context with its result.
// A stage error is recorded on the context and does not abort the run.
func (e *Executor) runStage(ctx context.Context, st Stage, pc core.PipelineContext, log *slog.Logger) core.PipelineContext {
	opts := optionsFor(st)

	if err := e.observer.OnStageStart(ctx, st.Name(), pc, opts); err != nil {
		log.Warn("observer start hook failed", "stage", st.Name(), "error", err)
	}

	start := time.Now()
	next, err := st.Execute(ctx, pc)
	duration := time.Since(start)

	if err != nil {
		log.Error("stage failed, continuing with next stage",
			"stage", st.Name(), "duration", duration, "error", err)
		pc = pc.WithError(core.StageError{Stage: st.Name(), Error: err.Error()})
		if hookErr := e.observer.OnStageError(ctx, st.Name(), pc, err.Error(), opts); hookErr != nil {
			log.Warn("observer error hook failed", "stage", st.Name(), "error", hookErr)
		}
		return pc
	}

	log.Info("stage completed", "stage", st.Name(), "duration", duration)
	if hookErr := e.observer.OnStageFinish(ctx, st.Name(), next, opts); hookErr != nil {
		log.Warn("observer finish hook failed", "stage", st.Name(), "error", hookErr)
	}
	return next
}

func (e *Executor) notifySkipped(ctx context.Context, st Stage, pc core.PipelineContext, reason string) {
	if err := e.observer.OnStageSkipped(ctx, st.Name(), pc, reason, optionsFor(st)); err != nil {
		e.logger.Warn("observer skip hook failed", "stage", st.Name(), "error", err)
	}
}

// stampMetadata fills in pipeline lineage on a fresh copy of pc. A context
// without a pipeline id gets a new one; the root id defaults to the pipeline
// itself when it has no parent.
func (e *Executor) stampMetadata(pc core.PipelineContext, name, parentID, rootID string) core.PipelineContext {
	pc = pc.Clone()
	if pc.Metadata.PipelineID == "" {
		pc.Metadata.PipelineID = uuid.NewString()
	}
	pc.Metadata.PipelineName = name
	if parentID != "" {
		pc.Metadata.ParentPipelineID = parentID
	}
	switch {
	case rootID != "":
		pc.Metadata.RootPipelineID = rootID
	case pc.Metadata.RootPipelineID == "":
		pc.Metadata.RootPipelineID = pc.Metadata.PipelineID
	}
	return pc
}
