package pipeline

import (
	"context"

	"github.com/sevigo/review-queue/internal/core"
)

// Observer receives stage lifecycle events around every stage invocation. It
// is a side channel: hook errors are logged by the executor and never alter
// the run's control flow. Implementations keep the execution timeline in sync
// with the job's true progress.
type Observer interface {
	OnStageStart(ctx context.Context, stageName string, pc core.PipelineContext, opts StageOptions) error
	OnStageFinish(ctx context.Context, stageName string, pc core.PipelineContext, opts StageOptions) error
	OnStageError(ctx context.Context, stageName string, pc core.PipelineContext, reason string, opts StageOptions) error
	OnStageSkipped(ctx context.Context, stageName string, pc core.PipelineContext, reason string, opts StageOptions) error
}

// Multi fans every event out to all observers in order. Each observer's
// error is returned combined so the executor can log them; none stops the
// others from being notified.
type Multi []Observer

func (m Multi) OnStageStart(ctx context.Context, stageName string, pc core.PipelineContext, opts StageOptions) error {
	var firstErr error
	for _, o := range m {
		if err := o.OnStageStart(ctx, stageName, pc, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) OnStageFinish(ctx context.Context, stageName string, pc core.PipelineContext, opts StageOptions) error {
	var firstErr error
	for _, o := range m {
		if err := o.OnStageFinish(ctx, stageName, pc, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) OnStageError(ctx context.Context, stageName string, pc core.PipelineContext, reason string, opts StageOptions) error {
	var firstErr error
	for _, o := range m {
		if err := o.OnStageError(ctx, stageName, pc, reason, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) OnStageSkipped(ctx context.Context, stageName string, pc core.PipelineContext, reason string, opts StageOptions) error {
	var firstErr error
	for _, o := range m {
		if err := o.OnStageSkipped(ctx, stageName, pc, reason, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NopObserver discards all events. Useful for sub-pipelines and tests.
type NopObserver struct{}

func (NopObserver) OnStageStart(context.Context, string, core.PipelineContext, StageOptions) error {
	return nil
}

func (NopObserver) OnStageFinish(context.Context, string, core.PipelineContext, StageOptions) error {
	return nil
}

func (NopObserver) OnStageError(context.Context, string, core.PipelineContext, string, StageOptions) error {
	return nil
}

func (NopObserver) OnStageSkipped(context.Context, string, core.PipelineContext, string, StageOptions) error {
	return nil
}
