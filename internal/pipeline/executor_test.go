package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-queue/internal/core"
)

type stageEvent struct {
	kind  string
	stage string
}

// recordingObserver captures stage events in order.
type recordingObserver struct {
	events  []stageEvent
	hookErr error
}

func (r *recordingObserver) OnStageStart(_ context.Context, stage string, _ core.PipelineContext, _ StageOptions) error {
	r.events = append(r.events, stageEvent{"start", stage})
	return r.hookErr
}

func (r *recordingObserver) OnStageFinish(_ context.Context, stage string, _ core.PipelineContext, _ StageOptions) error {
	r.events = append(r.events, stageEvent{"finish", stage})
	return r.hookErr
}

func (r *recordingObserver) OnStageError(_ context.Context, stage string, _ core.PipelineContext, _ string, _ StageOptions) error {
	r.events = append(r.events, stageEvent{"error", stage})
	return r.hookErr
}

func (r *recordingObserver) OnStageSkipped(_ context.Context, stage string, _ core.PipelineContext, _ string, _ StageOptions) error {
	r.events = append(r.events, stageEvent{"skipped", stage})
	return r.hookErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func namedStage(name string, executed *[]string) Stage {
	return StageFunc{
		StageName: name,
		Fn: func(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
			*executed = append(*executed, name)
			return pc, nil
		},
	}
}

func failingStage(name string, executed *[]string) Stage {
	return StageFunc{
		StageName: name,
		Fn: func(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
			*executed = append(*executed, name)
			return pc, fmt.Errorf("%s exploded", name)
		},
	}
}

func TestExecutor_RunsStagesInOrder(t *testing.T) {
	var executed []string
	obs := &recordingObserver{}
	exec := NewExecutor(obs, testLogger())

	stages := []Stage{
		namedStage("a", &executed),
		namedStage("b", &executed),
		namedStage("c", &executed),
	}

	result := exec.Execute(context.Background(), core.PipelineContext{}, stages, "test-pipeline", "", "")

	assert.Equal(t, []string{"a", "b", "c"}, executed)
	assert.Empty(t, result.Errors)
	assert.Equal(t, "test-pipeline", result.Metadata.PipelineName)
	assert.NotEmpty(t, result.Metadata.PipelineID)
	assert.Equal(t, result.Metadata.PipelineID, result.Metadata.RootPipelineID)
}

func TestExecutor_SkippedWithoutJumpAbortsRun(t *testing.T) {
	var executed []string
	exec := NewExecutor(nil, testLogger())

	pc := core.PipelineContext{}.WithSkip("nothing to review")
	stages := []Stage{
		namedStage("a", &executed),
		namedStage("b", &executed),
	}

	result := exec.Execute(context.Background(), pc, stages, "test-pipeline", "", "")

	assert.Empty(t, executed, "no stage may run for an aborted pipeline")
	assert.Equal(t, core.PipelineSkipped, result.StatusInfo.Status)
	assert.Equal(t, "nothing to review", result.StatusInfo.SkippedReason)
}

func TestExecutor_MidRunSkipAbortsRemainingStages(t *testing.T) {
	var executed []string
	exec := NewExecutor(nil, testLogger())

	stages := []Stage{
		namedStage("a", &executed),
		StageFunc{
			StageName: "pause",
			Fn: func(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
				return pc.WithSkip("awaiting approval"), nil
			},
		},
		namedStage("c", &executed),
	}

	result := exec.Execute(context.Background(), core.PipelineContext{}, stages, "test-pipeline", "", "")

	assert.Equal(t, []string{"a"}, executed)
	assert.Equal(t, core.PipelineSkipped, result.StatusInfo.Status)
	assert.Equal(t, "awaiting approval", result.StatusInfo.SkippedReason)
}

func TestExecutor_JumpResumesAtTargetAndRestoresSkipStatus(t *testing.T) {
	var executed []string
	obs := &recordingObserver{}
	exec := NewExecutor(obs, testLogger())

	pc := core.PipelineContext{
		StatusInfo: core.StatusInfo{
			Status:        core.PipelineSkipped,
			JumpToStage:   "b",
			SkippedReason: "awaiting approval",
		},
	}
	stages := []Stage{
		namedStage("a", &executed),
		namedStage("b", &executed),
		namedStage("c", &executed),
	}

	result := exec.Execute(context.Background(), pc, stages, "test-pipeline", "", "")

	assert.Equal(t, []string{"b", "c"}, executed, "stages before the jump target must not run")
	assert.Contains(t, obs.events, stageEvent{"skipped", "a"})

	// The original skip status survives the resumed run.
	assert.Equal(t, core.PipelineSkipped, result.StatusInfo.Status)
	assert.Equal(t, "awaiting approval", result.StatusInfo.SkippedReason)
	assert.Empty(t, result.StatusInfo.JumpToStage)
	assert.Nil(t, result.SuspendedStatus)
}

func TestExecutor_StageErrorDoesNotAbortRun(t *testing.T) {
	var executed []string
	obs := &recordingObserver{}
	exec := NewExecutor(obs, testLogger())

	stages := []Stage{
		failingStage("a", &executed),
		namedStage("b", &executed),
	}

	result := exec.Execute(context.Background(), core.PipelineContext{}, stages, "test-pipeline", "", "")

	assert.Equal(t, []string{"a", "b"}, executed, "a stage failure must not stop the pipeline")
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "a", result.Errors[0].Stage)
	assert.Equal(t, "a exploded", result.Errors[0].Error)
	assert.Contains(t, obs.events, stageEvent{"error", "a"})
	assert.Contains(t, obs.events, stageEvent{"finish", "b"})
}

func TestExecutor_FailedStageResultContextIsDiscarded(t *testing.T) {
	exec := NewExecutor(nil, testLogger())

	stages := []Stage{
		StageFunc{
			StageName: "a",
			Fn: func(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
				return pc.WithPayloadValue("partial", true), fmt.Errorf("boom")
			},
		},
	}

	result := exec.Execute(context.Background(), core.PipelineContext{}, stages, "test-pipeline", "", "")

	_, ok := result.Payload["partial"]
	assert.False(t, ok, "context returned alongside an error must not replace the working context")
	require.Len(t, result.Errors, 1)
}

func TestExecutor_ObserverHookErrorsAreSwallowed(t *testing.T) {
	var executed []string
	obs := &recordingObserver{hookErr: fmt.Errorf("timeline down")}
	exec := NewExecutor(obs, testLogger())

	stages := []Stage{namedStage("a", &executed)}
	result := exec.Execute(context.Background(), core.PipelineContext{}, stages, "test-pipeline", "", "")

	assert.Equal(t, []string{"a"}, executed)
	assert.Empty(t, result.Errors)
}

func TestExecutor_StampMetadataLineage(t *testing.T) {
	exec := NewExecutor(nil, testLogger())

	result := exec.Execute(context.Background(), core.PipelineContext{}, nil, "child", "parent-1", "root-1")

	assert.Equal(t, "parent-1", result.Metadata.ParentPipelineID)
	assert.Equal(t, "root-1", result.Metadata.RootPipelineID)
	assert.NotEmpty(t, result.Metadata.PipelineID)
}
