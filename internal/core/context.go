package core

import (
	"maps"
	"slices"
)

// PipelineStatus is the control-flow status carried by a PipelineContext.
type PipelineStatus string

const (
	PipelineInProgress PipelineStatus = "IN_PROGRESS"
	PipelineSuccess    PipelineStatus = "SUCCESS"
	PipelineSkipped    PipelineStatus = "SKIPPED"
	PipelineError      PipelineStatus = "ERROR"
)

// StatusInfo describes the current control state of a pipeline run. A SKIPPED
// status with no JumpToStage aborts the remaining stages; with a JumpToStage it
// fast-forwards to that stage and resumes there.
type StatusInfo struct {
	Status        PipelineStatus `json:"status"`
	Message       string         `json:"message,omitempty"`
	JumpToStage   string         `json:"jumpToStage,omitempty"`
	SkippedReason string         `json:"skippedReason,omitempty"`
}

// PipelineMetadata identifies a pipeline run and its lineage when pipelines
// trigger sub-pipelines.
type PipelineMetadata struct {
	PipelineID       string `json:"pipelineId"`
	ParentPipelineID string `json:"parentPipelineId,omitempty"`
	RootPipelineID   string `json:"rootPipelineId"`
	PipelineName     string `json:"pipelineName"`
}

// StageError records one recovered stage failure. The executor appends these
// and keeps going; they surface later as PARTIAL_ERROR or ERROR.
type StageError struct {
	Stage    string         `json:"stage"`
	Substage string         `json:"substage,omitempty"`
	Error    string         `json:"error"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PipelineContext is the value threaded through a pipeline run. It is always
// copied, never mutated in place: every With* method returns a derived copy
// and stages return a new context rather than touching shared state. The
// zero-value-plus-JSON round trip is what makes pipelineState checkpoints and
// resume possible.
type PipelineContext struct {
	StatusInfo StatusInfo       `json:"statusInfo"`
	Metadata   PipelineMetadata `json:"pipelineMetadata"`
	Errors     []StageError     `json:"errors,omitempty"`

	// SuspendedStatus holds the original skip status while a resumed run
	// executes; the executor restores it after the final stage so a
	// resumed-and-completed run still reports that it was skipped.
	SuspendedStatus *StatusInfo `json:"suspendedStatus,omitempty"`

	ExecutionID       string `json:"executionId,omitempty"`
	CorrelationID     string `json:"correlationId,omitempty"`
	PullRequestNumber int    `json:"pullRequestNumber,omitempty"`
	RepositoryID      string `json:"repositoryId,omitempty"`

	// Payload carries domain data opaque to the engine.
	Payload map[string]any `json:"payload,omitempty"`
}

// Clone returns a deep copy. Errors and Payload are copied so a derived
// context never aliases its ancestor's mutable state.
func (pc PipelineContext) Clone() PipelineContext {
	out := pc
	out.Errors = slices.Clone(pc.Errors)
	out.Payload = maps.Clone(pc.Payload)
	if pc.SuspendedStatus != nil {
		s := *pc.SuspendedStatus
		out.SuspendedStatus = &s
	}
	return out
}

// WithStatus returns a copy with the given status and message.
func (pc PipelineContext) WithStatus(status PipelineStatus, message string) PipelineContext {
	out := pc.Clone()
	out.StatusInfo.Status = status
	out.StatusInfo.Message = message
	return out
}

// WithSkip returns a copy marked SKIPPED with the given reason and no jump
// target: the executor will abort the remaining stages. Persist the context
// and enqueue it later with WithJumpToStage to resume.
func (pc PipelineContext) WithSkip(reason string) PipelineContext {
	out := pc.Clone()
	out.StatusInfo = StatusInfo{
		Status:        PipelineSkipped,
		Message:       reason,
		SkippedReason: reason,
	}
	return out
}

// WithJumpToStage returns a copy marked SKIPPED that fast-forwards to the
// named stage.
func (pc PipelineContext) WithJumpToStage(stage string) PipelineContext {
	out := pc.Clone()
	out.StatusInfo.Status = PipelineSkipped
	out.StatusInfo.JumpToStage = stage
	return out
}

// WithError returns a copy with a recovered stage failure appended.
func (pc PipelineContext) WithError(stageErr StageError) PipelineContext {
	out := pc.Clone()
	out.Errors = append(out.Errors, stageErr)
	return out
}

// WithPayloadValue returns a copy with one payload entry set.
func (pc PipelineContext) WithPayloadValue(key string, value any) PipelineContext {
	out := pc.Clone()
	if out.Payload == nil {
		out.Payload = map[string]any{}
	}
	out.Payload[key] = value
	return out
}

// ErrorsForStage returns the recorded failures for one stage name.
func (pc PipelineContext) ErrorsForStage(stage string) []StageError {
	var out []StageError
	for _, e := range pc.Errors {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}
