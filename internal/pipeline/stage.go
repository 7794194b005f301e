// Package pipeline runs an ordered list of stages over a copy-on-write
// context. The executor isolates per-stage failures, supports pausing a run
// and resuming it at a named stage, and notifies an observer around each
// stage invocation without coupling the observer to its control flow.
package pipeline

import (
	"context"

	"github.com/sevigo/review-queue/internal/core"
)

// Visibility classifies a stage for reporting emphasis only; it never affects
// control flow.
type Visibility string

const (
	VisibilityPrimary   Visibility = "PRIMARY"
	VisibilitySecondary Visibility = "SECONDARY"
	VisibilityInternal  Visibility = "INTERNAL"
)

// Stage is a single named step in a pipeline. Execute receives the current
// context and returns a derived one; it must not mutate the input.
type Stage interface {
	Name() string
	Execute(ctx context.Context, pc core.PipelineContext) (core.PipelineContext, error)
}

// StageOptions tune how a stage is reported. FanOutTotal, when positive,
// marks a fan-out stage over that many items: the observer reports full ERROR
// instead of PARTIAL_ERROR when every item failed.
type StageOptions struct {
	Visibility  Visibility
	Label       string
	FanOutTotal int
}

// Reporter is optionally implemented by stages that want non-default
// reporting options.
type Reporter interface {
	ReportOptions() StageOptions
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, pc core.PipelineContext) (core.PipelineContext, error)
	Options   StageOptions
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Execute(ctx context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
	return s.Fn(ctx, pc)
}

func (s StageFunc) ReportOptions() StageOptions { return s.Options }

// optionsFor returns the stage's reporting options, defaulting to a primary
// stage labelled by its name.
func optionsFor(st Stage) StageOptions {
	if r, ok := st.(Reporter); ok {
		opts := r.ReportOptions()
		if opts.Visibility == "" {
			opts.Visibility = VisibilityPrimary
		}
		if opts.Label == "" {
			opts.Label = st.Name()
		}
		return opts
	}
	return StageOptions{Visibility: VisibilityPrimary, Label: st.Name()}
}
