// Package workflows registers the built-in workflow definitions. Each
// workflow is an ordered stage list; the delivery backbone stays agnostic of
// what the stages actually do.
package workflows

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/pipeline"
	"github.com/sevigo/review-queue/internal/processor"
)

// WorkflowCodeReview is the workflow type for the automated PR review flow.
const WorkflowCodeReview = "CODE_REVIEW"

// StageAwaitApproval is where a paused review resumes once a reviewer
// approves; event handlers enqueue the follow-up job with a jump to it.
const StageAwaitApproval = "await-approval"

// Register wires the built-in workflows into the processor registry.
func Register(r processor.Registry) {
	r[WorkflowCodeReview] = []pipeline.Stage{
		pipeline.StageFunc{
			StageName: "validate-input",
			Options:   pipeline.StageOptions{Visibility: pipeline.VisibilityInternal, Label: "Validate input"},
			Fn:        validateInput,
		},
		pipeline.StageFunc{
			StageName: "collect-changes",
			Options:   pipeline.StageOptions{Label: "Collect changes"},
			Fn:        collectChanges,
		},
		pipeline.StageFunc{
			StageName: StageAwaitApproval,
			Options:   pipeline.StageOptions{Visibility: pipeline.VisibilitySecondary, Label: "Await approval"},
			Fn:        awaitApproval,
		},
		pipeline.StageFunc{
			StageName: "publish-findings",
			Options:   pipeline.StageOptions{Label: "Publish findings"},
			Fn:        publishFindings,
		},
	}
}

// validateInput ensures the job payload carries everything the later stages
// need. A failure here is recorded and the remaining stages degrade to
// no-ops, so the run still produces a timeline instead of vanishing.
func validateInput(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
	repoFullName, _ := pc.Payload["repositoryFullName"].(string)
	if repoFullName == "" {
		return pc, fmt.Errorf("repository full name cannot be empty")
	}
	if !strings.Contains(repoFullName, "/") {
		return pc, fmt.Errorf("repository full name must be owner/name, got: %q", repoFullName)
	}
	if pc.RepositoryID == "" {
		return pc, fmt.Errorf("repository ID cannot be empty")
	}
	if pc.PullRequestNumber <= 0 {
		return pc, fmt.Errorf("pull request number must be positive, got: %d", pc.PullRequestNumber)
	}
	return pc, nil
}

var slugUnsafe = regexp.MustCompile("[^a-z0-9_-]+")

// reviewSlug builds a storage-safe identifier for a review run.
func reviewSlug(repoFullName string, prNumber int) string {
	safe := strings.ToLower(strings.ReplaceAll(repoFullName, "/", "-"))
	safe = slugUnsafe.ReplaceAllString(safe, "")
	slug := fmt.Sprintf("review-%s-%d", safe, prNumber)
	if len(slug) > 255 {
		slug = slug[:255]
	}
	return slug
}

func collectChanges(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
	repoFullName, _ := pc.Payload["repositoryFullName"].(string)
	if repoFullName == "" {
		return pc, fmt.Errorf("cannot collect changes without a repository")
	}
	return pc.WithPayloadValue("reviewSlug", reviewSlug(repoFullName, pc.PullRequestNumber)), nil
}

// awaitApproval pauses the pipeline until a reviewer signs off. The run is
// checkpointed as waiting and resumed later with a jump back to this stage,
// at which point the approval flag is present in the payload.
func awaitApproval(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
	if approved, _ := pc.Payload["approved"].(bool); approved {
		return pc, nil
	}
	return pc.WithSkip("awaiting reviewer approval"), nil
}

func publishFindings(_ context.Context, pc core.PipelineContext) (core.PipelineContext, error) {
	summary := "review completed"
	if n := len(pc.Errors); n > 0 {
		summary = fmt.Sprintf("review completed with %d degraded stage(s)", n)
	}
	return pc.WithPayloadValue("reviewSummary", summary), nil
}
