package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobProcessor runs the business pipeline for one job. The inbox consumer
// invokes it after claiming a delivery; any returned error is treated as a
// job-level failure.
type JobProcessor interface {
	Process(ctx context.Context, jobID uuid.UUID) error
}

// TaskProtector is a best-effort keep-alive signal to the orchestrating
// infrastructure (e.g. an ECS task-protection agent) so a worker is not
// reclaimed mid-job. Failures to protect are non-fatal.
type TaskProtector interface {
	Protect(ctx context.Context, d time.Duration) error
	Unprotect(ctx context.Context) error
}

// JobFilter narrows FindMany queries.
type JobFilter struct {
	Status       JobStatus
	WorkflowType string
	TeamID       string
	Limit        int
}

// WorkflowJobRepository persists WorkflowJob rows.
type WorkflowJobRepository interface {
	Create(ctx context.Context, job *WorkflowJob) error
	Update(ctx context.Context, job *WorkflowJob) error
	FindOne(ctx context.Context, id uuid.UUID) (*WorkflowJob, error)
	FindMany(ctx context.Context, filter JobFilter) ([]*WorkflowJob, error)
}

// OutboxMessageRepository persists OutboxMessage rows. Create runs inside the
// caller-supplied transaction so job and intent commit or roll back together.
type OutboxMessageRepository interface {
	Create(ctx context.Context, msg *OutboxMessage) error
	FindUnpublished(ctx context.Context, limit int) ([]*OutboxMessage, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// InboxRepository persists InboxClaim rows. Claim must be a single atomic
// conditional write (insert-if-absent, or take-over of a released claim) —
// never read-then-write — because it is the sole correctness boundary between
// concurrent consumer instances.
type InboxRepository interface {
	// Claim attempts to acquire the claim for claim.MessageID. It returns
	// true when this instance now holds the claim, false when another row
	// already holds it (inspect with FindByConsumerAndMessageID). A CLAIMED
	// row older than staleAfter counts as abandoned and is taken over, so a
	// claim held by a crashed instance does not block the message forever.
	Claim(ctx context.Context, claim *InboxClaim, staleAfter time.Duration) (bool, error)
	FindByConsumerAndMessageID(ctx context.Context, consumerID, messageID string) (*InboxClaim, error)
	MarkAsProcessed(ctx context.Context, messageID string) error
	// ReleaseLock records the failure and moves the claim to FAILED so a
	// future redelivery can re-claim it.
	ReleaseLock(ctx context.Context, messageID, reason string) error
}

// ExecutionStatus is the operator-visible status of an execution or one of
// its timeline entries.
type ExecutionStatus string

const (
	ExecutionInProgress   ExecutionStatus = "IN_PROGRESS"
	ExecutionSuccess      ExecutionStatus = "SUCCESS"
	ExecutionPartialError ExecutionStatus = "PARTIAL_ERROR"
	ExecutionError        ExecutionStatus = "ERROR"
	ExecutionSkipped      ExecutionStatus = "SKIPPED"
)

// Execution is one audited automation run (e.g. one code review of a PR).
type Execution struct {
	ID                string          `db:"id"`
	Status            ExecutionStatus `db:"status"`
	Message           string          `db:"message"`
	PullRequestNumber int             `db:"pull_request_number"`
	RepositoryID      string          `db:"repository_id"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}

// StageLogKey identifies where a timeline entry belongs. ExecutionID is
// preferred; when it could not be resolved the natural (pullRequestNumber,
// repositoryID) pair keys a best-effort write instead of dropping the event.
type StageLogKey struct {
	ExecutionID       string
	PullRequestNumber int
	RepositoryID      string
}

// StageLog is one execution timeline entry: the per-stage audit record an
// operator sees. A stage's start and finish coalesce into one row.
type StageLog struct {
	ID                int64           `db:"id"`
	ExecutionID       string          `db:"execution_id"`
	PullRequestNumber int             `db:"pull_request_number"`
	RepositoryID      string          `db:"repository_id"`
	StageName         string          `db:"stage_name"`
	Status            ExecutionStatus `db:"status"`
	Message           string          `db:"message"`
	Metadata          map[string]any  `db:"-"`
	StartedAt         time.Time       `db:"started_at"`
	FinishedAt        *time.Time      `db:"finished_at"`
}

// AutomationExecutionService maintains the execution audit trail, kept
// distinct from the WorkflowJob's own status field.
type AutomationExecutionService interface {
	// UpdateCodeReview updates the overall status of one execution.
	UpdateCodeReview(ctx context.Context, executionID string, status ExecutionStatus, message string) error
	// UpdateStageLog inserts entry when entry.ID is zero, otherwise updates
	// the existing row in place (coalescing start and finish).
	UpdateStageLog(ctx context.Context, key StageLogKey, entry *StageLog) error
	FindLatestStageLog(ctx context.Context, executionID, stageName string) (*StageLog, error)
	// FindLatestExecutionByFilters recovers the most recent IN_PROGRESS
	// execution for a PR when a context lost its execution id across an
	// asynchronous boundary.
	FindLatestExecutionByFilters(ctx context.Context, pullRequestNumber int, repositoryID string) (*Execution, error)
}

// TxStore is the slice of the store usable inside one transaction.
type TxStore interface {
	WorkflowJobs() WorkflowJobRepository
	OutboxMessages() OutboxMessageRepository
}

// Store bundles the persistence repositories the job backbone needs. WithinTx
// runs fn with repositories bound to a single transaction; fn returning an
// error rolls everything back.
type Store interface {
	TxStore
	InboxClaims() InboxRepository
	Executions() AutomationExecutionService
	WithinTx(ctx context.Context, fn func(tx TxStore) error) error
}
