// Package core defines the essential interfaces and data structures that form the
// backbone of the application. These components are designed to be abstract,
// allowing for flexible and decoupled implementations of the application's logic.
package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a WorkflowJob. A job is never deleted,
// only moved into a terminal status.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// ErrorClassification distinguishes errors worth redelivering from ones that
// will fail the same way every time.
type ErrorClassification string

const (
	ErrorTransient ErrorClassification = "TRANSIENT"
	ErrorPermanent ErrorClassification = "PERMANENT"
)

// WorkflowJob is a unit of deferred work: one code-review run, one sync, one
// notification batch. It is created by the outbox enqueue service, claimed and
// status-transitioned by the inbox consumer, and checkpointed by the pipeline.
type WorkflowJob struct {
	ID                  uuid.UUID           `db:"id"`
	CorrelationID       string              `db:"correlation_id"`
	WorkflowType        string              `db:"workflow_type"`
	HandlerType         string              `db:"handler_type"`
	Payload             json.RawMessage     `db:"payload"`
	Status              JobStatus           `db:"status"`
	Priority            int                 `db:"priority"`
	RetryCount          int                 `db:"retry_count"`
	MaxRetries          int                 `db:"max_retries"`
	OrganizationID      string              `db:"organization_id"`
	TeamID              string              `db:"team_id"`
	ErrorClassification ErrorClassification `db:"error_classification"`
	LastError           string              `db:"last_error"`
	ScheduledAt         *time.Time          `db:"scheduled_at"`
	StartedAt           *time.Time          `db:"started_at"`
	CompletedAt         *time.Time          `db:"completed_at"`
	CurrentStage        string              `db:"current_stage"`
	Metadata            json.RawMessage     `db:"metadata"`
	WaitingForEvent     string              `db:"waiting_for_event"`
	PipelineState       json.RawMessage     `db:"pipeline_state"`
	CreatedAt           time.Time           `db:"created_at"`
	UpdatedAt           time.Time           `db:"updated_at"`
}

// OutboxMessage is the delivery intent written in the same transaction as its
// WorkflowJob. Either both rows exist or neither does; a relay publishes the
// message to the broker and marks it published.
type OutboxMessage struct {
	ID          uuid.UUID       `db:"id"`
	JobID       uuid.UUID       `db:"job_id"`
	Exchange    string          `db:"exchange"`
	RoutingKey  string          `db:"routing_key"`
	Payload     json.RawMessage `db:"payload"`
	Attempts    int             `db:"attempts"`
	LastError   string          `db:"last_error"`
	CreatedAt   time.Time       `db:"created_at"`
	PublishedAt *time.Time      `db:"published_at"`
}

// ClaimStatus is the state of an inbox claim row.
type ClaimStatus string

const (
	ClaimClaimed   ClaimStatus = "CLAIMED"
	ClaimProcessed ClaimStatus = "PROCESSED"
	ClaimFailed    ClaimStatus = "FAILED"
)

// InboxClaim is the idempotency record for one broker delivery. The unique
// message_id key is the serialization point that turns at-least-once delivery
// into effectively-once processing: at most one consumer instance holds a
// non-released claim for a message at any time.
type InboxClaim struct {
	MessageID  string      `db:"message_id"`
	ConsumerID string      `db:"consumer_id"`
	InstanceID string      `db:"instance_id"`
	JobID      uuid.UUID   `db:"job_id"`
	Status     ClaimStatus `db:"status"`
	ClaimedAt  time.Time   `db:"claimed_at"`
	LastError  string      `db:"last_error"`
}

// JobEnvelope is the broker-format payload describing an enqueued job. It is
// what the outbox relay publishes and what the consumer unwraps.
type JobEnvelope struct {
	JobID          uuid.UUID `json:"jobId"`
	MessageID      string    `json:"messageId"`
	CorrelationID  string    `json:"correlationId"`
	WorkflowType   string    `json:"workflowType"`
	HandlerType    string    `json:"handlerType"`
	OrganizationID string    `json:"organizationId,omitempty"`
	TeamID         string    `json:"teamId,omitempty"`
}
