// Package outbox implements transactional job enqueueing: the WorkflowJob row
// and its queue-publish intent are committed in one storage transaction, so a
// job is never created without an announcement or announced without existing.
// A relay publishes committed intents to the broker.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/telemetry"
)

// Exchange is the fixed exchange all workflow jobs are announced on.
const Exchange = "workflow"

// RoutingKeyFor derives the routing key from a workflow type, e.g.
// "CODE_REVIEW" -> "code.review".
func RoutingKeyFor(workflowType string) string {
	return strings.ToLower(strings.ReplaceAll(workflowType, "_", "."))
}

// Service atomically creates jobs and their delivery intents.
type Service struct {
	store  core.Store
	logger *slog.Logger
}

func NewService(store core.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Enqueue persists job and exactly one OutboxMessage announcing it, in a
// single transaction. It returns after durable commit, not after broker
// acknowledgment; publishing is the relay's responsibility. Missing required
// fields yield a ValidationError, a failed commit a PersistenceError.
func (s *Service) Enqueue(ctx context.Context, job *core.WorkflowJob) (uuid.UUID, error) {
	if job.WorkflowType == "" {
		return uuid.Nil, &core.ValidationError{Field: "workflowType", Reason: "must not be empty"}
	}
	if job.HandlerType == "" {
		return uuid.Nil, &core.ValidationError{Field: "handlerType", Reason: "must not be empty"}
	}

	now := time.Now()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CorrelationID == "" {
		job.CorrelationID = uuid.NewString()
	}
	job.Status = core.JobStatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	messageID := uuid.New()
	envelope := core.JobEnvelope{
		JobID:          job.ID,
		MessageID:      messageID.String(),
		CorrelationID:  job.CorrelationID,
		WorkflowType:   job.WorkflowType,
		HandlerType:    job.HandlerType,
		OrganizationID: job.OrganizationID,
		TeamID:         job.TeamID,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal job envelope: %w", err)
	}

	msg := &core.OutboxMessage{
		ID:         messageID,
		JobID:      job.ID,
		Exchange:   Exchange,
		RoutingKey: RoutingKeyFor(job.WorkflowType),
		Payload:    payload,
		CreatedAt:  now,
	}

	err = telemetry.RunInSpan(ctx, "job.enqueue", func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx core.TxStore) error {
			if err := tx.WorkflowJobs().Create(ctx, job); err != nil {
				return fmt.Errorf("create job: %w", err)
			}
			if err := tx.OutboxMessages().Create(ctx, msg); err != nil {
				return fmt.Errorf("create outbox message: %w", err)
			}
			return nil
		})
	},
		attribute.String("job.id", job.ID.String()),
		attribute.String("workflow.type", job.WorkflowType),
		attribute.String("correlation.id", job.CorrelationID),
	)
	if err != nil {
		return uuid.Nil, &core.PersistenceError{Op: "enqueue", Err: err}
	}

	s.logger.Info("job enqueued",
		"job_id", job.ID,
		"workflow_type", job.WorkflowType,
		"routing_key", msg.RoutingKey,
		"correlation_id", job.CorrelationID)
	return job.ID, nil
}
