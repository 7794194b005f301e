// Package inbox turns at-least-once broker delivery into effectively-once job
// processing. Every delivery is claimed through an atomic inbox record before
// any business logic runs; duplicates become no-ops, contended claims become
// broker redeliveries, and processing failures leave a visible FAILED job and
// a released claim rather than a stuck one.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/sevigo/review-queue/internal/broker"
	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/telemetry"
)

// Config identifies one consumer and the queues it subscribes to.
type Config struct {
	// ConsumerID is the logical consumer name shared by all instances,
	// e.g. "workflow-consumer".
	ConsumerID string
	// InstanceID is this host's identity within the consumer.
	InstanceID string
	Queues     []string
	// ProtectFor is how long to extend the external execution budget before
	// heavy work starts.
	ProtectFor time.Duration
	// ClaimTimeout is how long a CLAIMED inbox row may sit untouched before
	// another instance may take it over. It must exceed the longest expected
	// job run, or a slow job gets processed twice.
	ClaimTimeout time.Duration
}

// Consumer is a long-lived process subscribing to durable queues. For each
// delivery it decides claim/skip/retry before invoking the job processor.
type Consumer struct {
	cfg       Config
	broker    broker.Consumer
	store     core.Store
	processor core.JobProcessor
	protector core.TaskProtector
	logger    *slog.Logger

	inFlight atomic.Int64
}

func New(cfg Config, b broker.Consumer, store core.Store, processor core.JobProcessor, protector core.TaskProtector, logger *slog.Logger) *Consumer {
	if cfg.ProtectFor <= 0 {
		cfg.ProtectFor = 15 * time.Minute
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 30 * time.Minute
	}
	return &Consumer{
		cfg:       cfg,
		broker:    b,
		store:     store,
		processor: processor,
		protector: protector,
		logger:    logger,
	}
}

// Run consumes all configured queues until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range c.cfg.Queues {
		queue := queue // per-iteration copy for pre-1.22 loop semantics
		g.Go(func() error {
			c.logger.Info("consuming queue", "queue", queue, "consumer", c.cfg.ConsumerID, "instance", c.cfg.InstanceID)
			return c.broker.Consume(ctx, queue, c.Handle)
		})
	}
	return g.Wait()
}

// InFlight reports the number of dispatches currently being processed.
func (c *Consumer) InFlight() int64 { return c.inFlight.Load() }

// Drain polls until every in-flight dispatch has finished or ctx expires. Run
// it after the broker subscription has stopped so no job is abandoned
// mid-processing on shutdown.
func (c *Consumer) Drain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := c.inFlight.Load()
		if n == 0 {
			c.logger.Info("consumer drained")
			return nil
		}
		c.logger.Info("waiting for in-flight jobs", "in_flight", n)
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain interrupted with %d jobs in flight: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Handle processes one delivery: unwrap, claim, protect, dispatch.
func (c *Consumer) Handle(ctx context.Context, d broker.Delivery) error {
	c.inFlight.Add(1)
	defer c.inFlight.Add(-1)

	env, err := unwrap(d)
	if err != nil {
		// Malformed message: fail fast for this delivery instead of
		// spinning through redeliveries that cannot succeed.
		c.logger.Error("rejecting malformed delivery", "queue", d.Queue, "error", err)
		return broker.Fatal(err)
	}

	log := c.logger.With(
		"queue", d.Queue,
		"message_id", env.MessageID,
		"job_id", env.JobID,
		"correlation_id", env.CorrelationID,
	)

	switch err := c.claimDelivery(ctx, env); {
	case err == nil:
	case errors.Is(err, core.ErrAlreadyProcessed):
		log.Info("duplicate delivery of processed message, acknowledging")
		return nil
	case errors.Is(err, core.ErrAlreadyClaimed):
		log.Warn("message claimed by another instance, requesting redelivery")
		return err
	default:
		return err
	}

	return c.dispatch(ctx, env, d.Queue, log)
}

// claimDelivery acquires the inbox claim for the envelope's message. It
// distinguishes a lost race (ErrAlreadyClaimed) from a duplicate of an
// already-finished message (ErrAlreadyProcessed).
func (c *Consumer) claimDelivery(ctx context.Context, env core.JobEnvelope) error {
	claim := &core.InboxClaim{
		MessageID:  env.MessageID,
		ConsumerID: c.cfg.ConsumerID,
		InstanceID: c.cfg.InstanceID,
		JobID:      env.JobID,
		Status:     core.ClaimClaimed,
		ClaimedAt:  time.Now(),
	}
	acquired, err := c.store.InboxClaims().Claim(ctx, claim, c.cfg.ClaimTimeout)
	if err != nil {
		return fmt.Errorf("claim message %s: %w", env.MessageID, err)
	}
	if acquired {
		return nil
	}
	existing, err := c.store.InboxClaims().FindByConsumerAndMessageID(ctx, c.cfg.ConsumerID, env.MessageID)
	if err != nil {
		return fmt.Errorf("inspect claim for message %s: %w", env.MessageID, err)
	}
	if existing != nil && existing.Status == core.ClaimProcessed {
		return fmt.Errorf("message %s: %w", env.MessageID, core.ErrAlreadyProcessed)
	}
	return fmt.Errorf("message %s: %w", env.MessageID, core.ErrAlreadyClaimed)
}

// dispatch protects the execution budget, runs the job processor inside a
// span, and records the outcome on both claim and job.
func (c *Consumer) dispatch(ctx context.Context, env core.JobEnvelope, queue string, log *slog.Logger) error {
	protected := false
	if err := c.protector.Protect(ctx, c.cfg.ProtectFor); err != nil {
		// Best-effort keep-alive; an unprotected run merely risks forcible
		// termination, which redelivery tolerates.
		log.Warn("task protection unavailable, continuing", "error", err)
	} else {
		protected = true
	}
	defer func() {
		if protected {
			if err := c.protector.Unprotect(context.WithoutCancel(ctx)); err != nil {
				log.Warn("task unprotect failed", "error", err)
			}
		}
	}()

	err := telemetry.RunInSpan(ctx, "job.process", func(ctx context.Context) error {
		return c.processor.Process(ctx, env.JobID)
	},
		attribute.String("job.id", env.JobID.String()),
		attribute.String("correlation.id", env.CorrelationID),
		attribute.String("queue.name", queue),
	)
	if err == nil {
		if markErr := c.store.InboxClaims().MarkAsProcessed(ctx, env.MessageID); markErr != nil {
			log.Error("failed to mark claim processed", "error", markErr)
			return fmt.Errorf("mark message %s processed: %w", env.MessageID, markErr)
		}
		log.Info("job processed")
		return nil
	}

	log.Error("job processing failed", "error", err)

	// Unconditional FAILED write: a crash between steps must never leave a
	// job visibly stuck in PENDING or IN_PROGRESS, even though a pending
	// redelivery may later revisit this status.
	c.failJob(ctx, env.JobID, err, log)

	if rlErr := c.store.InboxClaims().ReleaseLock(ctx, env.MessageID, err.Error()); rlErr != nil {
		log.Error("failed to release claim lock", "error", rlErr)
	}

	if !core.IsRetryable(err) {
		return broker.Fatal(fmt.Errorf("process job %s: %w", env.JobID, err))
	}
	return fmt.Errorf("process job %s: %w", env.JobID, err)
}

func (c *Consumer) failJob(ctx context.Context, jobID uuid.UUID, cause error, log *slog.Logger) {
	job, err := c.store.WorkflowJobs().FindOne(ctx, jobID)
	if err != nil {
		log.Error("failed to load job for failure write", "error", err)
		return
	}
	now := time.Now()
	job.Status = core.JobStatusFailed
	job.RetryCount++
	job.ErrorClassification = core.ErrorPermanent
	job.LastError = cause.Error()
	job.CompletedAt = &now
	job.UpdatedAt = now
	if err := c.store.WorkflowJobs().Update(ctx, job); err != nil {
		log.Error("failed to write FAILED job status", "error", err)
	}
}

// unwrap extracts the job envelope from a delivery. Identifiers on the
// delivery's own properties win; values embedded in the payload are the
// fallback. A missing message id or job id makes the delivery malformed.
func unwrap(d broker.Delivery) (core.JobEnvelope, error) {
	var env core.JobEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return env, fmt.Errorf("%w: undecodable payload: %v", core.ErrMalformedDelivery, err)
	}
	if d.MessageID != "" {
		env.MessageID = d.MessageID
	}
	if d.CorrelationID != "" {
		env.CorrelationID = d.CorrelationID
	}
	if env.MessageID == "" {
		return env, fmt.Errorf("%w: missing message id", core.ErrMalformedDelivery)
	}
	if env.JobID == uuid.Nil {
		return env, fmt.Errorf("%w: missing job id", core.ErrMalformedDelivery)
	}
	return env, nil
}
