package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sevigo/review-queue/internal/broker"
	"github.com/sevigo/review-queue/internal/core"
)

// Relay polls committed outbox rows and publishes them to the broker. It is
// the only component allowed to mark an OutboxMessage published.
type Relay struct {
	store     core.Store
	publisher broker.Publisher
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewRelay(store core.Store, publisher broker.Publisher, interval time.Duration, batchSize int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run publishes pending messages until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.publishBatch(ctx); err != nil {
				r.logger.Error("outbox relay batch failed", "error", err)
			}
		}
	}
}

func (r *Relay) publishBatch(ctx context.Context) error {
	pending, err := r.store.OutboxMessages().FindUnpublished(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		err := r.publisher.Publish(ctx, broker.Message{
			Exchange:      msg.Exchange,
			RoutingKey:    msg.RoutingKey,
			MessageID:     msg.ID.String(),
			CorrelationID: correlationFromPayload(msg.Payload),
			Body:          msg.Payload,
		})
		if err != nil {
			r.logger.Error("outbox publish failed", "message_id", msg.ID, "error", err)
			if markErr := r.store.OutboxMessages().MarkFailed(ctx, msg.ID, err.Error()); markErr != nil {
				r.logger.Error("outbox mark-failed failed", "message_id", msg.ID, "error", markErr)
			}
			continue
		}
		if err := r.store.OutboxMessages().MarkPublished(ctx, msg.ID); err != nil {
			// The message may be published twice on the next pass; the
			// consumer's inbox claim absorbs the duplicate.
			r.logger.Error("outbox mark-published failed", "message_id", msg.ID, "error", err)
		}
	}
	return nil
}

func correlationFromPayload(payload []byte) string {
	var envelope core.JobEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return ""
	}
	return envelope.CorrelationID
}
