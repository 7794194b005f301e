package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sevigo/review-queue/internal/core"
)

type outboxRepo struct {
	ext sqlx.ExtContext
}

func (r *outboxRepo) Create(ctx context.Context, msg *core.OutboxMessage) error {
	query := `
		INSERT INTO outbox_messages (id, job_id, exchange, routing_key, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.ext.ExecContext(ctx, query,
		msg.ID, msg.JobID, msg.Exchange, msg.RoutingKey, []byte(msg.Payload),
		msg.Attempts, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (r *outboxRepo) FindUnpublished(ctx context.Context, limit int) ([]*core.OutboxMessage, error) {
	query := `
		SELECT * FROM outbox_messages
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1`
	var msgs []*core.OutboxMessage
	if err := sqlx.SelectContext(ctx, r.ext, &msgs, query, limit); err != nil {
		return nil, fmt.Errorf("find unpublished outbox messages: %w", err)
	}
	return msgs, nil
}

func (r *outboxRepo) MarkPublished(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_messages SET published_at = $2 WHERE id = $1`
	if _, err := r.ext.ExecContext(ctx, query, id, time.Now()); err != nil {
		return fmt.Errorf("mark outbox message %s published: %w", id, err)
	}
	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `UPDATE outbox_messages SET attempts = attempts + 1, last_error = $2 WHERE id = $1`
	if _, err := r.ext.ExecContext(ctx, query, id, reason); err != nil {
		return fmt.Errorf("mark outbox message %s failed: %w", id, err)
	}
	return nil
}
