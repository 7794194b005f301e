package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sevigo/review-queue/internal/core"
)

type inboxRepo struct {
	ext sqlx.ExtContext
}

// Claim acquires the claim for claim.MessageID in a single atomic conditional
// write. The insert wins for a never-seen message; the conflict branch takes
// over a released (FAILED) claim, this instance's own unfinished one, or a
// CLAIMED row older than staleAfter whose holder is presumed dead. A missing
// RETURNING row means a live instance holds the claim (or the message was
// already processed).
func (r *inboxRepo) Claim(ctx context.Context, claim *core.InboxClaim, staleAfter time.Duration) (bool, error) {
	query := `
		INSERT INTO inbox_claims (message_id, consumer_id, instance_id, job_id, status, claimed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO UPDATE SET
			consumer_id = EXCLUDED.consumer_id,
			instance_id = EXCLUDED.instance_id,
			status = EXCLUDED.status,
			claimed_at = EXCLUDED.claimed_at,
			last_error = ''
		WHERE inbox_claims.status = 'FAILED'
		   OR (inbox_claims.status = 'CLAIMED' AND inbox_claims.instance_id = EXCLUDED.instance_id)
		   OR (inbox_claims.status = 'CLAIMED' AND inbox_claims.claimed_at < $7)
		RETURNING message_id`
	staleBefore := time.Now().Add(-staleAfter)
	var messageID string
	err := r.ext.QueryRowxContext(ctx, query,
		claim.MessageID, claim.ConsumerID, claim.InstanceID, claim.JobID,
		claim.Status, claim.ClaimedAt, staleBefore).Scan(&messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claim message %s: %w", claim.MessageID, err)
	}
	return true, nil
}

func (r *inboxRepo) FindByConsumerAndMessageID(ctx context.Context, consumerID, messageID string) (*core.InboxClaim, error) {
	query := `SELECT * FROM inbox_claims WHERE consumer_id = $1 AND message_id = $2`
	var claim core.InboxClaim
	if err := sqlx.GetContext(ctx, r.ext, &claim, query, consumerID, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find claim for message %s: %w", messageID, err)
	}
	return &claim, nil
}

func (r *inboxRepo) MarkAsProcessed(ctx context.Context, messageID string) error {
	query := `UPDATE inbox_claims SET status = $2 WHERE message_id = $1`
	res, err := r.ext.ExecContext(ctx, query, messageID, core.ClaimProcessed)
	if err != nil {
		return fmt.Errorf("mark message %s processed: %w", messageID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no claim found for message %s", messageID)
	}
	return nil
}

func (r *inboxRepo) ReleaseLock(ctx context.Context, messageID, reason string) error {
	query := `UPDATE inbox_claims SET status = $2, last_error = $3 WHERE message_id = $1`
	if _, err := r.ext.ExecContext(ctx, query, messageID, core.ClaimFailed, reason); err != nil {
		return fmt.Errorf("release claim for message %s: %w", messageID, err)
	}
	return nil
}
