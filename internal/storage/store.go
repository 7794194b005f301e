// Package storage implements the persistence repositories over Postgres.
package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	// import db drivers
	_ "github.com/lib/pq"

	"github.com/sevigo/review-queue/internal/core"
)

// postgresStore bundles the repositories over one connection pool.
type postgresStore struct {
	db *sqlx.DB
}

// NewStore creates a core.Store backed by the given database.
func NewStore(db *sqlx.DB) core.Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) WorkflowJobs() core.WorkflowJobRepository {
	return &workflowJobRepo{ext: s.db}
}

func (s *postgresStore) OutboxMessages() core.OutboxMessageRepository {
	return &outboxRepo{ext: s.db}
}

func (s *postgresStore) InboxClaims() core.InboxRepository {
	return &inboxRepo{ext: s.db}
}

func (s *postgresStore) Executions() core.AutomationExecutionService {
	return &executionRepo{ext: s.db}
}

// txStore exposes transaction-bound repositories.
type txStore struct {
	tx *sqlx.Tx
}

func (t *txStore) WorkflowJobs() core.WorkflowJobRepository {
	return &workflowJobRepo{ext: t.tx}
}

func (t *txStore) OutboxMessages() core.OutboxMessageRepository {
	return &outboxRepo{ext: t.tx}
}

// WithinTx runs fn with repositories bound to one transaction. An error from
// fn rolls back every write made through those repositories.
func (s *postgresStore) WithinTx(ctx context.Context, fn func(tx core.TxStore) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&txStore{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
