package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-queue/internal/broker"
	"github.com/sevigo/review-queue/internal/core"
)

// fakeStore is an in-memory core.Store with transactional staging: writes
// made inside WithinTx only land when fn returns nil.
type fakeStore struct {
	jobs     []*core.WorkflowJob
	messages []*core.OutboxMessage

	failJobCreate bool
	failMsgCreate bool
	publishedIDs  []uuid.UUID
	failedIDs     []uuid.UUID
}

func (s *fakeStore) WithinTx(_ context.Context, fn func(tx core.TxStore) error) error {
	staged := &fakeTx{store: s}
	if err := fn(staged); err != nil {
		return err
	}
	s.jobs = append(s.jobs, staged.jobs...)
	s.messages = append(s.messages, staged.messages...)
	return nil
}

func (s *fakeStore) WorkflowJobs() core.WorkflowJobRepository       { return &fakeJobs{store: s} }
func (s *fakeStore) OutboxMessages() core.OutboxMessageRepository   { return &fakeMsgs{store: s} }
func (s *fakeStore) InboxClaims() core.InboxRepository              { return nil }
func (s *fakeStore) Executions() core.AutomationExecutionService    { return nil }

type fakeTx struct {
	store    *fakeStore
	jobs     []*core.WorkflowJob
	messages []*core.OutboxMessage
}

func (t *fakeTx) WorkflowJobs() core.WorkflowJobRepository     { return &fakeTxJobs{tx: t} }
func (t *fakeTx) OutboxMessages() core.OutboxMessageRepository { return &fakeTxMsgs{tx: t} }

type fakeTxJobs struct{ tx *fakeTx }

func (r *fakeTxJobs) Create(_ context.Context, job *core.WorkflowJob) error {
	if r.tx.store.failJobCreate {
		return fmt.Errorf("job insert failed")
	}
	r.tx.jobs = append(r.tx.jobs, job)
	return nil
}
func (r *fakeTxJobs) Update(context.Context, *core.WorkflowJob) error { return nil }
func (r *fakeTxJobs) FindOne(context.Context, uuid.UUID) (*core.WorkflowJob, error) {
	return nil, nil
}
func (r *fakeTxJobs) FindMany(context.Context, core.JobFilter) ([]*core.WorkflowJob, error) {
	return nil, nil
}

type fakeTxMsgs struct{ tx *fakeTx }

func (r *fakeTxMsgs) Create(_ context.Context, msg *core.OutboxMessage) error {
	if r.tx.store.failMsgCreate {
		return fmt.Errorf("outbox insert failed")
	}
	r.tx.messages = append(r.tx.messages, msg)
	return nil
}
func (r *fakeTxMsgs) FindUnpublished(context.Context, int) ([]*core.OutboxMessage, error) {
	return nil, nil
}
func (r *fakeTxMsgs) MarkPublished(context.Context, uuid.UUID) error      { return nil }
func (r *fakeTxMsgs) MarkFailed(context.Context, uuid.UUID, string) error { return nil }

type fakeJobs struct{ store *fakeStore }

func (r *fakeJobs) Create(context.Context, *core.WorkflowJob) error { return nil }
func (r *fakeJobs) Update(context.Context, *core.WorkflowJob) error { return nil }
func (r *fakeJobs) FindOne(context.Context, uuid.UUID) (*core.WorkflowJob, error) {
	return nil, nil
}
func (r *fakeJobs) FindMany(context.Context, core.JobFilter) ([]*core.WorkflowJob, error) {
	return nil, nil
}

type fakeMsgs struct{ store *fakeStore }

func (r *fakeMsgs) Create(context.Context, *core.OutboxMessage) error { return nil }
func (r *fakeMsgs) FindUnpublished(_ context.Context, limit int) ([]*core.OutboxMessage, error) {
	var out []*core.OutboxMessage
	for _, m := range r.store.messages {
		if len(out) >= limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}
func (r *fakeMsgs) MarkPublished(_ context.Context, id uuid.UUID) error {
	r.store.publishedIDs = append(r.store.publishedIDs, id)
	return nil
}
func (r *fakeMsgs) MarkFailed(_ context.Context, id uuid.UUID, _ string) error {
	r.store.failedIDs = append(r.store.failedIDs, id)
	return nil
}

type fakePublisher struct {
	published []broker.Message
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, msg broker.Message) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, msg)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRoutingKeyFor(t *testing.T) {
	tests := []struct {
		workflowType string
		want         string
	}{
		{"CODE_REVIEW", "code.review"},
		{"SECURITY_SCAN", "security.scan"},
		{"REINDEX", "reindex"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RoutingKeyFor(tt.workflowType))
	}
}

func TestService_EnqueueCommitsJobAndIntentTogether(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, discardLogger())

	job := &core.WorkflowJob{WorkflowType: "CODE_REVIEW", HandlerType: "pull-request"}
	jobID, err := svc.Enqueue(context.Background(), job)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, jobID)
	require.Len(t, store.jobs, 1)
	require.Len(t, store.messages, 1)

	msg := store.messages[0]
	assert.Equal(t, jobID, msg.JobID)
	assert.Equal(t, Exchange, msg.Exchange)
	assert.Equal(t, "code.review", msg.RoutingKey)
	assert.Equal(t, core.JobStatusPending, store.jobs[0].Status)
	assert.NotEmpty(t, store.jobs[0].CorrelationID, "a missing correlation id is generated")

	var envelope core.JobEnvelope
	require.NoError(t, json.Unmarshal(msg.Payload, &envelope))
	assert.Equal(t, jobID, envelope.JobID)
	assert.Equal(t, msg.ID.String(), envelope.MessageID)
	assert.Equal(t, "CODE_REVIEW", envelope.WorkflowType)
}

func TestService_EnqueueValidation(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, discardLogger())

	tests := []struct {
		name string
		job  *core.WorkflowJob
	}{
		{name: "missing workflow type", job: &core.WorkflowJob{HandlerType: "pull-request"}},
		{name: "missing handler type", job: &core.WorkflowJob{WorkflowType: "CODE_REVIEW"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Enqueue(context.Background(), tt.job)

			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Empty(t, store.jobs, "nothing may be written for an invalid job")
		})
	}
}

func TestService_EnqueueRollsBackBothOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeStore)
	}{
		{name: "job insert fails", setup: func(s *fakeStore) { s.failJobCreate = true }},
		{name: "outbox insert fails", setup: func(s *fakeStore) { s.failMsgCreate = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			tt.setup(store)
			svc := NewService(store, discardLogger())

			_, err := svc.Enqueue(context.Background(), &core.WorkflowJob{
				WorkflowType: "CODE_REVIEW",
				HandlerType:  "pull-request",
			})

			var perr *core.PersistenceError
			require.ErrorAs(t, err, &perr)
			assert.Empty(t, store.jobs, "job row must not survive a failed transaction")
			assert.Empty(t, store.messages, "outbox row must not survive a failed transaction")
		})
	}
}

func TestRelay_PublishesAndMarksBatch(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, discardLogger())
	_, err := svc.Enqueue(context.Background(), &core.WorkflowJob{
		WorkflowType:  "CODE_REVIEW",
		HandlerType:   "pull-request",
		CorrelationID: "corr-1",
	})
	require.NoError(t, err)

	pub := &fakePublisher{}
	relay := NewRelay(store, pub, 0, 0, discardLogger())

	require.NoError(t, relay.publishBatch(context.Background()))

	require.Len(t, pub.published, 1)
	assert.Equal(t, "workflow", pub.published[0].Exchange)
	assert.Equal(t, "code.review", pub.published[0].RoutingKey)
	assert.Equal(t, "corr-1", pub.published[0].CorrelationID)
	assert.Len(t, store.publishedIDs, 1)
	assert.Empty(t, store.failedIDs)
}

func TestRelay_MarksFailedOnPublishError(t *testing.T) {
	store := &fakeStore{}
	svc := NewService(store, discardLogger())
	_, err := svc.Enqueue(context.Background(), &core.WorkflowJob{
		WorkflowType: "CODE_REVIEW",
		HandlerType:  "pull-request",
	})
	require.NoError(t, err)

	pub := &fakePublisher{err: fmt.Errorf("broker unreachable")}
	relay := NewRelay(store, pub, 0, 0, discardLogger())

	require.NoError(t, relay.publishBatch(context.Background()))

	assert.Empty(t, store.publishedIDs)
	assert.Len(t, store.failedIDs, 1)
}
