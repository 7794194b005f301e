package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/outbox"
)

type fakeStore struct {
	jobs     map[uuid.UUID]*core.WorkflowJob
	messages []*core.OutboxMessage
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[uuid.UUID]*core.WorkflowJob{}}
}

func (s *fakeStore) WithinTx(ctx context.Context, fn func(tx core.TxStore) error) error {
	return fn(s)
}
func (s *fakeStore) WorkflowJobs() core.WorkflowJobRepository     { return (*fakeJobs)(s) }
func (s *fakeStore) OutboxMessages() core.OutboxMessageRepository { return (*fakeMsgs)(s) }
func (s *fakeStore) InboxClaims() core.InboxRepository            { return nil }
func (s *fakeStore) Executions() core.AutomationExecutionService  { return nil }

type fakeJobs fakeStore

func (s *fakeJobs) Create(_ context.Context, job *core.WorkflowJob) error {
	stored := *job
	s.jobs[job.ID] = &stored
	return nil
}
func (s *fakeJobs) Update(context.Context, *core.WorkflowJob) error { return nil }
func (s *fakeJobs) FindOne(_ context.Context, id uuid.UUID) (*core.WorkflowJob, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	found := *j
	return &found, nil
}
func (s *fakeJobs) FindMany(context.Context, core.JobFilter) ([]*core.WorkflowJob, error) {
	return nil, nil
}

type fakeMsgs fakeStore

func (s *fakeMsgs) Create(_ context.Context, msg *core.OutboxMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}
func (s *fakeMsgs) FindUnpublished(context.Context, int) ([]*core.OutboxMessage, error) {
	return nil, nil
}
func (s *fakeMsgs) MarkPublished(context.Context, uuid.UUID) error      { return nil }
func (s *fakeMsgs) MarkFailed(context.Context, uuid.UUID, string) error { return nil }

func newTestRouter(store *fakeStore) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewJobsHandler(outbox.NewService(store, logger), store, logger)
	r := chi.NewRouter()
	r.Post("/jobs", h.Enqueue)
	r.Get("/jobs/{id}", h.Status)
	return r
}

func TestJobsHandler_EnqueueAccepted(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store)

	body := `{"workflowType":"CODE_REVIEW","handlerType":"pull-request","payload":{"pullRequestNumber":7}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "jobId")
	assert.Len(t, store.jobs, 1)
	assert.Len(t, store.messages, 1)
}

func TestJobsHandler_EnqueueRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{nope`},
		{name: "missing workflow type", body: `{"handlerType":"pull-request"}`},
		{name: "missing handler type", body: `{"workflowType":"CODE_REVIEW"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			router := newTestRouter(store)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, store.jobs)
		})
	}
}

func TestJobsHandler_Status(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store)

	id := uuid.New()
	store.jobs[id] = &core.WorkflowJob{
		ID:                  id,
		Status:              core.JobStatusFailed,
		WorkflowType:        "CODE_REVIEW",
		CurrentStage:        "analyze",
		RetryCount:          2,
		ErrorClassification: core.ErrorTransient,
		LastError:           "model timeout",
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+id.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"status":"FAILED"`)
	assert.Contains(t, body, `"currentStage":"analyze"`)
	assert.Contains(t, body, `"errorClassification":"TRANSIENT"`)
	assert.Contains(t, body, `"lastError":"model timeout"`)
}

func TestJobsHandler_StatusErrors(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
