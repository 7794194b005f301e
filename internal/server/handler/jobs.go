// Package handler provides HTTP handlers for the ops API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sevigo/review-queue/internal/core"
	"github.com/sevigo/review-queue/internal/outbox"
)

// JobsHandler enqueues jobs and reports their status.
type JobsHandler struct {
	enqueuer *outbox.Service
	store    core.Store
	logger   *slog.Logger
}

func NewJobsHandler(enqueuer *outbox.Service, store core.Store, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{
		enqueuer: enqueuer,
		store:    store,
		logger:   logger,
	}
}

type enqueueRequest struct {
	WorkflowType   string          `json:"workflowType"`
	HandlerType    string          `json:"handlerType"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	OrganizationID string          `json:"organizationId,omitempty"`
	TeamID         string          `json:"teamId,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxRetries     int             `json:"maxRetries,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"jobId"`
}

// Enqueue accepts a job description and durably enqueues it.
func (h *JobsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job := &core.WorkflowJob{
		WorkflowType:   req.WorkflowType,
		HandlerType:    req.HandlerType,
		CorrelationID:  req.CorrelationID,
		OrganizationID: req.OrganizationID,
		TeamID:         req.TeamID,
		Priority:       req.Priority,
		MaxRetries:     req.MaxRetries,
		Payload:        req.Payload,
	}

	jobID, err := h.enqueuer.Enqueue(r.Context(), job)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("enqueue failed", "workflow_type", req.WorkflowType, "error", err)
		http.Error(w, "could not enqueue job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(enqueueResponse{JobID: jobID.String()})
}

type statusResponse struct {
	JobID               string `json:"jobId"`
	Status              string `json:"status"`
	WorkflowType        string `json:"workflowType"`
	CurrentStage        string `json:"currentStage,omitempty"`
	RetryCount          int    `json:"retryCount"`
	ErrorClassification string `json:"errorClassification,omitempty"`
	LastError           string `json:"lastError,omitempty"`
	WaitingForEvent     string `json:"waitingForEvent,omitempty"`
}

// Status reports the current state of one job.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.store.WorkflowJobs().FindOne(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statusResponse{
		JobID:               job.ID.String(),
		Status:              string(job.Status),
		WorkflowType:        job.WorkflowType,
		CurrentStage:        job.CurrentStage,
		RetryCount:          job.RetryCount,
		ErrorClassification: string(job.ErrorClassification),
		LastError:           job.LastError,
		WaitingForEvent:     job.WaitingForEvent,
	})
}
