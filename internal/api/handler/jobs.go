package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avelier/scanforge/internal/api/response"
	"github.com/avelier/scanforge/internal/job"
	"github.com/avelier/scanforge/pkg/models"
)

// JobService is the slice of the job manager the HTTP layer depends on.
type JobService interface {
	Submit(ctx context.Context, spec models.JobSpec) (*models.Job, error)
	ListJobs() []*models.Job
	GetJob(jobID string) (*models.Job, error)
	Cancel(jobID string) error
	Dismiss(jobID string) error
}

// Jobs serves the job lifecycle endpoints.
type Jobs struct {
	service JobService
}

func NewJobs(service JobService) *Jobs {
	return &Jobs{service: service}
}

// modelTargetRequest accepts the credential on the wire; ModelTarget itself
// never serializes it back out.
type modelTargetRequest struct {
	models.ModelTarget
	APIKey string `json:"api_key"`
}

type submitRequest struct {
	JobID     string               `json:"job_id"`
	Title     string               `json:"title"`
	InputPath string               `json:"input_path"`
	Prompt    string               `json:"prompt"`
	MaxTokens int                  `json:"max_tokens"`
	Models    []modelTargetRequest `json:"models"`
}

func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_JSON", "Request body is not valid JSON", nil)
		return
	}

	spec := models.JobSpec{
		JobID:     req.JobID,
		Title:     req.Title,
		InputPath: req.InputPath,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	}
	for _, target := range req.Models {
		t := target.ModelTarget
		t.APIKey = target.APIKey
		spec.Models = append(spec.Models, t)
	}

	submitted, err := h.service.Submit(r.Context(), spec)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.Accepted(w, submitted)
}

func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, h.service.ListJobs())
}

func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	found, err := h.service.GetJob(jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.JSON(w, found)
}

func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.service.Cancel(jobID); err != nil {
		writeServiceError(w, err)
		return
	}
	response.JSON(w, map[string]any{"job_id": jobID, "canceled": true})
}

func (h *Jobs) Dismiss(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.service.Dismiss(jobID); err != nil {
		writeServiceError(w, err)
		return
	}
	response.JSON(w, map[string]any{"job_id": jobID, "dismissed": true})
}

// writeServiceError maps manager sentinels onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, job.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, job.ErrJobActive):
		response.Error(w, http.StatusConflict, "JOB_ACTIVE", err.Error(), nil)
	case errors.Is(err, job.ErrNotTerminal):
		response.Error(w, http.StatusConflict, "JOB_NOT_TERMINAL", err.Error(), nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
