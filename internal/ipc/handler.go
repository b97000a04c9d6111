// Package ipc provides the read-mostly HTTP API for a running pipeline.
package ipc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anthropics/callscore-engine/internal/domain"
	"github.com/anthropics/callscore-engine/internal/store"
)

// Canceller aborts the in-flight work for a unit.
type Canceller interface {
	CancelUnit(ctx context.Context, unitID string) error
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Store     store.Store
	Canceller Canceller
	Threshold int
	Version   string
}

// HealthResponse is the body for GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Threshold int    `json:"threshold"`
}

// RunSummary is the body for GET /api/v1/run.
type RunSummary struct {
	Units        int            `json:"units"`
	ByStatus     map[string]int `json:"by_status"`
	JobsInFlight int            `json:"jobs_in_flight"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   h.Version,
		Threshold: h.Threshold,
	})
}

// GetRun handles GET /api/v1/run.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListUnits(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[string]int)
	for _, u := range units {
		byStatus[string(u.Status)]++
	}

	active, err := h.Store.ListJobsByState(r.Context(), domain.JobSubmitted, domain.JobRunning)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RunSummary{
		Units:        len(units),
		ByStatus:     byStatus,
		JobsInFlight: len(active),
	})
}

// ListUnits handles GET /api/v1/units.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListUnits(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if units == nil {
		units = []domain.WorkUnit{}
	}
	writeJSON(w, http.StatusOK, units)
}

// GetUnit handles GET /api/v1/units/{unitID}.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unitID")
	unit, err := h.Store.GetUnit(r.Context(), unitID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

// ListUnitJobs handles GET /api/v1/units/{unitID}/jobs.
func (h *Handler) ListUnitJobs(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unitID")
	if _, err := h.Store.GetUnit(r.Context(), unitID); err != nil {
		writeError(w, err)
		return
	}
	jobs, err := h.Store.ListJobsByUnit(r.Context(), unitID)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// CancelUnit handles POST /api/v1/units/{unitID}/cancel.
func (h *Handler) CancelUnit(w http.ResponseWriter, r *http.Request) {
	unitID := r.PathValue("unitID")
	if err := h.Canceller.CancelUnit(r.Context(), unitID); err != nil {
		writeError(w, err)
		return
	}
	unit, err := h.Store.GetUnit(r.Context(), unitID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if pipeErr, ok := err.(*domain.PipelineError); ok {
		status := http.StatusInternalServerError
		switch pipeErr.Code {
		case domain.ErrUnitNotFound.Code, domain.ErrJobNotFound.Code, domain.ErrUnknownHandle.Code:
			status = http.StatusNotFound
		case domain.ErrInvalidTransition.Code, domain.ErrJobTerminal.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrSchedulerUnavailable.Code:
			status = http.StatusBadGateway
		}
		writeJSON(w, status, APIError{Code: pipeErr.Code, Message: pipeErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}
