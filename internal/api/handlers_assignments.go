package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/scheduler"
	"github.com/timing-engine/internal/storage"
)

// ListAssignments handles GET /api/v1/assignments with optional filters.
func (h *Handler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	filter := storage.DefaultAssignmentFilter()
	q := r.URL.Query()

	if v := q.Get("user_id"); v != "" {
		filter.UserID = &v
	}
	if v := q.Get("platform"); v != "" {
		p := models.Platform(v)
		filter.Platform = &p
	}
	if v := q.Get("status"); v != "" {
		status := models.AssignmentStatus(v)
		if !status.Valid() {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, "unknown status "+strconv.Quote(v), nil)
			return
		}
		filter.Status = &status
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, "invalid from timestamp, want RFC3339", nil)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, "invalid to timestamp, want RFC3339", nil)
			return
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, "limit must be between 1 and 1000", nil)
			return
		}
		filter.Limit = n
	}

	assignments, err := h.repo.ListAssignments(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to list assignments", err)
		return
	}
	respondSuccess(w, http.StatusOK, assignments)
}

// GetAssignment handles GET /api/v1/assignments/{id}.
func (h *Handler) GetAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assignmentID(w, r)
	if !ok {
		return
	}
	assignment, err := h.repo.GetAssignmentByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, errCodeNotFound, "assignment not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to load assignment", err)
		return
	}
	respondSuccess(w, http.StatusOK, assignment)
}

// ConfirmAssignment handles POST /api/v1/assignments/{id}/confirm.
func (h *Handler) ConfirmAssignment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uint) (*models.ScheduleAssignment, error) {
		return h.orchestrator.Confirm(r.Context(), id)
	})
}

// PostAssignment handles POST /api/v1/assignments/{id}/posted.
func (h *Handler) PostAssignment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id uint) (*models.ScheduleAssignment, error) {
		return h.orchestrator.MarkPosted(r.Context(), id)
	})
}

// FailAssignment handles POST /api/v1/assignments/{id}/failed.
func (h *Handler) FailAssignment(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.transitionReason(w, r)
	if !ok {
		return
	}
	h.transition(w, r, func(id uint) (*models.ScheduleAssignment, error) {
		return h.orchestrator.MarkFailed(r.Context(), id, reason)
	})
}

// CancelAssignment handles POST /api/v1/assignments/{id}/cancel.
func (h *Handler) CancelAssignment(w http.ResponseWriter, r *http.Request) {
	reason, ok := h.transitionReason(w, r)
	if !ok {
		return
	}
	h.transition(w, r, func(id uint) (*models.ScheduleAssignment, error) {
		return h.orchestrator.Cancel(r.Context(), id, reason)
	})
}

// RetryAssignment handles POST /api/v1/assignments/{id}/retry. It places a
// fresh proposal for a failed assignment rather than mutating it.
func (h *Handler) RetryAssignment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.assignmentID(w, r)
	if !ok {
		return
	}
	retry, err := h.orchestrator.Retry(r.Context(), id)
	if err != nil {
		h.respondTransitionError(w, err)
		return
	}
	respondSuccess(w, http.StatusCreated, retry)
}

// GetSchedule handles GET /api/v1/schedules/{publicID}.
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "publicID")
	schedule, err := h.repo.GetScheduleByPublicID(r.Context(), publicID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, errCodeNotFound, "schedule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to load schedule", err)
		return
	}
	respondSuccess(w, http.StatusOK, schedule)
}

// transition runs one lifecycle change and writes the outcome.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(id uint) (*models.ScheduleAssignment, error)) {
	id, ok := h.assignmentID(w, r)
	if !ok {
		return
	}
	assignment, err := fn(id)
	if err != nil {
		h.respondTransitionError(w, err)
		return
	}
	respondSuccess(w, http.StatusOK, assignment)
}

// transitionReason reads the optional reason body. An empty body is fine;
// the orchestrator fills a default.
func (h *Handler) transitionReason(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.ContentLength == 0 {
		return "", true
	}
	var req TransitionRequest
	if !decodeAndValidate(w, r, &req) {
		return "", false
	}
	return req.Reason, true
}

func (h *Handler) respondTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrInvalidTransition):
		respondError(w, http.StatusConflict, errCodeConflict, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, errCodeNotFound, "assignment not found", nil)
	default:
		respondError(w, http.StatusInternalServerError, errCodeInternal, "assignment update failed", err)
	}
}

func (h *Handler) assignmentID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, errCodeBadRequest, "invalid assignment id", nil)
		return 0, false
	}
	return uint(id), true
}
