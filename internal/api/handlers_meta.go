package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
)

// PriorsIndex handles GET /api/v1/priors.
func (h *Handler) PriorsIndex(w http.ResponseWriter, r *http.Request) {
	platforms := h.priors.Platforms()
	index := make([]PlatformFormats, 0, len(platforms))
	for _, p := range platforms {
		index = append(index, PlatformFormats{Platform: p, Formats: h.priors.Formats(p)})
	}
	respondSuccess(w, http.StatusOK, &PriorsIndexResponse{Platforms: index, Count: h.priors.Count()})
}

// PlatformPriors handles GET /api/v1/priors/{platform}.
func (h *Handler) PlatformPriors(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	rows, err := h.priors.PlatformPriors(models.Platform(platform))
	if err != nil {
		respondError(w, http.StatusNotFound, errCodeNotFound, err.Error(), nil)
		return
	}
	respondSuccess(w, http.StatusOK, &PlatformPriorsResponse{Platform: platform, Priors: rows})
}

// GetPreferences handles GET /api/v1/preferences/{userID}.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	pref, err := h.repo.GetPreference(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, errCodeNotFound, "no preferences stored for user", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to load preferences", err)
		return
	}
	respondSuccess(w, http.StatusOK, pref)
}

// PutPreferences handles PUT /api/v1/preferences/{userID}. The stored record
// is replaced wholesale; callers send the full preference set every time.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req PreferencesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	for i, win := range req.Blackouts {
		if win.StartHour < 0 || win.StartHour > 23 || win.EndHour < 0 || win.EndHour > 24 {
			respondError(w, http.StatusBadRequest, errCodeBadRequest,
				fmt.Sprintf("blackout %d: hours out of range", i), nil)
			return
		}
	}
	if req.Audience != nil {
		if err := req.Audience.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, err.Error(), nil)
			return
		}
	}

	pref := &models.UserSchedulingPreference{
		UserID:       userID,
		MinGapHours:  req.MinGapHours,
		MaxPerWeek:   req.MaxPerWeek,
		QualityFloor: req.QualityFloor,
		Blackouts:    req.Blackouts,
	}
	if req.Audience != nil {
		pref.Audience = models.AudienceJSON(*req.Audience)
	}
	if err := h.repo.SavePreference(r.Context(), pref); err != nil {
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to save preferences", err)
		return
	}
	h.log.Info().Str("user_id", userID).Msg("Preferences updated")
	respondSuccess(w, http.StatusOK, pref)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, http.StatusOK, &HealthResponse{
		Status:     "ok",
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Priors:     h.priors.Count(),
		Signatures: h.learner.Signatures(),
		StartedAt:  h.started,
	})
}
