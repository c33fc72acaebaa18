package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/learning"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/priors"
	"github.com/timing-engine/internal/scheduler"
	"github.com/timing-engine/internal/scoring"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/pkg/logger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler bundles the engine pieces the HTTP layer talks to.
type Handler struct {
	orchestrator *scheduler.Orchestrator
	scorer       *scoring.Scorer
	priors       *priors.Store
	learner      *learning.Learner
	repo         storage.Repository
	cfg          *config.Config
	log          *logger.Logger
	started      time.Time
}

// NewHandler creates the API handler.
func NewHandler(
	orchestrator *scheduler.Orchestrator,
	scorer *scoring.Scorer,
	store *priors.Store,
	learner *learning.Learner,
	repo storage.Repository,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	SetResponseLogger(log)
	return &Handler{
		orchestrator: orchestrator,
		scorer:       scorer,
		priors:       store,
		learner:      learner,
		repo:         repo,
		cfg:          cfg,
		log:          log.WithComponent("api"),
		started:      time.Now().UTC(),
	}
}

// decodeAndValidate parses the JSON body into dst and runs struct validation.
// On failure it writes the error response and returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errCodeBadRequest, "invalid JSON body", err)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
			}
			respondValidation(w, details)
			return false
		}
		respondError(w, http.StatusBadRequest, errCodeValidationFailed, "request failed validation", err)
		return false
	}
	return true
}

// Recommendations handles POST /api/v1/scheduling/recommendations.
// Ranked slots come back best first; slots conflicting with the caller's
// existing calendar carry violations as data.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	var req RecommendationsRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	windowStart, windowEnd := h.resolveWindow(req.WindowStart, req.WindowEnd)
	limit := req.Limit
	if limit <= 0 {
		limit = h.cfg.Scoring.DefaultLimit
	}
	profile := models.DefaultAudienceProfile()
	if req.Audience != nil {
		if err := req.Audience.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, err.Error(), nil)
			return
		}
		profile = *req.Audience
	}

	began := time.Now()

	// Constraint checks need the caller's calendar; a slow repository
	// degrades the answer to prior-only instead of failing it.
	existing, degraded := h.loadCalendar(r.Context(), req.UserID, models.Platform(req.Platform), windowStart, windowEnd)

	slots, err := h.scorer.RankWindow(r.Context(), scoring.RankRequest{
		Platform:      models.Platform(req.Platform),
		ContentFormat: models.ContentFormat(req.ContentFormat),
		Audience:      profile,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		Limit:         limit,
	}, degraded)
	if err != nil {
		if priors.IsConfigurationError(err) {
			respondError(w, http.StatusUnprocessableEntity, errCodeConfiguration, err.Error(), nil)
			return
		}
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to rank slots", err)
		return
	}

	if len(existing) > 0 {
		h.annotateSlots(r.Context(), slots, existing, models.Platform(req.Platform), models.ContentFormat(req.ContentFormat), req.UserID)
	}

	respondDegradable(w, http.StatusOK, &RecommendationsResponse{
		Platform:      req.Platform,
		ContentFormat: req.ContentFormat,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
		Slots:         slots,
		Evaluated:     h.scorer.CandidateCount(windowStart, windowEnd),
		TookMS:        time.Since(began).Milliseconds(),
	}, degraded)
}

// Calendar handles POST /api/v1/scheduling/calendar.
func (h *Handler) Calendar(w http.ResponseWriter, r *http.Request) {
	var req CalendarRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if req.Audience != nil {
		if err := req.Audience.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, errCodeBadRequest, err.Error(), nil)
			return
		}
	}

	windowStart, windowEnd := h.resolveWindow(req.WindowStart, req.WindowEnd)
	gen := scheduler.GenerateRequest{
		UserID:         req.UserID,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		Audience:       req.Audience,
		IdempotencyKey: req.IdempotencyKey,
	}
	for _, p := range req.Posts {
		gen.Posts = append(gen.Posts, scheduler.PostRequest{
			PostID:        p.PostID,
			Platform:      models.Platform(p.Platform),
			ContentFormat: models.ContentFormat(p.ContentFormat),
			Priority:      p.Priority,
			NotBefore:     p.NotBefore,
			NotAfter:      p.NotAfter,
		})
	}

	res, err := h.orchestrator.GenerateSchedule(r.Context(), gen)
	if err != nil {
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to generate schedule", err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respondDegradable(w, status, &CalendarResponse{
		Schedule:    res.Schedule,
		Assignments: res.Assignments,
		Unplaced:    res.Unplaced,
		Replayed:    res.Replayed,
	}, res.Degraded)
}

// Optimize handles POST /api/v1/scheduling/optimize.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.orchestrator.Reoptimize(r.Context(), scheduler.OptimizeRequest{
		SchedulePublicID: req.SchedulePublicID,
		DryRun:           req.DryRun,
		MinImprovement:   req.MinImprovement,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, errCodeNotFound, "schedule not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to re-optimize schedule", err)
		return
	}

	respondDegradable(w, http.StatusOK, &OptimizeResponse{
		Schedule: res.Schedule,
		Moves:    res.Moves,
		Held:     res.Held,
		DryRun:   res.DryRun,
	}, res.Degraded)
}

// Feedback handles POST /api/v1/scheduling/feedback.
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	res, err := h.orchestrator.RecordOutcome(r.Context(), req.AssignmentID, req.Metric, req.Observed, req.SampleWeight)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrInvalidTransition):
			respondError(w, http.StatusConflict, errCodeConflict, err.Error(), nil)
		case errors.Is(err, storage.ErrNotFound):
			respondError(w, http.StatusNotFound, errCodeNotFound, "assignment not found", nil)
		default:
			respondError(w, http.StatusInternalServerError, errCodeInternal, "failed to record outcome", err)
		}
		return
	}

	respondSuccess(w, http.StatusOK, &FeedbackResponse{
		Signature:  res.Signature,
		Adjustment: res.Adjustment,
		Samples:    res.Samples,
	})
}

// resolveWindow fills missing window bounds with the configured default.
func (h *Handler) resolveWindow(start, end *time.Time) (time.Time, time.Time) {
	s := time.Now().UTC().Truncate(time.Minute)
	if start != nil {
		s = start.UTC()
	}
	e := s.AddDate(0, 0, h.cfg.Scoring.DefaultWindowDays)
	if end != nil {
		e = end.UTC()
	}
	return s, e
}

// loadCalendar fetches the user's occupying assignments around the window,
// reporting degradation instead of failing when the repository is slow.
func (h *Handler) loadCalendar(ctx context.Context, userID string, platform models.Platform, from, to time.Time) ([]*models.ScheduleAssignment, bool) {
	tctx, cancel := context.WithTimeout(ctx, h.cfg.Scheduling.PersistenceTimeout)
	defer cancel()

	lo := from.Add(-h.cfg.Scheduling.FrequencyWindow)
	hi := to.Add(h.cfg.Scheduling.FrequencyWindow)
	filter := storage.AssignmentFilter{
		Platform: &platform,
		From:     &lo,
		To:       &hi,
		Statuses: []models.AssignmentStatus{
			models.AssignmentStatusProposed,
			models.AssignmentStatusConfirmed,
			models.AssignmentStatusPosted,
		},
	}
	if userID != "" {
		filter.UserID = &userID
	}
	existing, err := h.repo.ListAssignments(tctx, filter)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
			h.log.Warn().Err(err).Msg("Calendar read timed out, serving prior-only recommendations")
			return nil, true
		}
		h.log.Warn().Err(err).Msg("Calendar read failed, serving prior-only recommendations")
		return nil, true
	}
	return existing, false
}

// annotateSlots attaches constraint violations to slots that would conflict
// with the caller's current calendar. Violations inform, they never filter.
func (h *Handler) annotateSlots(ctx context.Context, slots []models.CandidateSlot, existing []*models.ScheduleAssignment, platform models.Platform, format models.ContentFormat, userID string) {
	pref, err := h.repo.GetPreference(ctx, userID)
	if err != nil {
		pref = nil
	}
	constraint, err := h.orchestrator.ConstraintFor(platform, format, pref)
	if err != nil {
		return
	}
	for i := range slots {
		res := scoring.Evaluate(slots[i], existing, constraint)
		slots[i].Violations = res.Violations
	}
}
