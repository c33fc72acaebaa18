package api

import (
	"time"

	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/scheduler"
)

// RecommendationsRequest asks for the best posting slots in a window.
type RecommendationsRequest struct {
	Platform      string                  `json:"platform" validate:"required"`
	ContentFormat string                  `json:"content_format" validate:"required"`
	UserID        string                  `json:"user_id"`
	WindowStart   *time.Time              `json:"window_start"`
	WindowEnd     *time.Time              `json:"window_end"`
	Limit         int                     `json:"limit" validate:"omitempty,min=1,max=500"`
	Audience      *models.AudienceProfile `json:"audience"`
}

// RecommendationsResponse lists ranked slots, best first. Slots that would
// conflict with the user's current calendar carry their violations; they are
// annotated, never hidden.
type RecommendationsResponse struct {
	Platform      string                 `json:"platform"`
	ContentFormat string                 `json:"content_format"`
	WindowStart   time.Time              `json:"window_start"`
	WindowEnd     time.Time              `json:"window_end"`
	Slots         []models.CandidateSlot `json:"slots"`
	Evaluated     int                    `json:"evaluated"`
	TookMS        int64                  `json:"took_ms"`
}

// CalendarPost is one post inside a calendar request.
type CalendarPost struct {
	PostID        string     `json:"post_id" validate:"required"`
	Platform      string     `json:"platform" validate:"required"`
	ContentFormat string     `json:"content_format" validate:"required"`
	Priority      int        `json:"priority" validate:"omitempty,min=0,max=100"`
	NotBefore     *time.Time `json:"not_before"`
	NotAfter      *time.Time `json:"not_after"`
}

// CalendarRequest asks for a batch of posts to be scheduled.
type CalendarRequest struct {
	UserID         string                  `json:"user_id"`
	IdempotencyKey string                  `json:"idempotency_key" validate:"omitempty,max=128"`
	WindowStart    *time.Time              `json:"window_start"`
	WindowEnd      *time.Time              `json:"window_end"`
	Audience       *models.AudienceProfile `json:"audience"`
	Posts          []CalendarPost          `json:"posts" validate:"required,min=1,max=100,dive"`
}

// CalendarResponse reports the generated schedule.
type CalendarResponse struct {
	Schedule    *models.Schedule             `json:"schedule"`
	Assignments []*models.ScheduleAssignment `json:"assignments"`
	Unplaced    []scheduler.UnplacedPost     `json:"unplaced,omitempty"`
	Replayed    bool                         `json:"replayed,omitempty"`
}

// OptimizeRequest asks for an existing schedule to be re-optimized.
type OptimizeRequest struct {
	SchedulePublicID string  `json:"schedule_public_id" validate:"required"`
	DryRun           bool    `json:"dry_run"`
	MinImprovement   float64 `json:"min_improvement" validate:"omitempty,gt=0,lte=1"`
}

// OptimizeResponse reports the moves made or previewed.
type OptimizeResponse struct {
	Schedule *models.Schedule `json:"schedule"`
	Moves    []scheduler.Move `json:"moves"`
	Held     int              `json:"held"`
	DryRun   bool             `json:"dry_run"`
}

// FeedbackRequest reports an observed engagement outcome for an assignment.
type FeedbackRequest struct {
	AssignmentID uint    `json:"assignment_id" validate:"required"`
	Metric       string  `json:"metric" validate:"required,max=64"`
	Observed     float64 `json:"observed" validate:"min=0"`
	SampleWeight float64 `json:"sample_weight" validate:"omitempty,gt=0,lte=100"`
}

// FeedbackResponse returns where the outcome landed and the adjustment now
// in effect for that slot signature.
type FeedbackResponse struct {
	Signature  models.SlotSignature `json:"signature"`
	Adjustment float64              `json:"adjustment"`
	Samples    int64                `json:"samples"`
}

// TransitionRequest optionally carries a reason for failed/cancel.
type TransitionRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// PreferencesRequest replaces a user's scheduling overrides.
type PreferencesRequest struct {
	MinGapHours  float64                 `json:"min_gap_hours" validate:"min=0,max=168"`
	MaxPerWeek   int                     `json:"max_per_week" validate:"min=0,max=1000"`
	QualityFloor float64                 `json:"quality_floor" validate:"min=0,max=1"`
	Blackouts    models.BlackoutWindows  `json:"blackouts" validate:"omitempty,dive"`
	Audience     *models.AudienceProfile `json:"audience"`
}

// PlatformPriorsResponse is the catalog introspection payload for one
// platform.
type PlatformPriorsResponse struct {
	Platform string                        `json:"platform"`
	Priors   []*models.PlatformTimingPrior `json:"priors"`
}

// PriorsIndexResponse lists what the catalog knows.
type PriorsIndexResponse struct {
	Platforms []PlatformFormats `json:"platforms"`
	Count     int               `json:"count"`
}

// PlatformFormats pairs a platform with its known content formats.
type PlatformFormats struct {
	Platform models.Platform        `json:"platform"`
	Formats  []models.ContentFormat `json:"formats"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status     string    `json:"status"`
	Uptime     string    `json:"uptime"`
	Priors     int       `json:"priors"`
	Signatures int       `json:"signatures"`
	StartedAt  time.Time `json:"started_at"`
}
