package storage

import (
	"context"
	"errors"
	"time"

	"github.com/timing-engine/internal/models"
)

// ErrNotFound is returned by Get operations when no record matches.
var ErrNotFound = errors.New("record not found")

// Repository defines the interface for data persistence
type Repository interface {
	// Timing prior operations
	SavePrior(ctx context.Context, prior *models.PlatformTimingPrior) error
	ListPriors(ctx context.Context, filter PriorFilter) ([]*models.PlatformTimingPrior, error)
	CountPriors(ctx context.Context) (int64, error)

	// Schedule batch operations
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	GetScheduleByID(ctx context.Context, id uint) (*models.Schedule, error)
	GetScheduleByPublicID(ctx context.Context, publicID string) (*models.Schedule, error)
	GetScheduleByIdempotencyKey(ctx context.Context, userID, key string) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *models.Schedule) error

	// Assignment operations
	CreateAssignment(ctx context.Context, assignment *models.ScheduleAssignment) error
	GetAssignmentByID(ctx context.Context, id uint) (*models.ScheduleAssignment, error)
	ListAssignments(ctx context.Context, filter AssignmentFilter) ([]*models.ScheduleAssignment, error)
	UpdateAssignment(ctx context.Context, assignment *models.ScheduleAssignment) error
	CountAssignmentsInWindow(ctx context.Context, userID string, platform models.Platform, from, to time.Time) (int64, error)

	// Learning event operations
	AppendLearningEvent(ctx context.Context, event *models.LearningEvent) error
	ListLearningEvents(ctx context.Context, filter LearningEventFilter) ([]*models.LearningEvent, error)
	CountLearningEvents(ctx context.Context, signature models.SlotSignature) (int64, error)

	// Preference operations
	GetPreference(ctx context.Context, userID string) (*models.UserSchedulingPreference, error)
	SavePreference(ctx context.Context, pref *models.UserSchedulingPreference) error

	// Maintenance
	Close() error
	Migrate() error
}

// PriorFilter defines filtering options for timing priors
type PriorFilter struct {
	Platform       *models.Platform
	ContentFormat  *models.ContentFormat
	Segment        *string
	CatalogVersion *string
	Limit          int
	Offset         int
}

// AssignmentFilter defines filtering options for assignments
type AssignmentFilter struct {
	UserID     *string
	Platform   *models.Platform
	Status     *models.AssignmentStatus
	Statuses   []models.AssignmentStatus // non-empty overrides Status
	PostID     *string
	ScheduleID *uint
	From       *time.Time // scheduled_for >= From
	To         *time.Time // scheduled_for < To
	Limit      int
	Offset     int
	OrderBy    string // "scheduled_for", "score", "created_at"
	OrderDesc  bool
}

// LearningEventFilter defines filtering options for the event log
type LearningEventFilter struct {
	Platform      *models.Platform
	ContentFormat *models.ContentFormat
	Day           *int
	HourBucket    *int
	Since         *time.Time
	Limit         int
	Offset        int
	OrderBy       string // "recorded_at", "created_at"
	OrderDesc     bool
}

// DefaultAssignmentFilter returns a filter with sensible defaults
func DefaultAssignmentFilter() AssignmentFilter {
	return AssignmentFilter{
		Limit:   200,
		OrderBy: "scheduled_for",
	}
}

// DefaultLearningEventFilter returns a filter ordered for replay: oldest
// first, so folding events reproduces the online estimate.
func DefaultLearningEventFilter() LearningEventFilter {
	return LearningEventFilter{
		OrderBy: "recorded_at",
	}
}
