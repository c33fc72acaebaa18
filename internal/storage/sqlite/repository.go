package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
)

// Repository implements storage.Repository using SQLite
type Repository struct {
	db *gorm.DB
}

// translate maps driver-level errors onto the storage sentinels.
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// New creates a new SQLite repository
func New(dsn string) (*Repository, error) {
	// Ensure directory exists
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Repository{db: db}, nil
}

// Migrate runs database migrations
func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(
		&models.PlatformTimingPrior{},
		&models.Schedule{},
		&models.ScheduleAssignment{},
		&models.LearningEvent{},
		&models.UserSchedulingPreference{},
	)
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Timing prior operations

func (r *Repository) SavePrior(ctx context.Context, prior *models.PlatformTimingPrior) error {
	// Upsert - update if exists, create if not
	var existing models.PlatformTimingPrior
	if err := r.db.WithContext(ctx).
		Where("platform = ? AND content_format = ? AND audience_segment = ?",
			prior.Platform, prior.ContentFormat, prior.AudienceSegment).
		First(&existing).Error; err == nil {
		prior.ID = existing.ID
	}
	return r.db.WithContext(ctx).Save(prior).Error
}

func (r *Repository) ListPriors(ctx context.Context, filter storage.PriorFilter) ([]*models.PlatformTimingPrior, error) {
	var priors []*models.PlatformTimingPrior
	query := r.db.WithContext(ctx).Model(&models.PlatformTimingPrior{})

	if filter.Platform != nil {
		query = query.Where("platform = ?", *filter.Platform)
	}
	if filter.ContentFormat != nil {
		query = query.Where("content_format = ?", *filter.ContentFormat)
	}
	if filter.Segment != nil {
		query = query.Where("audience_segment = ?", *filter.Segment)
	}
	if filter.CatalogVersion != nil {
		query = query.Where("catalog_version = ?", *filter.CatalogVersion)
	}

	query = query.Order("platform ASC, content_format ASC, audience_segment ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&priors).Error; err != nil {
		return nil, err
	}
	return priors, nil
}

func (r *Repository) CountPriors(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.PlatformTimingPrior{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Schedule batch operations

func (r *Repository) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	return r.db.WithContext(ctx).Create(schedule).Error
}

func (r *Repository) GetScheduleByID(ctx context.Context, id uint) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := r.db.WithContext(ctx).
		Preload("Assignments").
		First(&schedule, id).Error; err != nil {
		return nil, translate(err)
	}
	return &schedule, nil
}

func (r *Repository) GetScheduleByPublicID(ctx context.Context, publicID string) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := r.db.WithContext(ctx).
		Preload("Assignments").
		Where("public_id = ?", publicID).
		First(&schedule).Error; err != nil {
		return nil, translate(err)
	}
	return &schedule, nil
}

func (r *Repository) GetScheduleByIdempotencyKey(ctx context.Context, userID, key string) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := r.db.WithContext(ctx).
		Preload("Assignments").
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&schedule).Error; err != nil {
		return nil, translate(err)
	}
	return &schedule, nil
}

func (r *Repository) UpdateSchedule(ctx context.Context, schedule *models.Schedule) error {
	return r.db.WithContext(ctx).Save(schedule).Error
}

// Assignment operations

func (r *Repository) CreateAssignment(ctx context.Context, assignment *models.ScheduleAssignment) error {
	return r.db.WithContext(ctx).Create(assignment).Error
}

func (r *Repository) GetAssignmentByID(ctx context.Context, id uint) (*models.ScheduleAssignment, error) {
	var assignment models.ScheduleAssignment
	if err := r.db.WithContext(ctx).First(&assignment, id).Error; err != nil {
		return nil, translate(err)
	}
	return &assignment, nil
}

func (r *Repository) ListAssignments(ctx context.Context, filter storage.AssignmentFilter) ([]*models.ScheduleAssignment, error) {
	var assignments []*models.ScheduleAssignment
	query := r.db.WithContext(ctx).Model(&models.ScheduleAssignment{})

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.Platform != nil {
		query = query.Where("platform = ?", *filter.Platform)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	} else if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.PostID != nil {
		query = query.Where("post_id = ?", *filter.PostID)
	}
	if filter.ScheduleID != nil {
		query = query.Where("schedule_id = ?", *filter.ScheduleID)
	}
	if filter.From != nil {
		query = query.Where("scheduled_for >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("scheduled_for < ?", *filter.To)
	}

	// Ordering
	orderCol := "scheduled_for"
	if filter.OrderBy != "" {
		orderCol = filter.OrderBy
	}
	if filter.OrderDesc {
		query = query.Order(orderCol + " DESC")
	} else {
		query = query.Order(orderCol + " ASC")
	}

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}

func (r *Repository) UpdateAssignment(ctx context.Context, assignment *models.ScheduleAssignment) error {
	return r.db.WithContext(ctx).Save(assignment).Error
}

func (r *Repository) CountAssignmentsInWindow(ctx context.Context, userID string, platform models.Platform, from, to time.Time) (int64, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&models.ScheduleAssignment{}).
		Where("platform = ? AND scheduled_for >= ? AND scheduled_for < ?", platform, from, to).
		Where("status IN ?", []models.AssignmentStatus{
			models.AssignmentStatusProposed,
			models.AssignmentStatusConfirmed,
			models.AssignmentStatusPosted,
		})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Learning event operations

func (r *Repository) AppendLearningEvent(ctx context.Context, event *models.LearningEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *Repository) ListLearningEvents(ctx context.Context, filter storage.LearningEventFilter) ([]*models.LearningEvent, error) {
	var events []*models.LearningEvent
	query := r.db.WithContext(ctx).Model(&models.LearningEvent{})

	if filter.Platform != nil {
		query = query.Where("platform = ?", *filter.Platform)
	}
	if filter.ContentFormat != nil {
		query = query.Where("content_format = ?", *filter.ContentFormat)
	}
	if filter.Day != nil {
		query = query.Where("day = ?", *filter.Day)
	}
	if filter.HourBucket != nil {
		query = query.Where("hour_bucket = ?", *filter.HourBucket)
	}
	if filter.Since != nil {
		query = query.Where("recorded_at >= ?", *filter.Since)
	}

	// Ordering
	orderCol := "recorded_at"
	if filter.OrderBy != "" {
		orderCol = filter.OrderBy
	}
	if filter.OrderDesc {
		query = query.Order(orderCol + " DESC")
	} else {
		query = query.Order(orderCol + " ASC")
	}

	// Pagination
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *Repository) CountLearningEvents(ctx context.Context, signature models.SlotSignature) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.LearningEvent{}).
		Where("platform = ? AND content_format = ? AND day = ? AND hour_bucket = ?",
			signature.Platform, signature.ContentFormat, int(signature.Day), signature.HourBucket).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Preference operations

func (r *Repository) GetPreference(ctx context.Context, userID string) (*models.UserSchedulingPreference, error) {
	var pref models.UserSchedulingPreference
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error; err != nil {
		return nil, translate(err)
	}
	return &pref, nil
}

func (r *Repository) SavePreference(ctx context.Context, pref *models.UserSchedulingPreference) error {
	// Upsert - update if exists, create if not
	var existing models.UserSchedulingPreference
	if err := r.db.WithContext(ctx).Where("user_id = ?", pref.UserID).First(&existing).Error; err == nil {
		pref.ID = existing.ID
	}
	return r.db.WithContext(ctx).Save(pref).Error
}
