package models

import (
	"time"
)

// Schedule is one batch scheduling run: the window it covered, the outcome
// counts, and the batch quality metrics. Assignments reference it so a
// calendar created in one call can be inspected and re-optimized as a unit.
type Schedule struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	PublicID string `gorm:"uniqueIndex;not null" json:"public_id"`
	UserID   string `gorm:"index;uniqueIndex:ux_schedule_idem,priority:1" json:"user_id"`
	// IdempotencyKey makes calendar creation replay-safe: a second request
	// with the same user and key returns the stored schedule untouched.
	// Null when the caller did not ask for idempotency.
	IdempotencyKey *string   `gorm:"uniqueIndex:ux_schedule_idem,priority:2" json:"idempotency_key,omitempty"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Requested      int       `json:"requested"`
	Placed         int       `json:"placed"`
	Flagged        int       `json:"flagged"`
	Unplaced       int       `json:"unplaced"`
	// Degraded is set when persistence timed out and the batch was scored
	// from priors alone, without learned adjustments or history.
	Degraded bool `json:"degraded"`

	// Batch metrics, computed once at generation time.
	ProjectedThroughput float64 `json:"projected_throughput"` // posts per hour over the window
	QuotaCompliance     float64 `json:"quota_compliance"`     // fraction of assignments with zero violations
	ScheduleAdherence   float64 `json:"schedule_adherence"`   // mean final score of placed assignments

	CreatedAt   time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
	Assignments []ScheduleAssignment `gorm:"foreignKey:ScheduleID" json:"assignments,omitempty"`
}
