package models

import (
	"fmt"
	"time"
)

// SlotSignature is the aggregation key online learning folds outcomes under:
// platform, content format, weekday, and the hour bucket the slot falls in.
// Finer keys would starve every bucket of samples; coarser ones would blur
// morning against midnight.
type SlotSignature struct {
	Platform      Platform      `json:"platform"`
	ContentFormat ContentFormat `json:"content_format"`
	Day           time.Weekday  `json:"day"`
	HourBucket    int           `json:"hour_bucket"`
}

// SignatureFor buckets a concrete time into its signature. bucketHours must
// divide 24; anything else falls back to 1-hour buckets.
func SignatureFor(platform Platform, format ContentFormat, t time.Time, bucketHours int) SlotSignature {
	if bucketHours <= 0 || 24%bucketHours != 0 {
		bucketHours = 1
	}
	return SlotSignature{
		Platform:      platform,
		ContentFormat: format,
		Day:           t.Weekday(),
		HourBucket:    t.Hour() / bucketHours,
	}
}

// Key renders a stable string form, usable as a map key and in logs.
func (s SlotSignature) Key() string {
	return fmt.Sprintf("%s/%s/%d/%02d", s.Platform, s.ContentFormat, s.Day, s.HourBucket)
}

// LearningEvent is one observed engagement outcome, appended to the log and
// folded into the per-signature estimate. The log is the source of truth:
// estimates can be rebuilt from scratch by replaying it in order.
type LearningEvent struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	Platform      Platform      `gorm:"index:idx_event_signature,priority:1;not null" json:"platform"`
	ContentFormat ContentFormat `gorm:"index:idx_event_signature,priority:2;not null" json:"content_format"`
	Day           int           `gorm:"index:idx_event_signature,priority:3" json:"day"`
	HourBucket    int           `gorm:"index:idx_event_signature,priority:4" json:"hour_bucket"`
	AssignmentID  *uint         `gorm:"index" json:"assignment_id,omitempty"`
	UserID        string        `gorm:"index" json:"user_id,omitempty"`
	// Metric names what Observed measures (engagement_rate, clicks, ...).
	// The learner treats all metrics alike after normalization.
	Metric       string    `json:"metric"`
	Observed     float64   `json:"observed"`
	SampleWeight float64   `gorm:"default:1" json:"sample_weight"`
	RecordedAt   time.Time `gorm:"index;not null" json:"recorded_at"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Signature reassembles the event's aggregation key.
func (e *LearningEvent) Signature() SlotSignature {
	return SlotSignature{
		Platform:      e.Platform,
		ContentFormat: e.ContentFormat,
		Day:           time.Weekday(e.Day),
		HourBucket:    e.HourBucket,
	}
}
