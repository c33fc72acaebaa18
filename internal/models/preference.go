package models

import (
	"time"
)

// UserSchedulingPreference carries per-user overrides layered on top of the
// platform priors: tighter spacing, extra blackout hours, a score floor, and
// a default audience profile for requests that omit one.
type UserSchedulingPreference struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	UserID string `gorm:"uniqueIndex;not null" json:"user_id"`
	// MinGapHours overrides the engine default when > 0.
	MinGapHours float64 `json:"min_gap_hours"`
	// MaxPerWeek tightens the prior's cap when > 0. It can only lower the
	// effective cap, never raise it past the platform's.
	MaxPerWeek int `json:"max_per_week"`
	// QualityFloor suppresses recommendations scoring below it.
	QualityFloor float64         `json:"quality_floor"`
	Blackouts    BlackoutWindows `gorm:"type:json" json:"blackouts,omitempty"`
	Audience     AudienceJSON    `gorm:"type:json" json:"audience,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveMaxPerWeek combines the prior cap with the user's: the stricter
// wins, zero meaning uncapped on either side.
func (p *UserSchedulingPreference) EffectiveMaxPerWeek(priorMax int) int {
	if p == nil || p.MaxPerWeek <= 0 {
		return priorMax
	}
	if priorMax <= 0 || p.MaxPerWeek < priorMax {
		return p.MaxPerWeek
	}
	return priorMax
}
