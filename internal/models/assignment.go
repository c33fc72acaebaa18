package models

import (
	"time"
)

// AssignmentStatus tracks an assignment through its lifecycle:
//
//	proposed -> confirmed -> posted -> failed
//	proposed -> canceled
//
// No transition skips a step. Rows never leave the table; re-optimization
// cancels the old row and links it to its replacement.
type AssignmentStatus string

const (
	AssignmentStatusProposed  AssignmentStatus = "proposed"
	AssignmentStatusConfirmed AssignmentStatus = "confirmed"
	AssignmentStatusPosted    AssignmentStatus = "posted"
	AssignmentStatusFailed    AssignmentStatus = "failed"
	AssignmentStatusCanceled  AssignmentStatus = "canceled"
)

var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	AssignmentStatusProposed:  {AssignmentStatusConfirmed, AssignmentStatusCanceled},
	AssignmentStatusConfirmed: {AssignmentStatusPosted},
	AssignmentStatusPosted:    {AssignmentStatusFailed},
	AssignmentStatusFailed:    {},
	AssignmentStatusCanceled:  {},
}

// CanTransitionTo reports whether the status machine allows moving to next.
func (s AssignmentStatus) CanTransitionTo(next AssignmentStatus) bool {
	for _, allowed := range assignmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist. A failed assignment
// is retried by creating a fresh proposed row for the same post, never by
// mutating the failed row.
func (s AssignmentStatus) Terminal() bool {
	return len(assignmentTransitions[s]) == 0
}

// Movable reports whether re-optimization may reschedule this assignment.
// Anything a human confirmed or that already went out stays put.
func (s AssignmentStatus) Movable() bool {
	return s == AssignmentStatusProposed
}

// Occupies reports whether the assignment still claims its slot for spacing
// and frequency purposes. Canceled and failed rows free their slot.
func (s AssignmentStatus) Occupies() bool {
	switch s {
	case AssignmentStatusProposed, AssignmentStatusConfirmed, AssignmentStatusPosted:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s AssignmentStatus) Valid() bool {
	_, ok := assignmentTransitions[s]
	return ok
}

// ScheduleAssignment binds one piece of content to one posting slot. The
// table is append-mostly: rows change status but are never deleted, so the
// full decision history stays queryable.
type ScheduleAssignment struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	ScheduleID    *uint            `gorm:"index" json:"schedule_id,omitempty"`
	PostID        string           `gorm:"index;not null" json:"post_id"`
	UserID        string           `gorm:"index" json:"user_id"`
	Platform      Platform         `gorm:"index;not null" json:"platform"`
	ContentFormat ContentFormat    `gorm:"not null" json:"content_format"`
	ScheduledFor  time.Time        `gorm:"index;not null" json:"scheduled_for"`
	Score         float64          `json:"score"`
	Priority      int              `gorm:"default:0" json:"priority"`
	Status        AssignmentStatus `gorm:"index;default:'proposed'" json:"status"`
	StatusReason  string           `json:"status_reason,omitempty"`
	// Violations is non-empty when the orchestrator had no clean slot and
	// fell back to the least-violating one; callers must review these.
	Violations   Violations `gorm:"type:json" json:"violations,omitempty"`
	SupersededBy *uint      `gorm:"index" json:"superseded_by,omitempty"`
	RetryOf      *uint      `gorm:"index" json:"retry_of,omitempty"`
	PostedAt     *time.Time `json:"posted_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Flagged reports whether the assignment carries unresolved violations.
func (a *ScheduleAssignment) Flagged() bool {
	return len(a.Violations) > 0
}

// Signature maps the assignment onto its learning slot signature.
func (a *ScheduleAssignment) Signature(bucketHours int) SlotSignature {
	return SignatureFor(a.Platform, a.ContentFormat, a.ScheduledFor, bucketHours)
}

// CandidateSlot is a scored posting opportunity prior to assignment.
type CandidateSlot struct {
	Platform      Platform      `json:"platform"`
	ContentFormat ContentFormat `json:"content_format"`
	At            time.Time     `json:"at"`
	Score         float64       `json:"score"`
	Violations    Violations    `json:"violations,omitempty"`
}

// Clean reports whether the slot passed every constraint.
func (c CandidateSlot) Clean() bool {
	return len(c.Violations) == 0
}
