package scoring

import (
	"fmt"
	"time"

	"github.com/timing-engine/internal/models"
)

// ValidationResult is the outcome of checking one candidate against the
// scheduling constraints. Violations travel as data so callers can decide
// whether to reject, flag, or override.
type ValidationResult struct {
	IsValid    bool              `json:"is_valid"`
	Violations models.Violations `json:"violations,omitempty"`
}

// Evaluate checks a candidate slot against spacing, blackout, frequency, and
// quality rules. existing holds the assignments the candidate must coexist
// with: persisted rows plus anything already placed in the current batch.
// Only same-platform assignments that still occupy their slot count.
//
// Pure: same inputs, same result, no I/O.
func Evaluate(candidate models.CandidateSlot, existing []*models.ScheduleAssignment, constraint models.SchedulingConstraint) ValidationResult {
	var violations models.Violations

	if v := spacingViolation(candidate, existing, constraint); v != nil {
		violations = append(violations, *v)
	}
	if constraint.Blackouts.AnyContains(candidate.At) {
		violations = append(violations, models.Violation{
			Code:   models.ViolationBlackout,
			Detail: fmt.Sprintf("%s falls inside a blackout window", candidate.At.Format("Mon 15:04")),
		})
	}
	if v := frequencyViolation(candidate, existing, constraint); v != nil {
		violations = append(violations, *v)
	}
	if constraint.QualityFloor > 0 && candidate.Score < constraint.QualityFloor {
		violations = append(violations, models.Violation{
			Code:   models.ViolationQuality,
			Detail: fmt.Sprintf("score %.3f below quality floor %.3f", candidate.Score, constraint.QualityFloor),
		})
	}

	return ValidationResult{IsValid: len(violations) == 0, Violations: violations}
}

// spacingViolation reports the worst spacing conflict: the nearest
// same-platform assignment closer than the minimum gap.
func spacingViolation(candidate models.CandidateSlot, existing []*models.ScheduleAssignment, constraint models.SchedulingConstraint) *models.Violation {
	if constraint.MinGap <= 0 {
		return nil
	}
	var nearest *models.ScheduleAssignment
	var nearestGap time.Duration
	for _, a := range existing {
		if a.Platform != candidate.Platform || !a.Status.Occupies() {
			continue
		}
		gap := candidate.At.Sub(a.ScheduledFor)
		if gap < 0 {
			gap = -gap
		}
		if gap < constraint.MinGap {
			if nearest == nil || gap < nearestGap {
				nearest = a
				nearestGap = gap
			}
		}
	}
	if nearest == nil {
		return nil
	}
	return &models.Violation{
		Code: models.ViolationSpacing,
		Detail: fmt.Sprintf("only %s from post %s at %s, minimum gap is %s",
			nearestGap, nearest.PostID, nearest.ScheduledFor.Format(time.RFC3339), constraint.MinGap),
	}
}

// frequencyViolation checks the trailing rolling window ending at the
// candidate: if the candidate would push the same-platform count past the
// cap, it violates.
func frequencyViolation(candidate models.CandidateSlot, existing []*models.ScheduleAssignment, constraint models.SchedulingConstraint) *models.Violation {
	if constraint.MaxPerWindow <= 0 || constraint.WindowLength <= 0 {
		return nil
	}
	windowStart := candidate.At.Add(-constraint.WindowLength)
	count := 0
	for _, a := range existing {
		if a.Platform != candidate.Platform || !a.Status.Occupies() {
			continue
		}
		if !a.ScheduledFor.Before(windowStart) && !a.ScheduledFor.After(candidate.At) {
			count++
		}
	}
	if count+1 > constraint.MaxPerWindow {
		return &models.Violation{
			Code: models.ViolationFrequency,
			Detail: fmt.Sprintf("%d posts already inside the trailing %s window, cap is %d",
				count, constraint.WindowLength, constraint.MaxPerWindow),
		}
	}
	return nil
}
