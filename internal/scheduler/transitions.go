package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timing-engine/internal/learning"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
)

// ErrInvalidTransition is returned when a requested status change is not
// allowed by the assignment lifecycle.
var ErrInvalidTransition = errors.New("invalid assignment transition")

// Transition moves an assignment to the next lifecycle status. Reason is
// recorded on the row; it is required for failed and canceled.
func (o *Orchestrator) Transition(ctx context.Context, id uint, next models.AssignmentStatus, reason string) (*models.ScheduleAssignment, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	assignment, err := o.repo.GetAssignmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("assignment not found: %w", err)
	}
	if !assignment.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s cannot become %s", ErrInvalidTransition, assignment.Status, next)
	}

	prev := assignment.Status
	assignment.Status = next
	assignment.StatusReason = reason
	if next == models.AssignmentStatusPosted {
		now := time.Now().UTC()
		assignment.PostedAt = &now
	}
	if err := o.repo.UpdateAssignment(ctx, assignment); err != nil {
		return nil, fmt.Errorf("failed to update assignment: %w", err)
	}

	o.log.Info().
		Uint("assignment", assignment.ID).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Assignment transitioned")

	o.refreshScheduleMetrics(ctx, assignment.ScheduleID)
	return assignment, nil
}

// Confirm locks in a proposed slot.
func (o *Orchestrator) Confirm(ctx context.Context, id uint) (*models.ScheduleAssignment, error) {
	return o.Transition(ctx, id, models.AssignmentStatusConfirmed, "")
}

// MarkPosted records that the post went out at its slot.
func (o *Orchestrator) MarkPosted(ctx context.Context, id uint) (*models.ScheduleAssignment, error) {
	return o.Transition(ctx, id, models.AssignmentStatusPosted, "")
}

// MarkFailed records a failed publish attempt. The row keeps its slot in
// history but no longer blocks other posts.
func (o *Orchestrator) MarkFailed(ctx context.Context, id uint, reason string) (*models.ScheduleAssignment, error) {
	if reason == "" {
		reason = "publish attempt failed"
	}
	return o.Transition(ctx, id, models.AssignmentStatusFailed, reason)
}

// Cancel withdraws a proposed assignment and frees its slot.
func (o *Orchestrator) Cancel(ctx context.Context, id uint, reason string) (*models.ScheduleAssignment, error) {
	if reason == "" {
		reason = "canceled by operator"
	}
	return o.Transition(ctx, id, models.AssignmentStatusCanceled, reason)
}

// Retry resubmits a failed assignment's post as a fresh proposed assignment
// in the best slot of the upcoming retry window. The failed row is left
// untouched and the new row links back to it.
func (o *Orchestrator) Retry(ctx context.Context, id uint) (*models.ScheduleAssignment, error) {
	failed, err := o.repo.GetAssignmentByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("assignment not found: %w", err)
	}
	if failed.Status != models.AssignmentStatusFailed {
		return nil, fmt.Errorf("%w: only failed assignments can be retried, got %s", ErrInvalidTransition, failed.Status)
	}

	unlock := o.lockPlatforms([]models.Platform{failed.Platform})
	defer unlock()

	degraded := false
	pref := o.loadPreference(ctx, failed.UserID, &degraded)
	profile := o.resolveAudience(nil, pref)

	now := time.Now().UTC().Truncate(time.Minute)
	req := GenerateRequest{
		UserID:      failed.UserID,
		WindowStart: now,
		WindowEnd:   now.Add(o.cfg.RetryWindow),
	}
	existing, histDegraded := o.loadHistory(ctx, req)
	degraded = degraded || histDegraded

	post := PostRequest{
		PostID:        failed.PostID,
		Platform:      failed.Platform,
		ContentFormat: failed.ContentFormat,
		Priority:      failed.Priority,
	}
	retry, reason := o.placeOne(ctx, post, req, profile, pref, existing, degraded)
	if retry == nil {
		return nil, fmt.Errorf("cannot place retry for post %s: %s", failed.PostID, reason)
	}
	retry.ScheduleID = failed.ScheduleID
	retry.RetryOf = &failed.ID

	if err := o.repo.CreateAssignment(ctx, retry); err != nil {
		return nil, fmt.Errorf("failed to persist retry: %w", err)
	}

	o.log.Info().
		Uint("failed", failed.ID).
		Uint("retry", retry.ID).
		Time("slot", retry.ScheduledFor).
		Msg("Failed assignment resubmitted")

	return retry, nil
}

// ExpireStaleProposals cancels proposals whose slot has passed and that have
// sat unconfirmed longer than the proposal TTL. Meant to run from the
// maintenance scheduler; returns how many were expired.
func (o *Orchestrator) ExpireStaleProposals(ctx context.Context, now time.Time) (int, error) {
	status := models.AssignmentStatusProposed
	stale, err := o.repo.ListAssignments(ctx, storage.AssignmentFilter{
		Status: &status,
		To:     &now,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale proposals: %w", err)
	}

	cutoff := now.Add(-o.cfg.ProposalTTL)
	expired := 0
	for _, a := range stale {
		if a.CreatedAt.After(cutoff) {
			continue
		}
		a.Status = models.AssignmentStatusCanceled
		a.StatusReason = "expired: slot passed unconfirmed"
		if err := o.repo.UpdateAssignment(ctx, a); err != nil {
			o.log.Warn().Err(err).Uint("assignment", a.ID).Msg("Failed to expire proposal")
			continue
		}
		expired++
	}
	if expired > 0 {
		o.log.Info().Int("expired", expired).Msg("Stale proposals canceled")
	}
	return expired, nil
}

// refreshScheduleMetrics recomputes a schedule's metrics after a lifecycle
// change. Best-effort: a failure logs and moves on.
func (o *Orchestrator) refreshScheduleMetrics(ctx context.Context, scheduleID *uint) {
	if scheduleID == nil {
		return
	}
	schedule, err := o.repo.GetScheduleByID(ctx, *scheduleID)
	if err != nil {
		o.log.Warn().Err(err).Uint("schedule", *scheduleID).Msg("Failed to refresh schedule metrics")
		return
	}
	assignments := make([]*models.ScheduleAssignment, len(schedule.Assignments))
	for i := range schedule.Assignments {
		assignments[i] = &schedule.Assignments[i]
	}
	applyMetrics(schedule, assignments)
	schedule.Assignments = nil
	if err := o.repo.UpdateSchedule(ctx, schedule); err != nil {
		o.log.Warn().Err(err).Uint("schedule", *scheduleID).Msg("Failed to save schedule metrics")
	}
}

// FeedbackResult reports where an engagement observation landed.
type FeedbackResult struct {
	Signature  models.SlotSignature
	Adjustment float64
	Samples    int64
}

// RecordOutcome feeds an engagement observation for a posted assignment into
// the learner and returns the adjustment now in effect for its signature.
func (o *Orchestrator) RecordOutcome(ctx context.Context, assignmentID uint, metric string, observed, weight float64) (*FeedbackResult, error) {
	assignment, err := o.repo.GetAssignmentByID(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("assignment not found: %w", err)
	}
	if assignment.Status != models.AssignmentStatusPosted {
		return nil, fmt.Errorf("%w: outcomes apply to posted assignments, got %s", ErrInvalidTransition, assignment.Status)
	}

	sig := assignment.Signature(o.learner.BucketHours())
	adj, err := o.learner.RecordOutcome(ctx, learning.Outcome{
		Signature:    sig,
		Metric:       metric,
		Observed:     observed,
		SampleWeight: weight,
		AssignmentID: &assignment.ID,
		UserID:       assignment.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &FeedbackResult{
		Signature:  sig,
		Adjustment: adj,
		Samples:    o.learner.SampleCount(sig),
	}, nil
}
