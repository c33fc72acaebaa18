package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/scoring"
)

// defaultMinImprovement is the score gain a new slot must show before
// re-optimization moves a proposal. Keeps the calendar from churning on
// noise-level differences.
const defaultMinImprovement = 0.01

// OptimizeRequest asks for a schedule to be re-optimized in place.
type OptimizeRequest struct {
	SchedulePublicID string
	// DryRun computes the moves without applying them.
	DryRun bool
	// MinImprovement overrides the default move threshold when > 0.
	MinImprovement float64
}

// Move describes one proposal being rescheduled to a better slot.
type Move struct {
	AssignmentID uint `json:"assignment_id"`
	// NewAssignmentID is the replacement row; zero on dry runs.
	NewAssignmentID uint      `json:"new_assignment_id,omitempty"`
	PostID          string    `json:"post_id"`
	From            time.Time `json:"from"`
	To              time.Time `json:"to"`
	OldScore        float64   `json:"old_score"`
	NewScore        float64   `json:"new_score"`
}

// OptimizeResult reports what re-optimization did (or would do, on dry run).
type OptimizeResult struct {
	Schedule *models.Schedule
	Moves    []Move
	// Held counts movable proposals that stayed in their slot.
	Held     int
	Degraded bool
	DryRun   bool
}

// plannedMove pairs the old row with its intended replacement before
// anything is written.
type plannedMove struct {
	old         *models.ScheduleAssignment
	replacement *models.ScheduleAssignment
}

// Reoptimize revisits every proposed assignment of a schedule and moves it
// when a clean slot with a materially better score exists. Confirmed and
// posted assignments never move; they act as fixed constraints. Moved
// proposals are canceled and linked to their replacement, so the decision
// history stays intact.
func (o *Orchestrator) Reoptimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	schedule, err := o.repo.GetScheduleByPublicID(ctx, req.SchedulePublicID)
	if err != nil {
		return nil, fmt.Errorf("schedule not found: %w", err)
	}

	minImprovement := req.MinImprovement
	if minImprovement <= 0 {
		minImprovement = defaultMinImprovement
	}

	movable, fixed := splitMovable(schedule)
	if len(movable) == 0 {
		return &OptimizeResult{Schedule: schedule, DryRun: req.DryRun}, nil
	}

	unlock := o.lockPlatforms(assignmentPlatforms(movable))
	defer unlock()

	degraded := false
	pref := o.loadPreference(ctx, schedule.UserID, &degraded)
	profile := o.resolveAudience(nil, pref)

	windowStart := schedule.WindowStart
	if now := time.Now().UTC(); now.After(windowStart) {
		windowStart = now
	}
	if !schedule.WindowEnd.After(windowStart) {
		// The whole window is in the past; nothing can move.
		return &OptimizeResult{Schedule: schedule, Held: len(movable), DryRun: req.DryRun}, nil
	}

	occupied, histDegraded := o.reoptimizeContext(ctx, schedule, fixed, movable)
	degraded = degraded || histDegraded

	// Urgent posts pick their slots first, matching generation order.
	sort.SliceStable(movable, func(a, b int) bool {
		if movable[a].Priority != movable[b].Priority {
			return movable[a].Priority > movable[b].Priority
		}
		return movable[a].ID < movable[b].ID
	})

	var planned []plannedMove
	held := 0
	for _, m := range movable {
		move := o.planMove(ctx, m, profile, pref, occupied, windowStart, schedule.WindowEnd, minImprovement, degraded)
		if move == nil {
			held++
			occupied = append(occupied, m)
			continue
		}
		planned = append(planned, plannedMove{old: m, replacement: move})
		occupied = append(occupied, move)
	}

	result := &OptimizeResult{
		Schedule: schedule,
		Held:     held,
		Degraded: degraded,
		DryRun:   req.DryRun,
	}
	for _, p := range planned {
		result.Moves = append(result.Moves, Move{
			AssignmentID: p.old.ID,
			PostID:       p.old.PostID,
			From:         p.old.ScheduledFor,
			To:           p.replacement.ScheduledFor,
			OldScore:     p.old.Score,
			NewScore:     p.replacement.Score,
		})
	}
	if req.DryRun || len(planned) == 0 {
		return result, nil
	}

	if err := o.applyMoves(ctx, schedule, planned, result); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("schedule", schedule.PublicID).
		Int("moved", len(planned)).
		Int("held", held).
		Bool("degraded", degraded).
		Msg("Schedule re-optimized")

	return result, nil
}

// planMove finds a better slot for one proposal. Returns nil to hold. Only
// clean slots count; a move is never allowed to introduce violations.
func (o *Orchestrator) planMove(
	ctx context.Context,
	m *models.ScheduleAssignment,
	profile models.AudienceProfile,
	pref *models.UserSchedulingPreference,
	occupied []*models.ScheduleAssignment,
	windowStart, windowEnd time.Time,
	minImprovement float64,
	degraded bool,
) *models.ScheduleAssignment {
	constraint, err := o.ConstraintFor(m.Platform, m.ContentFormat, pref)
	if err != nil {
		o.log.Warn().Err(err).Uint("assignment", m.ID).Msg("No constraint for assignment, holding")
		return nil
	}

	candidates, err := o.scorer.RankWindow(ctx, scoring.RankRequest{
		Platform:      m.Platform,
		ContentFormat: m.ContentFormat,
		Audience:      profile,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
	}, degraded)
	if err != nil || len(candidates) == 0 {
		return nil
	}

	// Re-score the current slot with today's adjustments so the comparison
	// is fair; the stored score may predate learning.
	currentScore := m.Score
	if s, err := o.scorer.ScoreAt(m.Platform, m.ContentFormat, profile, m.ScheduledFor, degraded); err == nil {
		currentScore = s
	}

	for i := range candidates {
		c := candidates[i]
		if c.At.Equal(m.ScheduledFor) {
			// Best reachable slot is the one it already has.
			return nil
		}
		if slotTaken(c, occupied) {
			continue
		}
		if res := scoring.Evaluate(c, occupied, constraint); !res.IsValid {
			continue
		}
		if c.Score <= currentScore+minImprovement {
			return nil
		}
		return &models.ScheduleAssignment{
			ScheduleID:    m.ScheduleID,
			PostID:        m.PostID,
			UserID:        m.UserID,
			Platform:      m.Platform,
			ContentFormat: m.ContentFormat,
			ScheduledFor:  c.At,
			Score:         c.Score,
			Priority:      m.Priority,
			Status:        models.AssignmentStatusProposed,
		}
	}
	return nil
}

// applyMoves persists the planned moves: each replacement is created, then
// the old proposal is canceled and linked to it.
func (o *Orchestrator) applyMoves(ctx context.Context, schedule *models.Schedule, planned []plannedMove, result *OptimizeResult) error {
	for i, p := range planned {
		if err := o.repo.CreateAssignment(ctx, p.replacement); err != nil {
			return fmt.Errorf("failed to persist replacement for assignment %d: %w", p.old.ID, err)
		}
		p.old.Status = models.AssignmentStatusCanceled
		p.old.StatusReason = "superseded by re-optimization"
		p.old.SupersededBy = &p.replacement.ID
		if err := o.repo.UpdateAssignment(ctx, p.old); err != nil {
			return fmt.Errorf("failed to cancel assignment %d: %w", p.old.ID, err)
		}
		result.Moves[i].NewAssignmentID = p.replacement.ID
	}

	o.refreshScheduleMetrics(ctx, &schedule.ID)
	fresh, err := o.repo.GetScheduleByPublicID(ctx, schedule.PublicID)
	if err == nil {
		result.Schedule = fresh
	}
	return nil
}

// reoptimizeContext assembles the assignments the moves must respect: the
// schedule's own fixed rows plus any other persisted occupying assignments
// near the window, minus the proposals being re-placed.
func (o *Orchestrator) reoptimizeContext(ctx context.Context, schedule *models.Schedule, fixed, movable []*models.ScheduleAssignment) ([]*models.ScheduleAssignment, bool) {
	skip := make(map[uint]bool, len(movable))
	for _, m := range movable {
		skip[m.ID] = true
	}
	seen := make(map[uint]bool, len(fixed))
	occupied := make([]*models.ScheduleAssignment, 0, len(fixed))
	for _, f := range fixed {
		occupied = append(occupied, f)
		seen[f.ID] = true
	}

	history, degraded := o.loadHistory(ctx, GenerateRequest{
		UserID:      schedule.UserID,
		WindowStart: schedule.WindowStart,
		WindowEnd:   schedule.WindowEnd,
	})
	for _, h := range history {
		if skip[h.ID] || seen[h.ID] {
			continue
		}
		occupied = append(occupied, h)
	}
	return occupied, degraded
}

// splitMovable partitions a schedule's assignments into proposals that may
// move and rows that hold their slot.
func splitMovable(schedule *models.Schedule) (movable, fixed []*models.ScheduleAssignment) {
	for i := range schedule.Assignments {
		a := &schedule.Assignments[i]
		switch {
		case a.Status.Movable():
			movable = append(movable, a)
		case a.Status.Occupies():
			fixed = append(fixed, a)
		}
	}
	return movable, fixed
}

func assignmentPlatforms(assignments []*models.ScheduleAssignment) []models.Platform {
	seen := make(map[models.Platform]bool)
	var out []models.Platform
	for _, a := range assignments {
		if !seen[a.Platform] {
			seen[a.Platform] = true
			out = append(out, a.Platform)
		}
	}
	return out
}
