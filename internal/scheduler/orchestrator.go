package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/learning"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/priors"
	"github.com/timing-engine/internal/scoring"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/pkg/logger"
)

// Orchestrator owns schedule generation, re-optimization, and the assignment
// lifecycle. Work on the same platform serializes through per-platform
// locks; disjoint platforms schedule in parallel.
type Orchestrator struct {
	repo    storage.Repository
	scorer  *scoring.Scorer
	priors  *priors.Store
	learner *learning.Learner
	cfg     config.SchedulingConfig
	log     *logger.Logger

	lockMu        sync.Mutex
	platformLocks map[models.Platform]*sync.Mutex
}

// New creates an orchestrator.
func New(
	repo storage.Repository,
	scorer *scoring.Scorer,
	store *priors.Store,
	learner *learning.Learner,
	cfg config.SchedulingConfig,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:          repo,
		scorer:        scorer,
		priors:        store,
		learner:       learner,
		cfg:           cfg,
		log:           log.WithComponent("orchestrator"),
		platformLocks: make(map[models.Platform]*sync.Mutex),
	}
}

// PostRequest is one piece of content to place.
type PostRequest struct {
	PostID        string
	Platform      models.Platform
	ContentFormat models.ContentFormat
	// Priority orders placement: higher goes first, ties keep request order.
	Priority int
	// NotBefore/NotAfter narrow the schedule window for this post only.
	NotBefore *time.Time
	NotAfter  *time.Time
}

// GenerateRequest is a batch scheduling request.
type GenerateRequest struct {
	UserID      string
	Posts       []PostRequest
	WindowStart time.Time
	WindowEnd   time.Time
	// Audience overrides the user's stored profile for this batch.
	Audience *models.AudienceProfile
	// IdempotencyKey makes the call replay-safe; empty disables replay.
	IdempotencyKey string
}

// UnplacedPost names a post the batch could not place and why.
type UnplacedPost struct {
	PostID string `json:"post_id"`
	Reason string `json:"reason"`
}

// GenerateResult is the outcome of one batch run.
type GenerateResult struct {
	Schedule    *models.Schedule
	Assignments []*models.ScheduleAssignment
	Unplaced    []UnplacedPost
	// Degraded is set when persistence timed out and scheduling ran on
	// priors alone, without learned adjustments or stored history.
	Degraded bool
	// Replayed is set when the idempotency key matched an existing
	// schedule, which is returned unchanged.
	Replayed bool
}

// GenerateSchedule places a batch of posts into the window. Posts that
// cannot be placed come back in Unplaced with a reason; the call fails
// outright only for malformed requests or when writing results fails.
func (o *Orchestrator) GenerateSchedule(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if len(req.Posts) == 0 {
		return nil, fmt.Errorf("schedule request has no posts")
	}
	if !req.WindowEnd.After(req.WindowStart) {
		return nil, fmt.Errorf("schedule window end %s is not after start %s", req.WindowEnd, req.WindowStart)
	}

	if req.IdempotencyKey != "" {
		if existing, err := o.repo.GetScheduleByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
			o.log.Info().Str("schedule", existing.PublicID).Msg("Idempotent replay, returning stored schedule")
			return replayResult(existing), nil
		}
	}

	log := o.log.WithUser(req.UserID)
	start := time.Now()

	unlock := o.lockPlatforms(platformsOf(req.Posts))
	defer unlock()

	degraded := false
	pref := o.loadPreference(ctx, req.UserID, &degraded)
	profile := o.resolveAudience(req.Audience, pref)

	existing, histDegraded := o.loadHistory(ctx, req)
	degraded = degraded || histDegraded

	placed, unplaced := o.placeBatch(ctx, req, profile, pref, existing, degraded)

	schedule := o.buildSchedule(req, placed, unplaced, degraded)
	if err := o.persistSchedule(ctx, schedule, placed); err != nil {
		// A concurrent request may have won the idempotency race; replay
		// its result instead of failing.
		if req.IdempotencyKey != "" {
			if stored, lookupErr := o.repo.GetScheduleByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); lookupErr == nil {
				return replayResult(stored), nil
			}
		}
		return nil, err
	}

	log.Info().
		Str("schedule", schedule.PublicID).
		Int("requested", len(req.Posts)).
		Int("placed", len(placed)).
		Int("unplaced", len(unplaced)).
		Bool("degraded", degraded).
		Dur("took", time.Since(start)).
		Msg("Schedule generated")

	return &GenerateResult{
		Schedule:    schedule,
		Assignments: placed,
		Unplaced:    unplaced,
		Degraded:    degraded,
	}, nil
}

func replayResult(s *models.Schedule) *GenerateResult {
	assignments := make([]*models.ScheduleAssignment, len(s.Assignments))
	for i := range s.Assignments {
		assignments[i] = &s.Assignments[i]
	}
	return &GenerateResult{
		Schedule:    s,
		Assignments: assignments,
		Degraded:    s.Degraded,
		Replayed:    true,
	}
}

// loadPreference fetches the user's overrides; a miss is fine, a timeout
// flips the batch into degraded mode.
func (o *Orchestrator) loadPreference(ctx context.Context, userID string, degraded *bool) *models.UserSchedulingPreference {
	if userID == "" {
		return nil
	}
	tctx, cancel := context.WithTimeout(ctx, o.cfg.PersistenceTimeout)
	defer cancel()
	pref, err := o.repo.GetPreference(tctx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			*degraded = true
		}
		return nil
	}
	return pref
}

func (o *Orchestrator) resolveAudience(override *models.AudienceProfile, pref *models.UserSchedulingPreference) models.AudienceProfile {
	if override != nil {
		p := *override
		p.Normalize()
		return p
	}
	if pref != nil && !pref.Audience.Empty() {
		p := pref.Audience.Profile()
		p.Normalize()
		return p
	}
	return models.DefaultAudienceProfile()
}

// loadHistory pulls the persisted assignments the new batch must respect:
// everything occupying a slot from one frequency window before the start to
// one spacing gap after the end. On timeout it returns nothing and reports
// degradation; the batch then only self-checks.
func (o *Orchestrator) loadHistory(ctx context.Context, req GenerateRequest) ([]*models.ScheduleAssignment, bool) {
	from := req.WindowStart.Add(-o.cfg.FrequencyWindow)
	to := req.WindowEnd.Add(o.cfg.FrequencyWindow)

	tctx, cancel := context.WithTimeout(ctx, o.cfg.PersistenceTimeout)
	defer cancel()

	filter := storage.AssignmentFilter{
		From: &from,
		To:   &to,
		Statuses: []models.AssignmentStatus{
			models.AssignmentStatusProposed,
			models.AssignmentStatusConfirmed,
			models.AssignmentStatusPosted,
		},
	}
	if req.UserID != "" {
		filter.UserID = &req.UserID
	}
	existing, err := o.repo.ListAssignments(tctx, filter)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tctx.Err(), context.DeadlineExceeded) {
			o.log.Warn().Err(err).Msg("History read timed out, degrading to prior-only scheduling")
			return nil, true
		}
		o.log.Warn().Err(err).Msg("History read failed, proceeding without stored context")
		return nil, true
	}
	return existing, false
}

// placeBatch assigns every post greedily: urgent first, each into its best
// clean slot given history plus what the batch already placed, falling back
// to the least-violating slot when nothing clean remains.
func (o *Orchestrator) placeBatch(ctx context.Context, req GenerateRequest, profile models.AudienceProfile, pref *models.UserSchedulingPreference, existing []*models.ScheduleAssignment, degraded bool) ([]*models.ScheduleAssignment, []UnplacedPost) {
	order := make([]int, len(req.Posts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return req.Posts[order[a]].Priority > req.Posts[order[b]].Priority
	})

	var placed []*models.ScheduleAssignment
	var unplaced []UnplacedPost
	occupied := existing

	for _, idx := range order {
		post := req.Posts[idx]
		assignment, reason := o.placeOne(ctx, post, req, profile, pref, occupied, degraded)
		if assignment == nil {
			unplaced = append(unplaced, UnplacedPost{PostID: post.PostID, Reason: reason})
			continue
		}
		placed = append(placed, assignment)
		occupied = append(occupied, assignment)
	}
	return placed, unplaced
}

// placeOne picks the slot for a single post. Returns nil and a reason when
// the post cannot be placed at all.
func (o *Orchestrator) placeOne(ctx context.Context, post PostRequest, req GenerateRequest, profile models.AudienceProfile, pref *models.UserSchedulingPreference, existing []*models.ScheduleAssignment, degraded bool) (*models.ScheduleAssignment, string) {
	windowStart, windowEnd := post.window(req.WindowStart, req.WindowEnd)
	if !windowEnd.After(windowStart) {
		return nil, "post window is empty after applying not_before/not_after"
	}

	constraint, err := o.ConstraintFor(post.Platform, post.ContentFormat, pref)
	if err != nil {
		return nil, err.Error()
	}

	candidates, err := o.scorer.RankWindow(ctx, scoring.RankRequest{
		Platform:      post.Platform,
		ContentFormat: post.ContentFormat,
		Audience:      profile,
		WindowStart:   windowStart,
		WindowEnd:     windowEnd,
	}, degraded)
	if err != nil {
		return nil, err.Error()
	}
	if len(candidates) == 0 {
		return nil, "window yields no candidate slots"
	}

	slot, violations := chooseSlot(candidates, existing, constraint)
	if slot == nil {
		return nil, "every candidate slot is already taken"
	}

	return &models.ScheduleAssignment{
		PostID:        post.PostID,
		UserID:        req.UserID,
		Platform:      post.Platform,
		ContentFormat: post.ContentFormat,
		ScheduledFor:  slot.At,
		Score:         slot.Score,
		Priority:      post.Priority,
		Status:        models.AssignmentStatusProposed,
		Violations:    violations,
	}, ""
}

// chooseSlot walks candidates in rank order and returns the first clean one.
// With no clean slot it falls back to the least-violating candidate (fewest
// violations, then best rank) and returns its violations for flagging.
// Exact-slot collisions on the same platform are never eligible, even as a
// fallback.
func chooseSlot(candidates []models.CandidateSlot, existing []*models.ScheduleAssignment, constraint models.SchedulingConstraint) (*models.CandidateSlot, models.Violations) {
	var fallback *models.CandidateSlot
	var fallbackViolations models.Violations

	for i := range candidates {
		c := candidates[i]
		if slotTaken(c, existing) {
			continue
		}
		res := scoring.Evaluate(c, existing, constraint)
		if res.IsValid {
			return &candidates[i], nil
		}
		if fallback == nil || len(res.Violations) < len(fallbackViolations) {
			fallback = &candidates[i]
			fallbackViolations = res.Violations
		}
	}
	return fallback, fallbackViolations
}

// slotTaken reports an exact same-platform slot collision.
func slotTaken(c models.CandidateSlot, existing []*models.ScheduleAssignment) bool {
	for _, a := range existing {
		if a.Platform == c.Platform && a.Status.Occupies() && a.ScheduledFor.Equal(c.At) {
			return true
		}
	}
	return false
}

// ConstraintFor merges platform prior rules with the user's overrides.
func (o *Orchestrator) ConstraintFor(platform models.Platform, format models.ContentFormat, pref *models.UserSchedulingPreference) (models.SchedulingConstraint, error) {
	prior, err := o.priors.Prior(platform, format, models.DefaultSegment)
	if err != nil {
		return models.SchedulingConstraint{}, err
	}

	minGap := o.cfg.DefaultMinGap
	if pref != nil && pref.MinGapHours > 0 {
		minGap = time.Duration(pref.MinGapHours * float64(time.Hour))
	}
	blackouts := append(models.BlackoutWindows{}, prior.Blackouts...)
	if pref != nil {
		blackouts = append(blackouts, pref.Blackouts...)
	}
	maxPerWindow := prior.MaxPerWeek
	if pref != nil {
		maxPerWindow = pref.EffectiveMaxPerWeek(prior.MaxPerWeek)
	}

	constraint, err := models.NewSchedulingConstraint(minGap, maxPerWindow, o.cfg.FrequencyWindow, blackouts)
	if err != nil {
		return models.SchedulingConstraint{}, fmt.Errorf("invalid constraint for %s/%s: %w", platform, format, err)
	}
	if pref != nil {
		constraint.QualityFloor = pref.QualityFloor
	}
	return constraint, nil
}

func (o *Orchestrator) buildSchedule(req GenerateRequest, placed []*models.ScheduleAssignment, unplaced []UnplacedPost, degraded bool) *models.Schedule {
	schedule := &models.Schedule{
		PublicID:    uuid.NewString(),
		UserID:      req.UserID,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Requested:   len(req.Posts),
		Placed:      len(placed),
		Unplaced:    len(unplaced),
		Degraded:    degraded,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		schedule.IdempotencyKey = &key
	}
	schedule.Flagged = 0
	for _, a := range placed {
		if a.Flagged() {
			schedule.Flagged++
		}
	}
	applyMetrics(schedule, placed)
	return schedule
}

// applyMetrics recomputes the batch quality metrics from the active
// assignment set.
func applyMetrics(schedule *models.Schedule, assignments []*models.ScheduleAssignment) {
	hours := schedule.WindowEnd.Sub(schedule.WindowStart).Hours()
	active := 0
	clean := 0
	scoreSum := 0.0
	for _, a := range assignments {
		if !a.Status.Occupies() {
			continue
		}
		active++
		scoreSum += a.Score
		if !a.Flagged() {
			clean++
		}
	}
	schedule.ProjectedThroughput = 0
	if hours > 0 {
		schedule.ProjectedThroughput = float64(active) / hours
	}
	schedule.QuotaCompliance = 0
	schedule.ScheduleAdherence = 0
	if active > 0 {
		schedule.QuotaCompliance = float64(clean) / float64(active)
		schedule.ScheduleAdherence = scoreSum / float64(active)
	}
}

func (o *Orchestrator) persistSchedule(ctx context.Context, schedule *models.Schedule, placed []*models.ScheduleAssignment) error {
	if err := o.repo.CreateSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("failed to persist schedule: %w", err)
	}
	for _, a := range placed {
		a.ScheduleID = &schedule.ID
		if err := o.repo.CreateAssignment(ctx, a); err != nil {
			return fmt.Errorf("failed to persist assignment for post %s: %w", a.PostID, err)
		}
	}
	return nil
}

func (p PostRequest) window(start, end time.Time) (time.Time, time.Time) {
	if p.NotBefore != nil && p.NotBefore.After(start) {
		start = *p.NotBefore
	}
	if p.NotAfter != nil && p.NotAfter.Before(end) {
		end = *p.NotAfter
	}
	return start, end
}

func platformsOf(posts []PostRequest) []models.Platform {
	seen := make(map[models.Platform]bool)
	var out []models.Platform
	for _, p := range posts {
		if !seen[p.Platform] {
			seen[p.Platform] = true
			out = append(out, p.Platform)
		}
	}
	return out
}

// lockPlatforms takes the per-platform locks in sorted order (avoiding
// deadlock against concurrent batches) and returns the matching unlock.
func (o *Orchestrator) lockPlatforms(platforms []models.Platform) func() {
	sorted := append([]models.Platform(nil), platforms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, p := range sorted {
		locks = append(locks, o.platformLock(p))
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func (o *Orchestrator) platformLock(p models.Platform) *sync.Mutex {
	o.lockMu.Lock()
	defer o.lockMu.Unlock()
	lock, ok := o.platformLocks[p]
	if !ok {
		lock = &sync.Mutex{}
		o.platformLocks[p] = lock
	}
	return lock
}
