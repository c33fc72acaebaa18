package scoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/pkg/logger"
)

// PriorSource resolves timing priors per audience segment. The prior store
// implements it; tests substitute fixtures.
type PriorSource interface {
	Prior(platform models.Platform, format models.ContentFormat, segment string) (*models.PlatformTimingPrior, error)
}

// AdjustmentSource supplies the learned score delta for a slot signature.
// The online learner implements it; a nil source scores from priors alone.
type AdjustmentSource interface {
	Adjustment(signature models.SlotSignature) float64
}

// Scorer turns timing priors, audience profiles, and learned adjustments
// into slot scores. Scoring itself is pure; the scorer only carries its
// collaborators and tuning.
type Scorer struct {
	priors      PriorSource
	adjustments AdjustmentSource
	cfg         config.ScoringConfig
	bucketHours int
	log         *logger.Logger
}

// NewScorer creates a scorer. adjustments may be nil for prior-only scoring.
func NewScorer(priors PriorSource, adjustments AdjustmentSource, cfg config.ScoringConfig, bucketHours int, log *logger.Logger) *Scorer {
	return &Scorer{
		priors:      priors,
		adjustments: adjustments,
		cfg:         cfg,
		bucketHours: bucketHours,
		log:         log.WithComponent("scorer"),
	}
}

// Score combines one prior with an audience profile and a learned adjustment
// into a final score for posting at t. Pure, result always in [0,1].
//
// The heatmap is consulted once per audience timezone at that timezone's
// local weekday/hour, weighted by the timezone's share of the audience. The
// format modifier multiplies, the device split averages the prior's device
// multipliers, the learned adjustment adds, and the sum is clamped.
func Score(prior *models.PlatformTimingPrior, profile models.AudienceProfile, adjustment float64, t time.Time) float64 {
	return clamp01(baseScore(prior, profile, t) + adjustment)
}

func baseScore(prior *models.PlatformTimingPrior, profile models.AudienceProfile, t time.Time) float64 {
	affinity := 0.0
	if len(profile.Timezones) == 0 {
		affinity = prior.Affinity(t.UTC().Weekday(), t.UTC().Hour())
	} else {
		for zone, weight := range profile.Timezones {
			local := t
			if loc, err := time.LoadLocation(zone); err == nil {
				local = t.In(loc)
			}
			affinity += weight * prior.Affinity(local.Weekday(), local.Hour())
		}
	}

	device := 1.0
	if len(profile.Devices) > 0 {
		device = 0
		for class, weight := range profile.Devices {
			device += weight * prior.DeviceMultiplier(class)
		}
	}

	return affinity * prior.ContentModifier * device
}

// ScoreAt scores posting at t for a platform/format, blending priors across
// the profile's audience segments by their weights. Degraded mode skips the
// learned adjustment. A missing platform or format propagates as a
// ConfigurationError from the prior source.
func (s *Scorer) ScoreAt(platform models.Platform, format models.ContentFormat, profile models.AudienceProfile, t time.Time, degraded bool) (float64, error) {
	profile.Normalize()
	segPriors, err := s.segmentPriors(platform, format, profile)
	if err != nil {
		return 0, err
	}
	return s.scoreResolved(segPriors, profile, t, degraded), nil
}

// segmentPriors resolves the prior for every weighted segment up front so a
// catalog hole surfaces before any scoring work happens.
func (s *Scorer) segmentPriors(platform models.Platform, format models.ContentFormat, profile models.AudienceProfile) (map[string]*models.PlatformTimingPrior, error) {
	segments := profile.Segments
	if len(segments) == 0 {
		segments = map[string]float64{models.DefaultSegment: 1}
	}
	out := make(map[string]*models.PlatformTimingPrior, len(segments))
	for segment := range segments {
		p, err := s.priors.Prior(platform, format, segment)
		if err != nil {
			return nil, err
		}
		out[segment] = p
	}
	return out, nil
}

func (s *Scorer) scoreResolved(segPriors map[string]*models.PlatformTimingPrior, profile models.AudienceProfile, t time.Time, degraded bool) float64 {
	segments := profile.Segments
	if len(segments) == 0 {
		segments = map[string]float64{models.DefaultSegment: 1}
	}

	base := 0.0
	for segment, weight := range segments {
		prior, ok := segPriors[segment]
		if !ok {
			continue
		}
		base += weight * baseScore(prior, profile, t)
	}

	adjustment := 0.0
	if !degraded && s.adjustments != nil {
		// Signature identity always uses the first resolved prior's
		// platform/format pair; they are identical across segments.
		for _, prior := range segPriors {
			sig := models.SignatureFor(prior.Platform, prior.ContentFormat, t, s.bucketHours)
			adjustment = s.adjustments.Adjustment(sig)
			break
		}
	}

	return clamp01(base + adjustment)
}

// RankRequest describes one candidate window to score and rank.
type RankRequest struct {
	Platform      models.Platform
	ContentFormat models.ContentFormat
	Audience      models.AudienceProfile
	WindowStart   time.Time
	WindowEnd     time.Time
	Limit         int
}

// RankWindow enumerates candidate slots across the window at the configured
// granularity, scores them concurrently, and returns them ordered best
// first. Ties in score break toward the earlier slot, so identical inputs
// always rank identically.
func (s *Scorer) RankWindow(ctx context.Context, req RankRequest, degraded bool) ([]models.CandidateSlot, error) {
	if !req.WindowEnd.After(req.WindowStart) {
		return nil, fmt.Errorf("scoring window end %s is not after start %s", req.WindowEnd, req.WindowStart)
	}

	profile := req.Audience
	profile.Normalize()

	segPriors, err := s.segmentPriors(req.Platform, req.ContentFormat, profile)
	if err != nil {
		return nil, err
	}

	times := s.candidateTimes(req.WindowStart, req.WindowEnd)
	if len(times) == 0 {
		return nil, nil
	}

	slots := make([]models.CandidateSlot, len(times))
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(times) {
		workers = len(times)
	}
	chunk := (len(times) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(times) {
			hi = len(times)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if ctx.Err() != nil {
					return
				}
				slots[i] = models.CandidateSlot{
					Platform:      req.Platform,
					ContentFormat: req.ContentFormat,
					At:            times[i],
					Score:         s.scoreResolved(segPriors, profile, times[i], degraded),
				}
			}
		}(lo, hi)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(slots, func(i, j int) bool {
		if slots[i].Score != slots[j].Score {
			return slots[i].Score > slots[j].Score
		}
		return slots[i].At.Before(slots[j].At)
	})

	if req.Limit > 0 && len(slots) > req.Limit {
		slots = slots[:req.Limit]
	}
	return slots, nil
}

// candidateTimes yields slot times aligned to the granularity, first slot at
// or after the window start, last strictly before the window end.
func (s *Scorer) candidateTimes(start, end time.Time) []time.Time {
	gran := s.cfg.SlotGranularity
	if gran <= 0 {
		gran = time.Hour
	}
	first := start.Truncate(gran)
	if first.Before(start) {
		first = first.Add(gran)
	}
	var out []time.Time
	for t := first; t.Before(end); t = t.Add(gran) {
		out = append(out, t)
	}
	return out
}

// CandidateCount reports how many slots RankWindow would score for the
// window, so callers can surface the work behind a ranking.
func (s *Scorer) CandidateCount(start, end time.Time) int {
	return len(s.candidateTimes(start, end))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
