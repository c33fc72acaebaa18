package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/priors"
	"github.com/timing-engine/pkg/logger"
)

// fixturePriors serves a fixed prior for every segment of one platform and
// format, and a ConfigurationError for everything else.
type fixturePriors struct {
	platform models.Platform
	format   models.ContentFormat
	prior    *models.PlatformTimingPrior
}

func (f *fixturePriors) Prior(platform models.Platform, format models.ContentFormat, segment string) (*models.PlatformTimingPrior, error) {
	if platform != f.platform || format != f.format {
		return nil, &priors.ConfigurationError{Platform: string(platform), Format: string(format), Reason: "not in fixture"}
	}
	return f.prior.Clone(), nil
}

// staticAdjustments returns a fixed delta per signature key.
type staticAdjustments map[string]float64

func (s staticAdjustments) Adjustment(sig models.SlotSignature) float64 {
	return s[sig.Key()]
}

func wednesdayPeakPrior() *models.PlatformTimingPrior {
	p := &models.PlatformTimingPrior{
		Platform:        models.PlatformLinkedIn,
		ContentFormat:   models.ContentFormatText,
		AudienceSegment: models.DefaultSegment,
		ContentModifier: 1,
	}
	for d := 0; d < 7; d++ {
		for h := 0; h < 24; h++ {
			p.Heatmap[d][h] = 0.2
		}
	}
	p.Heatmap[int(time.Wednesday)][16] = 0.95
	return p
}

func testScorer(prior *models.PlatformTimingPrior, adj AdjustmentSource) *Scorer {
	src := &fixturePriors{platform: prior.Platform, format: prior.ContentFormat, prior: prior}
	cfg := config.ScoringConfig{SlotGranularity: time.Hour, Workers: 4, DefaultLimit: 10}
	return NewScorer(src, adj, cfg, 1, logger.Nop())
}

func TestScoreStaysInRange(t *testing.T) {
	t.Parallel()

	prior := wednesdayPeakPrior()
	prior.ContentModifier = 3 // hostile catalog data
	profile := models.DefaultAudienceProfile()
	at := time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC)

	if got := Score(prior, profile, 5, at); got != 1 {
		t.Errorf("score with huge adjustment = %g, want clamped to 1", got)
	}
	if got := Score(prior, profile, -5, at); got != 0 {
		t.Errorf("score with huge negative adjustment = %g, want clamped to 0", got)
	}
	for h := 0; h < 24; h++ {
		at := time.Date(2026, 3, 4, h, 0, 0, 0, time.UTC)
		if got := Score(prior, profile, 0.1, at); got < 0 || got > 1 {
			t.Fatalf("score at %02dh = %g out of range", h, got)
		}
	}
}

func TestRankWindowPrefersWednesdayPeak(t *testing.T) {
	t.Parallel()

	s := testScorer(wednesdayPeakPrior(), nil)
	// Window covering 2026-03-02 (Mon) .. 2026-03-09: contains Wed 16:00.
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	slots, err := s.RankWindow(context.Background(), RankRequest{
		Platform:      models.PlatformLinkedIn,
		ContentFormat: models.ContentFormatText,
		Audience:      models.DefaultAudienceProfile(),
		WindowStart:   start,
		WindowEnd:     start.AddDate(0, 0, 7),
		Limit:         5,
	}, false)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(slots) != 5 {
		t.Fatalf("got %d slots, want 5", len(slots))
	}
	best := slots[0]
	if best.At.Weekday() != time.Wednesday || best.At.Hour() != 16 {
		t.Fatalf("best slot = %v, want wednesday 16:00", best.At)
	}
	for i := 1; i < len(slots); i++ {
		if slots[i].Score > slots[i-1].Score {
			t.Fatalf("ranking not descending at %d", i)
		}
	}
}

func TestRankWindowTieBreaksEarlier(t *testing.T) {
	t.Parallel()

	// Flat heatmap: every slot scores identically.
	prior := wednesdayPeakPrior()
	prior.Heatmap[int(time.Wednesday)][16] = 0.2
	s := testScorer(prior, nil)

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	slots, err := s.RankWindow(context.Background(), RankRequest{
		Platform:      models.PlatformLinkedIn,
		ContentFormat: models.ContentFormatText,
		WindowStart:   start,
		WindowEnd:     start.Add(12 * time.Hour),
	}, false)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	for i := 1; i < len(slots); i++ {
		if !slots[i-1].At.Before(slots[i].At) {
			t.Fatalf("equal scores must rank by earliest time, broken at %d: %v then %v",
				i, slots[i-1].At, slots[i].At)
		}
	}
}

func TestRankWindowDeterministic(t *testing.T) {
	t.Parallel()

	s := testScorer(wednesdayPeakPrior(), staticAdjustments{})
	req := RankRequest{
		Platform:      models.PlatformLinkedIn,
		ContentFormat: models.ContentFormatText,
		Audience: models.AudienceProfile{
			Timezones: map[string]float64{"America/New_York": 0.6, "Europe/Berlin": 0.4},
			Devices:   map[string]float64{models.DeviceMobile: 0.7, models.DeviceDesktop: 0.3},
		},
		WindowStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	first, err := s.RankWindow(context.Background(), req, false)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	second, err := s.RankWindow(context.Background(), req, false)
	if err != nil {
		t.Fatalf("rank again: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].At.Equal(second[i].At) || first[i].Score != second[i].Score {
			t.Fatalf("run diverged at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestScoreAppliesLearnedAdjustment(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 4, 16, 0, 0, 0, time.UTC) // wednesday peak
	sig := models.SignatureFor(models.PlatformLinkedIn, models.ContentFormatText, at, 1)
	adj := staticAdjustments{sig.Key(): -0.3}
	s := testScorer(wednesdayPeakPrior(), adj)

	withAdj, err := s.ScoreAt(models.PlatformLinkedIn, models.ContentFormatText, models.DefaultAudienceProfile(), at, false)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	degraded, err := s.ScoreAt(models.PlatformLinkedIn, models.ContentFormatText, models.DefaultAudienceProfile(), at, true)
	if err != nil {
		t.Fatalf("degraded score: %v", err)
	}
	if withAdj >= degraded {
		t.Fatalf("negative adjustment should lower the score: adjusted %g vs prior-only %g", withAdj, degraded)
	}
	if diff := degraded - withAdj; diff < 0.29 || diff > 0.31 {
		t.Fatalf("adjustment delta = %g, want ~0.3", diff)
	}
}

func TestScoreAudienceTimezoneShift(t *testing.T) {
	t.Parallel()

	prior := wednesdayPeakPrior()
	// 16:00 New York is 21:00 UTC in March (DST starts Mar 8; Mar 4 is EST, UTC-5).
	utc2100 := time.Date(2026, 3, 4, 21, 0, 0, 0, time.UTC)

	nyProfile := models.AudienceProfile{Timezones: map[string]float64{"America/New_York": 1}}
	utcProfile := models.AudienceProfile{Timezones: map[string]float64{"UTC": 1}}

	nyScore := Score(prior, nyProfile, 0, utc2100)
	utcScore := Score(prior, utcProfile, 0, utc2100)
	if nyScore <= utcScore {
		t.Fatalf("21:00 UTC is the NY peak hour; ny=%g should beat utc=%g", nyScore, utcScore)
	}
}

func TestRankWindowUnknownPlatform(t *testing.T) {
	t.Parallel()

	s := testScorer(wednesdayPeakPrior(), nil)
	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	_, err := s.RankWindow(context.Background(), RankRequest{
		Platform:      "myspace",
		ContentFormat: models.ContentFormatText,
		WindowStart:   start,
		WindowEnd:     start.Add(24 * time.Hour),
	}, false)
	if !priors.IsConfigurationError(err) {
		t.Fatalf("err = %v, want ConfigurationError", err)
	}
}

func TestRankWindowRejectsEmptyWindow(t *testing.T) {
	t.Parallel()

	s := testScorer(wednesdayPeakPrior(), nil)
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if _, err := s.RankWindow(context.Background(), RankRequest{
		Platform:      models.PlatformLinkedIn,
		ContentFormat: models.ContentFormatText,
		WindowStart:   at,
		WindowEnd:     at,
	}, false); err == nil {
		t.Fatal("zero-length window must error")
	}
}
