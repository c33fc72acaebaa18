package learning

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/pkg/logger"
)

// inMemStore is an EventStore backed by a slice.
type inMemStore struct {
	mu     sync.Mutex
	events []*models.LearningEvent
	err    error
}

func (s *inMemStore) AppendLearningEvent(ctx context.Context, event *models.LearningEvent) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *inMemStore) ListLearningEvents(ctx context.Context, filter storage.LearningEventFilter) ([]*models.LearningEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.LearningEvent, len(s.events))
	copy(out, s.events)
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func testConfig() config.LearningConfig {
	return config.LearningConfig{
		LearningRate:    0.2,
		MinSampleSize:   3,
		MetricBaseline:  0,
		MetricCeiling:   0.1,
		NeutralPoint:    0.5,
		HourBucketHours: 1,
		MaxAdjustment:   0.25,
	}
}

func testSignature() models.SlotSignature {
	return models.SlotSignature{
		Platform:      models.PlatformLinkedIn,
		ContentFormat: models.ContentFormatText,
		Day:           time.Wednesday,
		HourBucket:    16,
	}
}

func TestAdjustmentZeroWithoutSamples(t *testing.T) {
	t.Parallel()

	l := NewLearner(&inMemStore{}, testConfig(), logger.Nop())
	if got := l.Adjustment(testSignature()); got != 0 {
		t.Fatalf("cold signature adjustment = %g, want exactly 0", got)
	}
}

func TestAdjustmentZeroBelowMinSamples(t *testing.T) {
	t.Parallel()

	l := NewLearner(&inMemStore{}, testConfig(), logger.Nop())
	sig := testSignature()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Metric: "engagement_rate", Observed: 0.1}); err != nil {
			t.Fatalf("record: %v", err)
		}
		if got := l.Adjustment(sig); got != 0 {
			t.Fatalf("adjustment after %d samples = %g, want exactly 0 below min sample size", i+1, got)
		}
	}

	if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Metric: "engagement_rate", Observed: 0.1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := l.Adjustment(sig); got <= 0 {
		t.Fatalf("adjustment at min sample size = %g, want positive", got)
	}
}

func TestAdjustmentMonotonicUnderPositiveOutcomes(t *testing.T) {
	t.Parallel()

	l := NewLearner(&inMemStore{}, testConfig(), logger.Nop())
	sig := testSignature()
	ctx := context.Background()

	prev := 0.0
	for i := 0; i < 12; i++ {
		if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Metric: "engagement_rate", Observed: 0.1}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		got := l.Adjustment(sig)
		if got < prev {
			t.Fatalf("adjustment regressed at sample %d: %g after %g", i+1, got, prev)
		}
		prev = got
	}
	if prev != 0.25 {
		t.Fatalf("sustained ceiling outcomes should saturate at the clip: got %g, want 0.25", prev)
	}
}

func TestAdjustmentNegativeUnderWeakOutcomes(t *testing.T) {
	t.Parallel()

	l := NewLearner(&inMemStore{}, testConfig(), logger.Nop())
	sig := testSignature()
	ctx := context.Background()

	// Observations at the baseline normalize to -neutral: the slot is
	// underperforming and the adjustment goes negative.
	for i := 0; i < 6; i++ {
		if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Metric: "engagement_rate", Observed: 0}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if got := l.Adjustment(sig); got >= 0 {
		t.Fatalf("adjustment after weak outcomes = %g, want negative", got)
	}
}

func TestSampleWeightAcceleratesLearning(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinSampleSize = 1
	light := NewLearner(&inMemStore{}, cfg, logger.Nop())
	heavy := NewLearner(&inMemStore{}, cfg, logger.Nop())
	sig := testSignature()
	ctx := context.Background()

	if _, err := light.RecordOutcome(ctx, Outcome{Signature: sig, Observed: 0.1, SampleWeight: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := heavy.RecordOutcome(ctx, Outcome{Signature: sig, Observed: 0.1, SampleWeight: 3}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if light.Adjustment(sig) >= heavy.Adjustment(sig) {
		t.Fatalf("weight 3 should move the estimate further: light %g, heavy %g",
			light.Adjustment(sig), heavy.Adjustment(sig))
	}
}

func TestRecordOutcomePersistenceFailureLeavesEstimate(t *testing.T) {
	t.Parallel()

	store := &inMemStore{}
	l := NewLearner(store, testConfig(), logger.Nop())
	sig := testSignature()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Observed: 0.1}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	before := l.Adjustment(sig)

	store.err = errors.New("disk full")
	if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Observed: 0.1}); err == nil {
		t.Fatal("append failure must surface")
	}
	if got := l.Adjustment(sig); got != before {
		t.Fatalf("estimate moved despite failed append: %g vs %g", got, before)
	}
	if got := l.SampleCount(sig); got != 4 {
		t.Fatalf("sample count = %d, want 4", got)
	}
}

func TestRebuildReproducesOnlineEstimates(t *testing.T) {
	t.Parallel()

	store := &inMemStore{}
	online := NewLearner(store, testConfig(), logger.Nop())
	ctx := context.Background()

	sigA := testSignature()
	sigB := models.SlotSignature{
		Platform:      models.PlatformInstagram,
		ContentFormat: models.ContentFormatImage,
		Day:           time.Saturday,
		HourBucket:    20,
	}
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	outcomes := []Outcome{
		{Signature: sigA, Observed: 0.08, SampleWeight: 1, RecordedAt: base},
		{Signature: sigB, Observed: 0.01, SampleWeight: 2, RecordedAt: base.Add(time.Hour)},
		{Signature: sigA, Observed: 0.1, SampleWeight: 1, RecordedAt: base.Add(2 * time.Hour)},
		{Signature: sigA, Observed: 0.02, SampleWeight: 0.5, RecordedAt: base.Add(3 * time.Hour)},
		{Signature: sigB, Observed: 0.0, SampleWeight: 1, RecordedAt: base.Add(4 * time.Hour)},
		{Signature: sigA, Observed: 0.09, SampleWeight: 1, RecordedAt: base.Add(5 * time.Hour)},
		{Signature: sigB, Observed: 0.03, SampleWeight: 1, RecordedAt: base.Add(6 * time.Hour)},
	}
	for i, o := range outcomes {
		if _, err := online.RecordOutcome(ctx, o); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	rebuilt := NewLearner(store, testConfig(), logger.Nop())
	if err := rebuilt.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	for _, sig := range []models.SlotSignature{sigA, sigB} {
		if got, want := rebuilt.Adjustment(sig), online.Adjustment(sig); got != want {
			t.Errorf("%s: rebuilt adjustment %g != online %g", sig.Key(), got, want)
		}
		if got, want := rebuilt.SampleCount(sig), online.SampleCount(sig); got != want {
			t.Errorf("%s: rebuilt samples %d != online %d", sig.Key(), got, want)
		}
	}
	if rebuilt.Signatures() != 2 {
		t.Errorf("signatures = %d, want 2", rebuilt.Signatures())
	}
}

func TestRecordOutcomeConcurrentSameSignature(t *testing.T) {
	t.Parallel()

	l := NewLearner(&inMemStore{}, testConfig(), logger.Nop())
	sig := testSignature()
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, err := l.RecordOutcome(ctx, Outcome{Signature: sig, Observed: 0.05}); err != nil {
					t.Errorf("record: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := l.SampleCount(sig); got != 100 {
		t.Fatalf("samples = %d, want 100", got)
	}
	if got := l.Adjustment(sig); got < -0.25 || got > 0.25 {
		t.Fatalf("adjustment %g escaped the clip range", got)
	}
}
