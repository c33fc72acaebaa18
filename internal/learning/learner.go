package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/pkg/logger"
)

// EventStore is the slice of the repository the learner needs: an append-only
// event log it writes through to and replays from.
type EventStore interface {
	AppendLearningEvent(ctx context.Context, event *models.LearningEvent) error
	ListLearningEvents(ctx context.Context, filter storage.LearningEventFilter) ([]*models.LearningEvent, error)
}

type estimate struct {
	value   float64
	samples int64
}

// Learner keeps one exponentially-weighted estimate per slot signature and
// feeds the scorer the learned adjustment for each slot. The event log is
// the source of truth: every outcome is persisted before it is folded in,
// and Rebuild reproduces the in-memory state from the log alone.
//
// Writes serialize per signature; reads never block writers and may see a
// value that is one fold behind.
type Learner struct {
	store EventStore
	cfg   config.LearningConfig
	log   *logger.Logger

	mu        sync.RWMutex
	estimates map[string]*estimate

	lockMu   sync.Mutex
	sigLocks map[string]*sync.Mutex
}

// NewLearner creates a learner with empty estimates. Call Rebuild to warm it
// from the persisted event log.
func NewLearner(store EventStore, cfg config.LearningConfig, log *logger.Logger) *Learner {
	return &Learner{
		store:     store,
		cfg:       cfg,
		log:       log.WithComponent("learner"),
		estimates: make(map[string]*estimate),
		sigLocks:  make(map[string]*sync.Mutex),
	}
}

// Outcome is one observed engagement result being reported back.
type Outcome struct {
	Signature    models.SlotSignature
	Metric       string
	Observed     float64
	SampleWeight float64
	AssignmentID *uint
	UserID       string
	RecordedAt   time.Time // zero means now
}

// RecordOutcome appends the outcome to the event log and folds it into the
// signature's estimate. The append happens first: if persistence fails the
// estimate is left untouched, so memory never gets ahead of the log. Returns
// the adjustment now in effect for the signature.
func (l *Learner) RecordOutcome(ctx context.Context, o Outcome) (float64, error) {
	if o.SampleWeight <= 0 {
		o.SampleWeight = 1
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}

	key := o.Signature.Key()
	lock := l.signatureLock(key)
	lock.Lock()
	defer lock.Unlock()

	event := &models.LearningEvent{
		Platform:      o.Signature.Platform,
		ContentFormat: o.Signature.ContentFormat,
		Day:           int(o.Signature.Day),
		HourBucket:    o.Signature.HourBucket,
		AssignmentID:  o.AssignmentID,
		UserID:        o.UserID,
		Metric:        o.Metric,
		Observed:      o.Observed,
		SampleWeight:  o.SampleWeight,
		RecordedAt:    o.RecordedAt,
	}
	if err := l.store.AppendLearningEvent(ctx, event); err != nil {
		return 0, fmt.Errorf("failed to persist learning event: %w", err)
	}

	l.mu.Lock()
	est := l.fold(key, o.Observed, o.SampleWeight)
	l.mu.Unlock()

	l.log.Debug().
		Str("signature", key).
		Float64("observed", o.Observed).
		Float64("estimate", est.value).
		Int64("samples", est.samples).
		Msg("Outcome folded")

	return l.adjustmentFrom(est), nil
}

// fold updates (or creates) the estimate for key. Caller holds l.mu.
func (l *Learner) fold(key string, observed, weight float64) estimate {
	est, ok := l.estimates[key]
	if !ok {
		est = &estimate{}
		l.estimates[key] = est
	}
	l.foldInto(est, observed, weight)
	return *est
}

// foldInto applies one exponentially-weighted step toward the normalized
// observation.
func (l *Learner) foldInto(est *estimate, observed, weight float64) {
	step := l.cfg.LearningRate * weight
	if step > 1 {
		step = 1
	}
	est.value += step * (l.normalize(observed) - est.value)
	est.samples++
}

// normalize maps a raw metric onto the centered scale the estimate lives
// on: baseline lands at -neutral, ceiling at 1-neutral, so "as expected"
// engagement contributes zero adjustment.
func (l *Learner) normalize(observed float64) float64 {
	span := l.cfg.MetricCeiling - l.cfg.MetricBaseline
	scaled := (observed - l.cfg.MetricBaseline) / span
	if scaled < 0 {
		scaled = 0
	}
	if scaled > 1 {
		scaled = 1
	}
	return scaled - l.cfg.NeutralPoint
}

// Adjustment returns the learned score delta for a signature: zero until the
// signature has MinSampleSize outcomes, clipped to MaxAdjustment after.
// Never errors; a cold signature simply contributes nothing.
func (l *Learner) Adjustment(signature models.SlotSignature) float64 {
	l.mu.RLock()
	est, ok := l.estimates[signature.Key()]
	if !ok {
		l.mu.RUnlock()
		return 0
	}
	snapshot := *est
	l.mu.RUnlock()
	return l.adjustmentFrom(snapshot)
}

func (l *Learner) adjustmentFrom(est estimate) float64 {
	if est.samples < int64(l.cfg.MinSampleSize) {
		return 0
	}
	v := est.value
	if max := l.cfg.MaxAdjustment; max > 0 {
		if v > max {
			v = max
		}
		if v < -max {
			v = -max
		}
	}
	return v
}

// SampleCount returns how many outcomes a signature has absorbed.
func (l *Learner) SampleCount(signature models.SlotSignature) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if est, ok := l.estimates[signature.Key()]; ok {
		return est.samples
	}
	return 0
}

// Rebuild refolds the whole event log in recorded order and swaps the result
// in atomically. Run at startup and nightly; estimates drift only between a
// crash mid-fold and the next rebuild.
func (l *Learner) Rebuild(ctx context.Context) error {
	events, err := l.store.ListLearningEvents(ctx, storage.DefaultLearningEventFilter())
	if err != nil {
		return fmt.Errorf("failed to replay learning events: %w", err)
	}

	fresh := make(map[string]*estimate)
	for _, e := range events {
		key := e.Signature().Key()
		est, ok := fresh[key]
		if !ok {
			est = &estimate{}
			fresh[key] = est
		}
		weight := e.SampleWeight
		if weight <= 0 {
			weight = 1
		}
		l.foldInto(est, e.Observed, weight)
	}

	l.mu.Lock()
	l.estimates = fresh
	l.mu.Unlock()

	l.log.Info().
		Int("events", len(events)).
		Int("signatures", len(fresh)).
		Msg("Learner rebuilt from event log")
	return nil
}

// Signatures returns how many distinct signatures carry estimates.
func (l *Learner) Signatures() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.estimates)
}

// BucketHours exposes the hour bucket width so callers derive the same slot
// signatures the learner aggregates under.
func (l *Learner) BucketHours() int {
	return l.cfg.HourBucketHours
}

func (l *Learner) signatureLock(key string) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	lock, ok := l.sigLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.sigLocks[key] = lock
	}
	return lock
}
