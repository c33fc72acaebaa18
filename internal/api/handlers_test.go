package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/learning"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/priors"
	"github.com/timing-engine/internal/scheduler"
	"github.com/timing-engine/internal/scoring"
	"github.com/timing-engine/internal/storage/sqlite"
	"github.com/timing-engine/pkg/logger"
	"github.com/timing-engine/pkg/ratelimit"
)

// envelope mirrors the response wrapper for decoding in assertions.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Meta   struct {
		Degraded bool `json:"degraded"`
	} `json:"meta"`
	Error *Error `json:"error"`
}

func testConfig() *config.Config {
	return &config.Config{
		Scoring: config.ScoringConfig{
			SlotGranularity:   time.Hour,
			Workers:           2,
			DefaultWindowDays: 7,
			DefaultLimit:      10,
		},
		Learning: config.LearningConfig{
			LearningRate:    0.15,
			MinSampleSize:   5,
			MetricBaseline:  0,
			MetricCeiling:   0.1,
			NeutralPoint:    0.5,
			HourBucketHours: 2,
			MaxAdjustment:   0.25,
		},
		Scheduling: config.SchedulingConfig{
			DefaultMinGap:      4 * time.Hour,
			FrequencyWindow:    168 * time.Hour,
			PersistenceTimeout: 2 * time.Second,
			ProposalTTL:        72 * time.Hour,
			RetryWindow:        168 * time.Hour,
		},
	}
}

// testCatalog has one linkedin/text prior: flat 0.2 with a Wednesday
// 16:00-18:00 peak of 0.9.
func testCatalog() *priors.Catalog {
	return &priors.Catalog{
		Version: "test-1",
		Priors: []priors.CatalogPrior{
			{
				Platform:        "linkedin",
				ContentFormat:   "text",
				AudienceSegment: models.DefaultSegment,
				ContentModifier: 1.0,
				MinPerWeek:      1,
				Heatmap: priors.CatalogHeatmap{
					Base: 0.2,
					Peaks: []priors.CatalogPeak{
						{Days: []int{3}, From: 16, To: 18, Value: 0.9},
					},
				},
			},
		},
	}
}

// newTestRouter builds the full stack on a throwaway SQLite file.
func newTestRouter(t *testing.T, limiter *ratelimit.MultiLimiter) http.Handler {
	t.Helper()

	log := logger.Nop()
	cfg := testConfig()

	repo, err := sqlite.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	store := priors.NewStore(log)
	if err := store.LoadCatalog(testCatalog()); err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	learner := learning.NewLearner(repo, cfg.Learning, log)
	scorer := scoring.NewScorer(store, learner, cfg.Scoring, learner.BucketHours(), log)
	orch := scheduler.New(repo, scorer, store, learner, cfg.Scheduling, log)
	h := NewHandler(orch, scorer, store, learner, repo, cfg, log)

	if limiter == nil {
		limiter = ratelimit.NewMultiLimiter()
		limiter.AddLimiter(ratelimit.LimiterAPI, 1000, 1000)
	}
	return NewRouter(h, limiter)
}

// testWindow is a fixed Monday-to-Monday week so the Wednesday peak is
// always inside it.
func testWindow() (time.Time, time.Time) {
	start := time.Date(2027, 3, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 7)
}

func doJSON(t *testing.T, router http.Handler, method, target string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope from %q: %v", w.Body.String(), err)
		}
	}
	return w, env
}

func decodeData(t *testing.T, env envelope, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func createCalendar(t *testing.T, router http.Handler, posts int) CalendarResponse {
	t.Helper()

	start, end := testWindow()
	req := CalendarRequest{
		UserID:      "user-1",
		WindowStart: &start,
		WindowEnd:   &end,
	}
	for i := 0; i < posts; i++ {
		req.Posts = append(req.Posts, CalendarPost{
			PostID:        fmt.Sprintf("post-%d", i+1),
			Platform:      "linkedin",
			ContentFormat: "text",
		})
	}

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/calendar", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("calendar status = %d, body %s", w.Code, w.Body.String())
	}
	var res CalendarResponse
	decodeData(t, env, &res)
	return res
}

func TestCalendarEndpointPlacesBatch(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	res := createCalendar(t, router, 2)
	if res.Schedule == nil || res.Schedule.PublicID == "" {
		t.Fatal("schedule missing public id")
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("placed %d assignments, want 2", len(res.Assignments))
	}
	if len(res.Unplaced) != 0 {
		t.Fatalf("unexpected unplaced posts: %+v", res.Unplaced)
	}

	peak := time.Date(2027, 3, 3, 16, 0, 0, 0, time.UTC)
	if !res.Assignments[0].ScheduledFor.Equal(peak) {
		t.Errorf("best slot = %s, want %s", res.Assignments[0].ScheduledFor, peak)
	}
	for _, a := range res.Assignments {
		if a.Status != models.AssignmentStatusProposed {
			t.Errorf("assignment %d status = %s, want proposed", a.ID, a.Status)
		}
	}

	// The batch is retrievable by its public id.
	w, env := doJSON(t, router, http.MethodGet, "/api/v1/schedules/"+res.Schedule.PublicID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get schedule status = %d", w.Code)
	}
	var fetched models.Schedule
	decodeData(t, env, &fetched)
	if fetched.Placed != 2 || len(fetched.Assignments) != 2 {
		t.Errorf("fetched schedule placed=%d assignments=%d, want 2/2", fetched.Placed, len(fetched.Assignments))
	}
}

func TestCalendarEndpointRejectsEmptyBatch(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	start, end := testWindow()
	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/calendar", CalendarRequest{
		UserID:      "user-1",
		WindowStart: &start,
		WindowEnd:   &end,
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeValidationFailed {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeValidationFailed)
	}
}

func TestRecommendationsEndpoint(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	start, end := testWindow()
	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/recommendations", RecommendationsRequest{
		Platform:      "linkedin",
		ContentFormat: "text",
		UserID:        "user-1",
		WindowStart:   &start,
		WindowEnd:     &end,
		Limit:         5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var res RecommendationsResponse
	decodeData(t, env, &res)
	if len(res.Slots) != 5 {
		t.Fatalf("got %d slots, want 5", len(res.Slots))
	}
	peak := time.Date(2027, 3, 3, 16, 0, 0, 0, time.UTC)
	if !res.Slots[0].At.Equal(peak) {
		t.Errorf("top slot = %s, want %s", res.Slots[0].At, peak)
	}
	for i := 1; i < len(res.Slots); i++ {
		if res.Slots[i].Score > res.Slots[i-1].Score {
			t.Errorf("slots out of order at %d: %g > %g", i, res.Slots[i].Score, res.Slots[i-1].Score)
		}
	}
	if res.Evaluated < len(res.Slots) {
		t.Errorf("evaluated = %d, want at least the %d returned slots", res.Evaluated, len(res.Slots))
	}
}

func TestRecommendationsUnknownPlatform(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	start, end := testWindow()
	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/recommendations", RecommendationsRequest{
		Platform:      "myspace",
		ContentFormat: "text",
		WindowStart:   &start,
		WindowEnd:     &end,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeConfiguration {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeConfiguration)
	}
}

func TestAssignmentLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	res := createCalendar(t, router, 1)
	id := res.Assignments[0].ID
	base := fmt.Sprintf("/api/v1/assignments/%d", id)

	w, env := doJSON(t, router, http.MethodPost, base+"/confirm", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", w.Code, w.Body.String())
	}
	var confirmed models.ScheduleAssignment
	decodeData(t, env, &confirmed)
	if confirmed.Status != models.AssignmentStatusConfirmed {
		t.Fatalf("status = %s, want confirmed", confirmed.Status)
	}

	// Confirming twice conflicts.
	w, env = doJSON(t, router, http.MethodPost, base+"/confirm", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second confirm status = %d, want 409", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeConflict {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeConflict)
	}

	w, env = doJSON(t, router, http.MethodPost, base+"/posted", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("posted status = %d", w.Code)
	}
	var posted models.ScheduleAssignment
	decodeData(t, env, &posted)
	if posted.Status != models.AssignmentStatusPosted || posted.PostedAt == nil {
		t.Fatalf("posted = %+v, want posted status with timestamp", posted)
	}

	// The outcome lands in the learner once the post went out.
	w, env = doJSON(t, router, http.MethodPost, "/api/v1/scheduling/feedback", FeedbackRequest{
		AssignmentID: id,
		Metric:       "engagement_rate",
		Observed:     0.05,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("feedback status = %d, body %s", w.Code, w.Body.String())
	}
	var fb FeedbackResponse
	decodeData(t, env, &fb)
	if fb.Samples != 1 {
		t.Errorf("samples = %d, want 1", fb.Samples)
	}
	if fb.Adjustment != 0 {
		t.Errorf("adjustment = %g, want 0 below the sample floor", fb.Adjustment)
	}
}

func TestFeedbackRequiresPostedAssignment(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	res := createCalendar(t, router, 1)
	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/feedback", FeedbackRequest{
		AssignmentID: res.Assignments[0].ID,
		Metric:       "engagement_rate",
		Observed:     0.05,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeConflict {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeConflict)
	}
}

func TestOptimizeEndpointDryRun(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	res := createCalendar(t, router, 1)
	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/optimize", OptimizeRequest{
		SchedulePublicID: res.Schedule.PublicID,
		DryRun:           true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var opt OptimizeResponse
	decodeData(t, env, &opt)
	if !opt.DryRun {
		t.Error("dry_run flag not echoed")
	}
	// Nothing was learned, so the proposal already sits on the best slot.
	if len(opt.Moves) != 0 || opt.Held != 1 {
		t.Errorf("moves=%d held=%d, want 0 moves and 1 held", len(opt.Moves), opt.Held)
	}
}

func TestOptimizeEndpointUnknownSchedule(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	w, env := doJSON(t, router, http.MethodPost, "/api/v1/scheduling/optimize", OptimizeRequest{
		SchedulePublicID: "no-such-schedule",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeNotFound {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeNotFound)
	}
}

func TestListAssignmentsFilters(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	createCalendar(t, router, 2)

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/assignments/?user_id=user-1&platform=linkedin&status=proposed", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var rows []models.ScheduleAssignment
	decodeData(t, env, &rows)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/assignments/?status=bogus", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter = %d, want 400", w.Code)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	w, _ := doJSON(t, router, http.MethodGet, "/api/v1/preferences/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", w.Code)
	}

	w, _ = doJSON(t, router, http.MethodPut, "/api/v1/preferences/user-1", PreferencesRequest{
		MinGapHours:  6,
		MaxPerWeek:   3,
		QualityFloor: 0.3,
		Blackouts: models.BlackoutWindows{
			{StartHour: 0, EndHour: 6, Label: "nights"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", w.Code, w.Body.String())
	}

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/preferences/user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var pref models.UserSchedulingPreference
	decodeData(t, env, &pref)
	if pref.MinGapHours != 6 || pref.MaxPerWeek != 3 || pref.QualityFloor != 0.3 {
		t.Errorf("stored pref = %+v, want 6/3/0.3", pref)
	}
	if len(pref.Blackouts) != 1 || pref.Blackouts[0].Label != "nights" {
		t.Errorf("blackouts = %+v, want one nights window", pref.Blackouts)
	}
}

func TestPreferencesRejectBadBlackout(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	w, env := doJSON(t, router, http.MethodPut, "/api/v1/preferences/user-1", PreferencesRequest{
		Blackouts: models.BlackoutWindows{
			{StartHour: 25, EndHour: 3},
		},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeBadRequest {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeBadRequest)
	}
}

func TestPriorsIntrospection(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/priors/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("index status = %d", w.Code)
	}
	var index PriorsIndexResponse
	decodeData(t, env, &index)
	if index.Count != 1 || len(index.Platforms) != 1 {
		t.Fatalf("index = %+v, want one linkedin prior", index)
	}
	if index.Platforms[0].Platform != "linkedin" {
		t.Errorf("platform = %s, want linkedin", index.Platforms[0].Platform)
	}

	w, env = doJSON(t, router, http.MethodGet, "/api/v1/priors/linkedin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("platform status = %d", w.Code)
	}
	var pr PlatformPriorsResponse
	decodeData(t, env, &pr)
	if len(pr.Priors) != 1 {
		t.Fatalf("got %d priors, want 1", len(pr.Priors))
	}

	w, _ = doJSON(t, router, http.MethodGet, "/api/v1/priors/myspace", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown platform status = %d, want 404", w.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	router := newTestRouter(t, nil)

	w, env := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var health HealthResponse
	decodeData(t, env, &health)
	if health.Status != "ok" || health.Priors != 1 {
		t.Errorf("health = %+v, want ok with 1 prior", health)
	}
}

func TestRateLimitRejects(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.NewMultiLimiter()
	limiter.AddLimiter(ratelimit.LimiterAPI, 0.001, 1)
	router := newTestRouter(t, limiter)

	w, _ := doJSON(t, router, http.MethodGet, "/api/v1/priors/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w, env := doJSON(t, router, http.MethodGet, "/api/v1/priors/", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if env.Error == nil || env.Error.Code != errCodeTooManyRequests {
		t.Fatalf("error = %+v, want %s", env.Error, errCodeTooManyRequests)
	}

	// Health stays reachable even when the API limiter is dry.
	w, _ = doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
}
