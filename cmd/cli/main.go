package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/learning"
	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/priors"
	"github.com/timing-engine/internal/scheduler"
	"github.com/timing-engine/internal/scoring"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/internal/storage/sqlite"
	"github.com/timing-engine/internal/tracker"
	"github.com/timing-engine/pkg/logger"
	"github.com/timing-engine/pkg/ratelimit"
)

const timeLayout = "2006-01-02 15:04"

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	repo    storage.Repository
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "timing",
		Short: "Posting time recommendation engine",
		Long: `Recommends when to post on social platforms, places batches of posts
into a calendar and learns better slots from observed engagement.`,
		PersistentPreRunE: initializeApp,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	// Add subcommands
	rootCmd.AddCommand(recommendCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(optimizeCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(assignmentsCmd())
	rootCmd.AddCommand(priorsCmd())
	rootCmd.AddCommand(preferencesCmd())
	rootCmd.AddCommand(exportCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	// Load config
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	// Initialize storage
	repo, err = sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Run migrations
	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// engine bundles the scoring pipeline the way the server wires it: priors
// from storage, learner rebuilt from the event log, scorer and orchestrator
// on top.
type engine struct {
	store        *priors.Store
	learner      *learning.Learner
	scorer       *scoring.Scorer
	orchestrator *scheduler.Orchestrator
}

func buildEngine(ctx context.Context) (*engine, error) {
	store := priors.NewStore(log)
	if err := store.Load(ctx, repo); err != nil {
		return nil, fmt.Errorf("failed to load priors (run 'timing priors import' on a fresh database): %w", err)
	}

	learner := learning.NewLearner(repo, cfg.Learning, log)
	if err := learner.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("failed to rebuild learner state: %w", err)
	}

	scorer := scoring.NewScorer(store, learner, cfg.Scoring, learner.BucketHours(), log)
	orch := scheduler.New(repo, scorer, store, learner, cfg.Scheduling, log)

	return &engine{store: store, learner: learner, scorer: scorer, orchestrator: orch}, nil
}

// ============ RECOMMEND COMMAND ============

func recommendCmd() *cobra.Command {
	var (
		platform string
		format   string
		userID   string
		from     string
		days     int
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "recommend",
		Short: "Rank posting slots for a platform and content format",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			eng, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			windowStart, windowEnd, err := resolveWindow(from, days)
			if err != nil {
				return err
			}

			audience := models.DefaultAudienceProfile()
			if userID != "" {
				if pref, err := repo.GetPreference(ctx, userID); err == nil && !pref.Audience.Empty() {
					audience = pref.Audience.Profile()
				}
			}

			slots, err := eng.scorer.RankWindow(ctx, scoring.RankRequest{
				Platform:      models.Platform(platform),
				ContentFormat: models.ContentFormat(format),
				Audience:      audience,
				WindowStart:   windowStart,
				WindowEnd:     windowEnd,
				Limit:         limit,
			}, false)
			if err != nil {
				return err
			}

			// Flag slots that collide with the user's existing calendar.
			if userID != "" {
				annotateAgainstCalendar(ctx, eng, slots, userID, models.Platform(platform), models.ContentFormat(format), windowStart, windowEnd)
			}

			fmt.Printf("\n=== Recommended Slots (%d) ===\n", len(slots))
			fmt.Printf("Window: %s .. %s\n\n", windowStart.Format(timeLayout), windowEnd.Format(timeLayout))

			for i, slot := range slots {
				fmt.Printf("[%d] %s | score %.3f\n", i+1, slot.At.Format("Mon 2006-01-02 15:04 MST"), slot.Score)
				for _, v := range slot.Violations {
					fmt.Printf("    flagged %s: %s\n", v.Code, v.Detail)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "Target platform (required)")
	cmd.Flags().StringVar(&format, "format", "", "Content format (required)")
	cmd.Flags().StringVar(&userID, "user", "", "User whose calendar and audience to use")
	cmd.Flags().StringVar(&from, "from", "", "Window start (YYYY-MM-DD HH:MM, default now)")
	cmd.Flags().IntVar(&days, "days", 0, "Window length in days (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum slots to show")
	cmd.MarkFlagRequired("platform")
	cmd.MarkFlagRequired("format")

	return cmd
}

// annotateAgainstCalendar marks recommended slots that would violate
// spacing, blackout or frequency rules given what is already scheduled.
func annotateAgainstCalendar(ctx context.Context, eng *engine, slots []models.CandidateSlot, userID string, platform models.Platform, format models.ContentFormat, from, to time.Time) {
	pref, err := repo.GetPreference(ctx, userID)
	if err != nil {
		pref = nil
	}

	constraint, err := eng.orchestrator.ConstraintFor(platform, format, pref)
	if err != nil {
		return
	}

	padFrom := from.Add(-cfg.Scheduling.FrequencyWindow)
	padTo := to.Add(cfg.Scheduling.FrequencyWindow)
	existing, err := repo.ListAssignments(ctx, storage.AssignmentFilter{
		UserID:   &userID,
		Platform: &platform,
		Statuses: []models.AssignmentStatus{
			models.AssignmentStatusProposed,
			models.AssignmentStatusConfirmed,
			models.AssignmentStatusPosted,
		},
		From:    &padFrom,
		To:      &padTo,
		OrderBy: "scheduled_for",
	})
	if err != nil {
		return
	}

	for i := range slots {
		res := scoring.Evaluate(slots[i], existing, constraint)
		slots[i].Violations = res.Violations
	}
}

// ============ SCHEDULE COMMAND ============

func scheduleCmd() *cobra.Command {
	var (
		platform string
		format   string
		userID   string
		from     string
		days     int
		idemKey  string
	)

	cmd := &cobra.Command{
		Use:   "schedule [post-id...]",
		Short: "Place a batch of posts into the calendar",
		Long: `Places each post id into its best available slot inside the window.
With no post ids, schedules a single generated one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			eng, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			windowStart, windowEnd, err := resolveWindow(from, days)
			if err != nil {
				return err
			}

			postIDs := args
			if len(postIDs) == 0 {
				postIDs = []string{uuid.NewString()}
			}

			posts := make([]scheduler.PostRequest, 0, len(postIDs))
			for _, id := range postIDs {
				posts = append(posts, scheduler.PostRequest{
					PostID:        id,
					Platform:      models.Platform(platform),
					ContentFormat: models.ContentFormat(format),
				})
			}

			result, err := eng.orchestrator.GenerateSchedule(ctx, scheduler.GenerateRequest{
				UserID:         userID,
				Posts:          posts,
				WindowStart:    windowStart,
				WindowEnd:      windowEnd,
				IdempotencyKey: idemKey,
			})
			if err != nil {
				return err
			}

			s := result.Schedule
			fmt.Printf("\n=== Schedule %s ===\n", s.PublicID)
			if result.Replayed {
				fmt.Println("(replayed: idempotency key matched an existing schedule)")
			}
			fmt.Printf("Requested: %d | Placed: %d | Flagged: %d | Unplaced: %d\n", s.Requested, s.Placed, s.Flagged, s.Unplaced)
			fmt.Printf("Throughput: %.2f/day | Quota: %.0f%% | Degraded: %v\n\n", s.ProjectedThroughput*24, s.QuotaCompliance*100, result.Degraded)

			for _, a := range result.Assignments {
				printAssignment(a)
			}

			if len(result.Unplaced) > 0 {
				fmt.Printf("\nUnplaced:\n")
				for _, u := range result.Unplaced {
					fmt.Printf("  - %s: %s\n", u.PostID, u.Reason)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "Target platform (required)")
	cmd.Flags().StringVar(&format, "format", "", "Content format (required)")
	cmd.Flags().StringVar(&userID, "user", "", "User the posts belong to")
	cmd.Flags().StringVar(&from, "from", "", "Window start (YYYY-MM-DD HH:MM, default now)")
	cmd.Flags().IntVar(&days, "days", 0, "Window length in days (default from config)")
	cmd.Flags().StringVar(&idemKey, "idempotency-key", "", "Replay-safe batch key")
	cmd.MarkFlagRequired("platform")
	cmd.MarkFlagRequired("format")

	return cmd
}

// ============ OPTIMIZE COMMAND ============

func optimizeCmd() *cobra.Command {
	var (
		dryRun         bool
		minImprovement float64
	)

	cmd := &cobra.Command{
		Use:   "optimize [schedule-id]",
		Short: "Move still-proposed assignments to better slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			eng, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			result, err := eng.orchestrator.Reoptimize(ctx, scheduler.OptimizeRequest{
				SchedulePublicID: args[0],
				DryRun:           dryRun,
				MinImprovement:   minImprovement,
			})
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Re-optimization %s ===\n", args[0])
			if result.DryRun {
				fmt.Println("(dry run: nothing was written)")
			}
			fmt.Printf("Moves: %d | Held: %d | Degraded: %v\n\n", len(result.Moves), result.Held, result.Degraded)

			for _, m := range result.Moves {
				fmt.Printf("[%d] %s\n", m.AssignmentID, m.PostID)
				fmt.Printf("    %s (%.3f) -> %s (%.3f)\n",
					m.From.Format(timeLayout), m.OldScore,
					m.To.Format(timeLayout), m.NewScore)
				if m.NewAssignmentID > 0 {
					fmt.Printf("    replacement assignment: %d\n", m.NewAssignmentID)
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute moves without applying them")
	cmd.Flags().Float64Var(&minImprovement, "min-improvement", 0, "Score gain a move must clear (default from engine)")

	return cmd
}

// ============ FEEDBACK COMMAND ============

func feedbackCmd() *cobra.Command {
	var (
		metric string
		value  float64
		weight float64
	)

	cmd := &cobra.Command{
		Use:   "feedback [assignment-id]",
		Short: "Record observed engagement for a posted assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseAssignmentID(args[0])
			if err != nil {
				return err
			}

			eng, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			result, err := eng.orchestrator.RecordOutcome(ctx, id, metric, value, weight)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Feedback Recorded ===\n")
			fmt.Printf("Signature:  %s\n", result.Signature.Key())
			fmt.Printf("Adjustment: %+.4f\n", result.Adjustment)
			fmt.Printf("Samples:    %d\n", result.Samples)
			if result.Samples < int64(cfg.Learning.MinSampleSize) {
				fmt.Printf("\nAdjustment stays at 0 until the signature reaches %d samples.\n", cfg.Learning.MinSampleSize)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&metric, "metric", "engagement_rate", "Metric name")
	cmd.Flags().Float64Var(&value, "value", 0, "Observed metric value (required)")
	cmd.Flags().Float64Var(&weight, "weight", 1, "Sample weight")
	cmd.MarkFlagRequired("value")

	return cmd
}

// ============ ASSIGNMENTS COMMANDS ============

func assignmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "List and transition schedule assignments",
	}

	cmd.AddCommand(assignmentsListCmd())
	cmd.AddCommand(assignmentsTransitionCmd("confirm", "Confirm a proposed assignment", func(ctx context.Context, eng *engine, id uint, reason string) (*models.ScheduleAssignment, error) {
		return eng.orchestrator.Confirm(ctx, id)
	}))
	cmd.AddCommand(assignmentsTransitionCmd("posted", "Mark a confirmed assignment as posted", func(ctx context.Context, eng *engine, id uint, reason string) (*models.ScheduleAssignment, error) {
		return eng.orchestrator.MarkPosted(ctx, id)
	}))
	cmd.AddCommand(assignmentsTransitionCmd("failed", "Mark a confirmed assignment as failed", func(ctx context.Context, eng *engine, id uint, reason string) (*models.ScheduleAssignment, error) {
		return eng.orchestrator.MarkFailed(ctx, id, reason)
	}))
	cmd.AddCommand(assignmentsTransitionCmd("cancel", "Cancel a proposed or confirmed assignment", func(ctx context.Context, eng *engine, id uint, reason string) (*models.ScheduleAssignment, error) {
		return eng.orchestrator.Cancel(ctx, id, reason)
	}))
	cmd.AddCommand(assignmentsRetryCmd())
	return cmd
}

func assignmentsListCmd() *cobra.Command {
	var (
		userID   string
		platform string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			filter := storage.DefaultAssignmentFilter()
			filter.Limit = limit

			if userID != "" {
				filter.UserID = &userID
			}
			if platform != "" {
				p := models.Platform(platform)
				filter.Platform = &p
			}
			if status != "" {
				s := models.AssignmentStatus(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				filter.Status = &s
			}

			assignments, err := repo.ListAssignments(ctx, filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Assignments (%d) ===\n\n", len(assignments))
			for _, a := range assignments {
				printAssignment(a)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "Filter by user")
	cmd.Flags().StringVar(&platform, "platform", "", "Filter by platform")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (proposed, confirmed, posted, failed, canceled)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum assignments to show")

	return cmd
}

func assignmentsTransitionCmd(name, short string, run func(ctx context.Context, eng *engine, id uint, reason string) (*models.ScheduleAssignment, error)) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   name + " [assignment-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseAssignmentID(args[0])
			if err != nil {
				return err
			}

			eng, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			a, err := run(ctx, eng, id, reason)
			if err != nil {
				return err
			}

			fmt.Printf("Assignment %d is now %s\n", a.ID, a.Status)
			if a.StatusReason != "" {
				fmt.Printf("Reason: %s\n", a.StatusReason)
			}

			return nil
		},
	}

	if name == "failed" || name == "cancel" {
		cmd.Flags().StringVar(&reason, "reason", "", "Why the assignment changed state")
	}

	return cmd
}

func assignmentsRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [assignment-id]",
		Short: "Reschedule a failed assignment into a fresh slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			id, err := parseAssignmentID(args[0])
			if err != nil {
				return err
			}

			eng, err := buildEngine(ctx)
			if err != nil {
				return err
			}

			replacement, err := eng.orchestrator.Retry(ctx, id)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Retry Scheduled ===\n")
			printAssignment(replacement)

			return nil
		},
	}

	return cmd
}

// ============ PRIORS COMMANDS ============

func priorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "priors",
		Short: "Manage platform timing priors",
	}

	cmd.AddCommand(priorsImportCmd())
	cmd.AddCommand(priorsListCmd())
	return cmd
}

func priorsImportCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a timing catalog into storage",
		Long: `Imports a YAML prior catalog. Without --file the built-in default
catalog is imported, which is enough to try the engine out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var cat *priors.Catalog
			var err error
			if file != "" {
				cat, err = priors.LoadCatalogFile(file)
				if err != nil {
					return err
				}
			} else {
				cat = priors.DefaultCatalog()
			}

			rows := cat.Expand()
			for _, prior := range rows {
				if err := repo.SavePrior(ctx, prior); err != nil {
					return fmt.Errorf("failed to save prior %s/%s: %w", prior.Platform, prior.ContentFormat, err)
				}
			}

			fmt.Printf("Imported %d priors from catalog %q\n", len(rows), cat.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Catalog YAML path (default: built-in catalog)")

	return cmd
}

func priorsListCmd() *cobra.Command {
	var platform string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List priors currently in storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			store := priors.NewStore(log)
			if err := store.Load(ctx, repo); err != nil {
				return err
			}

			platforms := store.Platforms()
			if platform != "" {
				platforms = []models.Platform{models.Platform(platform)}
			}

			fmt.Printf("\n=== Timing Priors (%d) ===\n\n", store.Count())
			for _, p := range platforms {
				rows, err := store.PlatformPriors(p)
				if err != nil {
					return err
				}
				for _, prior := range rows {
					fmt.Printf("%s/%s [%s]\n", prior.Platform, prior.ContentFormat, prior.AudienceSegment)
					fmt.Printf("    modifier: %.2f | per week: %d..%s | blackouts: %d | catalog: %s\n",
						prior.ContentModifier, prior.MinPerWeek, formatCap(prior.MaxPerWeek), len(prior.Blackouts), prior.CatalogVersion)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "Show a single platform")

	return cmd
}

// ============ PREFERENCES COMMANDS ============

func preferencesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preferences",
		Short: "Per-user scheduling preferences",
	}

	cmd.AddCommand(preferencesShowCmd())
	cmd.AddCommand(preferencesSetCmd())
	return cmd
}

func preferencesShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [user-id]",
		Short: "Show a user's scheduling preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pref, err := repo.GetPreference(ctx, args[0])
			if err != nil {
				return fmt.Errorf("no preferences stored for %q: %w", args[0], err)
			}

			fmt.Printf("\n=== Preferences for %s ===\n", pref.UserID)
			fmt.Printf("Min gap:       %.1f hours\n", pref.MinGapHours)
			fmt.Printf("Max per week:  %d\n", pref.MaxPerWeek)
			fmt.Printf("Quality floor: %.2f\n", pref.QualityFloor)

			if len(pref.Blackouts) > 0 {
				fmt.Printf("Blackouts:\n")
				for _, b := range pref.Blackouts {
					fmt.Printf("  - %02d:00-%02d:00 %s\n", b.StartHour, b.EndHour, b.Label)
				}
			}

			return nil
		},
	}

	return cmd
}

func preferencesSetCmd() *cobra.Command {
	var (
		minGapHours  float64
		maxPerWeek   int
		qualityFloor float64
		blackouts    []string
	)

	cmd := &cobra.Command{
		Use:   "set [user-id]",
		Short: "Store scheduling preferences for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			pref := &models.UserSchedulingPreference{
				UserID:       args[0],
				MinGapHours:  minGapHours,
				MaxPerWeek:   maxPerWeek,
				QualityFloor: qualityFloor,
			}

			for _, spec := range blackouts {
				w, err := parseBlackout(spec)
				if err != nil {
					return err
				}
				pref.Blackouts = append(pref.Blackouts, w)
			}

			if err := repo.SavePreference(ctx, pref); err != nil {
				return err
			}

			fmt.Printf("Preferences saved for %s\n", pref.UserID)
			return nil
		},
	}

	cmd.Flags().Float64Var(&minGapHours, "min-gap-hours", 0, "Minimum hours between posts (0 keeps the engine default)")
	cmd.Flags().IntVar(&maxPerWeek, "max-per-week", 0, "Weekly post cap (0 keeps the platform cap)")
	cmd.Flags().Float64Var(&qualityFloor, "quality-floor", 0, "Suppress slots scoring below this")
	cmd.Flags().StringArrayVar(&blackouts, "blackout", nil, "Blocked hours as START-END, e.g. 22-6 (repeatable)")

	return cmd
}

// ============ EXPORT COMMANDS ============

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Mirror the calendar to Google Sheets",
	}

	cmd.AddCommand(exportInitCmd())
	cmd.AddCommand(exportSyncCmd())
	return cmd
}

func buildMirror() (*tracker.CalendarMirror, error) {
	if !cfg.Tracker.Enabled {
		return nil, fmt.Errorf("tracker is not enabled in config - set tracker.enabled=true and tracker.spreadsheet_id")
	}

	limiter := ratelimit.NewMultiLimiter()
	limiter.AddLimiter(ratelimit.LimiterSheets, float64(cfg.RateLimit.SheetsWritesPerMinute)/60.0, 5)

	return tracker.NewCalendarMirror(cfg.Tracker, repo, limiter, log)
}

func exportInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the calendar sheet with headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			mirror, err := buildMirror()
			if err != nil {
				return err
			}

			if err := mirror.EnsureSheet(ctx); err != nil {
				return fmt.Errorf("failed to initialize sheet: %w", err)
			}

			fmt.Println("Calendar sheet initialized!")
			fmt.Printf("Spreadsheet ID: %s\n", cfg.Tracker.SpreadsheetID)
			fmt.Println("\nColumns created:")
			for i, col := range tracker.MirrorColumns {
				fmt.Printf("  %d. %s\n", i+1, col)
			}

			return nil
		},
	}
}

func exportSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push current assignments to the calendar sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			mirror, err := buildMirror()
			if err != nil {
				return err
			}

			fmt.Println("Syncing calendar to Google Sheets...")

			added, updated, err := mirror.Sync(ctx)
			if err != nil {
				return fmt.Errorf("failed to sync calendar: %w", err)
			}

			fmt.Printf("\nSync complete!\n")
			fmt.Printf("  Added:   %d new rows\n", added)
			fmt.Printf("  Updated: %d existing rows\n", updated)
			fmt.Printf("\nView at: https://docs.google.com/spreadsheets/d/%s\n", cfg.Tracker.SpreadsheetID)

			return nil
		},
	}
}

// ============ HELPERS ============

func printAssignment(a *models.ScheduleAssignment) {
	fmt.Printf("[%d] %s | %s/%s | %s | score %.3f | %s\n",
		a.ID, a.PostID, a.Platform, a.ContentFormat,
		a.ScheduledFor.Format("Mon 2006-01-02 15:04"), a.Score, a.Status)
	if a.StatusReason != "" {
		fmt.Printf("    reason: %s\n", a.StatusReason)
	}
	for _, v := range a.Violations {
		fmt.Printf("    flagged %s: %s\n", v.Code, v.Detail)
	}
}

func parseAssignmentID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid assignment id %q", raw)
	}
	return uint(id), nil
}

// resolveWindow turns --from/--days flags into a concrete UTC window.
func resolveWindow(from string, days int) (time.Time, time.Time, error) {
	start := time.Now().UTC().Truncate(time.Minute)
	if from != "" {
		t, err := time.Parse(timeLayout, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid time format, use: YYYY-MM-DD HH:MM")
		}
		start = t.UTC()
	}

	if days <= 0 {
		days = cfg.Scoring.DefaultWindowDays
	}

	return start, start.AddDate(0, 0, days), nil
}

// parseBlackout parses "START-END" hour specs like "22-6".
func parseBlackout(spec string) (models.BlackoutWindow, error) {
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return models.BlackoutWindow{}, fmt.Errorf("invalid blackout %q, want START-END", spec)
	}

	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || start < 0 || start > 23 {
		return models.BlackoutWindow{}, fmt.Errorf("invalid blackout start hour in %q", spec)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || end < 0 || end > 24 {
		return models.BlackoutWindow{}, fmt.Errorf("invalid blackout end hour in %q", spec)
	}

	return models.BlackoutWindow{StartHour: start, EndHour: end}, nil
}

func formatCap(max int) string {
	if max == 0 {
		return "uncapped"
	}
	return strconv.Itoa(max)
}
