package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/timing-engine/internal/api"
	"github.com/timing-engine/internal/config"
	"github.com/timing-engine/internal/learning"
	"github.com/timing-engine/internal/priors"
	"github.com/timing-engine/internal/scheduler"
	"github.com/timing-engine/internal/scoring"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/internal/storage/sqlite"
	"github.com/timing-engine/internal/tracker"
	"github.com/timing-engine/pkg/logger"
	"github.com/timing-engine/pkg/ratelimit"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "timing-server",
		Short: "Posting-time recommendation server",
		Long: `Serves slot recommendations and calendar scheduling over HTTP and runs
background maintenance: nightly learner rebuilds, stale proposal expiry
and the spreadsheet calendar mirror.`,
		RunE: runServer,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting timing engine server")

	repo, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer repo.Close()

	if err := repo.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	ctx := context.Background()

	store := priors.NewStore(log)
	if err := seedAndLoadPriors(ctx, cfg, repo, store, log); err != nil {
		return err
	}

	learner := learning.NewLearner(repo, cfg.Learning, log)
	if err := learner.Rebuild(ctx); err != nil {
		// Warm start is best effort: without it the engine still serves
		// prior-only scores until the nightly rebuild succeeds.
		log.Warn().Err(err).Msg("Learner warm start failed")
	}

	scorer := scoring.NewScorer(store, learner, cfg.Scoring, learner.BucketHours(), log)
	orchestrator := scheduler.New(repo, scorer, store, learner, cfg.Scheduling, log)

	limiter := newLimiter(cfg.RateLimit)

	mirror, err := tracker.NewCalendarMirror(cfg.Tracker, repo, limiter, log)
	if err != nil {
		return fmt.Errorf("failed to create calendar mirror: %w", err)
	}

	handler := api.NewHandler(orchestrator, scorer, store, learner, repo, cfg, log)
	router := api.NewRouter(handler, limiter)

	c := cron.New(cron.WithLogger(cronLogger{log}))
	if err := registerMaintenance(c, cfg, learner, orchestrator, mirror, log); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	log.Info().Msg("Server stopped")
	return nil
}

// seedAndLoadPriors imports the timing catalog on first run, then loads the
// in-memory prior index the scorer reads from.
func seedAndLoadPriors(ctx context.Context, cfg *config.Config, repo storage.Repository, store *priors.Store, log *logger.Logger) error {
	count, err := repo.CountPriors(ctx)
	if err != nil {
		return fmt.Errorf("failed to count priors: %w", err)
	}

	if count == 0 && cfg.Priors.AutoSeed {
		cat, err := resolveCatalog(cfg.Priors.CatalogFile, log)
		if err != nil {
			return err
		}
		rows := cat.Expand()
		for _, prior := range rows {
			if err := repo.SavePrior(ctx, prior); err != nil {
				return fmt.Errorf("failed to seed prior: %w", err)
			}
		}
		log.Info().Int("priors", len(rows)).Str("catalog", cat.Version).Msg("Seeded timing priors")
	}

	return store.Load(ctx, repo)
}

func resolveCatalog(path string, log *logger.Logger) (*priors.Catalog, error) {
	if path == "" {
		log.Info().Msg("No catalog file configured, using built-in priors")
		return priors.DefaultCatalog(), nil
	}
	return priors.LoadCatalogFile(path)
}

func newLimiter(cfg config.RateLimitConfig) *ratelimit.MultiLimiter {
	m := ratelimit.NewMultiLimiter()
	m.AddLimiter(ratelimit.LimiterAPI, cfg.APIRequestsPerSecond, cfg.APIBurst)
	m.AddLimiter(ratelimit.LimiterSheets, float64(cfg.SheetsWritesPerMinute)/60.0, 5)
	return m
}

// registerMaintenance wires the background jobs: learner rebuild from the
// event log, stale proposal expiry and the sheet mirror (when enabled).
func registerMaintenance(c *cron.Cron, cfg *config.Config, learner *learning.Learner, orchestrator *scheduler.Orchestrator, mirror *tracker.CalendarMirror, log *logger.Logger) error {
	_, err := c.AddFunc(cfg.Maintenance.RebuildCron, func() {
		ctx := context.Background()
		log.Info().Msg("Running scheduled learner rebuild")

		if err := learner.Rebuild(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduled rebuild failed")
			return
		}
		log.Info().Int("signatures", learner.Signatures()).Msg("Scheduled rebuild completed")
	})
	if err != nil {
		return fmt.Errorf("failed to schedule rebuild job: %w", err)
	}
	log.Info().Str("cron", cfg.Maintenance.RebuildCron).Msg("Rebuild job scheduled")

	_, err = c.AddFunc(cfg.Maintenance.ExpiryCron, func() {
		ctx := context.Background()

		expired, err := orchestrator.ExpireStaleProposals(ctx, time.Now().UTC())
		if err != nil {
			log.Error().Err(err).Msg("Proposal expiry failed")
			return
		}
		if expired > 0 {
			log.Info().Int("expired", expired).Msg("Expired stale proposals")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule expiry job: %w", err)
	}
	log.Info().Str("cron", cfg.Maintenance.ExpiryCron).Msg("Expiry job scheduled")

	if mirror != nil {
		_, err = c.AddFunc(cfg.Maintenance.MirrorCron, func() {
			ctx := context.Background()

			added, updated, err := mirror.Sync(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Calendar mirror sync failed")
				return
			}
			log.Info().Int("added", added).Int("updated", updated).Msg("Calendar mirror synced")
		})
		if err != nil {
			return fmt.Errorf("failed to schedule mirror job: %w", err)
		}
		log.Info().Str("cron", cfg.Maintenance.MirrorCron).Msg("Mirror job scheduled")
	}

	return nil
}

// cronLogger adapts our logger for cron
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info().Msgf(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Msgf(msg, keysAndValues...)
}
