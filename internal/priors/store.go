package priors

import (
	"context"
	"fmt"
	"sort"

	"github.com/timing-engine/internal/models"
	"github.com/timing-engine/internal/storage"
	"github.com/timing-engine/pkg/logger"
)

type priorKey struct {
	platform models.Platform
	format   models.ContentFormat
	segment  string
}

// Store holds every timing prior in memory. It is filled exactly once at
// startup and read-only afterwards: lookups hand out clones, so nothing a
// caller does can change what the next request sees. Reloading means
// restarting the process.
type Store struct {
	log        *logger.Logger
	priors     map[priorKey]*models.PlatformTimingPrior
	byPlatform map[models.Platform][]*models.PlatformTimingPrior
	loaded     bool
}

// NewStore creates an empty store. Call Load before first use.
func NewStore(log *logger.Logger) *Store {
	return &Store{
		log:        log.WithComponent("priors"),
		priors:     make(map[priorKey]*models.PlatformTimingPrior),
		byPlatform: make(map[models.Platform][]*models.PlatformTimingPrior),
	}
}

// Load pulls every prior row from the repository into the store. Loading an
// empty table is an error: an engine without timing knowledge cannot score
// anything, so the caller should import a catalog first.
func (s *Store) Load(ctx context.Context, repo storage.Repository) error {
	if s.loaded {
		return fmt.Errorf("prior store already loaded")
	}
	rows, err := repo.ListPriors(ctx, storage.PriorFilter{})
	if err != nil {
		return fmt.Errorf("failed to load timing priors: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no timing priors in storage, import a catalog first")
	}
	s.index(rows)
	s.log.Info().Int("priors", len(rows)).Int("platforms", len(s.byPlatform)).Msg("Timing priors loaded")
	return nil
}

// LoadCatalog fills the store straight from an expanded catalog, bypassing
// storage. The CLI and tests use this; the server loads from the repository.
func (s *Store) LoadCatalog(cat *Catalog) error {
	if s.loaded {
		return fmt.Errorf("prior store already loaded")
	}
	if err := cat.Validate(); err != nil {
		return err
	}
	s.index(cat.Expand())
	return nil
}

func (s *Store) index(rows []*models.PlatformTimingPrior) {
	for _, p := range rows {
		k := priorKey{p.Platform, p.ContentFormat, p.AudienceSegment}
		s.priors[k] = p
		s.byPlatform[p.Platform] = append(s.byPlatform[p.Platform], p)
	}
	for _, list := range s.byPlatform {
		sort.Slice(list, func(i, j int) bool {
			if list[i].ContentFormat != list[j].ContentFormat {
				return list[i].ContentFormat < list[j].ContentFormat
			}
			return list[i].AudienceSegment < list[j].AudienceSegment
		})
	}
	s.loaded = true
}

// Prior returns the timing prior for a platform/format/segment. A missing
// segment falls back to the default segment; a missing platform or format is
// a ConfigurationError.
func (s *Store) Prior(platform models.Platform, format models.ContentFormat, segment string) (*models.PlatformTimingPrior, error) {
	if segment == "" {
		segment = models.DefaultSegment
	}
	if p, ok := s.priors[priorKey{platform, format, segment}]; ok {
		return p.Clone(), nil
	}
	if segment != models.DefaultSegment {
		if p, ok := s.priors[priorKey{platform, format, models.DefaultSegment}]; ok {
			return p.Clone(), nil
		}
	}
	if _, ok := s.byPlatform[platform]; !ok {
		return nil, &ConfigurationError{Platform: string(platform), Reason: "platform not in catalog"}
	}
	return nil, &ConfigurationError{
		Platform: string(platform),
		Format:   string(format),
		Reason:   "content format not in catalog for this platform",
	}
}

// PlatformPriors returns every prior for a platform, for introspection.
func (s *Store) PlatformPriors(platform models.Platform) ([]*models.PlatformTimingPrior, error) {
	list, ok := s.byPlatform[platform]
	if !ok {
		return nil, &ConfigurationError{Platform: string(platform), Reason: "platform not in catalog"}
	}
	out := make([]*models.PlatformTimingPrior, len(list))
	for i, p := range list {
		out[i] = p.Clone()
	}
	return out, nil
}

// Platforms lists every platform the catalog covers, sorted.
func (s *Store) Platforms() []models.Platform {
	out := make([]models.Platform, 0, len(s.byPlatform))
	for p := range s.byPlatform {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Formats lists the content formats the catalog covers for a platform.
func (s *Store) Formats(platform models.Platform) []models.ContentFormat {
	seen := make(map[models.ContentFormat]bool)
	var out []models.ContentFormat
	for _, p := range s.byPlatform[platform] {
		if !seen[p.ContentFormat] {
			seen[p.ContentFormat] = true
			out = append(out, p.ContentFormat)
		}
	}
	return out
}

// Count returns how many priors are loaded.
func (s *Store) Count() int {
	return len(s.priors)
}
