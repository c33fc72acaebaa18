package priors

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/timing-engine/internal/models"
)

// Catalog is the authoring format for timing priors. Instead of spelling out
// 168 heatmap cells per prior, authors give a floor value plus peak blocks;
// Expand builds the dense heatmap from those.
type Catalog struct {
	Version string         `mapstructure:"version"`
	Priors  []CatalogPrior `mapstructure:"priors"`
}

// CatalogPrior is one platform/format/segment entry in the catalog file.
type CatalogPrior struct {
	Platform        string             `mapstructure:"platform"`
	ContentFormat   string             `mapstructure:"content_format"`
	AudienceSegment string             `mapstructure:"audience_segment"`
	ContentModifier float64            `mapstructure:"content_modifier"`
	MinPerWeek      int                `mapstructure:"min_per_week"`
	MaxPerWeek      int                `mapstructure:"max_per_week"`
	DeviceAffinity  map[string]float64 `mapstructure:"device_affinity"`
	Blackouts       []CatalogWindow    `mapstructure:"blackouts"`
	Heatmap         CatalogHeatmap     `mapstructure:"heatmap"`
}

// CatalogHeatmap is the sparse heatmap form: a base affinity everywhere,
// overridden by peak blocks. Later peaks win on overlap.
type CatalogHeatmap struct {
	Base  float64       `mapstructure:"base"`
	Peaks []CatalogPeak `mapstructure:"peaks"`
}

// CatalogPeak raises (or lowers) a block of day/hour cells to Value.
// Empty Days means every day. Hours are half-open [From, To); To <= From
// wraps past midnight.
type CatalogPeak struct {
	Days  []int   `mapstructure:"days"`
	From  int     `mapstructure:"from"`
	To    int     `mapstructure:"to"`
	Value float64 `mapstructure:"value"`
}

// CatalogWindow mirrors models.BlackoutWindow in catalog form.
type CatalogWindow struct {
	Days  []int  `mapstructure:"days"`
	From  int    `mapstructure:"from"`
	To    int    `mapstructure:"to"`
	Label string `mapstructure:"label"`
}

// LoadCatalogFile reads a YAML catalog from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read prior catalog: %w", err)
	}
	var cat Catalog
	if err := v.Unmarshal(&cat); err != nil {
		return nil, fmt.Errorf("failed to parse prior catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// Validate rejects structurally broken catalogs before they reach storage.
func (c *Catalog) Validate() error {
	if len(c.Priors) == 0 {
		return fmt.Errorf("prior catalog is empty")
	}
	seen := make(map[string]bool, len(c.Priors))
	for i, p := range c.Priors {
		if p.Platform == "" || p.ContentFormat == "" {
			return fmt.Errorf("catalog entry %d: platform and content_format are required", i)
		}
		seg := p.AudienceSegment
		if seg == "" {
			seg = models.DefaultSegment
		}
		k := p.Platform + "/" + p.ContentFormat + "/" + seg
		if seen[k] {
			return fmt.Errorf("catalog entry %d: duplicate prior for %s", i, k)
		}
		seen[k] = true
		if p.MinPerWeek < 0 || p.MaxPerWeek < 0 {
			return fmt.Errorf("catalog entry %s: posting frequency bounds must be >= 0", k)
		}
		if p.MaxPerWeek > 0 && p.MinPerWeek > p.MaxPerWeek {
			return fmt.Errorf("catalog entry %s: min_per_week %d exceeds max_per_week %d", k, p.MinPerWeek, p.MaxPerWeek)
		}
		for _, w := range p.Blackouts {
			if w.From < 0 || w.From > 23 || w.To < 0 || w.To > 24 {
				return fmt.Errorf("catalog entry %s: blackout hours out of range", k)
			}
		}
	}
	return nil
}

// Expand converts catalog entries into storable priors; heatmap cells are
// clamped into [0,1] on the way through.
func (c *Catalog) Expand() []*models.PlatformTimingPrior {
	out := make([]*models.PlatformTimingPrior, 0, len(c.Priors))
	for _, cp := range c.Priors {
		segment := cp.AudienceSegment
		if segment == "" {
			segment = models.DefaultSegment
		}
		modifier := cp.ContentModifier
		if modifier == 0 {
			modifier = 1
		}
		p := &models.PlatformTimingPrior{
			Platform:        models.Platform(cp.Platform),
			ContentFormat:   models.ContentFormat(cp.ContentFormat),
			AudienceSegment: segment,
			Heatmap:         cp.Heatmap.expand(),
			ContentModifier: modifier,
			DeviceAffinity:  cp.DeviceAffinity,
			MinPerWeek:      cp.MinPerWeek,
			MaxPerWeek:      cp.MaxPerWeek,
			Blackouts:       expandWindows(cp.Blackouts),
			CatalogVersion:  c.Version,
		}
		p.Heatmap.Clamp()
		out = append(out, p)
	}
	return out
}

func (h CatalogHeatmap) expand() models.Heatmap {
	var m models.Heatmap
	for d := 0; d < 7; d++ {
		for hr := 0; hr < 24; hr++ {
			m[d][hr] = h.Base
		}
	}
	for _, peak := range h.Peaks {
		days := peak.Days
		if len(days) == 0 {
			days = []int{0, 1, 2, 3, 4, 5, 6}
		}
		for _, d := range days {
			if d < 0 || d > 6 {
				continue
			}
			for _, hr := range expandHours(peak.From, peak.To) {
				m[d][hr] = peak.Value
			}
		}
	}
	return m
}

func expandHours(from, to int) []int {
	if from < 0 || from > 23 {
		return nil
	}
	if to <= 0 || to > 24 {
		to = 24
	}
	var hours []int
	if from < to {
		for h := from; h < to; h++ {
			hours = append(hours, h)
		}
		return hours
	}
	// Wraps midnight.
	for h := from; h < 24; h++ {
		hours = append(hours, h)
	}
	for h := 0; h < to; h++ {
		hours = append(hours, h)
	}
	return hours
}

func expandWindows(ws []CatalogWindow) models.BlackoutWindows {
	if len(ws) == 0 {
		return nil
	}
	out := make(models.BlackoutWindows, 0, len(ws))
	for _, w := range ws {
		win := models.BlackoutWindow{StartHour: w.From, EndHour: w.To, Label: w.Label}
		for _, d := range w.Days {
			if d >= 0 && d <= 6 {
				win.Days = append(win.Days, time.Weekday(d))
			}
		}
		out = append(out, win)
	}
	return out
}

// DefaultCatalog ships enough timing knowledge to run without a catalog
// file: weekday-workday shapes for the feed platforms, evening/weekend
// shapes for the entertainment ones. Numbers are deliberately round; real
// deployments import a tuned catalog.
func DefaultCatalog() *Catalog {
	weekdays := []int{1, 2, 3, 4, 5}
	weekend := []int{0, 6}
	quietNight := []CatalogWindow{{From: 1, To: 5, Label: "overnight quiet hours"}}

	return &Catalog{
		Version: "builtin-1",
		Priors: []CatalogPrior{
			{
				Platform: "linkedin", ContentFormat: "text",
				ContentModifier: 1.0, MinPerWeek: 1, MaxPerWeek: 5,
				DeviceAffinity: map[string]float64{models.DeviceDesktop: 1.1, models.DeviceMobile: 0.95},
				Blackouts:      quietNight,
				Heatmap: CatalogHeatmap{Base: 0.15, Peaks: []CatalogPeak{
					{Days: weekdays, From: 8, To: 11, Value: 0.85},
					{Days: weekdays, From: 12, To: 14, Value: 0.7},
					{Days: []int{3}, From: 16, To: 17, Value: 0.9},
					{Days: weekend, From: 9, To: 12, Value: 0.3},
				}},
			},
			{
				Platform: "linkedin", ContentFormat: "video",
				ContentModifier: 1.1, MinPerWeek: 0, MaxPerWeek: 3,
				DeviceAffinity: map[string]float64{models.DeviceDesktop: 1.0, models.DeviceMobile: 1.05},
				Blackouts:      quietNight,
				Heatmap: CatalogHeatmap{Base: 0.1, Peaks: []CatalogPeak{
					{Days: weekdays, From: 7, To: 9, Value: 0.75},
					{Days: weekdays, From: 17, To: 20, Value: 0.8},
				}},
			},
			{
				Platform: "instagram", ContentFormat: "image",
				ContentModifier: 1.0, MinPerWeek: 2, MaxPerWeek: 10,
				DeviceAffinity: map[string]float64{models.DeviceMobile: 1.15, models.DeviceDesktop: 0.7},
				Heatmap: CatalogHeatmap{Base: 0.25, Peaks: []CatalogPeak{
					{From: 11, To: 14, Value: 0.8},
					{From: 19, To: 22, Value: 0.9},
					{Days: weekend, From: 10, To: 13, Value: 0.85},
				}},
			},
			{
				Platform: "instagram", ContentFormat: "story",
				ContentModifier: 0.9, MinPerWeek: 0, MaxPerWeek: 20,
				DeviceAffinity: map[string]float64{models.DeviceMobile: 1.2, models.DeviceDesktop: 0.5},
				Heatmap: CatalogHeatmap{Base: 0.3, Peaks: []CatalogPeak{
					{From: 7, To: 9, Value: 0.7},
					{From: 20, To: 23, Value: 0.85},
				}},
			},
			{
				Platform: "twitter", ContentFormat: "text",
				ContentModifier: 1.0, MinPerWeek: 3, MaxPerWeek: 25,
				Heatmap: CatalogHeatmap{Base: 0.35, Peaks: []CatalogPeak{
					{Days: weekdays, From: 9, To: 10, Value: 0.75},
					{Days: weekdays, From: 12, To: 13, Value: 0.8},
					{From: 21, To: 23, Value: 0.6},
				}},
			},
			{
				Platform: "twitter", ContentFormat: "link",
				ContentModifier: 0.85, MinPerWeek: 0, MaxPerWeek: 15,
				Heatmap: CatalogHeatmap{Base: 0.3, Peaks: []CatalogPeak{
					{Days: weekdays, From: 8, To: 10, Value: 0.7},
				}},
			},
			{
				Platform: "facebook", ContentFormat: "image",
				ContentModifier: 1.0, MinPerWeek: 1, MaxPerWeek: 7,
				DeviceAffinity: map[string]float64{models.DeviceMobile: 1.05},
				Blackouts:      quietNight,
				Heatmap: CatalogHeatmap{Base: 0.2, Peaks: []CatalogPeak{
					{From: 13, To: 16, Value: 0.75},
					{Days: weekend, From: 12, To: 14, Value: 0.8},
				}},
			},
			{
				Platform: "tiktok", ContentFormat: "video",
				ContentModifier: 1.2, MinPerWeek: 3, MaxPerWeek: 21,
				DeviceAffinity: map[string]float64{models.DeviceMobile: 1.25, models.DeviceDesktop: 0.4},
				Heatmap: CatalogHeatmap{Base: 0.3, Peaks: []CatalogPeak{
					{From: 18, To: 23, Value: 0.9},
					{Days: weekend, From: 11, To: 14, Value: 0.8},
				}},
			},
		},
	}
}
