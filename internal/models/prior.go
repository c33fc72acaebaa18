package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Heatmap holds the base posting affinity for every day-of-week/hour cell.
// Day index follows time.Weekday (0 = Sunday). Values are kept in [0,1];
// Clamp repairs out-of-range catalog data.
type Heatmap [7][24]float64

func (h Heatmap) Value() (driver.Value, error) {
	return json.Marshal(h)
}

func (h *Heatmap) Scan(value interface{}) error {
	if value == nil {
		*h = Heatmap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, h)
	case string:
		return json.Unmarshal([]byte(v), h)
	default:
		return fmt.Errorf("unsupported column type %T for Heatmap", value)
	}
}

// At returns the cell for a weekday/hour, zero when hour is out of range.
func (h Heatmap) At(day time.Weekday, hour int) float64 {
	if hour < 0 || hour > 23 {
		return 0
	}
	return h[int(day)][hour]
}

// Clamp forces every cell into [0,1] and reports how many cells moved.
func (h *Heatmap) Clamp() int {
	fixed := 0
	for d := range h {
		for hr := range h[d] {
			switch {
			case h[d][hr] < 0:
				h[d][hr] = 0
				fixed++
			case h[d][hr] > 1:
				h[d][hr] = 1
				fixed++
			}
		}
	}
	return fixed
}

// BlackoutWindow marks hours during which nothing may be scheduled.
// Hours are half-open [StartHour, EndHour); EndHour <= StartHour wraps past
// midnight. An empty Days list applies the window to every day; otherwise it
// matches on the candidate's own weekday.
type BlackoutWindow struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartHour int            `json:"start_hour"`
	EndHour   int            `json:"end_hour"`
	Label     string         `json:"label,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w BlackoutWindow) Contains(t time.Time) bool {
	if len(w.Days) > 0 {
		match := false
		for _, d := range w.Days {
			if t.Weekday() == d {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	h := t.Hour()
	if w.StartHour == w.EndHour {
		// Degenerate full-day window.
		return true
	}
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Wraps midnight.
	return h >= w.StartHour || h < w.EndHour
}

// BlackoutWindows stores a window list as a JSON column.
type BlackoutWindows []BlackoutWindow

func (b BlackoutWindows) Value() (driver.Value, error) {
	return json.Marshal(b)
}

func (b *BlackoutWindows) Scan(value interface{}) error {
	if value == nil {
		*b = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("unsupported column type %T for BlackoutWindows", value)
	}
}

// AnyContains reports whether any window covers t.
func (b BlackoutWindows) AnyContains(t time.Time) bool {
	for _, w := range b {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// PlatformTimingPrior is the static timing knowledge for one
// platform/format/segment combination: when audiences engage, how the format
// shifts that, and the posting cadence the platform tolerates. Priors are
// loaded once at startup and never mutated afterwards.
type PlatformTimingPrior struct {
	ID              uint            `gorm:"primaryKey" json:"id"`
	Platform        Platform        `gorm:"uniqueIndex:ux_prior_key,priority:1;not null" json:"platform"`
	ContentFormat   ContentFormat   `gorm:"uniqueIndex:ux_prior_key,priority:2;not null" json:"content_format"`
	AudienceSegment string          `gorm:"uniqueIndex:ux_prior_key,priority:3;not null;default:'default'" json:"audience_segment"`
	Heatmap         Heatmap         `gorm:"type:json;not null" json:"heatmap"`
	ContentModifier float64         `gorm:"default:1" json:"content_modifier"`
	DeviceAffinity  FloatMap        `gorm:"type:json" json:"device_affinity"`
	MinPerWeek      int             `gorm:"default:0" json:"min_per_week"`
	MaxPerWeek      int             `gorm:"default:0" json:"max_per_week"` // 0 = uncapped
	Blackouts       BlackoutWindows `gorm:"type:json" json:"blackouts,omitempty"`
	CatalogVersion  string          `gorm:"index" json:"catalog_version"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Affinity returns the heatmap cell for a weekday/hour.
func (p *PlatformTimingPrior) Affinity(day time.Weekday, hour int) float64 {
	return p.Heatmap.At(day, hour)
}

// Clone returns a deep copy. The prior store hands out clones so the loaded
// catalog stays immutable no matter what callers do with the result.
func (p *PlatformTimingPrior) Clone() *PlatformTimingPrior {
	out := *p
	if p.DeviceAffinity != nil {
		out.DeviceAffinity = make(FloatMap, len(p.DeviceAffinity))
		for k, v := range p.DeviceAffinity {
			out.DeviceAffinity[k] = v
		}
	}
	if p.Blackouts != nil {
		out.Blackouts = make(BlackoutWindows, len(p.Blackouts))
		copy(out.Blackouts, p.Blackouts)
		for i := range out.Blackouts {
			if days := out.Blackouts[i].Days; days != nil {
				out.Blackouts[i].Days = append([]time.Weekday(nil), days...)
			}
		}
	}
	return &out
}

// DeviceMultiplier returns the affinity multiplier for a device class,
// defaulting to 1 when the prior does not split by device.
func (p *PlatformTimingPrior) DeviceMultiplier(device string) float64 {
	if p.DeviceAffinity == nil {
		return 1
	}
	if m, ok := p.DeviceAffinity[device]; ok {
		return m
	}
	return 1
}
