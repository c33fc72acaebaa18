package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// AudienceProfile describes who a post is for: how the audience splits across
// segments (the prior catalog's age bands), timezones, and device classes.
// Each map is a weight distribution; Normalize rescales them to sum to 1.
type AudienceProfile struct {
	Segments  map[string]float64 `json:"segments,omitempty"`
	Timezones map[string]float64 `json:"timezones,omitempty"`
	Devices   map[string]float64 `json:"devices,omitempty"`
}

// DefaultAudienceProfile is a single default segment, all-UTC, no device
// split. Used whenever a caller supplies no profile.
func DefaultAudienceProfile() AudienceProfile {
	return AudienceProfile{
		Segments:  map[string]float64{DefaultSegment: 1},
		Timezones: map[string]float64{"UTC": 1},
	}
}

// Normalize rescales every weight map to sum to 1 and fills empty maps with
// the defaults. Maps whose weights sum to zero are replaced outright.
func (a *AudienceProfile) Normalize() {
	a.Segments = normalizeWeights(a.Segments, DefaultSegment)
	a.Timezones = normalizeWeights(a.Timezones, "UTC")
	if len(a.Devices) > 0 {
		a.Devices = normalizeWeights(a.Devices, DeviceMobile)
	}
}

// Validate rejects negative weights. Weight sums are not required to be 1 on
// input; Normalize takes care of scale.
func (a AudienceProfile) Validate() error {
	for name, m := range map[string]map[string]float64{
		"segments":  a.Segments,
		"timezones": a.Timezones,
		"devices":   a.Devices,
	} {
		for k, w := range m {
			if w < 0 {
				return fmt.Errorf("audience %s weight for %q is negative", name, k)
			}
		}
	}
	return nil
}

func normalizeWeights(m map[string]float64, fallbackKey string) map[string]float64 {
	sum := 0.0
	for _, w := range m {
		if w > 0 {
			sum += w
		}
	}
	if sum <= 0 {
		return map[string]float64{fallbackKey: 1}
	}
	out := make(map[string]float64, len(m))
	for k, w := range m {
		if w > 0 {
			out[k] = w / sum
		}
	}
	return out
}

// AudienceJSON stores an AudienceProfile as a JSON column.
type AudienceJSON AudienceProfile

func (a AudienceJSON) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *AudienceJSON) Scan(value interface{}) error {
	if value == nil {
		*a = AudienceJSON{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	default:
		return fmt.Errorf("unsupported column type %T for AudienceJSON", value)
	}
}

// Profile converts back to the domain type.
func (a AudienceJSON) Profile() AudienceProfile {
	return AudienceProfile(a)
}

// Empty reports whether no weights are set at all.
func (a AudienceJSON) Empty() bool {
	return len(a.Segments) == 0 && len(a.Timezones) == 0 && len(a.Devices) == 0
}
