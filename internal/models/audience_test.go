package models

import (
	"math"
	"testing"
)

func TestAudienceProfileNormalize(t *testing.T) {
	t.Parallel()

	p := AudienceProfile{
		Segments:  map[string]float64{"18-24": 2, "25-34": 6},
		Timezones: map[string]float64{"America/New_York": 3, "Europe/Berlin": 1},
		Devices:   map[string]float64{DeviceMobile: 9, DeviceDesktop: 1},
	}
	p.Normalize()

	if got := p.Segments["18-24"]; math.Abs(got-0.25) > 1e-9 {
		t.Errorf("segment weight = %g, want 0.25", got)
	}
	if got := p.Timezones["America/New_York"]; math.Abs(got-0.75) > 1e-9 {
		t.Errorf("timezone weight = %g, want 0.75", got)
	}
	if got := p.Devices[DeviceMobile]; math.Abs(got-0.9) > 1e-9 {
		t.Errorf("device weight = %g, want 0.9", got)
	}
}

func TestAudienceProfileNormalizeFallbacks(t *testing.T) {
	t.Parallel()

	empty := AudienceProfile{}
	empty.Normalize()
	if empty.Segments[DefaultSegment] != 1 {
		t.Errorf("empty segments should fall back to default=1, got %v", empty.Segments)
	}
	if empty.Timezones["UTC"] != 1 {
		t.Errorf("empty timezones should fall back to UTC=1, got %v", empty.Timezones)
	}
	if len(empty.Devices) != 0 {
		t.Errorf("empty devices should stay empty, got %v", empty.Devices)
	}

	zeroed := AudienceProfile{Timezones: map[string]float64{"Asia/Tokyo": 0}}
	zeroed.Normalize()
	if zeroed.Timezones["UTC"] != 1 {
		t.Errorf("zero-sum timezones should fall back to UTC=1, got %v", zeroed.Timezones)
	}
}

func TestAudienceProfileValidate(t *testing.T) {
	t.Parallel()

	ok := AudienceProfile{Timezones: map[string]float64{"UTC": 1}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
	bad := AudienceProfile{Devices: map[string]float64{DeviceTablet: -0.5}}
	if err := bad.Validate(); err == nil {
		t.Fatal("negative weight accepted")
	}
}
