package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ViolationCode classifies why a slot conflicts with scheduling constraints.
type ViolationCode string

const (
	ViolationSpacing   ViolationCode = "spacing"
	ViolationBlackout  ViolationCode = "blackout"
	ViolationFrequency ViolationCode = "frequency"
	ViolationQuality   ViolationCode = "quality"
)

// Violation is one constraint conflict. Violations are data handed back to
// callers, not errors: a violating slot may still be assigned explicitly.
type Violation struct {
	Code   ViolationCode `json:"code"`
	Detail string        `json:"detail"`
}

// Violations stores a violation list as a JSON column.
type Violations []Violation

func (v Violations) Value() (driver.Value, error) {
	return json.Marshal(v)
}

func (v *Violations) Scan(value interface{}) error {
	if value == nil {
		*v = nil
		return nil
	}
	switch val := value.(type) {
	case []byte:
		return json.Unmarshal(val, v)
	case string:
		return json.Unmarshal([]byte(val), v)
	default:
		return fmt.Errorf("unsupported column type %T for Violations", value)
	}
}

// Has reports whether any violation carries the given code.
func (v Violations) Has(code ViolationCode) bool {
	for _, item := range v {
		if item.Code == code {
			return true
		}
	}
	return false
}

// SchedulingConstraint bundles the spacing, frequency, and blackout rules a
// candidate slot is checked against. It is assembled per request from the
// platform prior plus any per-user overrides, never persisted on its own.
type SchedulingConstraint struct {
	// MinGap is the smallest allowed distance between two posts on the same
	// platform. Never negative.
	MinGap time.Duration
	// MaxPerWindow caps same-platform posts inside a rolling WindowLength.
	// Zero means uncapped.
	MaxPerWindow int
	// WindowLength is the rolling window MaxPerWindow counts over.
	WindowLength time.Duration
	// Blackouts are hours nothing may be scheduled into, platform windows
	// and user windows merged.
	Blackouts BlackoutWindows
	// QualityFloor suppresses slots scoring below it. Zero disables.
	QualityFloor float64
}

// NewSchedulingConstraint validates and returns a constraint. A negative
// minimum gap or window is a caller bug surfaced immediately.
func NewSchedulingConstraint(minGap time.Duration, maxPerWindow int, windowLength time.Duration, blackouts BlackoutWindows) (SchedulingConstraint, error) {
	c := SchedulingConstraint{
		MinGap:       minGap,
		MaxPerWindow: maxPerWindow,
		WindowLength: windowLength,
		Blackouts:    blackouts,
	}
	if err := c.Validate(); err != nil {
		return SchedulingConstraint{}, err
	}
	return c, nil
}

// Validate enforces the structural invariants.
func (c SchedulingConstraint) Validate() error {
	if c.MinGap < 0 {
		return fmt.Errorf("min gap must be >= 0, got %s", c.MinGap)
	}
	if c.MaxPerWindow < 0 {
		return fmt.Errorf("max per window must be >= 0, got %d", c.MaxPerWindow)
	}
	if c.WindowLength < 0 {
		return fmt.Errorf("window length must be >= 0, got %s", c.WindowLength)
	}
	if c.MaxPerWindow > 0 && c.WindowLength == 0 {
		return fmt.Errorf("max per window set without a window length")
	}
	if c.QualityFloor < 0 || c.QualityFloor > 1 {
		return fmt.Errorf("quality floor must be within [0,1], got %g", c.QualityFloor)
	}
	return nil
}
