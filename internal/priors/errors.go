package priors

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a request referencing timing data that does not
// exist: an unknown platform, an unknown content format, or a catalog hole.
// It is never retryable; the caller has to fix the request or extend the
// catalog.
type ConfigurationError struct {
	Platform string
	Format   string
	Segment  string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Segment != "" {
		return fmt.Sprintf("timing configuration missing for %s/%s segment %q: %s", e.Platform, e.Format, e.Segment, e.Reason)
	}
	if e.Format != "" {
		return fmt.Sprintf("timing configuration missing for %s/%s: %s", e.Platform, e.Format, e.Reason)
	}
	return fmt.Sprintf("timing configuration missing for platform %q: %s", e.Platform, e.Reason)
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
