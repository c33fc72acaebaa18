package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Platform identifies a social network an assignment targets.
// The set of valid platforms is whatever the prior catalog defines;
// these constants only name the ones the default catalog ships with.
type Platform string

const (
	PlatformLinkedIn  Platform = "linkedin"
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformTwitter   Platform = "twitter"
	PlatformTikTok    Platform = "tiktok"
)

// ContentFormat classifies the shape of the content being scheduled.
type ContentFormat string

const (
	ContentFormatText  ContentFormat = "text"
	ContentFormatImage ContentFormat = "image"
	ContentFormatVideo ContentFormat = "video"
	ContentFormatStory ContentFormat = "story"
	ContentFormatLink  ContentFormat = "link"
)

// DefaultSegment is the audience segment every platform/format pair must
// define; segment-specific priors fall back to it.
const DefaultSegment = "default"

// Device classes used in audience splits and prior affinity tables.
const (
	DeviceMobile  = "mobile"
	DeviceDesktop = "desktop"
	DeviceTablet  = "tablet"
)

// FloatMap stores a string-keyed float map as a JSON column.
type FloatMap map[string]float64

func (m FloatMap) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *FloatMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported column type %T for FloatMap", value)
	}
}
