package model

import (
	"fmt"
	"time"
)

// RoundingMode controls which direction raw clock times are normalized.
type RoundingMode string

const (
	RoundNearest RoundingMode = "nearest"
	RoundUp      RoundingMode = "up"
	RoundDown    RoundingMode = "down"
)

// RoundingConfig configures the time normalization applied to raw clock-in
// and clock-out timestamps before they are hashed into the dedup key and
// submitted.
type RoundingConfig struct {
	GranularityMinutes int          `json:"granularity_minutes"`
	Mode               RoundingMode `json:"mode"`
	ToleranceMinutes   int          `json:"tolerance_minutes"`
}

// Validate checks the granularity divisor. Only divisors of 60 in the
// 1-60 range keep buckets aligned to the hour.
func (c RoundingConfig) Validate() error {
	if c.GranularityMinutes < 1 || c.GranularityMinutes > 60 || 60%c.GranularityMinutes != 0 {
		return fmt.Errorf("rounding granularity must be a divisor of 60 between 1 and 60, got %d", c.GranularityMinutes)
	}
	switch c.Mode {
	case RoundNearest, RoundUp, RoundDown:
	default:
		return fmt.Errorf("unknown rounding mode %q", c.Mode)
	}
	return nil
}

// RoundTime normalizes a raw timestamp to the configured granularity.
//
// The function is pure and total for a valid config. For RoundNearest the
// exact midpoint of a bucket rounds up (away from zero). This tie-break is
// billing-consequential and deliberately fixed: with a 6-minute
// granularity 08:03:00 rounds to 08:06:00, while 08:02:59 rounds to
// 08:00:00. Audit reproducibility depends on this rule never changing.
//
// Sub-second precision and the timezone of the input are preserved in the
// computation by working on the Unix timeline; the result carries the same
// location as the input.
func RoundTime(t time.Time, c RoundingConfig) time.Time {
	granularity := time.Duration(c.GranularityMinutes) * time.Minute
	rem := time.Duration(t.UnixNano()) % granularity

	switch c.Mode {
	case RoundUp:
		if rem == 0 {
			return t
		}
		return t.Add(granularity - rem)
	case RoundDown:
		return t.Add(-rem)
	default: // RoundNearest
		if rem*2 >= granularity {
			return t.Add(granularity - rem)
		}
		return t.Add(-rem)
	}
}

// ApplyRounding recomputes the rounded clock times of a visit from its raw
// times. Called once at capture, and again only when raw values are
// corrected.
func (v *VisitRecord) ApplyRounding(c RoundingConfig) {
	if !v.RawClockIn.IsZero() {
		v.RoundedClockIn = RoundTime(v.RawClockIn, c)
	}
	if !v.RawClockOut.IsZero() {
		v.RoundedClockOut = RoundTime(v.RawClockOut, c)
	}
}
