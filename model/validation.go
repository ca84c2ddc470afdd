package model

import (
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validation failure codes. Codes in the blocking set move a visit to
// INVALID; warnings are recorded on the visit but never block submission.
const (
	FailureElementMissing    = "ELEMENT_MISSING"
	FailureDurationInvalid   = "DURATION_INVALID"
	FailureGeofenceViolation = "GEOFENCE_VIOLATION"
	FailureGPSMissing        = "GPS_MISSING"
	FailureAuthExceeded      = "AUTHORIZATION_EXCEEDED"
	FailureAuthMismatch      = "AUTHORIZATION_MISMATCH"
	FailureAuthNotFound      = "AUTHORIZATION_NOT_FOUND"
	WarningLateClockIn       = "LATE_CLOCK_IN"
)

// ValidationFailure is a single reason a visit cannot be submitted, with
// enough detail for a coordinator to act on it.
type ValidationFailure struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ValidationResult collects every failure and warning found on a visit.
// Checks do not short-circuit: a coordinator fixing a visit needs the full
// list, not the first problem.
type ValidationResult struct {
	IsValid  bool                `json:"is_valid"`
	Failures []ValidationFailure `json:"failures,omitempty"`
	Warnings []ValidationFailure `json:"warnings,omitempty"`
}

func (r *ValidationResult) fail(code, field, format string, args ...interface{}) {
	r.Failures = append(r.Failures, ValidationFailure{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
}

func (r *ValidationResult) warn(code, field, format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, ValidationFailure{Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
}

// VisitPolicy is the per-organization snapshot of validation settings,
// passed in explicitly so a validation run is reproducible without ambient
// configuration state.
type VisitPolicy struct {
	GeofenceRadiusMeters  float64 `json:"geofence_radius_meters"`
	ToleranceMinutes      int     `json:"clock_in_tolerance_minutes"`
	MaxVisitDurationHours int     `json:"max_visit_duration_hours"`
	MinutesPerUnit        int     `json:"minutes_per_unit"`
}

// requiredElements checks presence of the six federally required data
// elements: client, caregiver, service type, date, start time, end time.
func (v *VisitRecord) requiredElements() error {
	return validation.ValidateStruct(v,
		validation.Field(&v.ClientID, validation.Required),
		validation.Field(&v.CaregiverID, validation.Required),
		validation.Field(&v.ServiceCode, validation.Required),
		validation.Field(&v.ScheduledStart, validation.Required, validation.By(timeNotZero)),
		validation.Field(&v.RawClockIn, validation.Required, validation.By(timeNotZero)),
		validation.Field(&v.RawClockOut, validation.Required, validation.By(timeNotZero)),
	)
}

func timeNotZero(value interface{}) error {
	t, ok := value.(time.Time)
	if !ok || t.IsZero() {
		return fmt.Errorf("is required")
	}
	return nil
}

// ValidateVisit runs the full element check against a captured visit.
// auth may be nil when the authorization could not be resolved; that is a
// blocking failure of its own.
//
// Check order mirrors the operational triage flow: required elements,
// duration sanity, geofence/GPS, authorization, then lateness (a warning
// only). All failures are collected.
func ValidateVisit(v *VisitRecord, policy VisitPolicy, auth *Authorization) ValidationResult {
	result := ValidationResult{}

	if err := v.requiredElements(); err != nil {
		if errs, ok := err.(validation.Errors); ok {
			for field, ferr := range errs {
				result.fail(FailureElementMissing, field, "required element %s: %v", field, ferr)
			}
		} else {
			result.fail(FailureElementMissing, "", "%v", err)
		}
	}

	checkDuration(v, policy, &result)
	checkGeofence(v, policy, &result)
	checkAuthorization(v, policy, auth, &result)
	checkLateness(v, policy, &result)

	result.IsValid = len(result.Failures) == 0
	return result
}

func checkDuration(v *VisitRecord, policy VisitPolicy, result *ValidationResult) {
	if v.RoundedClockIn.IsZero() || v.RoundedClockOut.IsZero() {
		return
	}
	duration := v.Duration()
	if duration <= 0 {
		result.fail(FailureDurationInvalid, "rounded_clock_out", "rounded clock-out %s is not after rounded clock-in %s",
			v.RoundedClockOut.Format(time.RFC3339), v.RoundedClockIn.Format(time.RFC3339))
		return
	}
	maxHours := policy.MaxVisitDurationHours
	if maxHours <= 0 {
		maxHours = 24
	}
	if duration > time.Duration(maxHours)*time.Hour {
		result.fail(FailureDurationInvalid, "rounded_clock_out", "visit duration %s exceeds the %dh maximum", duration, maxHours)
	}
}

func checkGeofence(v *VisitRecord, policy VisitPolicy, result *ValidationResult) {
	if v.GPS == nil {
		if !v.GPSOverride {
			result.fail(FailureGPSMissing, "gps", "no GPS coordinates captured and no supervisor override present")
		}
		return
	}
	if policy.GeofenceRadiusMeters > 0 && v.GeofenceDistanceMeters > policy.GeofenceRadiusMeters {
		result.fail(FailureGeofenceViolation, "gps", "captured location is %.0fm from the service address, geofence radius is %.0fm",
			v.GeofenceDistanceMeters, policy.GeofenceRadiusMeters)
	}
}

func checkAuthorization(v *VisitRecord, policy VisitPolicy, auth *Authorization, result *ValidationResult) {
	if v.AuthorizationID == "" {
		result.fail(FailureElementMissing, "authorization_id", "required element authorization_id: cannot be blank")
		return
	}
	if auth == nil {
		result.fail(FailureAuthNotFound, "authorization_id", "authorization %s could not be resolved", v.AuthorizationID)
		return
	}
	if auth.ClientID != "" && auth.ClientID != v.ClientID {
		result.fail(FailureAuthMismatch, "authorization_id", "authorization %s belongs to client %s, not %s",
			auth.AuthorizationID, auth.ClientID, v.ClientID)
	}
	if !auth.AllowsServiceCode(v.ServiceCode) {
		result.fail(FailureAuthMismatch, "service_code", "service code %s is not covered by authorization %s",
			v.ServiceCode, auth.AuthorizationID)
	}
	requested := v.RequestedUnits(policy.MinutesPerUnit)
	if auth.RemainingUnits().LessThan(requested) {
		result.fail(FailureAuthExceeded, "authorization_id", "visit requires %s units, authorization %s has %s remaining",
			requested.StringFixed(2), auth.AuthorizationID, auth.RemainingUnits().StringFixed(2))
	}
}

func checkLateness(v *VisitRecord, policy VisitPolicy, result *ValidationResult) {
	if v.RawClockIn.IsZero() || v.ScheduledStart.IsZero() {
		return
	}
	late := v.RawClockIn.Sub(v.ScheduledStart)
	if late <= 0 {
		return
	}
	v.LatenessMinutes = int(late.Minutes())
	if late > time.Duration(policy.ToleranceMinutes)*time.Minute {
		v.LatenessFlagged = true
		result.warn(WarningLateClockIn, "raw_clock_in", "clock-in is %d minutes after scheduled start (tolerance %d)",
			v.LatenessMinutes, policy.ToleranceMinutes)
	}
}
