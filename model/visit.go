package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VisitState is the lifecycle state of a visit inside the submission
// pipeline. States form a closed set; transitions go through
// CanTransitionTo so an illegal move is an error rather than a silent
// string assignment.
type VisitState string

const (
	StateCaptured  VisitState = "CAPTURED"
	StateValidated VisitState = "VALIDATED"
	StateInvalid   VisitState = "INVALID"
	StateQueued    VisitState = "QUEUED"
	StateSubmitted VisitState = "SUBMITTED"
	StatePending   VisitState = "PENDING"
	StateAccepted  VisitState = "ACCEPTED"
	StateRejected  VisitState = "REJECTED"
	StateCorrected VisitState = "CORRECTED"
)

// stateTransitions is the full transition table of the submission state
// machine. ACCEPTED is terminal: nothing ever moves an accepted visit, an
// amendment is a new record under a derived dedup key.
var stateTransitions = map[VisitState][]VisitState{
	StateCaptured:  {StateValidated, StateInvalid},
	StateValidated: {StateQueued},
	StateInvalid:   {StateCorrected},
	StateQueued:    {StateSubmitted, StateRejected},
	StateSubmitted: {StateAccepted, StateRejected, StatePending, StateQueued},
	StatePending:   {StateAccepted, StateRejected},
	StateRejected:  {StateCorrected},
	StateCorrected: {StateValidated, StateInvalid},
	StateAccepted:  {},
}

// CanTransitionTo reports whether moving from s to next is a legal
// transition of the submission state machine.
func (s VisitState) CanTransitionTo(next VisitState) bool {
	for _, allowed := range stateTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state permits no further transitions.
func (s VisitState) IsTerminal() bool {
	return len(stateTransitions[s]) == 0
}

// ErrIllegalTransition is returned when a state change violates the
// transition table.
type ErrIllegalTransition struct {
	From VisitState
	To   VisitState
}

func (e ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal visit state transition %s -> %s", e.From, e.To)
}

// GPSPoint is a captured device coordinate.
type GPSPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VisitRecord represents one scheduled caregiver-client encounter as it
// moves through capture, validation, submission and billing gating.
// VisitID is owned by scheduling and immutable; DedupKey is derived once
// the rounded times are known and never changes afterwards.
type VisitRecord struct {
	ID             int64  `json:"-"`
	VisitID        string `json:"visit_id"`
	DedupKey       string `json:"dedup_key"`
	OrganizationID string `json:"organization_id"`
	ClientID       string `json:"client_id"`
	CaregiverID    string `json:"caregiver_id"`

	ServiceCode     string `json:"service_code"`
	AuthorizationID string `json:"authorization_id"`

	ScheduledStart  time.Time `json:"scheduled_start"`
	ScheduledEnd    time.Time `json:"scheduled_end"`
	RawClockIn      time.Time `json:"raw_clock_in,omitempty"`
	RawClockOut     time.Time `json:"raw_clock_out,omitempty"`
	RoundedClockIn  time.Time `json:"rounded_clock_in,omitempty"`
	RoundedClockOut time.Time `json:"rounded_clock_out,omitempty"`

	// ServiceLocation is the client's service address, set by scheduling.
	// GPS is the device capture; the geofence distance is derived from
	// the two at clock-in.
	ServiceLocation        *GPSPoint `json:"service_location,omitempty"`
	GPS                    *GPSPoint `json:"gps,omitempty"`
	GeofenceDistanceMeters float64   `json:"geofence_distance_meters"`
	GPSOverride            bool      `json:"gps_override"`

	State VisitState `json:"state"`

	AttemptCount     int       `json:"attempt_count"`
	LastAttemptAt    time.Time `json:"last_attempt_at,omitempty"`
	LastErrorCode    string    `json:"last_error_code,omitempty"`
	AcknowledgmentID string    `json:"acknowledgment_id,omitempty"`

	LatenessMinutes int  `json:"lateness_minutes"`
	LatenessFlagged bool `json:"lateness_flagged"`

	CreatedAt time.Time              `json:"created_at"`
	MetaData  map[string]interface{} `json:"meta_data,omitempty"`
}

// TransitionTo moves the visit to the next state, rejecting moves the
// transition table does not allow.
func (v *VisitRecord) TransitionTo(next VisitState) error {
	if !v.State.CanTransitionTo(next) {
		return ErrIllegalTransition{From: v.State, To: next}
	}
	v.State = next
	return nil
}

// Duration returns the billed (rounded) visit duration. Zero when the
// rounded times are not both set yet.
func (v *VisitRecord) Duration() time.Duration {
	if v.RoundedClockIn.IsZero() || v.RoundedClockOut.IsZero() {
		return 0
	}
	return v.RoundedClockOut.Sub(v.RoundedClockIn)
}

// RequestedUnits converts the rounded duration to billable authorization
// units. minutesPerUnit is the payer convention, commonly 15.
func (v *VisitRecord) RequestedUnits(minutesPerUnit int) decimal.Decimal {
	if minutesPerUnit <= 0 {
		minutesPerUnit = 15
	}
	minutes := decimal.NewFromFloat(v.Duration().Minutes())
	return minutes.Div(decimal.NewFromInt(int64(minutesPerUnit)))
}

func (v *VisitRecord) ToJSON() ([]byte, error) {
	return json.Marshal(v)
}

// SubmissionAttempt is one append-only entry in a visit's submission
// history. Attempts are never mutated; retry eligibility and audits read
// from this log.
type SubmissionAttempt struct {
	ID                 int64     `json:"-"`
	AttemptID          string    `json:"attempt_id"`
	VisitID            string    `json:"visit_id"`
	AttemptNumber      int       `json:"attempt_number"`
	RequestPayloadHash string    `json:"request_payload_hash"`
	ResponseCode       string    `json:"response_code"`
	ResponseReasons    []string  `json:"response_reasons,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// CorrectionRecord links an original visit to the superseding corrected
// submission. A visit may accumulate corrections; only the most recent one
// is active for billing.
type CorrectionRecord struct {
	ID              int64     `json:"-"`
	CorrectionID    string    `json:"correction_id"`
	VisitID         string    `json:"visit_id"`
	Reason          string    `json:"reason"`
	CorrectedFields []string  `json:"corrected_fields"`
	CorrectedBy     string    `json:"corrected_by"`
	CorrectedAt     time.Time `json:"corrected_at"`
	Amendment       bool      `json:"amendment"`
	NewDedupKey     string    `json:"new_dedup_key,omitempty"`
}

// Authorization is the payer authorization a visit bills against. The
// pipeline only reads it; unit decrement on confirmed billing belongs to
// the claims collaborator.
type Authorization struct {
	AuthorizationID string          `json:"authorization_id"`
	ClientID        string          `json:"client_id"`
	ServiceCodes    []string        `json:"service_codes"`
	TotalUnits      decimal.Decimal `json:"total_units"`
	UsedUnits       decimal.Decimal `json:"used_units"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
}

// RemainingUnits returns the units still available under the authorization.
func (a *Authorization) RemainingUnits() decimal.Decimal {
	return a.TotalUnits.Sub(a.UsedUnits)
}

// AllowsServiceCode reports whether the service code is covered by the
// authorization.
func (a *Authorization) AllowsServiceCode(code string) bool {
	for _, c := range a.ServiceCodes {
		if c == code {
			return true
		}
	}
	return false
}

// OverrideEvent is an auditable record of a human bypassing an automated
// check: a supervisor clearing a missing-GPS block, or an approver pushing
// a claim past a strict gate.
type OverrideEvent struct {
	ID            int64     `json:"-"`
	EventID       string    `json:"event_id"`
	VisitID       string    `json:"visit_id"`
	Kind          string    `json:"kind"`
	ApprovedBy    string    `json:"approved_by"`
	Justification string    `json:"justification"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	OverrideKindGPS        = "gps_missing"
	OverrideKindClaimsGate = "claims_gate"
)
