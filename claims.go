/*
Copyright 2024 CareTrack Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package evv

import (
	"context"
	"fmt"
	"time"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

// Claim block reasons reported by the readiness gate.
const (
	BlockNotAccepted        = "VISIT_NOT_ACCEPTED"
	BlockNoAcknowledgment   = "NO_ACKNOWLEDGMENT_ID"
	BlockUnresolvedFlags    = "UNRESOLVED_FLAGS"
	BlockAuthNotFound       = "AUTHORIZATION_NOT_FOUND"
	BlockAuthMismatch       = "AUTHORIZATION_MISMATCH"
	BlockServiceCodeInvalid = "SERVICE_CODE_NOT_COVERED"
	BlockAuthExhausted      = "AUTHORIZATION_UNITS_EXHAUSTED"
	BlockSuperseded         = "SUPERSEDED_BY_AMENDMENT"
)

// ClaimReadiness is the gate's verdict for a single visit. Ready means the
// visit may be billed; otherwise BlockReasons lists everything standing in
// the way. Overridden marks a verdict forced ready by an audited human
// override.
type ClaimReadiness struct {
	VisitID      string   `json:"visit_id"`
	Ready        bool     `json:"ready"`
	BlockReasons []string `json:"block_reasons,omitempty"`
	Overridden   bool     `json:"overridden,omitempty"`
}

// ClaimsReport aggregates readiness across an organization's visits in a
// billing window, with a per-reason breakdown for the blocked ones.
type ClaimsReport struct {
	OrganizationID string           `json:"organization_id"`
	From           time.Time        `json:"from"`
	To             time.Time        `json:"to"`
	TotalVisits     int              `json:"total_visits"`
	ReadyVisits     int              `json:"ready_visits"`
	BlockedVisits   int              `json:"blocked_visits"`
	ReadyPercentage float64          `json:"ready_percentage"`
	BlockBreakdown  map[string]int   `json:"block_breakdown,omitempty"`
	Verdicts        []ClaimReadiness `json:"verdicts"`
}

// IsClaimReady evaluates the billing gate for one visit. Readiness is
// always computed fresh from stored state, never cached: a stale ready
// verdict is a compliance risk.
func (e *Evv) IsClaimReady(ctx context.Context, visitID string) (*ClaimReadiness, error) {
	ctx, span := tracer.Start(ctx, "Evaluating claims gate")
	defer span.End()

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	verdict, err := e.computeReadiness(ctx, visit)
	if err != nil {
		return nil, err
	}
	if verdict.Ready {
		return verdict, nil
	}

	// A prior audited gate override forces the verdict ready.
	events, err := e.datasource.GetOverrideEvents(ctx, visitID)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if event.Kind == model.OverrideKindClaimsGate {
			verdict.Ready = true
			verdict.Overridden = true
			break
		}
	}
	return verdict, nil
}

// computeReadiness builds the raw gate verdict. Visit state is checked
// first; an accepted visit is then re-checked against the live
// authorization, because the payer can revoke, re-scope or exhaust it
// between acceptance and billing, and against the correction history,
// because an amended visit must not be billed twice.
func (e *Evv) computeReadiness(ctx context.Context, visit *model.VisitRecord) (*ClaimReadiness, error) {
	verdict := &ClaimReadiness{VisitID: visit.VisitID}

	if visit.State != model.StateAccepted {
		verdict.BlockReasons = append(verdict.BlockReasons, BlockNotAccepted)
	}
	if visit.AcknowledgmentID == "" {
		verdict.BlockReasons = append(verdict.BlockReasons, BlockNoAcknowledgment)
	}
	if visit.State == model.StateAccepted {
		if visit.LastErrorCode != "" {
			verdict.BlockReasons = append(verdict.BlockReasons, BlockUnresolvedFlags)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return nil, err
		}
		auth := e.resolveAuthorization(ctx, visit)
		appendAuthorizationBlocks(visit, auth, cnf.VisitPolicy.MinutesPerUnit, verdict)

		correction, err := e.datasource.GetActiveCorrection(ctx, visit.VisitID)
		if err != nil {
			if apiErr, ok := err.(apierror.APIError); !ok || apiErr.Code != apierror.ErrNotFound {
				return nil, err
			}
		} else if correction.Amendment {
			// Only the latest submission in the amendment chain is
			// billable; the superseded original keeps its audit trail.
			verdict.BlockReasons = append(verdict.BlockReasons, BlockSuperseded)
		}
	}

	verdict.Ready = len(verdict.BlockReasons) == 0
	return verdict, nil
}

// appendAuthorizationBlocks re-runs the authorization conjuncts of the
// gate against the authorization as it stands now, not as it stood at
// validation time.
func appendAuthorizationBlocks(visit *model.VisitRecord, auth *model.Authorization, minutesPerUnit int, verdict *ClaimReadiness) {
	if auth == nil {
		verdict.BlockReasons = append(verdict.BlockReasons, BlockAuthNotFound)
		return
	}
	if auth.ClientID != "" && auth.ClientID != visit.ClientID {
		verdict.BlockReasons = append(verdict.BlockReasons, BlockAuthMismatch)
	}
	if !auth.AllowsServiceCode(visit.ServiceCode) {
		verdict.BlockReasons = append(verdict.BlockReasons, BlockServiceCodeInvalid)
	}
	if auth.RemainingUnits().LessThan(visit.RequestedUnits(minutesPerUnit)) {
		verdict.BlockReasons = append(verdict.BlockReasons, BlockAuthExhausted)
	}
}

// GateClaim enforces the gate for a claim about to be billed. In warn mode
// a blocked claim passes with the reasons attached for the biller to see;
// in strict mode it is refused outright.
func (e *Evv) GateClaim(ctx context.Context, visitID string) (*ClaimReadiness, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	verdict, err := e.IsClaimReady(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if verdict.Ready {
		return verdict, nil
	}

	if cnf.Claims.GateMode == "strict" {
		return verdict, apierror.NewAPIError(apierror.ErrGateBlocked,
			fmt.Sprintf("Visit '%s' is not claim-ready: %v", visitID, verdict.BlockReasons), verdict.BlockReasons)
	}
	return verdict, nil
}

// OverrideClaimsGate records an audited human decision to bill a visit the
// gate would block. The override event carries the approver and the
// justification; the gate consults it on every later evaluation.
func (e *Evv) OverrideClaimsGate(ctx context.Context, visitID, approvedBy, justification string) error {
	ctx, span := tracer.Start(ctx, "Overriding claims gate")
	defer span.End()

	if approvedBy == "" || justification == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "A gate override requires an approver and a justification", nil)
	}

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return err
	}
	verdict, err := e.computeReadiness(ctx, visit)
	if err != nil {
		return err
	}
	if verdict.Ready {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is already claim-ready; an override does not apply", visitID), nil)
	}

	event := &model.OverrideEvent{
		EventID:       model.GenerateUUIDWithSuffix("ovr"),
		VisitID:       visitID,
		Kind:          model.OverrideKindClaimsGate,
		ApprovedBy:    approvedBy,
		Justification: justification,
		CreatedAt:     time.Now(),
	}
	if err := e.datasource.RecordOverrideEvent(ctx, event); err != nil {
		return logAndRecordError(span, "error recording gate override: ", err)
	}
	return nil
}

// ClaimsReadinessReport evaluates the gate over every visit an
// organization scheduled in [from, to), for billing-run triage.
func (e *Evv) ClaimsReadinessReport(ctx context.Context, organizationID string, from, to time.Time) (*ClaimsReport, error) {
	ctx, span := tracer.Start(ctx, "Building claims readiness report")
	defer span.End()

	visits, err := e.datasource.GetVisitsInRange(ctx, organizationID, from, to)
	if err != nil {
		return nil, err
	}

	report := &ClaimsReport{
		OrganizationID: organizationID,
		From:           from,
		To:             to,
		TotalVisits:    len(visits),
		BlockBreakdown: make(map[string]int),
	}

	for i := range visits {
		verdict, err := e.IsClaimReady(ctx, visits[i].VisitID)
		if err != nil {
			return nil, err
		}
		if verdict.Ready {
			report.ReadyVisits++
		} else {
			report.BlockedVisits++
			for _, reason := range verdict.BlockReasons {
				report.BlockBreakdown[reason]++
			}
		}
		report.Verdicts = append(report.Verdicts, *verdict)
	}
	if report.TotalVisits > 0 {
		report.ReadyPercentage = float64(report.ReadyVisits) / float64(report.TotalVisits) * 100
	}
	return report, nil
}
