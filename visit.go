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

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

var tracer = otel.Tracer("evv.pipeline")

func logAndRecordError(span trace.Span, msg string, err error) error {
	span.RecordError(err)
	logrus.Error(msg, err)
	return err
}

// policyFromConfig snapshots the validation policy from the active
// configuration so one validation run never mixes settings from a reload.
func policyFromConfig(cnf *config.Configuration) model.VisitPolicy {
	return model.VisitPolicy{
		GeofenceRadiusMeters:  cnf.VisitPolicy.GeofenceRadiusMeters,
		ToleranceMinutes:      cnf.VisitPolicy.ClockInToleranceMinutes,
		MaxVisitDurationHours: cnf.VisitPolicy.MaxVisitDurationHours,
		MinutesPerUnit:        cnf.VisitPolicy.MinutesPerUnit,
	}
}

func roundingFromConfig(cnf *config.Configuration) model.RoundingConfig {
	return model.RoundingConfig{
		GranularityMinutes: cnf.VisitPolicy.RoundingGranularityMinutes,
		Mode:               model.RoundingMode(cnf.VisitPolicy.RoundingMode),
		ToleranceMinutes:   cnf.VisitPolicy.ClockInToleranceMinutes,
	}
}

// RegisterVisit records a scheduled visit from the scheduling system in
// CAPTURED state. Clock events and validation come later; nothing is
// submitted from here.
func (e *Evv) RegisterVisit(ctx context.Context, visit *model.VisitRecord) (*model.VisitRecord, error) {
	ctx, span := tracer.Start(ctx, "Registering visit")
	defer span.End()

	if visit.VisitID == "" {
		visit.VisitID = model.GenerateUUIDWithSuffix("vst")
	}
	visit.State = model.StateCaptured
	visit.CreatedAt = time.Now()

	visit, err := e.datasource.RecordVisit(ctx, visit)
	if err != nil {
		return nil, logAndRecordError(span, "error recording visit: ", err)
	}
	return visit, nil
}

// RecordClockIn attaches the caregiver's clock-in event to a visit. The
// geofence distance is computed here, once, from the device coordinates
// and the service address; validation later only compares the stored
// distance against the policy radius.
func (e *Evv) RecordClockIn(ctx context.Context, visitID string, clockIn time.Time, gps *model.GPSPoint) (*model.VisitRecord, error) {
	ctx, span := tracer.Start(ctx, "Recording clock-in")
	defer span.End()

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	if visit.State != model.StateCaptured {
		return nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is in state %s and no longer accepts clock events", visitID, visit.State), nil)
	}

	visit.RawClockIn = clockIn
	visit.GPS = gps
	if gps != nil && visit.ServiceLocation != nil {
		visit.GeofenceDistanceMeters = model.HaversineDistanceMeters(
			gps.Latitude, gps.Longitude,
			visit.ServiceLocation.Latitude, visit.ServiceLocation.Longitude)
	}

	if err := e.datasource.UpdateVisit(ctx, visit); err != nil {
		return nil, logAndRecordError(span, "error saving clock-in: ", err)
	}
	return visit, nil
}

// RecordClockOut completes the capture of a visit and runs it through the
// front half of the pipeline: rounding, dedup key derivation, the full
// element check, and on success the transition to QUEUED plus enqueue for
// submission. An invalid visit lands in INVALID with the failure list
// attached; nothing invalid is ever queued.
func (e *Evv) RecordClockOut(ctx context.Context, visitID string, clockOut time.Time) (*model.VisitRecord, *model.ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "Recording clock-out")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return nil, nil, err
	}

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	if visit.State != model.StateCaptured {
		return nil, nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is in state %s and no longer accepts clock events", visitID, visit.State), nil)
	}

	visit.RawClockOut = clockOut
	result, err := e.finalizeVisit(ctx, visit, cnf)
	if err != nil {
		return nil, nil, logAndRecordError(span, "error finalizing visit: ", err)
	}
	return visit, result, nil
}

// finalizeVisit runs rounding, keying, validation and queueing on a visit
// whose raw times are complete. Shared by clock-out and by corrections,
// which re-enter the pipeline here.
func (e *Evv) finalizeVisit(ctx context.Context, visit *model.VisitRecord, cnf *config.Configuration) (*model.ValidationResult, error) {
	rounding := roundingFromConfig(cnf)
	if err := rounding.Validate(); err != nil {
		return nil, err
	}
	visit.ApplyRounding(rounding)

	dedupKey := model.GenerateDedupKey(visit)
	if visit.DedupKey == "" {
		existing, err := e.datasource.VisitExistsByDedupKey(ctx, dedupKey)
		if err != nil {
			return nil, err
		}
		if existing {
			return nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("A visit with the same client, caregiver, service and rounded times already exists (dedup key %s)", dedupKey), nil)
		}
		visit.DedupKey = dedupKey
	}

	auth := e.resolveAuthorization(ctx, visit)
	result := model.ValidateVisit(visit, policyFromConfig(cnf), auth)

	next := model.StateValidated
	if !result.IsValid {
		next = model.StateInvalid
		visit.LastErrorCode = result.Failures[0].Code
	}
	if err := visit.TransitionTo(next); err != nil {
		return nil, err
	}
	if err := e.datasource.UpdateVisit(ctx, visit); err != nil {
		return nil, err
	}

	if !result.IsValid {
		SendWebhook(NewWebhook{Event: "visit.invalid", Payload: visit})
		return &result, nil
	}

	if err := e.QueueVisit(ctx, visit); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueueVisit moves a validated visit to QUEUED and enqueues it on the
// submission queue. The enqueue and the state write are not atomic; the
// sweeper re-enqueues any QUEUED visit whose task was lost.
func (e *Evv) QueueVisit(ctx context.Context, visit *model.VisitRecord) error {
	ctx, span := tracer.Start(ctx, "Queuing visit for submission")
	defer span.End()

	if err := e.datasource.UpdateVisitState(ctx, visit.VisitID, visit.State, model.StateQueued); err != nil {
		return err
	}
	visit.State = model.StateQueued

	if err := e.queue.Enqueue(ctx, visit); err != nil {
		return logAndRecordError(span, "error enqueuing visit: ", err)
	}
	SendWebhook(NewWebhook{Event: "visit.queued", Payload: visit})
	return nil
}

// resolveAuthorization fetches the authorization a visit bills against.
// A missing or unresolvable authorization is reported as nil; the
// validator turns that into the proper blocking failure.
func (e *Evv) resolveAuthorization(ctx context.Context, visit *model.VisitRecord) *model.Authorization {
	if visit.AuthorizationID == "" {
		return nil
	}
	auth, err := e.datasource.GetAuthorization(ctx, visit.AuthorizationID)
	if err != nil {
		logrus.Errorf("authorization lookup failed for %s: %v", visit.AuthorizationID, err)
		return nil
	}
	return auth
}

// ApproveGPSOverride records a supervisor's decision to submit a visit
// captured without GPS coordinates. The override event is the audit trail;
// the flag on the visit is what the validator consults.
func (e *Evv) ApproveGPSOverride(ctx context.Context, visitID, approvedBy, justification string) error {
	ctx, span := tracer.Start(ctx, "Approving GPS override")
	defer span.End()

	if approvedBy == "" || justification == "" {
		return apierror.NewAPIError(apierror.ErrBadRequest, "GPS override requires an approver and a justification", nil)
	}

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return err
	}
	if visit.GPS != nil {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' has GPS coordinates; an override does not apply", visitID), nil)
	}

	event := &model.OverrideEvent{
		EventID:       model.GenerateUUIDWithSuffix("ovr"),
		VisitID:       visitID,
		Kind:          model.OverrideKindGPS,
		ApprovedBy:    approvedBy,
		Justification: justification,
		CreatedAt:     time.Now(),
	}
	if err := e.datasource.RecordOverrideEvent(ctx, event); err != nil {
		return logAndRecordError(span, "error recording override event: ", err)
	}
	return e.datasource.SetGPSOverride(ctx, visitID)
}

// GetVisit returns a visit by its scheduling ID.
func (e *Evv) GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error) {
	return e.datasource.GetVisit(ctx, visitID)
}

// GetVisitAttempts returns the append-only submission history of a visit.
func (e *Evv) GetVisitAttempts(ctx context.Context, visitID string) ([]model.SubmissionAttempt, error) {
	return e.datasource.GetSubmissionAttempts(ctx, visitID)
}

// GetVisitsInRange returns an organization's visits with a scheduled start
// inside [from, to).
func (e *Evv) GetVisitsInRange(ctx context.Context, organizationID string, from, to time.Time) ([]model.VisitRecord, error) {
	return e.datasource.GetVisitsInRange(ctx, organizationID, from, to)
}

// UpsertAuthorization records or refreshes a payer authorization from the
// payer sync feed.
func (e *Evv) UpsertAuthorization(ctx context.Context, auth *model.Authorization) error {
	return e.datasource.RecordAuthorization(ctx, auth)
}
