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
	"sort"
	"time"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

// CorrectionRequest carries the fields a coordinator may change on a
// rejected or invalid visit, plus the audit attribution. Nil time fields
// leave the captured values alone.
type CorrectionRequest struct {
	Reason          string                 `json:"reason"`
	CorrectedBy     string                 `json:"corrected_by"`
	RawClockIn      *time.Time             `json:"raw_clock_in,omitempty"`
	RawClockOut     *time.Time             `json:"raw_clock_out,omitempty"`
	ServiceCode     string                 `json:"service_code,omitempty"`
	AuthorizationID string                 `json:"authorization_id,omitempty"`
	GPS             *model.GPSPoint        `json:"gps,omitempty"`
	MetaData        map[string]interface{} `json:"meta_data,omitempty"`
}

func (r *CorrectionRequest) correctedFields() []string {
	var fields []string
	if r.RawClockIn != nil {
		fields = append(fields, "raw_clock_in")
	}
	if r.RawClockOut != nil {
		fields = append(fields, "raw_clock_out")
	}
	if r.ServiceCode != "" {
		fields = append(fields, "service_code")
	}
	if r.AuthorizationID != "" {
		fields = append(fields, "authorization_id")
	}
	if r.GPS != nil {
		fields = append(fields, "gps")
	}
	sort.Strings(fields)
	return fields
}

// CorrectVisit applies a coordinator's correction to a rejected or invalid
// visit and re-runs the front half of the pipeline on the corrected
// values. The original submission attempts stay in the log; the correction
// record links the audit trail together. A correction that changes the
// rounded times changes the dedup key, which is recorded on the
// correction.
func (e *Evv) CorrectVisit(ctx context.Context, visitID string, req *CorrectionRequest) (*model.VisitRecord, *model.ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "Correcting visit")
	defer span.End()

	if req.Reason == "" || req.CorrectedBy == "" {
		return nil, nil, apierror.NewAPIError(apierror.ErrBadRequest, "A correction requires a reason and an author", nil)
	}
	fields := req.correctedFields()
	if len(fields) == 0 {
		return nil, nil, apierror.NewAPIError(apierror.ErrBadRequest, "A correction must change at least one field", nil)
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, nil, err
	}

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	if visit.State != model.StateRejected && visit.State != model.StateInvalid {
		return nil, nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is in state %s; only rejected or invalid visits can be corrected", visitID, visit.State), nil)
	}

	if err := visit.TransitionTo(model.StateCorrected); err != nil {
		return nil, nil, err
	}

	originalKey := visit.DedupKey
	applyCorrection(visit, req)

	// Re-enter the pipeline: rounding, key derivation, validation, queue.
	visit.ApplyRounding(roundingFromConfig(cnf))
	newKey := model.GenerateDedupKey(visit)
	if newKey != originalKey {
		exists, err := e.datasource.VisitExistsByDedupKey(ctx, newKey)
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return nil, nil, apierror.NewAPIError(apierror.ErrConflict,
				fmt.Sprintf("Corrected times collide with an existing visit (dedup key %s)", newKey), nil)
		}
		visit.DedupKey = newKey
	}

	correction := &model.CorrectionRecord{
		CorrectionID:    model.GenerateUUIDWithSuffix("cor"),
		VisitID:         visit.VisitID,
		Reason:          req.Reason,
		CorrectedFields: fields,
		CorrectedBy:     req.CorrectedBy,
		CorrectedAt:     time.Now(),
	}
	if newKey != originalKey {
		correction.NewDedupKey = newKey
	}
	if err := e.datasource.RecordCorrection(ctx, correction); err != nil {
		return nil, nil, logAndRecordError(span, "error recording correction: ", err)
	}

	auth := e.resolveAuthorization(ctx, visit)
	result := model.ValidateVisit(visit, policyFromConfig(cnf), auth)

	next := model.StateValidated
	if !result.IsValid {
		next = model.StateInvalid
		visit.LastErrorCode = result.Failures[0].Code
	} else {
		visit.LastErrorCode = ""
	}
	if err := visit.TransitionTo(next); err != nil {
		return nil, nil, err
	}
	if err := e.datasource.UpdateVisit(ctx, visit); err != nil {
		return nil, nil, err
	}
	SendWebhook(NewWebhook{Event: "visit.corrected", Payload: visit})

	if !result.IsValid {
		return visit, &result, nil
	}
	if err := e.QueueVisit(ctx, visit); err != nil {
		return nil, nil, err
	}
	return visit, &result, nil
}

// AmendAcceptedVisit creates a new submission superseding an accepted
// visit. The accepted record never moves: an amendment is a fresh visit
// under a dedup key derived from the original key and the amendment
// sequence, so the aggregator sees a distinct idempotent submission that
// still traces back to the original.
func (e *Evv) AmendAcceptedVisit(ctx context.Context, visitID string, req *CorrectionRequest) (*model.VisitRecord, *model.ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "Amending accepted visit")
	defer span.End()

	if req.Reason == "" || req.CorrectedBy == "" {
		return nil, nil, apierror.NewAPIError(apierror.ErrBadRequest, "An amendment requires a reason and an author", nil)
	}

	cnf, err := config.Fetch()
	if err != nil {
		return nil, nil, err
	}

	original, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	if original.State != model.StateAccepted {
		return nil, nil, apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is in state %s; only accepted visits can be amended", visitID, original.State), nil)
	}

	sequence, err := e.datasource.CountAmendments(ctx, visitID)
	if err != nil {
		return nil, nil, err
	}
	sequence++

	amended := *original
	amended.ID = 0
	amended.VisitID = model.GenerateUUIDWithSuffix("vst")
	amended.State = model.StateCaptured
	amended.AttemptCount = 0
	amended.LastAttemptAt = time.Time{}
	amended.LastErrorCode = ""
	amended.AcknowledgmentID = ""
	amended.CreatedAt = time.Now()
	if amended.MetaData == nil {
		amended.MetaData = make(map[string]interface{})
	}
	amended.MetaData["amends_visit_id"] = original.VisitID
	amended.MetaData["amendment_sequence"] = sequence
	applyCorrection(&amended, req)
	amended.ApplyRounding(roundingFromConfig(cnf))
	amended.DedupKey = model.GenerateAmendmentKey(original.DedupKey, sequence)

	if _, err := e.datasource.RecordVisit(ctx, &amended); err != nil {
		return nil, nil, logAndRecordError(span, "error recording amendment: ", err)
	}

	correction := &model.CorrectionRecord{
		CorrectionID:    model.GenerateUUIDWithSuffix("cor"),
		VisitID:         original.VisitID,
		Reason:          req.Reason,
		CorrectedFields: req.correctedFields(),
		CorrectedBy:     req.CorrectedBy,
		CorrectedAt:     time.Now(),
		Amendment:       true,
		NewDedupKey:     amended.DedupKey,
	}
	if err := e.datasource.RecordCorrection(ctx, correction); err != nil {
		return nil, nil, logAndRecordError(span, "error recording amendment correction: ", err)
	}

	auth := e.resolveAuthorization(ctx, &amended)
	result := model.ValidateVisit(&amended, policyFromConfig(cnf), auth)

	next := model.StateValidated
	if !result.IsValid {
		next = model.StateInvalid
		amended.LastErrorCode = result.Failures[0].Code
	}
	if err := amended.TransitionTo(next); err != nil {
		return nil, nil, err
	}
	if err := e.datasource.UpdateVisit(ctx, &amended); err != nil {
		return nil, nil, err
	}

	if !result.IsValid {
		return &amended, &result, nil
	}
	if err := e.QueueVisit(ctx, &amended); err != nil {
		return nil, nil, err
	}
	return &amended, &result, nil
}

// GetCorrections returns the correction history of a visit, newest last.
func (e *Evv) GetCorrections(ctx context.Context, visitID string) ([]model.CorrectionRecord, error) {
	return e.datasource.GetCorrections(ctx, visitID)
}

func applyCorrection(visit *model.VisitRecord, req *CorrectionRequest) {
	if req.RawClockIn != nil {
		visit.RawClockIn = *req.RawClockIn
	}
	if req.RawClockOut != nil {
		visit.RawClockOut = *req.RawClockOut
	}
	if req.ServiceCode != "" {
		visit.ServiceCode = req.ServiceCode
	}
	if req.AuthorizationID != "" {
		visit.AuthorizationID = req.AuthorizationID
	}
	if req.GPS != nil {
		visit.GPS = req.GPS
		if visit.ServiceLocation != nil {
			visit.GeofenceDistanceMeters = model.HaversineDistanceMeters(
				req.GPS.Latitude, req.GPS.Longitude,
				visit.ServiceLocation.Latitude, visit.ServiceLocation.Longitude)
		}
	}
	for k, v := range req.MetaData {
		if visit.MetaData == nil {
			visit.MetaData = make(map[string]interface{})
		}
		visit.MetaData[k] = v
	}
}
