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
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

func testAuthorization() *model.Authorization {
	return &model.Authorization{
		AuthorizationID: "aut_001",
		ClientID:        "cli_001",
		ServiceCodes:    []string{"T1019", "T1020"},
		TotalUnits:      decimal.NewFromInt(100),
		UsedUnits:       decimal.NewFromInt(10),
	}
}

func TestCorrectVisitRequeuesWithNewDedupKey(t *testing.T) {
	service, ds, _ := newTestService(t)
	visit := queuedVisitFixture()
	visit.State = model.StateRejected
	visit.LastErrorCode = "AUTH_EXPIRED"

	newClockIn := time.Date(2024, 3, 5, 9, 14, 0, 0, time.UTC)
	req := &CorrectionRequest{
		Reason:      "caregiver clocked in from the wrong client profile",
		CorrectedBy: "coo_1",
		RawClockIn:  &newClockIn,
	}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(visit, nil)
	ds.On("VisitExistsByDedupKey", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	ds.On("RecordCorrection", mock.Anything, mock.MatchedBy(func(c *model.CorrectionRecord) bool {
		return c.VisitID == "vst_1" &&
			c.CorrectedBy == "coo_1" &&
			len(c.CorrectedFields) == 1 && c.CorrectedFields[0] == "raw_clock_in" &&
			c.NewDedupKey != "" && c.NewDedupKey != "dedup-vst-1" &&
			!c.Amendment
	})).Return(nil)
	ds.On("GetAuthorization", mock.Anything, "aut_001").Return(testAuthorization(), nil)
	ds.On("UpdateVisit", mock.Anything, visit).Return(nil)
	ds.On("UpdateVisitState", mock.Anything, "vst_1", model.StateValidated, model.StateQueued).Return(nil)

	corrected, result, err := service.CorrectVisit(context.Background(), "vst_1", req)
	assert.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, model.StateQueued, corrected.State)
	// 09:14 rounds to 09:15 at 15-minute granularity, so the key changes.
	assert.Equal(t, time.Date(2024, 3, 5, 9, 15, 0, 0, time.UTC), corrected.RoundedClockIn)
	assert.NotEqual(t, "dedup-vst-1", corrected.DedupKey)
	assert.Empty(t, corrected.LastErrorCode)
	ds.AssertExpectations(t)
}

func TestCorrectVisitInvalidCorrectionStaysInvalid(t *testing.T) {
	service, ds, _ := newTestService(t)
	visit := queuedVisitFixture()
	visit.State = model.StateInvalid
	visit.LastErrorCode = model.FailureGPSMissing
	visit.GPS = nil

	req := &CorrectionRequest{
		Reason:      "retry after device sync",
		CorrectedBy: "coo_1",
		ServiceCode: "T1020",
	}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(visit, nil)
	ds.On("VisitExistsByDedupKey", mock.Anything, mock.AnythingOfType("string")).Return(false, nil)
	ds.On("RecordCorrection", mock.Anything, mock.AnythingOfType("*model.CorrectionRecord")).Return(nil)
	ds.On("GetAuthorization", mock.Anything, "aut_001").Return(testAuthorization(), nil)
	ds.On("UpdateVisit", mock.Anything, visit).Return(nil)

	corrected, result, err := service.CorrectVisit(context.Background(), "vst_1", req)
	assert.NoError(t, err)
	assert.False(t, result.IsValid)
	assert.Equal(t, model.StateInvalid, corrected.State)
	assert.Equal(t, model.FailureGPSMissing, corrected.LastErrorCode)
	ds.AssertNotCalled(t, "UpdateVisitState", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCorrectVisitRejectsWrongState(t *testing.T) {
	service, ds, _ := newTestService(t)
	visit := queuedVisitFixture()

	clockIn := time.Date(2024, 3, 5, 9, 10, 0, 0, time.UTC)
	req := &CorrectionRequest{Reason: "r", CorrectedBy: "coo_1", RawClockIn: &clockIn}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(visit, nil)

	_, _, err := service.CorrectVisit(context.Background(), "vst_1", req)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	ds.AssertNotCalled(t, "RecordCorrection", mock.Anything, mock.Anything)
}

func TestCorrectVisitRequiresReasonAuthorAndFields(t *testing.T) {
	service, ds, _ := newTestService(t)
	clockIn := time.Date(2024, 3, 5, 9, 10, 0, 0, time.UTC)

	_, _, err := service.CorrectVisit(context.Background(), "vst_1", &CorrectionRequest{CorrectedBy: "coo_1", RawClockIn: &clockIn})
	assert.Error(t, err)
	_, _, err = service.CorrectVisit(context.Background(), "vst_1", &CorrectionRequest{Reason: "r", RawClockIn: &clockIn})
	assert.Error(t, err)
	_, _, err = service.CorrectVisit(context.Background(), "vst_1", &CorrectionRequest{Reason: "r", CorrectedBy: "coo_1"})
	assert.Error(t, err)
	ds.AssertNotCalled(t, "GetVisit", mock.Anything, mock.Anything)
}

func TestCorrectVisitDedupCollision(t *testing.T) {
	service, ds, _ := newTestService(t)
	visit := queuedVisitFixture()
	visit.State = model.StateRejected

	newClockIn := time.Date(2024, 3, 5, 9, 14, 0, 0, time.UTC)
	req := &CorrectionRequest{Reason: "overlap fix", CorrectedBy: "coo_1", RawClockIn: &newClockIn}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(visit, nil)
	ds.On("VisitExistsByDedupKey", mock.Anything, mock.AnythingOfType("string")).Return(true, nil)

	_, _, err := service.CorrectVisit(context.Background(), "vst_1", req)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	ds.AssertNotCalled(t, "RecordCorrection", mock.Anything, mock.Anything)
}

func TestAmendAcceptedVisit(t *testing.T) {
	service, ds, _ := newTestService(t)
	original := acceptedVisitFixture()
	amendmentKey := model.GenerateAmendmentKey("dedup-vst-1", 1)

	req := &CorrectionRequest{
		Reason:      "payer requested corrected service code",
		CorrectedBy: "coo_1",
		ServiceCode: "T1020",
	}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(original, nil)
	ds.On("CountAmendments", mock.Anything, "vst_1").Return(0, nil)
	ds.On("RecordVisit", mock.Anything, mock.MatchedBy(func(v *model.VisitRecord) bool {
		return v.VisitID != "vst_1" &&
			v.DedupKey == amendmentKey &&
			v.ServiceCode == "T1020" &&
			v.MetaData["amends_visit_id"] == "vst_1" &&
			v.MetaData["amendment_sequence"] == 1
	})).Return(&model.VisitRecord{}, nil)
	ds.On("RecordCorrection", mock.Anything, mock.MatchedBy(func(c *model.CorrectionRecord) bool {
		return c.VisitID == "vst_1" && c.Amendment && c.NewDedupKey == amendmentKey
	})).Return(nil)
	ds.On("GetAuthorization", mock.Anything, "aut_001").Return(testAuthorization(), nil)
	ds.On("UpdateVisit", mock.Anything, mock.AnythingOfType("*model.VisitRecord")).Return(nil)
	ds.On("UpdateVisitState", mock.Anything, mock.AnythingOfType("string"), model.StateValidated, model.StateQueued).Return(nil)

	amended, result, err := service.AmendAcceptedVisit(context.Background(), "vst_1", req)
	assert.NoError(t, err)
	assert.True(t, result.IsValid)
	assert.Equal(t, model.StateQueued, amended.State)
	assert.NotEqual(t, original.VisitID, amended.VisitID)
	assert.Equal(t, amendmentKey, amended.DedupKey)
	assert.Zero(t, amended.AttemptCount)
	assert.Empty(t, amended.AcknowledgmentID)

	// The accepted original is untouched.
	assert.Equal(t, model.StateAccepted, original.State)
	ds.AssertExpectations(t)
}

func TestAmendAcceptedVisitSequenceIncrements(t *testing.T) {
	service, ds, _ := newTestService(t)
	original := acceptedVisitFixture()
	thirdKey := model.GenerateAmendmentKey("dedup-vst-1", 3)

	req := &CorrectionRequest{Reason: "third revision", CorrectedBy: "coo_1", ServiceCode: "T1020"}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(original, nil)
	ds.On("CountAmendments", mock.Anything, "vst_1").Return(2, nil)
	ds.On("RecordVisit", mock.Anything, mock.MatchedBy(func(v *model.VisitRecord) bool {
		return v.DedupKey == thirdKey && v.MetaData["amendment_sequence"] == 3
	})).Return(&model.VisitRecord{}, nil)
	ds.On("RecordCorrection", mock.Anything, mock.AnythingOfType("*model.CorrectionRecord")).Return(nil)
	ds.On("GetAuthorization", mock.Anything, "aut_001").Return(testAuthorization(), nil)
	ds.On("UpdateVisit", mock.Anything, mock.AnythingOfType("*model.VisitRecord")).Return(nil)
	ds.On("UpdateVisitState", mock.Anything, mock.AnythingOfType("string"), model.StateValidated, model.StateQueued).Return(nil)

	amended, _, err := service.AmendAcceptedVisit(context.Background(), "vst_1", req)
	assert.NoError(t, err)
	assert.Equal(t, thirdKey, amended.DedupKey)
}

func TestAmendRejectsUnacceptedVisit(t *testing.T) {
	service, ds, _ := newTestService(t)
	visit := queuedVisitFixture()

	req := &CorrectionRequest{Reason: "r", CorrectedBy: "coo_1", ServiceCode: "T1020"}

	ds.On("GetVisit", mock.Anything, "vst_1").Return(visit, nil)

	_, _, err := service.AmendAcceptedVisit(context.Background(), "vst_1", req)
	assert.Error(t, err)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
	ds.AssertNotCalled(t, "RecordVisit", mock.Anything, mock.Anything)
}

func TestGetCorrectionsPassthrough(t *testing.T) {
	service, ds, _ := newTestService(t)

	ds.On("GetCorrections", mock.Anything, "vst_1").Return([]model.CorrectionRecord{
		{CorrectionID: "cor_1", VisitID: "vst_1"},
	}, nil)

	records, err := service.GetCorrections(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Len(t, records, 1)
}
