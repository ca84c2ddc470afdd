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

package database

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

var visitTestColumns = []string{
	"visit_id", "dedup_key", "organization_id", "client_id", "caregiver_id", "service_code", "authorization_id",
	"scheduled_start", "scheduled_end", "raw_clock_in", "raw_clock_out", "rounded_clock_in", "rounded_clock_out",
	"service_latitude", "service_longitude", "gps_latitude", "gps_longitude", "geofence_distance_meters", "gps_override", "state",
	"attempt_count", "last_attempt_at", "last_error_code", "acknowledgment_id",
	"lateness_minutes", "lateness_flagged", "created_at", "meta_data",
}

func visitRow(visitID, state string) []driver.Value {
	now := time.Now()
	return []driver.Value{
		visitID, "key-" + visitID, "org_1", "cli_001", "cgr_001", "T1019", "aut_001",
		now, now.Add(time.Hour), now, now.Add(time.Hour), now, now.Add(time.Hour),
		40.7128, -74.0060, 40.7130, -74.0062, 25.0, false, state,
		0, nil, nil, nil,
		0, false, now, []byte(`{"note":"x"}`),
	}
}

func TestRecordVisit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	visit := &model.VisitRecord{
		VisitID:         "vst_1",
		DedupKey:        "abc",
		OrganizationID:  "org_1",
		ClientID:        "cli_001",
		CaregiverID:     "cgr_001",
		ServiceCode:     "T1019",
		AuthorizationID: "aut_001",
		ScheduledStart:  time.Now(),
		ScheduledEnd:    time.Now().Add(time.Hour),
		ServiceLocation: &model.GPSPoint{Latitude: 40.7128, Longitude: -74.0060},
		State:           model.StateCaptured,
		CreatedAt:       time.Now(),
	}

	mock.ExpectExec("INSERT INTO evv.visits").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := ds.RecordVisit(context.Background(), visit)
	assert.NoError(t, err)
	assert.Equal(t, "vst_1", result.VisitID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVisit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM evv.visits WHERE visit_id =").
		WithArgs("vst_1").
		WillReturnRows(sqlmock.NewRows(visitTestColumns).AddRow(visitRow("vst_1", "QUEUED")...))

	visit, err := ds.GetVisit(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Equal(t, "vst_1", visit.VisitID)
	assert.Equal(t, model.StateQueued, visit.State)
	assert.NotNil(t, visit.ServiceLocation)
	assert.NotNil(t, visit.GPS)
	assert.Equal(t, 25.0, visit.GeofenceDistanceMeters)
	assert.Equal(t, "x", visit.MetaData["note"])
}

func TestGetVisitNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM evv.visits WHERE visit_id =").
		WithArgs("vst_missing").
		WillReturnRows(sqlmock.NewRows(visitTestColumns))

	visit, err := ds.GetVisit(context.Background(), "vst_missing")
	assert.Nil(t, visit)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestVisitExistsByDedupKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("somekey").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := ds.VisitExistsByDedupKey(context.Background(), "somekey")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestUpdateVisitState(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits").
		WithArgs("vst_1", "VALIDATED", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.UpdateVisitState(context.Background(), "vst_1", model.StateValidated, model.StateQueued)
	assert.NoError(t, err)
}

func TestUpdateVisitStateRejectsIllegalTransition(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	// No SQL should run for a transition the table forbids.
	err = ds.UpdateVisitState(context.Background(), "vst_1", model.StateAccepted, model.StateQueued)
	assert.Error(t, err)
}

func TestUpdateVisitStateConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits").
		WithArgs("vst_1", "QUEUED", "SUBMITTED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = ds.UpdateVisitState(context.Background(), "vst_1", model.StateQueued, model.StateSubmitted)
	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrConflict, apiErr.Code)
}

func TestClaimVisitForSubmission(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits").
		WithArgs("vst_1", "SUBMITTED", sqlmock.AnyArg(), "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := ds.ClaimVisitForSubmission(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimVisitForSubmissionAlreadyClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits").
		WithArgs("vst_1", "SUBMITTED", sqlmock.AnyArg(), "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := ds.ClaimVisitForSubmission(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.False(t, claimed)
}

func TestMarkVisitAccepted(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits").
		WithArgs("vst_1", "ACCEPTED", "ack_9", "SUBMITTED", "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.MarkVisitAccepted(context.Background(), "vst_1", "ack_9"))
}

func TestMarkVisitRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits").
		WithArgs("vst_1", "REJECTED", "AUTH_EXPIRED", "SUBMITTED", "PENDING", "QUEUED").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.MarkVisitRejected(context.Background(), "vst_1", "AUTH_EXPIRED"))
}

func TestGetStuckQueuedVisits(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows(visitTestColumns).
		AddRow(visitRow("vst_old", "QUEUED")...).
		AddRow(visitRow("vst_older", "QUEUED")...)

	mock.ExpectQuery("SELECT .* FROM evv.visits").
		WithArgs("QUEUED", sqlmock.AnyArg(), 100).
		WillReturnRows(rows)

	visits, err := ds.GetStuckQueuedVisits(context.Background(), 10*time.Minute, 100)
	assert.NoError(t, err)
	assert.Len(t, visits, 2)
	assert.Equal(t, "vst_old", visits[0].VisitID)
}

func TestGetStuckSubmittedVisits(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM evv.visits").
		WithArgs("SUBMITTED", sqlmock.AnyArg(), 100).
		WillReturnRows(sqlmock.NewRows(visitTestColumns).AddRow(visitRow("vst_stalled", "SUBMITTED")...))

	visits, err := ds.GetStuckSubmittedVisits(context.Background(), 10*time.Minute, 100)
	assert.NoError(t, err)
	assert.Len(t, visits, 1)
	assert.Equal(t, "vst_stalled", visits[0].VisitID)
	assert.Equal(t, model.StateSubmitted, visits[0].State)
}

func TestGetPendingVisits(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM evv.visits").
		WithArgs("PENDING", 50).
		WillReturnRows(sqlmock.NewRows(visitTestColumns).AddRow(visitRow("vst_p", "PENDING")...))

	visits, err := ds.GetPendingVisits(context.Background(), 50)
	assert.NoError(t, err)
	assert.Len(t, visits, 1)
	assert.Equal(t, model.StatePending, visits[0].State)
}

func TestSetGPSOverride(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectExec("UPDATE evv.visits SET gps_override").
		WithArgs("vst_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, ds.SetGPSOverride(context.Background(), "vst_1"))
}
