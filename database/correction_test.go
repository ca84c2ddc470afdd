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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

func TestRecordCorrection(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	correction := &model.CorrectionRecord{
		CorrectionID:    "cor_1",
		VisitID:         "vst_1",
		Reason:          "wrong clock-out entered",
		CorrectedFields: []string{"raw_clock_out"},
		CorrectedBy:     "coordinator_7",
		CorrectedAt:     time.Now(),
		NewDedupKey:     "newkey",
	}

	mock.ExpectExec("INSERT INTO evv.corrections").
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.RecordCorrection(context.Background(), correction))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetCorrections(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows([]string{"correction_id", "visit_id", "reason", "corrected_fields", "corrected_by", "corrected_at", "amendment", "new_dedup_key"}).
		AddRow("cor_1", "vst_1", "typo", []byte(`["raw_clock_out"]`), "coordinator_7", time.Now(), false, nil).
		AddRow("cor_2", "vst_1", "late amendment", []byte(`["service_code"]`), "coordinator_7", time.Now(), true, "amendedkey")

	mock.ExpectQuery("SELECT .* FROM evv.corrections").
		WithArgs("vst_1").
		WillReturnRows(rows)

	corrections, err := ds.GetCorrections(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Len(t, corrections, 2)
	assert.Equal(t, []string{"raw_clock_out"}, corrections[0].CorrectedFields)
	assert.True(t, corrections[1].Amendment)
	assert.Equal(t, "amendedkey", corrections[1].NewDedupKey)
}

func TestGetActiveCorrectionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT .* FROM evv.corrections").
		WithArgs("vst_1").
		WillReturnRows(sqlmock.NewRows([]string{"correction_id"}))

	correction, err := ds.GetActiveCorrection(context.Background(), "vst_1")
	assert.Nil(t, correction)

	apiErr, ok := err.(apierror.APIError)
	assert.True(t, ok)
	assert.Equal(t, apierror.ErrNotFound, apiErr.Code)
}

func TestCountAmendments(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("vst_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := ds.CountAmendments(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}
