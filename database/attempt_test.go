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
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/caretrack/evv/model"
)

func TestRecordSubmissionAttempt(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	attempt := &model.SubmissionAttempt{
		AttemptID:          "att_1",
		VisitID:            "vst_1",
		AttemptNumber:      1,
		RequestPayloadHash: "deadbeef",
		ResponseCode:       "REJECTED",
		ResponseReasons:    []string{"AUTH_EXPIRED"},
		Timestamp:          time.Now(),
	}
	reasonsJSON, _ := json.Marshal(attempt.ResponseReasons)

	mock.ExpectExec("INSERT INTO evv.submission_attempts").
		WithArgs(attempt.AttemptID, attempt.VisitID, attempt.AttemptNumber,
			attempt.RequestPayloadHash, attempt.ResponseCode, reasonsJSON, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.RecordSubmissionAttempt(context.Background(), attempt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubmissionAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows([]string{"attempt_id", "visit_id", "attempt_number", "request_payload_hash", "response_code", "response_reasons", "timestamp"}).
		AddRow("att_1", "vst_1", 1, "h1", "TRANSPORT_ERROR", []byte(`[]`), time.Now()).
		AddRow("att_2", "vst_1", 2, "h1", "ACCEPTED", []byte(`[]`), time.Now())

	mock.ExpectQuery("SELECT .* FROM evv.submission_attempts").
		WithArgs("vst_1").
		WillReturnRows(rows)

	attempts, err := ds.GetSubmissionAttempts(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, "ACCEPTED", attempts[1].ResponseCode)
}

func TestCountSubmissionAttempts(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("vst_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := ds.CountSubmissionAttempts(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Equal(t, 3, count)
}
