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

	"github.com/caretrack/evv/model"
)

func TestRecordOverrideEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	event := &model.OverrideEvent{
		EventID:       "ovr_1",
		VisitID:       "vst_1",
		Kind:          model.OverrideKindGPS,
		ApprovedBy:    "supervisor_3",
		Justification: "device battery died mid-visit",
		CreatedAt:     time.Now(),
	}

	mock.ExpectExec("INSERT INTO evv.override_events").
		WithArgs(event.EventID, event.VisitID, event.Kind, event.ApprovedBy, event.Justification, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assert.NoError(t, ds.RecordOverrideEvent(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOverrideEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	rows := sqlmock.NewRows([]string{"event_id", "visit_id", "kind", "approved_by", "justification", "created_at"}).
		AddRow("ovr_1", "vst_1", model.OverrideKindGPS, "supervisor_3", "battery died", time.Now()).
		AddRow("ovr_2", "vst_1", model.OverrideKindClaimsGate, "billing_lead", "payer confirmed by phone", time.Now())

	mock.ExpectQuery("SELECT .* FROM evv.override_events").
		WithArgs("vst_1").
		WillReturnRows(rows)

	events, err := ds.GetOverrideEvents(context.Background(), "vst_1")
	assert.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, model.OverrideKindClaimsGate, events[1].Kind)
}
