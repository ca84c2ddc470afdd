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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

const visitColumns = `visit_id, dedup_key, organization_id, client_id, caregiver_id, service_code, authorization_id,
	scheduled_start, scheduled_end, raw_clock_in, raw_clock_out, rounded_clock_in, rounded_clock_out,
	service_latitude, service_longitude, gps_latitude, gps_longitude, geofence_distance_meters, gps_override, state,
	attempt_count, last_attempt_at, last_error_code, acknowledgment_id,
	lateness_minutes, lateness_flagged, created_at, meta_data`

func (d Datasource) RecordVisit(ctx context.Context, visit *model.VisitRecord) (*model.VisitRecord, error) {
	ctx, span := otel.Tracer("evv.database").Start(ctx, "Saving visit to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(visit.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	svcLat, svcLng := nullPoint(visit.ServiceLocation)
	lat, lng := nullPoint(visit.GPS)

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO evv.visits(visit_id,dedup_key,organization_id,client_id,caregiver_id,service_code,authorization_id,scheduled_start,scheduled_end,raw_clock_in,raw_clock_out,rounded_clock_in,rounded_clock_out,service_latitude,service_longitude,gps_latitude,gps_longitude,geofence_distance_meters,gps_override,state,attempt_count,lateness_minutes,lateness_flagged,created_at,meta_data)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)`,
		visit.VisitID, nullString(visit.DedupKey), visit.OrganizationID, visit.ClientID, visit.CaregiverID,
		visit.ServiceCode, visit.AuthorizationID, visit.ScheduledStart, visit.ScheduledEnd,
		nullTime(visit.RawClockIn), nullTime(visit.RawClockOut), nullTime(visit.RoundedClockIn), nullTime(visit.RoundedClockOut),
		svcLat, svcLng, lat, lng, visit.GeofenceDistanceMeters, visit.GPSOverride, string(visit.State),
		visit.AttemptCount, visit.LatenessMinutes, visit.LatenessFlagged, visit.CreatedAt, metaDataJSON,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record visit", err)
	}

	return visit, nil
}

func (d Datasource) GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM evv.visits WHERE visit_id = $1`, visitColumns), visitID)
	visit, err := scanVisit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Visit with ID '%s' not found", visitID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve visit", err)
	}
	return visit, nil
}

func (d Datasource) GetVisitByDedupKey(ctx context.Context, dedupKey string) (*model.VisitRecord, error) {
	row := d.Conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM evv.visits WHERE dedup_key = $1`, visitColumns), dedupKey)
	visit, err := scanVisit(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Visit with dedup key '%s' not found", dedupKey), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve visit", err)
	}
	return visit, nil
}

func (d Datasource) VisitExistsByDedupKey(ctx context.Context, dedupKey string) (bool, error) {
	ctx, span := otel.Tracer("evv.database").Start(ctx, "Checking visit dedup key")
	defer span.End()

	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM evv.visits WHERE dedup_key = $1)
	`, dedupKey).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check if visit exists", err)
	}
	return exists, nil
}

func (d Datasource) UpdateVisit(ctx context.Context, visit *model.VisitRecord) error {
	metaDataJSON, err := json.Marshal(visit.MetaData)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}

	svcLat, svcLng := nullPoint(visit.ServiceLocation)
	lat, lng := nullPoint(visit.GPS)

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE evv.visits
		SET dedup_key = $2, raw_clock_in = $3, raw_clock_out = $4, rounded_clock_in = $5, rounded_clock_out = $6,
			service_latitude = $7, service_longitude = $8,
			gps_latitude = $9, gps_longitude = $10, geofence_distance_meters = $11, gps_override = $12,
			state = $13, attempt_count = $14, last_attempt_at = $15, last_error_code = $16,
			lateness_minutes = $17, lateness_flagged = $18, service_code = $19, authorization_id = $20, meta_data = $21
		WHERE visit_id = $1
	`, visit.VisitID, nullString(visit.DedupKey), nullTime(visit.RawClockIn), nullTime(visit.RawClockOut),
		nullTime(visit.RoundedClockIn), nullTime(visit.RoundedClockOut), svcLat, svcLng, lat, lng,
		visit.GeofenceDistanceMeters, visit.GPSOverride, string(visit.State), visit.AttemptCount,
		nullTime(visit.LastAttemptAt), nullString(visit.LastErrorCode),
		visit.LatenessMinutes, visit.LatenessFlagged, visit.ServiceCode, visit.AuthorizationID, metaDataJSON)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update visit", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Visit with ID '%s' not found", visit.VisitID), nil)
	}
	return nil
}

// UpdateVisitState moves a visit between states with a guard on the
// current state, so concurrent writers cannot clobber each other's
// transitions. The transition table is enforced in the model before the
// query runs.
func (d Datasource) UpdateVisitState(ctx context.Context, visitID string, from, to model.VisitState) error {
	if !from.CanTransitionTo(to) {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Illegal transition %s -> %s for visit '%s'", from, to, visitID), nil)
	}

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE evv.visits
		SET state = $3
		WHERE visit_id = $1 AND state = $2
	`, visitID, string(from), string(to))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update visit state", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is no longer in state %s", visitID, from), nil)
	}
	return nil
}

// ClaimVisitForSubmission performs the conditional state transition that
// gives one worker exclusive ownership of a queued visit. Returns false
// when another worker already claimed it.
func (d Datasource) ClaimVisitForSubmission(ctx context.Context, visitID string) (bool, error) {
	ctx, span := otel.Tracer("evv.database").Start(ctx, "Claiming visit for submission")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE evv.visits
		SET state = $2, attempt_count = attempt_count + 1, last_attempt_at = $3
		WHERE visit_id = $1 AND state = $4
	`, visitID, string(model.StateSubmitted), time.Now(), string(model.StateQueued))
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim visit for submission", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	return rowsAffected == 1, nil
}

func (d Datasource) MarkVisitAccepted(ctx context.Context, visitID, acknowledgmentID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE evv.visits
		SET state = $2, acknowledgment_id = $3, last_error_code = NULL
		WHERE visit_id = $1 AND state IN ($4, $5)
	`, visitID, string(model.StateAccepted), acknowledgmentID,
		string(model.StateSubmitted), string(model.StatePending))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark visit accepted", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is not awaiting an aggregator decision", visitID), nil)
	}
	return nil
}

func (d Datasource) MarkVisitRejected(ctx context.Context, visitID, errorCode string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE evv.visits
		SET state = $2, last_error_code = $3
		WHERE visit_id = $1 AND state IN ($4, $5, $6)
	`, visitID, string(model.StateRejected), errorCode,
		string(model.StateSubmitted), string(model.StatePending), string(model.StateQueued))
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark visit rejected", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Visit '%s' is not in a rejectable state", visitID), nil)
	}
	return nil
}

// GetQueuedVisits returns queued visits for an organization in enqueue
// order, so the queue drains in original order after a kill switch clears.
func (d Datasource) GetQueuedVisits(ctx context.Context, organizationID string, limit int) ([]model.VisitRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM evv.visits
		WHERE organization_id = $1 AND state = $2
		ORDER BY created_at ASC
		LIMIT $3
	`, visitColumns), organizationID, string(model.StateQueued), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve queued visits", err)
	}
	defer rows.Close()

	return scanVisits(rows)
}

// GetStuckQueuedVisits returns visits that have sat in QUEUED longer than
// the threshold, oldest first. A visit gets stuck when its queue task was
// lost or the kill switch held submissions back.
func (d Datasource) GetStuckQueuedVisits(ctx context.Context, olderThan time.Duration, limit int) ([]model.VisitRecord, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM evv.visits
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, visitColumns), string(model.StateQueued), cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck queued visits", err)
	}
	defer rows.Close()

	return scanVisits(rows)
}

// GetStuckSubmittedVisits returns visits stranded in SUBMITTED past the
// threshold. A visit strands there when a worker crashes between claiming
// it and writing the aggregator outcome.
func (d Datasource) GetStuckSubmittedVisits(ctx context.Context, olderThan time.Duration, limit int) ([]model.VisitRecord, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM evv.visits
		WHERE state = $1 AND last_attempt_at < $2
		ORDER BY last_attempt_at ASC
		LIMIT $3
	`, visitColumns), string(model.StateSubmitted), cutoff, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck submitted visits", err)
	}
	defer rows.Close()

	return scanVisits(rows)
}

func (d Datasource) GetPendingVisits(ctx context.Context, limit int) ([]model.VisitRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM evv.visits
		WHERE state = $1 AND acknowledgment_id IS NOT NULL
		ORDER BY last_attempt_at ASC
		LIMIT $2
	`, visitColumns), string(model.StatePending), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve pending visits", err)
	}
	defer rows.Close()

	return scanVisits(rows)
}

func (d Datasource) GetVisitsInRange(ctx context.Context, organizationID string, from, to time.Time) ([]model.VisitRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM evv.visits
		WHERE organization_id = $1 AND scheduled_start >= $2 AND scheduled_start < $3
		ORDER BY scheduled_start ASC
	`, visitColumns), organizationID, from, to)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve visits in range", err)
	}
	defer rows.Close()

	return scanVisits(rows)
}

func (d Datasource) SetGPSOverride(ctx context.Context, visitID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE evv.visits SET gps_override = TRUE WHERE visit_id = $1
	`, visitID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set GPS override", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Visit with ID '%s' not found", visitID), nil)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVisit(row rowScanner) (*model.VisitRecord, error) {
	visit := &model.VisitRecord{}
	var (
		dedupKey, lastErrorCode, ackID       sql.NullString
		rawIn, rawOut, roundedIn, roundedOut sql.NullTime
		lastAttemptAt                        sql.NullTime
		svcLat, svcLng, lat, lng             sql.NullFloat64
		state                                string
		metaDataJSON                         []byte
	)

	err := row.Scan(&visit.VisitID, &dedupKey, &visit.OrganizationID, &visit.ClientID, &visit.CaregiverID,
		&visit.ServiceCode, &visit.AuthorizationID, &visit.ScheduledStart, &visit.ScheduledEnd,
		&rawIn, &rawOut, &roundedIn, &roundedOut, &svcLat, &svcLng, &lat, &lng,
		&visit.GeofenceDistanceMeters, &visit.GPSOverride, &state,
		&visit.AttemptCount, &lastAttemptAt, &lastErrorCode, &ackID,
		&visit.LatenessMinutes, &visit.LatenessFlagged, &visit.CreatedAt, &metaDataJSON)
	if err != nil {
		return nil, err
	}

	visit.DedupKey = dedupKey.String
	visit.LastErrorCode = lastErrorCode.String
	visit.AcknowledgmentID = ackID.String
	visit.State = model.VisitState(state)
	if rawIn.Valid {
		visit.RawClockIn = rawIn.Time
	}
	if rawOut.Valid {
		visit.RawClockOut = rawOut.Time
	}
	if roundedIn.Valid {
		visit.RoundedClockIn = roundedIn.Time
	}
	if roundedOut.Valid {
		visit.RoundedClockOut = roundedOut.Time
	}
	if lastAttemptAt.Valid {
		visit.LastAttemptAt = lastAttemptAt.Time
	}
	if svcLat.Valid && svcLng.Valid {
		visit.ServiceLocation = &model.GPSPoint{Latitude: svcLat.Float64, Longitude: svcLng.Float64}
	}
	if lat.Valid && lng.Valid {
		visit.GPS = &model.GPSPoint{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &visit.MetaData); err != nil {
			return nil, err
		}
	}
	return visit, nil
}

func scanVisits(rows *sql.Rows) ([]model.VisitRecord, error) {
	var visits []model.VisitRecord
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan visit data", err)
		}
		visits = append(visits, *visit)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over visits", err)
	}
	return visits, nil
}

func nullPoint(p *model.GPSPoint) (sql.NullFloat64, sql.NullFloat64) {
	if p == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: p.Latitude, Valid: true}, sql.NullFloat64{Float64: p.Longitude, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
