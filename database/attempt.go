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

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

// RecordSubmissionAttempt appends one attempt to the audit log. The log is
// insert-only; every aggregator interaction stays queryable by visit ID.
func (d Datasource) RecordSubmissionAttempt(ctx context.Context, attempt *model.SubmissionAttempt) error {
	reasonsJSON, err := json.Marshal(attempt.ResponseReasons)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal response reasons", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO evv.submission_attempts(attempt_id,visit_id,attempt_number,request_payload_hash,response_code,response_reasons,timestamp)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		attempt.AttemptID, attempt.VisitID, attempt.AttemptNumber, attempt.RequestPayloadHash,
		attempt.ResponseCode, reasonsJSON, attempt.Timestamp,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record submission attempt", err)
	}
	return nil
}

func (d Datasource) GetSubmissionAttempts(ctx context.Context, visitID string) ([]model.SubmissionAttempt, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT attempt_id, visit_id, attempt_number, request_payload_hash, response_code, response_reasons, timestamp
		FROM evv.submission_attempts
		WHERE visit_id = $1
		ORDER BY attempt_number ASC
	`, visitID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve submission attempts", err)
	}
	defer rows.Close()

	var attempts []model.SubmissionAttempt
	for rows.Next() {
		attempt := model.SubmissionAttempt{}
		var reasonsJSON []byte
		err = rows.Scan(&attempt.AttemptID, &attempt.VisitID, &attempt.AttemptNumber,
			&attempt.RequestPayloadHash, &attempt.ResponseCode, &reasonsJSON, &attempt.Timestamp)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan submission attempt", err)
		}
		if len(reasonsJSON) > 0 {
			if err := json.Unmarshal(reasonsJSON, &attempt.ResponseReasons); err != nil {
				return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal response reasons", err)
			}
		}
		attempts = append(attempts, attempt)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over attempts", err)
	}
	return attempts, nil
}

func (d Datasource) CountSubmissionAttempts(ctx context.Context, visitID string) (int, error) {
	var count int
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evv.submission_attempts WHERE visit_id = $1
	`, visitID).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count submission attempts", err)
	}
	return count, nil
}
