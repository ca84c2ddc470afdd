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

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

func (d Datasource) RecordCorrection(ctx context.Context, correction *model.CorrectionRecord) error {
	fieldsJSON, err := json.Marshal(correction.CorrectedFields)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal corrected fields", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO evv.corrections(correction_id,visit_id,reason,corrected_fields,corrected_by,corrected_at,amendment,new_dedup_key)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		correction.CorrectionID, correction.VisitID, correction.Reason, fieldsJSON,
		correction.CorrectedBy, correction.CorrectedAt, correction.Amendment, nullString(correction.NewDedupKey),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record correction", err)
	}
	return nil
}

func (d Datasource) GetCorrections(ctx context.Context, visitID string) ([]model.CorrectionRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT correction_id, visit_id, reason, corrected_fields, corrected_by, corrected_at, amendment, new_dedup_key
		FROM evv.corrections
		WHERE visit_id = $1
		ORDER BY corrected_at ASC
	`, visitID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve corrections", err)
	}
	defer rows.Close()

	var corrections []model.CorrectionRecord
	for rows.Next() {
		correction, err := scanCorrection(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan correction", err)
		}
		corrections = append(corrections, *correction)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over corrections", err)
	}
	return corrections, nil
}

// GetActiveCorrection returns the most recent correction for a visit. Only
// the latest correction is active for billing purposes.
func (d Datasource) GetActiveCorrection(ctx context.Context, visitID string) (*model.CorrectionRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT correction_id, visit_id, reason, corrected_fields, corrected_by, corrected_at, amendment, new_dedup_key
		FROM evv.corrections
		WHERE visit_id = $1
		ORDER BY corrected_at DESC
		LIMIT 1
	`, visitID)

	correction, err := scanCorrection(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No corrections found for visit '%s'", visitID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve active correction", err)
	}
	return correction, nil
}

// CountAmendments counts the amendments on an accepted visit, used to
// derive the next amendment sequence for key generation.
func (d Datasource) CountAmendments(ctx context.Context, visitID string) (int, error) {
	var count int
	err := d.Conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evv.corrections WHERE visit_id = $1 AND amendment = TRUE
	`, visitID).Scan(&count)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to count amendments", err)
	}
	return count, nil
}

func scanCorrection(row rowScanner) (*model.CorrectionRecord, error) {
	correction := &model.CorrectionRecord{}
	var fieldsJSON []byte
	var newKey sql.NullString
	err := row.Scan(&correction.CorrectionID, &correction.VisitID, &correction.Reason, &fieldsJSON,
		&correction.CorrectedBy, &correction.CorrectedAt, &correction.Amendment, &newKey)
	if err != nil {
		return nil, err
	}
	correction.NewDedupKey = newKey.String
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &correction.CorrectedFields); err != nil {
			return nil, err
		}
	}
	return correction, nil
}
