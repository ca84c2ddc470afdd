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

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

// RecordOverrideEvent logs a human bypass of an automated check. Overrides
// are append-only; a silent bypass is never possible.
func (d Datasource) RecordOverrideEvent(ctx context.Context, event *model.OverrideEvent) error {
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO evv.override_events(event_id,visit_id,kind,approved_by,justification,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		event.EventID, event.VisitID, event.Kind, event.ApprovedBy, event.Justification, event.CreatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record override event", err)
	}
	return nil
}

func (d Datasource) GetOverrideEvents(ctx context.Context, visitID string) ([]model.OverrideEvent, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT event_id, visit_id, kind, approved_by, justification, created_at
		FROM evv.override_events
		WHERE visit_id = $1
		ORDER BY created_at ASC
	`, visitID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve override events", err)
	}
	defer rows.Close()

	var events []model.OverrideEvent
	for rows.Next() {
		event := model.OverrideEvent{}
		err = rows.Scan(&event.EventID, &event.VisitID, &event.Kind, &event.ApprovedBy, &event.Justification, &event.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan override event", err)
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Error occurred while iterating over override events", err)
	}
	return events, nil
}
