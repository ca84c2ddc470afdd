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

	"github.com/sirupsen/logrus"

	"github.com/caretrack/evv/internal/apierror"
	"github.com/caretrack/evv/model"
)

// GetAuthorization reads a payer authorization, through a short-TTL
// cache. The pipeline never decrements units; that is the claims
// collaborator's job on confirmed billing.
func (d Datasource) GetAuthorization(ctx context.Context, authorizationID string) (*model.Authorization, error) {
	cacheKey := fmt.Sprintf("authorization:%s", authorizationID)
	if d.Cache != nil {
		cached := &model.Authorization{}
		if err := d.Cache.Get(ctx, cacheKey, cached); err == nil && cached.AuthorizationID != "" {
			return cached, nil
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT authorization_id, client_id, service_codes, total_units, used_units, start_date, end_date
		FROM evv.authorizations
		WHERE authorization_id = $1
	`, authorizationID)

	auth := &model.Authorization{}
	var codesJSON []byte
	var start, end sql.NullTime
	err := row.Scan(&auth.AuthorizationID, &auth.ClientID, &codesJSON, &auth.TotalUnits, &auth.UsedUnits, &start, &end)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Authorization with ID '%s' not found", authorizationID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve authorization", err)
	}

	if err := json.Unmarshal(codesJSON, &auth.ServiceCodes); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to unmarshal service codes", err)
	}
	if start.Valid {
		auth.StartDate = start.Time
	}
	if end.Valid {
		auth.EndDate = end.Time
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, cacheKey, auth, 5*time.Minute); err != nil {
			logrus.Warnf("failed to cache authorization %s: %v", authorizationID, err)
		}
	}
	return auth, nil
}

func (d Datasource) RecordAuthorization(ctx context.Context, auth *model.Authorization) error {
	codesJSON, err := json.Marshal(auth.ServiceCodes)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal service codes", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO evv.authorizations(authorization_id,client_id,service_codes,total_units,used_units,start_date,end_date)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (authorization_id) DO UPDATE
		 SET service_codes = EXCLUDED.service_codes, total_units = EXCLUDED.total_units,
		     used_units = EXCLUDED.used_units, start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date`,
		auth.AuthorizationID, auth.ClientID, codesJSON, auth.TotalUnits, auth.UsedUnits,
		nullTime(auth.StartDate), nullTime(auth.EndDate),
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record authorization", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Delete(ctx, fmt.Sprintf("authorization:%s", auth.AuthorizationID)); err != nil {
			logrus.Warnf("failed to invalidate authorization cache for %s: %v", auth.AuthorizationID, err)
		}
	}
	return nil
}
