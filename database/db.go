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
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/internal/cache"
)

var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and
// initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		newCache, errCache := cache.NewCache()
		if errCache != nil {
			err = errCache
			return
		}
		instance = &Datasource{Conn: con, Cache: newCache}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	err = createSchema(db)
	if err != nil {
		return nil, err
	}
	err = createVisitTable(db)
	if err != nil {
		return nil, err
	}
	err = createSubmissionAttemptTable(db)
	if err != nil {
		return nil, err
	}
	err = createCorrectionTable(db)
	if err != nil {
		return nil, err
	}
	err = createAuthorizationTable(db)
	if err != nil {
		return nil, err
	}
	err = createOverrideEventTable(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS evv`)
	return err
}

func createVisitTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS evv.visits (
			id SERIAL PRIMARY KEY,
			visit_id TEXT NOT NULL UNIQUE,
			dedup_key TEXT UNIQUE,
			organization_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			caregiver_id TEXT NOT NULL,
			service_code TEXT,
			authorization_id TEXT,
			scheduled_start TIMESTAMPTZ NOT NULL,
			scheduled_end TIMESTAMPTZ NOT NULL,
			raw_clock_in TIMESTAMPTZ,
			raw_clock_out TIMESTAMPTZ,
			rounded_clock_in TIMESTAMPTZ,
			rounded_clock_out TIMESTAMPTZ,
			service_latitude DOUBLE PRECISION,
			service_longitude DOUBLE PRECISION,
			gps_latitude DOUBLE PRECISION,
			gps_longitude DOUBLE PRECISION,
			geofence_distance_meters DOUBLE PRECISION NOT NULL DEFAULT 0,
			gps_override BOOLEAN NOT NULL DEFAULT FALSE,
			state TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_attempt_at TIMESTAMPTZ,
			last_error_code TEXT,
			acknowledgment_id TEXT,
			lateness_minutes INT NOT NULL DEFAULT 0,
			lateness_flagged BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			meta_data JSONB
		)
	`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_visits_state ON evv.visits (state)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_visits_org_created ON evv.visits (organization_id, created_at)`)
	return err
}

func createSubmissionAttemptTable(db *sql.DB) error {
	// Append-only: rows are inserted, never updated or deleted. Rejected
	// visits are retained for the statutory audit window.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS evv.submission_attempts (
			id SERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL UNIQUE,
			visit_id TEXT NOT NULL REFERENCES evv.visits(visit_id),
			attempt_number INT NOT NULL,
			request_payload_hash TEXT NOT NULL,
			response_code TEXT,
			response_reasons JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func createCorrectionTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS evv.corrections (
			id SERIAL PRIMARY KEY,
			correction_id TEXT NOT NULL UNIQUE,
			visit_id TEXT NOT NULL REFERENCES evv.visits(visit_id),
			reason TEXT NOT NULL,
			corrected_fields JSONB,
			corrected_by TEXT NOT NULL,
			corrected_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			amendment BOOLEAN NOT NULL DEFAULT FALSE,
			new_dedup_key TEXT
		)
	`)
	return err
}

func createAuthorizationTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS evv.authorizations (
			id SERIAL PRIMARY KEY,
			authorization_id TEXT NOT NULL UNIQUE,
			client_id TEXT NOT NULL,
			service_codes JSONB NOT NULL,
			total_units NUMERIC NOT NULL,
			used_units NUMERIC NOT NULL DEFAULT 0,
			start_date TIMESTAMPTZ,
			end_date TIMESTAMPTZ
		)
	`)
	return err
}

func createOverrideEventTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS evv.override_events (
			id SERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			visit_id TEXT NOT NULL REFERENCES evv.visits(visit_id),
			kind TEXT NOT NULL,
			approved_by TEXT NOT NULL,
			justification TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}
