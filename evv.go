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

// Package evv implements the visit-verification submission pipeline: time
// normalization, dedup key generation, six-element validation, the
// submission state machine against the state aggregator, corrections, and
// the claims-readiness gate.
package evv

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/caretrack/evv/aggregator"
	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/database"
	redis_db "github.com/caretrack/evv/internal/redisdb"
)

// Evv is the pipeline service. It owns validation, queueing, submission
// orchestration, corrections and the claims gate; persistence and the
// aggregator sit behind interfaces.
type Evv struct {
	datasource database.IDataSource
	aggregator aggregator.Client
	queue      *Queue
	redis      redis.UniversalClient
}

// NewEvv wires the service from configuration: datasource, redis, the
// submission queue and the aggregator client.
func NewEvv(db database.IDataSource) (*Evv, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	redisClient, err := redis_db.NewRedisClient([]string{configuration.Redis.Dns}, configuration.Redis.SkipTLSVerify)
	if err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	newEvv := &Evv{
		datasource: db,
		aggregator: aggregator.NewHTTPClient(configuration),
		queue:      NewQueue(configuration),
		redis:      redisClient.Client(),
	}
	return newEvv, nil
}

// WithAggregator swaps the aggregator client, used by tests and by the
// sandbox certification harness.
func (e *Evv) WithAggregator(client aggregator.Client) *Evv {
	e.aggregator = client
	return e
}
