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
package config

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func minimalConfig() *Configuration {
	return &Configuration{
		DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/evv"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
	}
}

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := minimalConfig()
	err := cnf.validateAndAddDefaults()
	assert.NoError(t, err)

	assert.Equal(t, "EVV Server", cnf.ProjectName)
	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, "evv:submission", cnf.Queue.SubmissionQueue)
	assert.Equal(t, "evv:webhook", cnf.Queue.WebhookQueue)
	assert.Equal(t, "evv:adjudication", cnf.Queue.AdjudicationQueue)
	assert.Equal(t, 4, cnf.Queue.NumberOfQueues)
	assert.Equal(t, "5101", cnf.Queue.MonitoringPort)
	assert.Equal(t, 30, cnf.Aggregator.TimeoutSeconds)
	assert.Equal(t, 5, cnf.Submission.MaxRetryAttempts)
	assert.Equal(t, 30, cnf.Submission.RetryBackoffSeconds)
	assert.Equal(t, 120, cnf.Submission.SweepIntervalSeconds)
	assert.Equal(t, 10, cnf.Submission.MaxWorkers)
	assert.Equal(t, float64(400), cnf.VisitPolicy.GeofenceRadiusMeters)
	assert.Equal(t, 15, cnf.VisitPolicy.ClockInToleranceMinutes)
	assert.Equal(t, 15, cnf.VisitPolicy.RoundingGranularityMinutes)
	assert.Equal(t, "nearest", cnf.VisitPolicy.RoundingMode)
	assert.Equal(t, 24, cnf.VisitPolicy.MaxVisitDurationHours)
	assert.Equal(t, 15, cnf.VisitPolicy.MinutesPerUnit)
	assert.Equal(t, "warn", cnf.Claims.GateMode)
}

func TestValidateRequiresDataSourceDNS(t *testing.T) {
	cnf := &Configuration{Redis: RedisConfig{Dns: "localhost:6379"}}
	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "data source DNS is required")
}

func TestValidateRequiresRedisDNS(t *testing.T) {
	cnf := &Configuration{DataSource: DataSourceConfig{Dns: "postgres://localhost:5432/evv"}}
	err := cnf.validateAndAddDefaults()
	assert.EqualError(t, err, "redis DNS is required")
}

func TestValidateTrimsWhitespace(t *testing.T) {
	cnf := minimalConfig()
	cnf.ProjectName = "  CareTrack EVV  "
	cnf.DataSource.Dns = " postgres://localhost:5432/evv "
	cnf.Aggregator.BaseURL = " https://aggregator.example.com "

	err := cnf.validateAndAddDefaults()
	assert.NoError(t, err)
	assert.Equal(t, "CareTrack EVV", cnf.ProjectName)
	assert.Equal(t, "postgres://localhost:5432/evv", cnf.DataSource.Dns)
	assert.Equal(t, "https://aggregator.example.com", cnf.Aggregator.BaseURL)
}

func TestValidateGateMode(t *testing.T) {
	cnf := minimalConfig()
	cnf.Claims.GateMode = "strict"
	assert.NoError(t, cnf.validateAndAddDefaults())
	assert.Equal(t, "strict", cnf.Claims.GateMode)

	cnf = minimalConfig()
	cnf.Claims.GateMode = "sideways"
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestValidateKeepsExplicitValues(t *testing.T) {
	cnf := minimalConfig()
	cnf.Queue.NumberOfQueues = 8
	cnf.Submission.MaxRetryAttempts = 3
	cnf.VisitPolicy.RoundingGranularityMinutes = 6

	err := cnf.validateAndAddDefaults()
	assert.NoError(t, err)
	assert.Equal(t, 8, cnf.Queue.NumberOfQueues)
	assert.Equal(t, 3, cnf.Submission.MaxRetryAttempts)
	assert.Equal(t, 6, cnf.VisitPolicy.RoundingGranularityMinutes)
}

func TestRateLimitDefaults(t *testing.T) {
	rps := 10.0
	cnf := minimalConfig()
	cnf.RateLimit.RequestsPerSecond = &rps

	err := cnf.validateAndAddDefaults()
	assert.NoError(t, err)
	assert.NotNil(t, cnf.RateLimit.Burst)
	assert.Equal(t, 20, *cnf.RateLimit.Burst)

	burst := 6
	cnf = minimalConfig()
	cnf.RateLimit.Burst = &burst
	err = cnf.validateAndAddDefaults()
	assert.NoError(t, err)
	assert.NotNil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Equal(t, 3.0, *cnf.RateLimit.RequestsPerSecond)

	cnf = minimalConfig()
	err = cnf.validateAndAddDefaults()
	assert.NoError(t, err)
	assert.Nil(t, cnf.RateLimit.RequestsPerSecond)
	assert.Nil(t, cnf.RateLimit.Burst)
	assert.NotNil(t, cnf.RateLimit.CleanupIntervalSec)
	assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)
}

func TestFetchWithoutInitFails(t *testing.T) {
	ConfigStore = atomic.Value{}
	_, err := Fetch()
	assert.Error(t, err)

	cnf := minimalConfig()
	assert.NoError(t, cnf.validateAndAddDefaults())
	MockConfig(cnf)

	fetched, err := Fetch()
	assert.NoError(t, err)
	assert.Equal(t, cnf, fetched)
}
