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
package evv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/caretrack/evv/aggregator"
	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/database/mocks"
	"github.com/caretrack/evv/model"
)

// mockAggregator stands in for the aggregator client in orchestrator tests.
type mockAggregator struct {
	mock.Mock
}

func (m *mockAggregator) Submit(ctx context.Context, visit *model.VisitRecord) (*aggregator.SubmissionResult, error) {
	args := m.Called(ctx, visit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.SubmissionResult), args.Error(1)
}

func (m *mockAggregator) Status(ctx context.Context, acknowledgmentID string) (*aggregator.SubmissionResult, error) {
	args := m.Called(ctx, acknowledgmentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.SubmissionResult), args.Error(1)
}

func testConfiguration(redisAddr string) *config.Configuration {
	return &config.Configuration{
		Redis: config.RedisConfig{Dns: redisAddr},
		Queue: config.QueueConfig{
			SubmissionQueue:   "evv:submission",
			WebhookQueue:      "evv:webhook",
			AdjudicationQueue: "evv:adjudication",
			NumberOfQueues:    2,
		},
		Aggregator: config.AggregatorConfig{
			BaseURL:              "https://aggregator.test",
			TimeoutSeconds:       5,
			RetryableReasonCodes: []string{"AGGREGATOR_BUSY"},
		},
		Submission: config.SubmissionConfig{
			MaxRetryAttempts:    3,
			RetryBackoffSeconds: 1,
		},
		VisitPolicy: config.VisitPolicyConfig{
			GeofenceRadiusMeters:       400,
			ClockInToleranceMinutes:    15,
			RoundingGranularityMinutes: 15,
			RoundingMode:               "nearest",
			MaxVisitDurationHours:      24,
			MinutesPerUnit:             15,
		},
		Claims: config.ClaimsConfig{GateMode: "warn"},
	}
}

// newTestService wires the pipeline against miniredis, a mocked datasource
// and a mocked aggregator.
func newTestService(t *testing.T) (*Evv, *mocks.MockDataSource, *mockAggregator) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	config.MockConfig(testConfiguration(mr.Addr()))

	ds := &mocks.MockDataSource{}
	service, err := NewEvv(ds)
	require.NoError(t, err)

	agg := &mockAggregator{}
	service.WithAggregator(agg)
	return service, ds, agg
}

func queuedVisitFixture() *model.VisitRecord {
	return &model.VisitRecord{
		VisitID:         "vst_1",
		DedupKey:        "dedup-vst-1",
		OrganizationID:  "org_1",
		ClientID:        "cli_001",
		CaregiverID:     "cgr_001",
		ServiceCode:     "T1019",
		AuthorizationID: "aut_001",
		ScheduledStart:  time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		RawClockIn:      time.Date(2024, 3, 5, 9, 2, 0, 0, time.UTC),
		RawClockOut:     time.Date(2024, 3, 5, 10, 1, 0, 0, time.UTC),
		RoundedClockIn:  time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
		RoundedClockOut: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		GPS:             &model.GPSPoint{Latitude: 40.7128, Longitude: -74.0060},
		State:           model.StateQueued,
	}
}
