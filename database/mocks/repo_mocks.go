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
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/caretrack/evv/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

// Visit methods

func (m *MockDataSource) RecordVisit(ctx context.Context, visit *model.VisitRecord) (*model.VisitRecord, error) {
	args := m.Called(ctx, visit)
	return args.Get(0).(*model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error) {
	args := m.Called(ctx, visitID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) GetVisitByDedupKey(ctx context.Context, dedupKey string) (*model.VisitRecord, error) {
	args := m.Called(ctx, dedupKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) VisitExistsByDedupKey(ctx context.Context, dedupKey string) (bool, error) {
	args := m.Called(ctx, dedupKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) UpdateVisit(ctx context.Context, visit *model.VisitRecord) error {
	args := m.Called(ctx, visit)
	return args.Error(0)
}

func (m *MockDataSource) UpdateVisitState(ctx context.Context, visitID string, from, to model.VisitState) error {
	args := m.Called(ctx, visitID, from, to)
	return args.Error(0)
}

func (m *MockDataSource) ClaimVisitForSubmission(ctx context.Context, visitID string) (bool, error) {
	args := m.Called(ctx, visitID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) MarkVisitAccepted(ctx context.Context, visitID, acknowledgmentID string) error {
	args := m.Called(ctx, visitID, acknowledgmentID)
	return args.Error(0)
}

func (m *MockDataSource) MarkVisitRejected(ctx context.Context, visitID, errorCode string) error {
	args := m.Called(ctx, visitID, errorCode)
	return args.Error(0)
}

func (m *MockDataSource) GetQueuedVisits(ctx context.Context, organizationID string, limit int) ([]model.VisitRecord, error) {
	args := m.Called(ctx, organizationID, limit)
	return args.Get(0).([]model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) GetStuckQueuedVisits(ctx context.Context, olderThan time.Duration, limit int) ([]model.VisitRecord, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) GetStuckSubmittedVisits(ctx context.Context, olderThan time.Duration, limit int) ([]model.VisitRecord, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Get(0).([]model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) GetPendingVisits(ctx context.Context, limit int) ([]model.VisitRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) GetVisitsInRange(ctx context.Context, organizationID string, from, to time.Time) ([]model.VisitRecord, error) {
	args := m.Called(ctx, organizationID, from, to)
	return args.Get(0).([]model.VisitRecord), args.Error(1)
}

func (m *MockDataSource) SetGPSOverride(ctx context.Context, visitID string) error {
	args := m.Called(ctx, visitID)
	return args.Error(0)
}

// Attempt methods

func (m *MockDataSource) RecordSubmissionAttempt(ctx context.Context, attempt *model.SubmissionAttempt) error {
	args := m.Called(ctx, attempt)
	return args.Error(0)
}

func (m *MockDataSource) GetSubmissionAttempts(ctx context.Context, visitID string) ([]model.SubmissionAttempt, error) {
	args := m.Called(ctx, visitID)
	return args.Get(0).([]model.SubmissionAttempt), args.Error(1)
}

func (m *MockDataSource) CountSubmissionAttempts(ctx context.Context, visitID string) (int, error) {
	args := m.Called(ctx, visitID)
	return args.Int(0), args.Error(1)
}

// Correction methods

func (m *MockDataSource) RecordCorrection(ctx context.Context, correction *model.CorrectionRecord) error {
	args := m.Called(ctx, correction)
	return args.Error(0)
}

func (m *MockDataSource) GetCorrections(ctx context.Context, visitID string) ([]model.CorrectionRecord, error) {
	args := m.Called(ctx, visitID)
	return args.Get(0).([]model.CorrectionRecord), args.Error(1)
}

func (m *MockDataSource) GetActiveCorrection(ctx context.Context, visitID string) (*model.CorrectionRecord, error) {
	args := m.Called(ctx, visitID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CorrectionRecord), args.Error(1)
}

func (m *MockDataSource) CountAmendments(ctx context.Context, visitID string) (int, error) {
	args := m.Called(ctx, visitID)
	return args.Int(0), args.Error(1)
}

// Authorization methods

func (m *MockDataSource) GetAuthorization(ctx context.Context, authorizationID string) (*model.Authorization, error) {
	args := m.Called(ctx, authorizationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Authorization), args.Error(1)
}

func (m *MockDataSource) RecordAuthorization(ctx context.Context, auth *model.Authorization) error {
	args := m.Called(ctx, auth)
	return args.Error(0)
}

// Override methods

func (m *MockDataSource) RecordOverrideEvent(ctx context.Context, event *model.OverrideEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDataSource) GetOverrideEvents(ctx context.Context, visitID string) ([]model.OverrideEvent, error) {
	args := m.Called(ctx, visitID)
	return args.Get(0).([]model.OverrideEvent), args.Error(1)
}
