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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/caretrack/evv/aggregator"
	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/model"
)

func TestSweepRequeuesStuckVisits(t *testing.T) {
	service, ds, _ := newTestService(t)
	stuck := queuedVisitFixture()

	ds.On("GetStuckQueuedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{*stuck}, nil)
	ds.On("GetStuckSubmittedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("GetPendingVisits", mock.Anything, mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)

	service.SweepNow(context.Background())
	ds.AssertExpectations(t)
}

func TestSweepRecoversStalledSubmittedVisits(t *testing.T) {
	service, ds, _ := newTestService(t)
	stalled := queuedVisitFixture()
	stalled.State = model.StateSubmitted
	stalled.AttemptCount = 1

	ds.On("GetStuckQueuedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("GetStuckSubmittedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{*stalled}, nil)
	ds.On("GetPendingVisits", mock.Anything, mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("CountSubmissionAttempts", mock.Anything, "vst_1").Return(1, nil)
	ds.On("UpdateVisitState", mock.Anything, "vst_1", model.StateSubmitted, model.StateQueued).Return(nil)

	service.SweepNow(context.Background())
	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "MarkVisitRejected", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepRejectsStalledVisitOutOfBudget(t *testing.T) {
	service, ds, _ := newTestService(t)
	stalled := queuedVisitFixture()
	stalled.State = model.StateSubmitted
	stalled.AttemptCount = 3

	ds.On("GetStuckQueuedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("GetStuckSubmittedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{*stalled}, nil)
	ds.On("GetPendingVisits", mock.Anything, mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("CountSubmissionAttempts", mock.Anything, "vst_1").Return(3, nil)
	ds.On("MarkVisitRejected", mock.Anything, "vst_1", RetryExhaustedCode).Return(nil)

	service.SweepNow(context.Background())
	ds.AssertExpectations(t)
	ds.AssertNotCalled(t, "UpdateVisitState", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepSkipsRequeueWhenKillSwitchActive(t *testing.T) {
	service, ds, _ := newTestService(t)

	cnf, err := config.Fetch()
	assert.NoError(t, err)
	cnf.Submission.KillSwitchActive = true
	config.MockConfig(cnf)

	ds.On("GetPendingVisits", mock.Anything, mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)

	service.SweepNow(context.Background())
	ds.AssertNotCalled(t, "GetStuckQueuedVisits", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertNotCalled(t, "GetStuckSubmittedVisits", mock.Anything, mock.Anything, mock.Anything)
	ds.AssertExpectations(t)
}

func TestSweepResolvesPendingVisits(t *testing.T) {
	service, ds, agg := newTestService(t)
	pending := queuedVisitFixture()
	pending.State = model.StatePending
	pending.AcknowledgmentID = "ack_9"

	ds.On("GetStuckQueuedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("GetStuckSubmittedVisits", mock.Anything, mock.AnythingOfType("time.Duration"), mock.AnythingOfType("int")).
		Return([]model.VisitRecord{}, nil)
	ds.On("GetPendingVisits", mock.Anything, mock.AnythingOfType("int")).
		Return([]model.VisitRecord{*pending}, nil)
	ds.On("RecordSubmissionAttempt", mock.Anything, mock.AnythingOfType("*model.SubmissionAttempt")).Return(nil)
	ds.On("MarkVisitAccepted", mock.Anything, "vst_1", "ack_9").Return(nil)

	agg.On("Status", mock.Anything, "ack_9").Return(&aggregator.SubmissionResult{
		Outcome: aggregator.OutcomeAccepted,
	}, nil)

	service.SweepNow(context.Background())
	ds.AssertExpectations(t)
	agg.AssertExpectations(t)
}

func TestDrainOrganizationQueue(t *testing.T) {
	service, ds, _ := newTestService(t)
	queued := queuedVisitFixture()

	ds.On("GetQueuedVisits", mock.Anything, "org_1", mock.AnythingOfType("int")).
		Return([]model.VisitRecord{*queued}, nil)

	drained, err := service.DrainOrganizationQueue(context.Background(), "org_1")
	assert.NoError(t, err)
	assert.Equal(t, 1, drained)
	ds.AssertExpectations(t)
}

func TestDrainOrganizationQueueBlockedByKillSwitch(t *testing.T) {
	service, ds, _ := newTestService(t)

	cnf, err := config.Fetch()
	assert.NoError(t, err)
	cnf.Submission.KillSwitchActive = true
	config.MockConfig(cnf)

	_, err = service.DrainOrganizationQueue(context.Background(), "org_1")
	assert.ErrorIs(t, err, ErrKillSwitchActive)
	ds.AssertNotCalled(t, "GetQueuedVisits", mock.Anything, mock.Anything, mock.Anything)
}

func TestSweepProcessorStartStop(t *testing.T) {
	service, _, _ := newTestService(t)

	processor := NewSweepProcessor(service)
	assert.False(t, processor.IsRunning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	processor.Start(ctx)
	assert.True(t, processor.IsRunning())

	// Idempotent start.
	processor.Start(ctx)
	assert.True(t, processor.IsRunning())

	processor.Stop()
	assert.False(t, processor.IsRunning())
}

func TestSweepProcessorUsesConfiguredInterval(t *testing.T) {
	service, _, _ := newTestService(t)

	cnf, err := config.Fetch()
	assert.NoError(t, err)
	cnf.Submission.MaxWorkers = 4
	cnf.Submission.SweepIntervalSeconds = 30
	config.MockConfig(cnf)

	processor := NewSweepProcessor(service)
	assert.Equal(t, 4, processor.maxWorkers)
	assert.Equal(t, 400, processor.batchSize)
	assert.Equal(t, 30*time.Second, processor.sweepInterval)
}
