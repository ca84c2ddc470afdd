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
	"time"

	"github.com/caretrack/evv/model"
)

type visit interface {
	RecordVisit(ctx context.Context, visit *model.VisitRecord) (*model.VisitRecord, error)
	GetVisit(ctx context.Context, visitID string) (*model.VisitRecord, error)
	GetVisitByDedupKey(ctx context.Context, dedupKey string) (*model.VisitRecord, error)
	VisitExistsByDedupKey(ctx context.Context, dedupKey string) (bool, error)
	UpdateVisit(ctx context.Context, visit *model.VisitRecord) error
	UpdateVisitState(ctx context.Context, visitID string, from, to model.VisitState) error
	ClaimVisitForSubmission(ctx context.Context, visitID string) (bool, error)
	MarkVisitAccepted(ctx context.Context, visitID, acknowledgmentID string) error
	MarkVisitRejected(ctx context.Context, visitID, errorCode string) error
	GetQueuedVisits(ctx context.Context, organizationID string, limit int) ([]model.VisitRecord, error)
	GetStuckQueuedVisits(ctx context.Context, olderThan time.Duration, limit int) ([]model.VisitRecord, error)
	GetStuckSubmittedVisits(ctx context.Context, olderThan time.Duration, limit int) ([]model.VisitRecord, error)
	GetPendingVisits(ctx context.Context, limit int) ([]model.VisitRecord, error)
	GetVisitsInRange(ctx context.Context, organizationID string, from, to time.Time) ([]model.VisitRecord, error)
	SetGPSOverride(ctx context.Context, visitID string) error
}

type attempt interface {
	RecordSubmissionAttempt(ctx context.Context, attempt *model.SubmissionAttempt) error
	GetSubmissionAttempts(ctx context.Context, visitID string) ([]model.SubmissionAttempt, error)
	CountSubmissionAttempts(ctx context.Context, visitID string) (int, error)
}

type correction interface {
	RecordCorrection(ctx context.Context, correction *model.CorrectionRecord) error
	GetCorrections(ctx context.Context, visitID string) ([]model.CorrectionRecord, error)
	GetActiveCorrection(ctx context.Context, visitID string) (*model.CorrectionRecord, error)
	CountAmendments(ctx context.Context, visitID string) (int, error)
}

type authorization interface {
	GetAuthorization(ctx context.Context, authorizationID string) (*model.Authorization, error)
	RecordAuthorization(ctx context.Context, auth *model.Authorization) error
}

type override interface {
	RecordOverrideEvent(ctx context.Context, event *model.OverrideEvent) error
	GetOverrideEvents(ctx context.Context, visitID string) ([]model.OverrideEvent, error)
}

// IDataSource is the persistence contract of the submission pipeline.
// VisitRecord and the append-only attempt log survive restarts; a restart
// resumes exactly from stored state.
type IDataSource interface {
	visit
	attempt
	correction
	authorization
	override
}
