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
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caretrack/evv/aggregator"
	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/internal/apierror"
	redlock "github.com/caretrack/evv/internal/lock"
	"github.com/caretrack/evv/internal/notification"
	"github.com/caretrack/evv/model"
)

// ErrKillSwitchActive is returned when a submission is attempted while the
// kill switch is on. Queued visits stay queued; the sweeper drains them in
// order once the switch clears.
var ErrKillSwitchActive = errors.New("submission kill switch is active")

// RetryExhaustedCode is recorded on a visit whose retry budget ran out.
// The visit needs human review before it can move again.
const RetryExhaustedCode = "RETRY_EXHAUSTED"

// acquireSubmissionLock takes the per-dedup-key lock that enforces the
// single in-flight submission guarantee across workers and processes. The
// conditional state claim in the datasource backs this up; the lock exists
// so concurrent workers fail fast instead of burning a claim attempt.
func (e *Evv) acquireSubmissionLock(ctx context.Context, visit *model.VisitRecord) (*redlock.Locker, error) {
	locker := redlock.NewLocker(e.redis, visit.DedupKey, model.GenerateUUIDWithSuffix("loc"))
	err := locker.Lock(ctx, time.Minute*5)
	if err != nil {
		return nil, err
	}
	return locker, nil
}

// ProcessSubmission is the submission worker entry point. It claims a
// queued visit, submits it to the aggregator, and applies the outcome to
// the state machine. Every attempt, successful or not, lands in the
// append-only attempt log before the state changes.
func (e *Evv) ProcessSubmission(ctx context.Context, visitID string) error {
	ctx, span := tracer.Start(ctx, "Processing submission")
	defer span.End()

	cnf, err := config.Fetch()
	if err != nil {
		return err
	}
	if cnf.Submission.KillSwitchActive {
		logrus.Warnf("kill switch active, leaving visit %s queued", visitID)
		return ErrKillSwitchActive
	}

	visit, err := e.datasource.GetVisit(ctx, visitID)
	if err != nil {
		return err
	}

	locker, err := e.acquireSubmissionLock(ctx, visit)
	if err != nil {
		return logAndRecordError(span, "error acquiring submission lock: ", err)
	}
	defer func(locker *redlock.Locker, ctx context.Context) {
		err := locker.Unlock(ctx)
		if err != nil {
			logrus.Error("lock error", err)
		}
	}(locker, ctx)

	claimed, err := e.datasource.ClaimVisitForSubmission(ctx, visit.VisitID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another worker owns it, or the visit left QUEUED since the
		// task was scheduled. Nothing to do.
		logrus.Infof("visit %s not claimable, skipping", visit.VisitID)
		return nil
	}
	visit.State = model.StateSubmitted
	visit.AttemptCount++

	result, err := e.aggregator.Submit(ctx, visit)
	if err != nil {
		var transportErr *aggregator.TransportError
		if errors.As(err, &transportErr) {
			e.recordAttempt(ctx, visit, "TRANSPORT_ERROR", nil)
			return e.handleRetry(ctx, cnf, visit, "TRANSPORT_ERROR")
		}
		e.recordAttempt(ctx, visit, "SUBMIT_ERROR", nil)
		return logAndRecordError(span, "error submitting visit: ", err)
	}

	return e.applyOutcome(ctx, cnf, visit, result)
}

// applyOutcome maps an aggregator decision onto the visit state machine.
func (e *Evv) applyOutcome(ctx context.Context, cnf *config.Configuration, visit *model.VisitRecord, result *aggregator.SubmissionResult) error {
	switch result.Outcome {
	case aggregator.OutcomeAccepted:
		e.recordAttempt(ctx, visit, string(result.Outcome), result.ReasonCodes)
		if err := e.datasource.MarkVisitAccepted(ctx, visit.VisitID, result.AcknowledgmentID); err != nil {
			return err
		}
		visit.State = model.StateAccepted
		visit.AcknowledgmentID = result.AcknowledgmentID
		SendWebhook(NewWebhook{Event: "visit.accepted", Payload: visit})
		return nil

	case aggregator.OutcomePending:
		e.recordAttempt(ctx, visit, string(result.Outcome), result.ReasonCodes)
		if err := e.datasource.UpdateVisitState(ctx, visit.VisitID, visit.State, model.StatePending); err != nil {
			return err
		}
		visit.State = model.StatePending
		visit.AcknowledgmentID = result.AcknowledgmentID
		if err := e.datasource.UpdateVisit(ctx, visit); err != nil {
			return err
		}
		SendWebhook(NewWebhook{Event: "visit.pending", Payload: visit})
		if err := e.queue.EnqueueAdjudication(ctx, visit); err != nil {
			// The sweeper polls pending visits anyway; losing the task
			// only delays resolution by a sweep cycle.
			logrus.Errorf("failed to enqueue adjudication poll for %s: %v", visit.VisitID, err)
		}
		return nil

	case aggregator.OutcomeRejected:
		e.recordAttempt(ctx, visit, string(result.Outcome), result.ReasonCodes)
		classifier := aggregator.NewRetryClassifier(cnf.Aggregator.RetryableReasonCodes)
		errorCode := firstReason(result.ReasonCodes)
		if classifier.Retryable(result.ReasonCodes) {
			return e.handleRetry(ctx, cnf, visit, errorCode)
		}
		return e.rejectVisit(ctx, visit, errorCode)

	default:
		return apierror.NewAPIError(apierror.ErrInternalServer,
			"Aggregator returned an unknown outcome: "+string(result.Outcome), nil)
	}
}

// handleRetry re-queues a visit after a retryable failure, or rejects it
// with RETRY_EXHAUSTED when the attempt budget is spent. Backoff doubles
// per attempt from the configured base.
func (e *Evv) handleRetry(ctx context.Context, cnf *config.Configuration, visit *model.VisitRecord, errorCode string) error {
	if visit.AttemptCount >= cnf.Submission.MaxRetryAttempts {
		logrus.Warnf("visit %s exhausted its %d submission attempts", visit.VisitID, cnf.Submission.MaxRetryAttempts)
		notification.NotifyError(errors.New("visit " + visit.VisitID + " exhausted its submission retries"))
		return e.rejectVisit(ctx, visit, RetryExhaustedCode)
	}

	if err := e.datasource.UpdateVisitState(ctx, visit.VisitID, model.StateSubmitted, model.StateQueued); err != nil {
		return err
	}
	visit.State = model.StateQueued
	visit.LastErrorCode = errorCode
	if err := e.datasource.UpdateVisit(ctx, visit); err != nil {
		return err
	}

	delay := retryDelay(cnf.Submission.RetryBackoffSeconds, visit.AttemptCount)
	return e.queue.EnqueueRetry(ctx, visit, delay)
}

func (e *Evv) rejectVisit(ctx context.Context, visit *model.VisitRecord, errorCode string) error {
	if err := e.datasource.MarkVisitRejected(ctx, visit.VisitID, errorCode); err != nil {
		return err
	}
	visit.State = model.StateRejected
	visit.LastErrorCode = errorCode
	SendWebhook(NewWebhook{Event: "visit.rejected", Payload: visit})
	return nil
}

// retryDelay doubles the base backoff per completed attempt, capped at an
// hour so a long outage cannot push retries past the sweeper's horizon.
func retryDelay(baseSeconds, attempt int) time.Duration {
	delay := time.Duration(baseSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > time.Hour {
			return time.Hour
		}
	}
	return delay
}

// recordAttempt appends to the submission attempt log. The log is
// best-effort relative to the state machine: a failed append is reported
// but never blocks the outcome from being applied.
func (e *Evv) recordAttempt(ctx context.Context, visit *model.VisitRecord, responseCode string, reasons []string) {
	payload, err := aggregator.BuildPayload(visit)
	if err != nil {
		logrus.Errorf("error building payload for attempt log: %v", err)
		payload = nil
	}

	attempt := &model.SubmissionAttempt{
		AttemptID:          model.GenerateUUIDWithSuffix("att"),
		VisitID:            visit.VisitID,
		AttemptNumber:      visit.AttemptCount,
		RequestPayloadHash: model.HashPayload(payload),
		ResponseCode:       responseCode,
		ResponseReasons:    reasons,
		Timestamp:          time.Now(),
	}
	if err := e.datasource.RecordSubmissionAttempt(ctx, attempt); err != nil {
		logrus.Errorf("error recording submission attempt for %s: %v", visit.VisitID, err)
		notification.NotifyError(err)
	}
}

// ResolvePendingVisit polls the aggregator for the final decision on a
// visit parked in PENDING by manual adjudication.
func (e *Evv) ResolvePendingVisit(ctx context.Context, visit *model.VisitRecord) error {
	ctx, span := tracer.Start(ctx, "Resolving pending visit")
	defer span.End()

	if visit.State != model.StatePending || visit.AcknowledgmentID == "" {
		return apierror.NewAPIError(apierror.ErrConflict,
			"Visit '"+visit.VisitID+"' is not awaiting adjudication", nil)
	}

	result, err := e.aggregator.Status(ctx, visit.AcknowledgmentID)
	if err != nil {
		var transportErr *aggregator.TransportError
		if errors.As(err, &transportErr) {
			// Still pending as far as we know; the next sweep retries.
			logrus.Warnf("status poll for visit %s failed: %v", visit.VisitID, err)
			return nil
		}
		return logAndRecordError(span, "error polling visit status: ", err)
	}

	switch result.Outcome {
	case aggregator.OutcomeAccepted:
		e.recordAttempt(ctx, visit, string(result.Outcome), result.ReasonCodes)
		if err := e.datasource.MarkVisitAccepted(ctx, visit.VisitID, visit.AcknowledgmentID); err != nil {
			return err
		}
		visit.State = model.StateAccepted
		SendWebhook(NewWebhook{Event: "visit.accepted", Payload: visit})
		return nil
	case aggregator.OutcomeRejected:
		e.recordAttempt(ctx, visit, string(result.Outcome), result.ReasonCodes)
		return e.rejectVisit(ctx, visit, firstReason(result.ReasonCodes))
	default:
		// Still pending, nothing to apply.
		return nil
	}
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return "REJECTED"
	}
	return reasons[0]
}
