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

// Package aggregator wraps the state verification aggregator's wire
// protocol. All vendor-specific request and response shapes stay behind
// the Client interface; the orchestrator only sees the abstract outcome of
// a submission.
package aggregator

import (
	"context"
	"time"

	"github.com/caretrack/evv/model"
)

// Outcome classifies an aggregator decision about a submitted visit.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	// OutcomePending means the aggregator queued the visit for manual
	// adjudication; the final decision arrives later via polling.
	OutcomePending Outcome = "PENDING"
)

// SubmissionResult is the aggregator's decision. AcknowledgmentID is set
// on acceptance (and on pending, as the polling handle); ReasonCodes is
// populated on rejection.
type SubmissionResult struct {
	Outcome          Outcome   `json:"outcome"`
	AcknowledgmentID string    `json:"acknowledgment_id,omitempty"`
	ReasonCodes      []string  `json:"reason_codes,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

// TransportError marks a failure that never reached an aggregator
// decision: timeout, connection refused, 5xx. Transport errors are the
// retryable class; an explicit aggregator rejection is not.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "aggregator transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client is the abstract submission contract the orchestrator depends on.
// Fake implementations stand in for the aggregator in tests.
type Client interface {
	// Submit sends the six required elements plus the dedup key. A
	// *TransportError return means the attempt may be retried; any
	// SubmissionResult is an authoritative aggregator decision.
	Submit(ctx context.Context, visit *model.VisitRecord) (*SubmissionResult, error)

	// Status polls the decision for a visit previously answered with
	// OutcomePending.
	Status(ctx context.Context, acknowledgmentID string) (*SubmissionResult, error)
}

// RetryClassifier decides whether an aggregator rejection reason code may
// be retried. Unknown codes are non-retryable by default: a new code the
// allow-list has never seen must fail safe rather than hammer the
// aggregator with duplicates.
type RetryClassifier struct {
	allowList map[string]struct{}
}

func NewRetryClassifier(retryableCodes []string) *RetryClassifier {
	allow := make(map[string]struct{}, len(retryableCodes))
	for _, code := range retryableCodes {
		allow[code] = struct{}{}
	}
	return &RetryClassifier{allowList: allow}
}

// Retryable reports whether every reason code on a rejection is in the
// allow-list. A single non-retryable code makes the whole rejection final.
func (c *RetryClassifier) Retryable(reasonCodes []string) bool {
	if len(reasonCodes) == 0 {
		return false
	}
	for _, code := range reasonCodes {
		if _, ok := c.allowList[code]; !ok {
			return false
		}
	}
	return true
}
