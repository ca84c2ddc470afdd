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

package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/model"
)

// visitPayload is the vendor wire shape: the six required elements plus
// the dedup key presented as the idempotency token.
type visitPayload struct {
	DedupKey        string `json:"dedup_key"`
	ClientID        string `json:"client_id"`
	CaregiverID     string `json:"caregiver_id"`
	ServiceCode     string `json:"service_code"`
	VisitDate       string `json:"visit_date"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	OrganizationID  string `json:"organization_id"`
	AuthorizationID string `json:"authorization_id,omitempty"`
}

type submissionResponse struct {
	Status           string   `json:"status"`
	AcknowledgmentID string   `json:"acknowledgment_id"`
	ReasonCodes      []string `json:"reason_codes"`
}

// HTTPClient talks to the aggregator over HTTPS. Sandbox mode swaps the
// endpoint only; acceptance semantics and the state machine are identical,
// a sandbox acceptance just isn't production-binding.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	sandbox    bool
	httpClient *http.Client
}

// NewHTTPClient builds a client from configuration, selecting the sandbox
// endpoint when sandbox mode is enabled.
func NewHTTPClient(conf *config.Configuration) *HTTPClient {
	baseURL := conf.Aggregator.BaseURL
	if conf.Aggregator.SandboxEnabled && conf.Aggregator.SandboxURL != "" {
		baseURL = conf.Aggregator.SandboxURL
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  conf.Aggregator.APIKey,
		sandbox: conf.Aggregator.SandboxEnabled,
		httpClient: &http.Client{
			Timeout: time.Duration(conf.Aggregator.TimeoutSeconds) * time.Second,
		},
	}
}

// BuildPayload produces the canonical wire payload for a visit. Exposed so
// the orchestrator can hash exactly what is sent into the attempt log.
func BuildPayload(visit *model.VisitRecord) ([]byte, error) {
	payload := visitPayload{
		DedupKey:        visit.DedupKey,
		ClientID:        visit.ClientID,
		CaregiverID:     visit.CaregiverID,
		ServiceCode:     visit.ServiceCode,
		VisitDate:       visit.ScheduledStart.UTC().Format("2006-01-02"),
		StartTime:       visit.RoundedClockIn.UTC().Format(time.RFC3339),
		EndTime:         visit.RoundedClockOut.UTC().Format(time.RFC3339),
		OrganizationID:  visit.OrganizationID,
		AuthorizationID: visit.AuthorizationID,
	}
	return json.Marshal(payload)
}

// Submit posts the visit to the aggregator. Transient transport failures
// are retried in place with exponential backoff inside the attempt's
// timeout budget; anything that outlives the budget is returned as a
// *TransportError for the orchestrator's own retry scheduling.
func (c *HTTPClient) Submit(ctx context.Context, visit *model.VisitRecord) (*SubmissionResult, error) {
	body, err := BuildPayload(visit)
	if err != nil {
		return nil, err
	}

	var result *SubmissionResult
	operation := func() error {
		var opErr error
		result, opErr = c.post(ctx, "/visits", body)
		return opErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, &TransportError{Err: err}
	}
	return result, nil
}

// Status polls the adjudication outcome for a pending submission.
func (c *HTTPClient) Status(ctx context.Context, acknowledgmentID string) (*SubmissionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/visits/status/"+acknowledgmentID, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer closeBody(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, &TransportError{Err: fmt.Errorf("aggregator returned status %d", resp.StatusCode)}
	}
	return decodeResult(resp)
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte) (*SubmissionResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err // transient, let backoff retry
	}
	defer closeBody(resp.Body)

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("aggregator returned status %d", resp.StatusCode)
	}

	result, err := decodeResult(resp)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return result, nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if c.sandbox {
		req.Header.Set("X-EVV-Environment", "sandbox")
	}
}

func decodeResult(resp *http.Response) (*SubmissionResult, error) {
	var decoded submissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding aggregator response: %w", err)
	}

	result := &SubmissionResult{
		AcknowledgmentID: decoded.AcknowledgmentID,
		ReasonCodes:      decoded.ReasonCodes,
		ReceivedAt:       time.Now(),
	}
	switch decoded.Status {
	case "accepted":
		result.Outcome = OutcomeAccepted
	case "pending":
		result.Outcome = OutcomePending
	case "rejected":
		result.Outcome = OutcomeRejected
	default:
		// An unrecognized decision is treated as a rejection with the
		// raw status as its reason code, so it surfaces for humans
		// instead of being retried blindly.
		result.Outcome = OutcomeRejected
		result.ReasonCodes = append(result.ReasonCodes, "UNKNOWN_STATUS:"+decoded.Status)
	}
	return result, nil
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		logrus.Error(err)
	}
}
