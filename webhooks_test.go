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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"

	"github.com/caretrack/evv/config"
	"github.com/caretrack/evv/model"
)

func TestEventFromState(t *testing.T) {
	assert.Equal(t, "visit.queued", EventFromState(model.StateQueued))
	assert.Equal(t, "visit.submitted", EventFromState(model.StateSubmitted))
	assert.Equal(t, "visit.pending", EventFromState(model.StatePending))
	assert.Equal(t, "visit.accepted", EventFromState(model.StateAccepted))
	assert.Equal(t, "visit.rejected", EventFromState(model.StateRejected))
	assert.Equal(t, "visit.invalid", EventFromState(model.StateInvalid))
	assert.Equal(t, "visit.corrected", EventFromState(model.StateCorrected))
	assert.Equal(t, "visit.unknown", EventFromState(model.VisitState("BOGUS")))
}

func TestSendWebhookEnqueuesNotification(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	cnf := testConfiguration(mr.Addr())
	cnf.Notification.Webhook.Url = "https://agency.example.com/hooks"
	config.MockConfig(cnf)

	SendWebhook(NewWebhook{Event: "visit.accepted", Payload: queuedVisitFixture()})
	assert.NotEmpty(t, mr.Keys())
}

func TestSendWebhookDisabledWithoutURL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("an error '%s' occurred when starting miniredis", err)
	}
	defer mr.Close()

	config.MockConfig(testConfiguration(mr.Addr()))

	SendWebhook(NewWebhook{Event: "visit.accepted", Payload: queuedVisitFixture()})
	assert.Empty(t, mr.Keys())
}
