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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryClassifier(t *testing.T) {
	classifier := NewRetryClassifier([]string{"AGGREGATOR_BUSY", "SEQUENCE_GAP"})

	assert.True(t, classifier.Retryable([]string{"AGGREGATOR_BUSY"}))
	assert.True(t, classifier.Retryable([]string{"AGGREGATOR_BUSY", "SEQUENCE_GAP"}))

	// One non-allow-listed code makes the whole rejection final.
	assert.False(t, classifier.Retryable([]string{"AGGREGATOR_BUSY", "AUTH_EXPIRED"}))
	assert.False(t, classifier.Retryable([]string{"AUTH_EXPIRED"}))

	// Unknown codes fail safe.
	assert.False(t, classifier.Retryable([]string{"NEVER_SEEN_BEFORE"}))
	assert.False(t, classifier.Retryable(nil))
	assert.False(t, classifier.Retryable([]string{}))
}

func TestRetryClassifierEmptyAllowList(t *testing.T) {
	classifier := NewRetryClassifier(nil)
	assert.False(t, classifier.Retryable([]string{"AGGREGATOR_BUSY"}))
}

func TestTransportErrorUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &TransportError{Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "connection refused")
}
