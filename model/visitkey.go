package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateDedupKey derives the stable idempotency key for a visit from its
// immutable attributes. Two submissions describing the same real-world
// visit always produce the same key, across retries and process restarts,
// so both the aggregator and the local store can discard duplicates.
//
// Inputs are normalized to a canonical encoding before hashing: UTC,
// RFC3339 timestamps, date-only scheduled start, trimmed identifiers. The
// key is therefore independent of locale formatting or field ordering at
// the call site.
func GenerateDedupKey(v *VisitRecord) string {
	canonical := strings.Join([]string{
		strings.TrimSpace(v.ClientID),
		strings.TrimSpace(v.CaregiverID),
		strings.TrimSpace(v.ServiceCode),
		v.ScheduledStart.UTC().Format("2006-01-02"),
		v.RoundedClockIn.UTC().Format(time.RFC3339),
		v.RoundedClockOut.UTC().Format(time.RFC3339),
	}, "|")

	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:])
}

// GenerateAmendmentKey derives the dedup key for an amendment of an
// already-accepted visit. The accepted record is terminal for its key; an
// amendment is a new logical submission, distinguished by the original key
// and a monotonically increasing sequence.
func GenerateAmendmentKey(originalKey string, sequence int) string {
	data := fmt.Sprintf("%s|amendment|%d", originalKey, sequence)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// HashPayload returns the SHA-256 of a request payload, recorded on each
// submission attempt so an audit can prove exactly what was sent.
func HashPayload(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}
