package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"media-worker/internal/models"
)

// Transport headers carried with every delivery. The signature covers the
// exact payload bytes; the job ID doubles as the receiver's idempotency
// key across retried deliveries.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderJobID     = "X-Webhook-Job-ID"
)

// ErrorDetail describes a failed job in the payload.
type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Payload is the wire contract delivered to the caller's endpoint.
// Output is present iff the job succeeded; Error iff it failed.
type Payload struct {
	JobID       string               `json:"job_id"`
	Status      string               `json:"status"`
	Output      []models.ArtifactRef `json:"output,omitempty"`
	Metadata    map[string]string    `json:"metadata,omitempty"`
	Error       *ErrorDetail         `json:"error,omitempty"`
	CompletedAt time.Time            `json:"completed_at"`
}

// Canonical serializes the payload into the byte form that gets signed and
// sent. encoding/json emits struct fields in declaration order and map
// keys sorted, so equal payloads always serialize identically.
func (p Payload) Canonical() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Sign computes the hex HMAC-SHA256 of the payload bytes under the shared
// secret, prefixed with the scheme so receivers can dispatch on it.
func Sign(secret, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time. Receivers
// call this with the raw request body and the signature header.
func Verify(secret, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, payload)), []byte(signature))
}
