package webhook

import (
	"testing"
	"time"

	"media-worker/internal/models"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("topsecret")
	payload := Payload{
		JobID:       "job-1",
		Status:      "succeeded",
		Output:      []models.ArtifactRef{{Hash: "abc", Key: "sha256/abc", Size: 3}},
		CompletedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	body, err := payload.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}

	sig := Sign(secret, body)
	if !Verify(secret, body, sig) {
		t.Fatal("signature should verify with the same secret and bytes")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"job_id":"job-1"}`)
	sig := Sign([]byte("secret-a"), body)
	if Verify([]byte("secret-b"), body, sig) {
		t.Fatal("signature should not verify with a different secret")
	}
}

func TestVerifyRejectsAnyByteMutation(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"job_id":"job-1","status":"succeeded"}`)
	sig := Sign(secret, body)

	for i := range body {
		mutated := make([]byte, len(body))
		copy(mutated, body)
		mutated[i] ^= 0x01
		if Verify(secret, mutated, sig) {
			t.Fatalf("mutation at byte %d should invalidate the signature", i)
		}
	}
}

func TestCanonicalIsStable(t *testing.T) {
	payload := Payload{
		JobID:       "job-1",
		Status:      "failed",
		Metadata:    map[string]string{"b": "2", "a": "1"},
		Error:       &ErrorDetail{Kind: "ConversionPermanentError", Message: "unsupported input"},
		CompletedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	first, err := payload.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	second, err := payload.Canonical()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if string(first) != string(second) {
		t.Fatal("canonical serialization should be deterministic")
	}
}
