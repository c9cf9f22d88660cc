package models

import (
	"time"
)

// JobState enumerates lifecycle states persisted in Postgres. States only
// move forward; a retry re-runs the current step, it never rolls back.
const (
	StatePending    = "pending"
	StateFetching   = "fetching"
	StateConverting = "converting"
	StateStoring    = "storing"
	StateNotifying  = "notifying"
	StateSucceeded  = "succeeded"
	StateFailed     = "failed"
)

// stateOrder defines the forward walk used to guard transitions.
var stateOrder = map[string]int{
	StatePending:    0,
	StateFetching:   1,
	StateConverting: 2,
	StateStoring:    3,
	StateNotifying:  4,
	StateSucceeded:  5,
	StateFailed:     5,
}

// StateRank returns the position of a state in the forward walk, or -1 for
// an unknown state.
func StateRank(state string) int {
	if r, ok := stateOrder[state]; ok {
		return r
	}
	return -1
}

// Terminal reports whether a state admits no further transitions.
func Terminal(state string) bool {
	return state == StateSucceeded || state == StateFailed
}

// ArtifactRef identifies content in the artifact store. Two refs with the
// same hash are byte-identical; refs are never mutated after creation.
type ArtifactRef struct {
	Hash string `json:"hash"`
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Job represents a conversion job persisted in Postgres.
type Job struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Capability     string         `json:"capability"`
	Inputs         []ArtifactRef  `json:"inputs"`
	Params         map[string]any `json:"params"`
	CallbackURL    string         `json:"callback_url"`
	State          string         `json:"state"`
	StepAttempts   int            `json:"step_attempts"`
	Cancelled      bool           `json:"cancelled"`
	ErrorKind      *string        `json:"error_kind,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ConversionResult is what a capability handler produces for a job.
type ConversionResult struct {
	Outputs  []ArtifactRef     `json:"outputs"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Webhook delivery states. Owned by the delivery subsystem; the engine's
// own retry bookkeeping never sees these.
const (
	DeliveryPending   = "pending"
	DeliverySending   = "sending"
	DeliveryDelivered = "delivered"
	DeliveryExhausted = "exhausted"
)

// WebhookDelivery tracks one signed notification for a terminal job.
type WebhookDelivery struct {
	JobID         string     `json:"job_id"`
	URL           string     `json:"url"`
	Payload       []byte     `json:"payload"`
	Signature     string     `json:"signature"`
	State         string     `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"last_error,omitempty"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
