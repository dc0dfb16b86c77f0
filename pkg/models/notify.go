package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallbackSchemaVersion is the wire schema version of CallbackPayload
const CallbackSchemaVersion = 1

// PendingNotify is the durable record of an outstanding obligation to
// deliver a terminal-state webhook. Its presence on a JobRecord is the
// single source of truth for "a delivery is owed".
type PendingNotify struct {
	EventSeq  int64           `json:"event_seq"`
	EventID   string          `json:"event_id"`
	EventTs   time.Time       `json:"event_ts"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	NextAt    time.Time       `json:"next_at"`
	LastError string          `json:"last_error,omitempty"`
}

// CallbackPayload is the webhook body sent to the owning application
type CallbackPayload struct {
	SchemaVersion int                  `json:"schema_version"`
	JobID         string               `json:"job_id"`
	MediaID       string               `json:"media_id,omitempty"`
	Engine        Engine               `json:"engine"`
	Purpose       string               `json:"purpose,omitempty"`
	Status        JobStatus            `json:"status"`
	EventSeq      int64                `json:"event_seq"`
	EventID       string               `json:"event_id"`
	EventTs       time.Time            `json:"event_ts"`
	Error         string               `json:"error,omitempty"`
	Outputs       map[string]OutputRef `json:"outputs,omitempty"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
}

// EventID derives the receiver-side deduplication key for a notification
func EventID(jobID string, eventSeq int64) string {
	return fmt.Sprintf("%s:%d", jobID, eventSeq)
}

// notifyBackoff is the fixed escalating retry schedule for webhook
// delivery. Attempts beyond the table stay at the cap.
var notifyBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// NotifyBackoffCap is the maximum delay between delivery attempts
const NotifyBackoffCap = 300 * time.Second

// NotifyBackoff returns the delay before the next delivery attempt.
// attempt is the number of failures so far (1 after the first failure).
func NotifyBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return notifyBackoff[0]
	}
	if attempt > len(notifyBackoff) {
		return NotifyBackoffCap
	}
	return notifyBackoff[attempt-1]
}
