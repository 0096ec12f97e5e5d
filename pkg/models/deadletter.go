package models

import "time"

// DeadLetterEntry is the durable record of a job that exhausted all retry
// attempts. It outlives the broker's own failed-job retention and carries the
// diagnostic context an operator needs to decide between retry and clear.
type DeadLetterEntry struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Type         JobType   `json:"type"`
	Key          string    `json:"key"`
	MatchID      string    `json:"match_id,omitempty"`
	Payload      []byte    `json:"payload,omitempty"`
	FailedReason string    `json:"failed_reason"`
	Trace        string    `json:"trace,omitempty"`
	AttemptsMade int       `json:"attempts_made"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	FailedAt     time.Time `json:"failed_at"`
}
