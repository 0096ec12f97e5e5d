package models

import (
	"time"
)

// JobType identifies the kind of queued work. The pipeline dispatches on this
// enum rather than raw strings so a worker's dispatch table can be checked for
// exhaustiveness at construction time.
type JobType string

const (
	JobTypeFetch    JobType = "fetch"
	JobTypeAnalyze  JobType = "analyze"
	JobTypePredict  JobType = "predict"
	JobTypeSettle   JobType = "settle"
	JobTypeBackfill JobType = "backfill"
)

// JobStatus represents the broker-side lifecycle of a job.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"   // due, not yet claimed
	JobStatusDelayed   JobStatus = "delayed"   // scheduled for a future run time
	JobStatusActive    JobStatus = "active"    // claimed by a consumer
	JobStatusCompleted JobStatus = "completed" // finished successfully
	JobStatusRetrying  JobStatus = "retrying"  // failed, backoff applied, will run again
	JobStatusDead      JobStatus = "dead"      // retries exhausted, moved to dead-letter
)

// Job is one unit of queued work. Key is unique within its queue and derived
// from business data (e.g. "settle-{matchId}") so duplicate enqueues coalesce.
// Lower Priority numbers are examined first.
type Job struct {
	ID           string      `json:"id"`
	Queue        string      `json:"queue"`
	Type         JobType     `json:"type"`
	Key          string      `json:"key"`
	Payload      []byte      `json:"payload,omitempty"`
	Priority     int         `json:"priority"`
	Status       JobStatus   `json:"status"`
	AttemptsMade int         `json:"attempts_made"`
	MaxAttempts  int         `json:"max_attempts"`
	Retry        RetryPolicy `json:"retry"`
	RunAt        time.Time   `json:"run_at"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}

// IsTerminal reports whether the job can make no further progress.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDead
}

// SettlementPayload is the settlement queue's wire schema. Scores and status
// reflect the match at enqueue time and are hints only; the settlement worker
// re-reads the authoritative values before acting.
type SettlementPayload struct {
	MatchID   string `json:"matchId"`
	HomeScore int    `json:"homeScore"`
	AwayScore int    `json:"awayScore"`
	Status    string `json:"status"`
}

// RetryPolicy defines retry behavior for failed jobs.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	Multiplier     float64       `json:"multiplier"`
}

// DefaultRetryPolicy yields the schedule 30s, 60s, 120s, 240s, 480s across
// five attempts. Operational parameter: override via configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 30 * time.Second,
		MaxBackoff:     8 * time.Minute,
		Multiplier:     2.0,
	}
}

// Backoff returns the delay before the next attempt, given the number of
// attempts already made (1 after the first failure).
func (rp RetryPolicy) Backoff(attemptsMade int) time.Duration {
	if attemptsMade <= 1 {
		return rp.InitialBackoff
	}

	backoff := float64(rp.InitialBackoff)
	for i := 1; i < attemptsMade; i++ {
		backoff *= rp.Multiplier
	}

	d := time.Duration(backoff)
	if rp.MaxBackoff > 0 && d > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return d
}
