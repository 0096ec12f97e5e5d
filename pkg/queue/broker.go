package queue

import (
	"context"
	"errors"
	"time"

	"github.com/matchpulse/pipeline/pkg/models"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrQueueUnknown = errors.New("unknown queue")
)

// EnqueueOptions describes one job to enqueue. Key is required; a job with the
// same key already waiting, delayed or active in the queue coalesces with the
// new enqueue instead of creating a duplicate.
type EnqueueOptions struct {
	Type     models.JobType
	Key      string
	Payload  []byte
	Priority int
	Delay    time.Duration
	Retry    models.RetryPolicy
}

// Counts summarizes a queue's population by status.
type Counts struct {
	Waiting  int `json:"waiting"`
	Delayed  int `json:"delayed"`
	Active   int `json:"active"`
	Retrying int `json:"retrying"`
	Dead     int `json:"dead"`
}

// Broker is the job transport. The in-memory implementation is the default;
// the interface keeps consumers and the registry independent of it so a Redis
// or SQL-backed broker can be dropped in.
type Broker interface {
	// Enqueue adds a job unless one with the same key is already pending.
	// The bool reports whether a new job was created.
	Enqueue(ctx context.Context, queue string, opts EnqueueOptions) (*models.Job, bool, error)

	// Jobs returns jobs in the given states, or all jobs when none are given.
	Jobs(queue string, states ...models.JobStatus) ([]*models.Job, error)

	// GetFailed returns dead jobs still retained by the broker, newest first.
	GetFailed(queue string) ([]*models.Job, error)

	// Remove deletes a job by key regardless of its state. It reports whether
	// a job was removed.
	Remove(queue, key string) (bool, error)

	// Counts returns the queue's population by status.
	Counts(queue string) (Counts, error)

	// Claim hands the next due job to a consumer and marks it active.
	// It returns nil when no job is due.
	Claim(ctx context.Context, queue string) (*models.Job, error)

	// Complete marks an active job as completed.
	Complete(queue, jobID string) error

	// Fail records a failed attempt. The job's retry policy decides between
	// a delayed re-run and a terminal dead state; the returned job reflects
	// the new status.
	Fail(queue, jobID string, reason string) (*models.Job, error)

	// RequeueStalled treats active jobs claimed more than olderThan ago as
	// failed attempts, covering consumers that died mid-job. It returns the
	// number of jobs affected.
	RequeueStalled(queue string, olderThan time.Duration) (int, error)

	// HealthCheck reports whether the broker is reachable.
	HealthCheck() error

	Close() error
}
