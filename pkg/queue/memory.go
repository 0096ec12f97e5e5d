package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matchpulse/pipeline/pkg/models"
)

// pendingStates are the states in which a key blocks a duplicate enqueue.
var pendingStates = map[models.JobStatus]bool{
	models.JobStatusWaiting:  true,
	models.JobStatusDelayed:  true,
	models.JobStatusActive:   true,
	models.JobStatusRetrying: true,
}

// MemoryBroker is an in-process Broker. Jobs live in per-queue maps keyed by
// job key, which makes the idempotent-enqueue check a map lookup. Dead jobs
// are retained (bounded per queue) so the recovery surface can list them.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]map[string]*models.Job

	// deadRetention caps how many dead jobs a queue keeps, oldest evicted.
	deadRetention int
	closed        bool
}

// NewMemoryBroker creates an in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues:        make(map[string]map[string]*models.Job),
		deadRetention: 1000,
	}
}

func (b *MemoryBroker) queue(name string) map[string]*models.Job {
	q, ok := b.queues[name]
	if !ok {
		q = make(map[string]*models.Job)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(ctx context.Context, queueName string, opts EnqueueOptions) (*models.Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)

	if existing, ok := q[opts.Key]; ok && pendingStates[existing.Status] {
		cp := *existing
		return &cp, false, nil
	}

	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = models.DefaultRetryPolicy()
	}

	now := time.Now()
	job := &models.Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Type:        opts.Type,
		Key:         opts.Key,
		Payload:     opts.Payload,
		Priority:    opts.Priority,
		Status:      models.JobStatusWaiting,
		MaxAttempts: retry.MaxAttempts,
		Retry:       retry,
		RunAt:       now,
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.Status = models.JobStatusDelayed
		job.RunAt = now.Add(opts.Delay)
	}

	q[opts.Key] = job
	cp := *job
	return &cp, true, nil
}

func (b *MemoryBroker) Jobs(queueName string, states ...models.JobStatus) ([]*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wanted := make(map[models.JobStatus]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}

	var out []*models.Job
	for _, job := range b.queue(queueName) {
		if len(wanted) > 0 && !wanted[job.Status] {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *MemoryBroker) GetFailed(queueName string) ([]*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*models.Job
	for _, job := range b.queue(queueName) {
		if job.Status != models.JobStatusDead {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].FinishedAt, out[j].FinishedAt
		if ti == nil || tj == nil {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return ti.After(*tj)
	})
	return out, nil
}

func (b *MemoryBroker) Remove(queueName, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue(queueName)
	if _, ok := q[key]; !ok {
		return false, nil
	}
	delete(q, key)
	return true, nil
}

func (b *MemoryBroker) Counts(queueName string) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var c Counts
	now := time.Now()
	for _, job := range b.queue(queueName) {
		switch job.Status {
		case models.JobStatusWaiting:
			c.Waiting++
		case models.JobStatusDelayed, models.JobStatusRetrying:
			// A delayed job whose run time has passed counts as waiting.
			if !job.RunAt.After(now) {
				c.Waiting++
			} else if job.Status == models.JobStatusRetrying {
				c.Retrying++
			} else {
				c.Delayed++
			}
		case models.JobStatusActive:
			c.Active++
		case models.JobStatusDead:
			c.Dead++
		}
	}
	return c, nil
}

// Claim returns the next due job ordered by priority (lower first), then by
// creation time. Delayed and retrying jobs become claimable once RunAt passes.
func (b *MemoryBroker) Claim(ctx context.Context, queueName string) (*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var next *models.Job
	for _, job := range b.queue(queueName) {
		switch job.Status {
		case models.JobStatusWaiting:
		case models.JobStatusDelayed, models.JobStatusRetrying:
			if job.RunAt.After(now) {
				continue
			}
		default:
			continue
		}
		if next == nil ||
			job.Priority < next.Priority ||
			(job.Priority == next.Priority && job.CreatedAt.Before(next.CreatedAt)) {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = models.JobStatusActive
	next.AttemptsMade++
	started := now
	next.StartedAt = &started

	cp := *next
	return &cp, nil
}

func (b *MemoryBroker) Complete(queueName, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	job := b.findByID(queueName, jobID)
	if job == nil {
		return ErrJobNotFound
	}
	job.Status = models.JobStatusCompleted
	now := time.Now()
	job.FinishedAt = &now
	job.LastError = ""

	// Completed jobs are removed so their key can be reused immediately.
	delete(b.queue(queueName), job.Key)
	return nil
}

func (b *MemoryBroker) Fail(queueName, jobID string, reason string) (*models.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job := b.findByID(queueName, jobID)
	if job == nil {
		return nil, ErrJobNotFound
	}

	job.LastError = reason
	now := time.Now()

	if job.AttemptsMade >= job.MaxAttempts {
		job.Status = models.JobStatusDead
		job.FinishedAt = &now
		b.evictDead(queueName)
	} else {
		job.Status = models.JobStatusRetrying
		job.RunAt = now.Add(job.Retry.Backoff(job.AttemptsMade))
	}

	cp := *job
	return &cp, nil
}

func (b *MemoryBroker) RequeueStalled(queueName string, olderThan time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-olderThan)
	requeued := 0
	for _, job := range b.queue(queueName) {
		if job.Status != models.JobStatusActive {
			continue
		}
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		job.LastError = "job stalled: consumer did not report a result"
		if job.AttemptsMade >= job.MaxAttempts {
			job.Status = models.JobStatusDead
			finished := now
			job.FinishedAt = &finished
			b.evictDead(queueName)
		} else {
			job.Status = models.JobStatusRetrying
			job.RunAt = now.Add(job.Retry.Backoff(job.AttemptsMade))
		}
		requeued++
	}
	return requeued, nil
}

func (b *MemoryBroker) findByID(queueName, jobID string) *models.Job {
	for _, job := range b.queue(queueName) {
		if job.ID == jobID {
			return job
		}
	}
	return nil
}

// evictDead drops the oldest dead jobs above the retention cap. Caller holds
// the lock.
func (b *MemoryBroker) evictDead(queueName string) {
	q := b.queue(queueName)
	var dead []*models.Job
	for _, job := range q {
		if job.Status == models.JobStatusDead {
			dead = append(dead, job)
		}
	}
	if len(dead) <= b.deadRetention {
		return
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].CreatedAt.Before(dead[j].CreatedAt) })
	for _, job := range dead[:len(dead)-b.deadRetention] {
		delete(q, job.Key)
	}
}

func (b *MemoryBroker) HealthCheck() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("broker is closed")
	}
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
