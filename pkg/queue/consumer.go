package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/models"
)

// Handler processes one claimed job. A nil return completes the job; an error
// triggers the retry policy.
type Handler func(ctx context.Context, job *models.Job) error

// DeadLetterSink receives jobs whose retries are exhausted. The store's
// dead-letter table implements it.
type DeadLetterSink interface {
	AddDeadLetter(e *models.DeadLetterEntry) error
}

// ConsumerConfig tunes one queue consumer.
type ConsumerConfig struct {
	Queue        string
	PollInterval time.Duration
	JobTimeout   time.Duration
	Concurrency  int
}

// Consumer polls one queue and dispatches claimed jobs to type handlers.
// Jobs run under a timeout so a stalled handler cannot wedge the queue, and
// panics are converted to failed attempts with the stack preserved.
type Consumer struct {
	cfg      ConsumerConfig
	broker   Broker
	handlers map[models.JobType]Handler
	sink     DeadLetterSink
	logger   *logging.Logger

	// onDead and onRetry are invoked after a job is dead-lettered or
	// scheduled for another attempt, for metrics.
	onDead  func(queue string)
	onRetry func(queue string)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewConsumer creates a consumer for one queue.
func NewConsumer(cfg ConsumerConfig, broker Broker, sink DeadLetterSink, logger *logging.Logger) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Consumer{
		cfg:      cfg,
		broker:   broker,
		handlers: make(map[models.JobType]Handler),
		sink:     sink,
		logger:   logger.WithField("queue", cfg.Queue),
		stopCh:   make(chan struct{}),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (c *Consumer) Register(t models.JobType, h Handler) {
	c.handlers[t] = h
}

// OnDead registers a callback fired after each dead-lettered job.
func (c *Consumer) OnDead(fn func(queue string)) {
	c.onDead = fn
}

// OnRetry registers a callback fired after each retry-scheduled failure.
func (c *Consumer) OnRetry(fn func(queue string)) {
	c.onRetry = fn
}

// Start launches the polling workers.
func (c *Consumer) Start() {
	c.logger.Info("Consumer starting", map[string]interface{}{
		"concurrency":   c.cfg.Concurrency,
		"poll_interval": c.cfg.PollInterval.String(),
	})
	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.run()
	}
}

// Stop halts polling and waits for in-flight jobs to finish.
func (c *Consumer) Stop() {
	c.stopped.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	c.logger.Info("Consumer stopped")
}

func (c *Consumer) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.requeueStalled()
			c.drain()
		}
	}
}

// requeueStalled returns jobs abandoned by a dead consumer to the queue. The
// stall horizon is twice the job timeout so a slow handler that is still
// inside its deadline is never touched.
func (c *Consumer) requeueStalled() {
	n, err := c.broker.RequeueStalled(c.cfg.Queue, 2*c.cfg.JobTimeout)
	if err != nil {
		c.logger.Error("Stall check failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if n > 0 {
		c.logger.Warn("Requeued stalled jobs", map[string]interface{}{"count": n})
	}
}

// drain claims and processes jobs until the queue has nothing due.
func (c *Consumer) drain() {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		job, err := c.broker.Claim(context.Background(), c.cfg.Queue)
		if err != nil {
			c.logger.Error("Failed to claim job", map[string]interface{}{"error": err.Error()})
			return
		}
		if job == nil {
			return
		}
		c.process(job)
	}
}

func (c *Consumer) process(job *models.Job) {
	handler, ok := c.handlers[job.Type]
	if !ok {
		c.finishFailed(job, fmt.Sprintf("no handler registered for job type %q", job.Type), "")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.JobTimeout)
	defer cancel()

	err, stack := c.invoke(ctx, handler, job)
	if err == nil {
		if cerr := c.broker.Complete(c.cfg.Queue, job.ID); cerr != nil {
			c.logger.Error("Failed to mark job completed", map[string]interface{}{
				"job_key": job.Key, "error": cerr.Error(),
			})
		}
		return
	}

	c.logger.Warn("Job attempt failed", map[string]interface{}{
		"job_key": job.Key,
		"attempt": job.AttemptsMade,
		"max":     job.MaxAttempts,
		"error":   err.Error(),
	})
	c.finishFailed(job, err.Error(), stack)
}

// invoke runs the handler with panic recovery. The stack is returned so a
// dead-lettered panic keeps its trace.
func (c *Consumer) invoke(ctx context.Context, handler Handler, job *models.Job) (err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	return handler(ctx, job), ""
}

func (c *Consumer) finishFailed(job *models.Job, reason, stack string) {
	failed, err := c.broker.Fail(c.cfg.Queue, job.ID, reason)
	if err != nil {
		c.logger.Error("Failed to record job failure", map[string]interface{}{
			"job_key": job.Key, "error": err.Error(),
		})
		return
	}
	if failed.Status != models.JobStatusDead {
		if c.onRetry != nil {
			c.onRetry(failed.Queue)
		}
		return
	}

	c.logger.Error("Job exhausted retries, dead-lettering", map[string]interface{}{
		"job_key":  failed.Key,
		"attempts": failed.AttemptsMade,
		"reason":   reason,
	})

	entry := &models.DeadLetterEntry{
		ID:           uuid.New().String(),
		Queue:        failed.Queue,
		Type:         failed.Type,
		Key:          failed.Key,
		MatchID:      matchIDFromPayload(failed.Payload),
		Payload:      failed.Payload,
		FailedReason: reason,
		Trace:        stack,
		AttemptsMade: failed.AttemptsMade,
		EnqueuedAt:   failed.CreatedAt,
		FailedAt:     time.Now(),
	}
	if c.sink != nil {
		if err := c.sink.AddDeadLetter(entry); err != nil {
			c.logger.Error("Failed to persist dead-letter entry", map[string]interface{}{
				"job_key": failed.Key, "error": err.Error(),
			})
		}
	}
	if c.onDead != nil {
		c.onDead(failed.Queue)
	}
}

// matchIDFromPayload pulls the match reference out of a job payload when one
// is present, for dead-letter indexing.
func matchIDFromPayload(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}
	var ref struct {
		MatchID string `json:"matchId"`
	}
	if err := json.Unmarshal(payload, &ref); err != nil {
		return ""
	}
	return ref.MatchID
}
