package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/models"
)

type recordingSink struct {
	entries []*models.DeadLetterEntry
}

func (r *recordingSink) AddDeadLetter(e *models.DeadLetterEntry) error {
	r.entries = append(r.entries, e)
	return nil
}

func testLogger() *logging.Logger {
	l := logging.NewLogger(logging.ERROR, false)
	return l
}

func TestConsumerCompletesSuccessfulJob(t *testing.T) {
	b := NewMemoryBroker()
	sink := &recordingSink{}
	c := NewConsumer(ConsumerConfig{Queue: QueueSettlement}, b, sink, testLogger())

	handled := 0
	c.Register(models.JobTypeSettle, func(ctx context.Context, job *models.Job) error {
		handled++
		return nil
	})

	if _, _, err := b.Enqueue(context.Background(), QueueSettlement, EnqueueOptions{
		Type: models.JobTypeSettle, Key: "settle-m1",
	}); err != nil {
		t.Fatal(err)
	}

	c.drain()

	if handled != 1 {
		t.Errorf("expected handler invoked once, got %d", handled)
	}
	counts, _ := b.Counts(QueueSettlement)
	if counts.Waiting+counts.Active+counts.Dead != 0 {
		t.Errorf("expected queue drained, got %+v", counts)
	}
}

func TestConsumerDeadLettersExhaustedJob(t *testing.T) {
	b := NewMemoryBroker()
	sink := &recordingSink{}
	c := NewConsumer(ConsumerConfig{Queue: QueueSettlement}, b, sink, testLogger())

	c.Register(models.JobTypeSettle, func(ctx context.Context, job *models.Job) error {
		return errors.New("permanent failure")
	})

	if _, _, err := b.Enqueue(context.Background(), QueueSettlement, EnqueueOptions{
		Type:    models.JobTypeSettle,
		Key:     "settle-m1",
		Payload: []byte(`{"matchId":"m1"}`),
		Retry:   fastRetry(2),
	}); err != nil {
		t.Fatal(err)
	}

	// Two drains with a backoff wait in between exhaust both attempts.
	c.drain()
	time.Sleep(5 * time.Millisecond)
	c.drain()

	if len(sink.entries) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(sink.entries))
	}
	entry := sink.entries[0]
	if entry.MatchID != "m1" {
		t.Errorf("expected match reference extracted, got %q", entry.MatchID)
	}
	if entry.AttemptsMade != 2 {
		t.Errorf("expected 2 attempts recorded, got %d", entry.AttemptsMade)
	}
	if entry.FailedReason != "permanent failure" {
		t.Errorf("unexpected reason %q", entry.FailedReason)
	}
}

func TestConsumerRecoversFromPanic(t *testing.T) {
	b := NewMemoryBroker()
	sink := &recordingSink{}
	c := NewConsumer(ConsumerConfig{Queue: QueueSettlement}, b, sink, testLogger())

	c.Register(models.JobTypeSettle, func(ctx context.Context, job *models.Job) error {
		panic("handler exploded")
	})

	if _, _, err := b.Enqueue(context.Background(), QueueSettlement, EnqueueOptions{
		Type: models.JobTypeSettle, Key: "settle-m1", Retry: fastRetry(1),
	}); err != nil {
		t.Fatal(err)
	}

	c.drain()

	if len(sink.entries) != 1 {
		t.Fatalf("expected panic to dead-letter the job, got %d entries", len(sink.entries))
	}
	if sink.entries[0].Trace == "" {
		t.Error("expected stack trace preserved for panicked job")
	}
}

func TestConsumerUnknownTypeFails(t *testing.T) {
	b := NewMemoryBroker()
	sink := &recordingSink{}
	c := NewConsumer(ConsumerConfig{Queue: QueueSettlement}, b, sink, testLogger())

	if _, _, err := b.Enqueue(context.Background(), QueueSettlement, EnqueueOptions{
		Type: models.JobTypeSettle, Key: "settle-m1", Retry: fastRetry(1),
	}); err != nil {
		t.Fatal(err)
	}

	c.drain()

	if len(sink.entries) != 1 {
		t.Fatalf("expected unhandled job type to dead-letter, got %d entries", len(sink.entries))
	}
}

func TestConsumerStartStop(t *testing.T) {
	b := NewMemoryBroker()
	c := NewConsumer(ConsumerConfig{
		Queue:        QueueSettlement,
		PollInterval: time.Millisecond,
	}, b, &recordingSink{}, testLogger())

	done := make(chan struct{})
	c.Register(models.JobTypeSettle, func(ctx context.Context, job *models.Job) error {
		close(done)
		return nil
	})
	c.Start()
	defer c.Stop()

	if _, _, err := b.Enqueue(context.Background(), QueueSettlement, EnqueueOptions{
		Type: models.JobTypeSettle, Key: "settle-m1",
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not pick up job")
	}
}
