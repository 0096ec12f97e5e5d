package backfill

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matchpulse/pipeline/pkg/coverage"
	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/store"
)

type stubReporter struct {
	result *coverage.Result
	err    error
	calls  int
}

func (r *stubReporter) GetMatchCoverage(ctx context.Context, hoursAhead int) (*coverage.Result, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

func newTestWorker(s store.Store, b queue.Broker, reporter CoverageReporter) (*Worker, *queue.Registry) {
	registry := queue.NewRegistry(b, models.DefaultRetryPolicy())
	logger := logging.NewLogger(logging.ERROR, false)
	return NewWorker(Config{Interval: time.Hour, CoverageHours: 6}, s, registry, reporter, logger, nil), registry
}

func addFinished(t *testing.T, s store.Store, withPrediction bool) *models.Match {
	t.Helper()
	home, away := 2, 0
	m := &models.Match{
		ID:        uuid.New().String(),
		HomeTeam:  "Bochum",
		AwayTeam:  "Koeln",
		KickoffAt: time.Now().Add(-4 * time.Hour),
		Status:    models.MatchStatusFinished,
		HomeScore: &home,
		AwayScore: &away,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateMatch(m); err != nil {
		t.Fatal(err)
	}
	if withPrediction {
		p := &models.Prediction{
			ID: uuid.New().String(), MatchID: m.ID, ModelID: "model-y",
			HomeGoals: 1, AwayGoals: 1, Status: models.PredictionStatusPending,
			CreatedAt: time.Now(),
		}
		if err := s.CreatePrediction(p); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func TestSweepFilesSettlementJobs(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	reporter := &stubReporter{result: &coverage.Result{Percentage: 100}}
	w, _ := newTestWorker(s, b, reporter)

	withPending := addFinished(t, s, true)
	zeroPred := addFinished(t, s, false)

	w.RunOnce(context.Background())

	jobs, err := b.Jobs(queue.QueueSettlement)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 settlement jobs, got %d", len(jobs))
	}

	byKey := map[string]*models.Job{}
	for _, j := range jobs {
		byKey[j.Key] = j
	}

	regular, ok := byKey[queue.SettleKey(withPending.ID)]
	if !ok {
		t.Fatalf("missing settlement job for match with pending predictions")
	}
	zero, ok := byKey[queue.SettleZeroPredKey(zeroPred.ID)]
	if !ok {
		t.Fatalf("missing zero-prediction settlement job")
	}
	if zero.Priority <= regular.Priority {
		t.Errorf("zero-prediction job should have lower priority: %d vs %d", zero.Priority, regular.Priority)
	}
}

func TestSweepIsIdempotentAcrossRuns(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	reporter := &stubReporter{result: &coverage.Result{Percentage: 100}}
	w, _ := newTestWorker(s, b, reporter)

	addFinished(t, s, true)

	w.RunOnce(context.Background())
	w.RunOnce(context.Background())

	jobs, _ := b.Jobs(queue.QueueSettlement)
	if len(jobs) != 1 {
		t.Errorf("expected repeated sweeps to coalesce into 1 job, got %d", len(jobs))
	}
}

func TestCoverageFailureDoesNotBlockSweep(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	reporter := &stubReporter{err: errors.New("store unreachable")}
	w, _ := newTestWorker(s, b, reporter)

	addFinished(t, s, true)

	w.RunOnce(context.Background())

	jobs, _ := b.Jobs(queue.QueueSettlement)
	if len(jobs) != 1 {
		t.Errorf("recovery work must run despite coverage failure, got %d jobs", len(jobs))
	}
	if reporter.calls != 1 {
		t.Errorf("expected coverage attempted once, got %d", reporter.calls)
	}
}

func TestRepairGapsFilesMissingJobs(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	reporter := &stubReporter{result: &coverage.Result{
		Percentage: 50,
		Gaps: []coverage.Gap{
			{MatchID: "m1", MissingJobs: []string{queue.QueueAnalysis, queue.QueuePredictions}},
			{MatchID: "m2", MissingJobs: []string{queue.QueuePredictions}},
		},
	}}
	w, _ := newTestWorker(s, b, reporter)

	w.RunOnce(context.Background())

	analysis, _ := b.Jobs(queue.QueueAnalysis)
	if len(analysis) != 1 || analysis[0].Key != queue.AnalyzeKey("m1") {
		t.Errorf("expected one analysis repair job for m1, got %v", analysis)
	}
	predictions, _ := b.Jobs(queue.QueuePredictions)
	if len(predictions) != 2 {
		t.Errorf("expected prediction repair jobs for both gaps, got %d", len(predictions))
	}

	// Repeat runs coalesce on the idempotent keys.
	w.RunOnce(context.Background())
	predictions, _ = b.Jobs(queue.QueuePredictions)
	if len(predictions) != 2 {
		t.Errorf("repair jobs duplicated across runs: %d", len(predictions))
	}
}

type panickingReporter struct{}

func (panickingReporter) GetMatchCoverage(ctx context.Context, hoursAhead int) (*coverage.Result, error) {
	panic("coverage blew up")
}

func TestCoveragePanicIsContained(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	w, _ := newTestWorker(s, b, panickingReporter{})

	addFinished(t, s, true)

	// Must not panic out of RunOnce.
	w.RunOnce(context.Background())

	jobs, _ := b.Jobs(queue.QueueSettlement)
	if len(jobs) != 1 {
		t.Errorf("sweep should complete despite reporter panic, got %d jobs", len(jobs))
	}
}
