package coverage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/store"
)

func scheduledMatch(s *store.MemoryStore, t *testing.T, kickoffIn time.Duration) *models.Match {
	t.Helper()
	m := &models.Match{
		ID:        uuid.New().String(),
		HomeTeam:  "Home",
		AwayTeam:  "Away",
		KickoffAt: time.Now().Add(kickoffIn),
		Status:    models.MatchStatusScheduled,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateMatch(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestEmptyWindowIsFullCoverage(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	calc := NewCalculator(s, b)

	result, err := calc.GetMatchCoverage(context.Background(), 24)
	if err != nil {
		t.Fatal(err)
	}
	if result.Percentage != 100.0 {
		t.Errorf("empty window coverage = %v, want 100", result.Percentage)
	}
	if len(result.Gaps) != 0 {
		t.Errorf("expected no gaps, got %d", len(result.Gaps))
	}
}

func TestCoverageCountsJobsAsCoverage(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	calc := NewCalculator(s, b)
	ctx := context.Background()

	covered := scheduledMatch(s, t, 3*time.Hour)
	partial := scheduledMatch(s, t, 5*time.Hour)

	if _, _, err := b.Enqueue(ctx, queue.QueueAnalysis, queue.EnqueueOptions{
		Type: models.JobTypeAnalyze, Key: queue.AnalyzeKey(covered.ID),
	}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.Enqueue(ctx, queue.QueuePredictions, queue.EnqueueOptions{
		Type: models.JobTypePredict, Key: queue.PredictKey(covered.ID),
	}); err != nil {
		t.Fatal(err)
	}
	// The partial match has analysis queued but no prediction job.
	if _, _, err := b.Enqueue(ctx, queue.QueueAnalysis, queue.EnqueueOptions{
		Type: models.JobTypeAnalyze, Key: queue.AnalyzeKey(partial.ID),
	}); err != nil {
		t.Fatal(err)
	}

	result, err := calc.GetMatchCoverage(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalMatches != 2 || result.CoveredMatches != 1 {
		t.Fatalf("coverage = %d/%d, want 1/2", result.CoveredMatches, result.TotalMatches)
	}
	if result.Percentage != 50.0 {
		t.Errorf("percentage = %v, want 50", result.Percentage)
	}
	if len(result.Gaps) != 1 || result.Gaps[0].MatchID != partial.ID {
		t.Fatalf("expected one gap for the partially covered match")
	}
	if len(result.Gaps[0].MissingJobs) != 1 || result.Gaps[0].MissingJobs[0] != queue.QueuePredictions {
		t.Errorf("missing jobs = %v, want only predictions", result.Gaps[0].MissingJobs)
	}
}

func TestGapsSortedByUrgency(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	calc := NewCalculator(s, b)

	far := scheduledMatch(s, t, 10*time.Hour)
	near := scheduledMatch(s, t, 1*time.Hour)
	mid := scheduledMatch(s, t, 5*time.Hour)

	result, err := calc.GetMatchCoverage(context.Background(), 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Gaps) != 3 {
		t.Fatalf("expected 3 gaps, got %d", len(result.Gaps))
	}
	wantOrder := []string{near.ID, mid.ID, far.ID}
	for i, want := range wantOrder {
		if result.Gaps[i].MatchID != want {
			t.Errorf("gap %d = %s, want %s (most urgent first)", i, result.Gaps[i].MatchID, want)
		}
	}
}

func TestClassifyGapsBySeverity(t *testing.T) {
	gaps := []Gap{
		{MatchID: "critical", HoursUntilKickoff: 1.5},
		{MatchID: "warning", HoursUntilKickoff: 3.0},
		{MatchID: "info", HoursUntilKickoff: 6.0},
		{MatchID: "boundary-warning", HoursUntilKickoff: 2.0},
		{MatchID: "boundary-info", HoursUntilKickoff: 4.0},
	}

	buckets := ClassifyGapsBySeverity(gaps)

	if len(buckets[SeverityCritical]) != 1 || buckets[SeverityCritical][0].MatchID != "critical" {
		t.Errorf("critical bucket wrong: %v", buckets[SeverityCritical])
	}
	if len(buckets[SeverityWarning]) != 2 {
		t.Errorf("warning bucket = %d entries, want 2", len(buckets[SeverityWarning]))
	}
	if len(buckets[SeverityInfo]) != 2 {
		t.Errorf("info bucket = %d entries, want 2", len(buckets[SeverityInfo]))
	}
}

func TestClassifyEmptyGapsHasAllBuckets(t *testing.T) {
	buckets := ClassifyGapsBySeverity(nil)
	for _, severity := range []string{SeverityCritical, SeverityWarning, SeverityInfo} {
		if _, ok := buckets[severity]; !ok {
			t.Errorf("bucket %q missing from empty classification", severity)
		}
	}
}

func TestCacheServesStaleWithinTTL(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	calc := NewCalculator(s, b)
	cache := NewCache(calc, time.Minute)
	ctx := context.Background()

	first, err := cache.GetMatchCoverage(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}

	// New match appears, but the cached result is still served.
	scheduledMatch(s, t, 2*time.Hour)

	second, err := cache.GetMatchCoverage(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("expected cached result within TTL")
	}

	cache.Invalidate()
	third, err := cache.GetMatchCoverage(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if third.TotalMatches != 1 {
		t.Errorf("expected recomputation after invalidate, got %d matches", third.TotalMatches)
	}
}

func TestCacheIsPerWindow(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	cache := NewCache(NewCalculator(s, b), time.Minute)
	ctx := context.Background()

	r6, err := cache.GetMatchCoverage(ctx, 6)
	if err != nil {
		t.Fatal(err)
	}
	r24, err := cache.GetMatchCoverage(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if r6.WindowHours != 6 || r24.WindowHours != 24 {
		t.Errorf("window hours mixed up: %d, %d", r6.WindowHours, r24.WindowHours)
	}
}
