package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/store"
)

func newSettler(s store.Store) *Settler {
	return NewSettler(s, DefaultRules(), logging.NewLogger(logging.ERROR, false), nil)
}

func finishedMatch(t *testing.T, s store.Store, home, away int) *models.Match {
	t.Helper()
	m := &models.Match{
		ID:        uuid.New().String(),
		HomeTeam:  "Leipzig",
		AwayTeam:  "Mainz",
		KickoffAt: time.Now().Add(-3 * time.Hour),
		Status:    models.MatchStatusFinished,
		HomeScore: &home,
		AwayScore: &away,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := s.CreateMatch(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func addPrediction(t *testing.T, s store.Store, matchID string, home, away int) *models.Prediction {
	t.Helper()
	p := &models.Prediction{
		ID:        uuid.New().String(),
		MatchID:   matchID,
		ModelID:   "model-x",
		HomeGoals: home,
		AwayGoals: away,
		Status:    models.PredictionStatusPending,
		CreatedAt: time.Now(),
	}
	if err := s.CreatePrediction(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRulesScoring(t *testing.T) {
	rules := DefaultRules()

	cases := []struct {
		name                 string
		predHome, predAway   int
		finalHome, finalAway int
		wantPoints           int
		wantTendency         int
	}{
		{"exact score", 2, 1, 2, 1, 3, 1},
		{"right tendency wrong score", 3, 0, 2, 1, 0, 1},
		{"wrong tendency", 0, 2, 2, 1, 0, 0},
		{"exact draw", 1, 1, 1, 1, 3, 1},
		{"wrong draw score right tendency", 2, 2, 0, 0, 0, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &models.Prediction{HomeGoals: c.predHome, AwayGoals: c.predAway}
			points, tendency := rules.Score(p, c.finalHome, c.finalAway)
			if points != c.wantPoints || tendency != c.wantTendency {
				t.Errorf("Score = (%d, %d), want (%d, %d)", points, tendency, c.wantPoints, c.wantTendency)
			}
		})
	}
}

func TestSettleScoresAllPendingPredictions(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 2, 1)

	addPrediction(t, s, m.ID, 2, 1) // exact
	addPrediction(t, s, m.ID, 1, 0) // tendency only
	addPrediction(t, s, m.ID, 0, 3) // wrong

	if err := settler.Settle(context.Background(), m.ID); err != nil {
		t.Fatalf("Settle failed: %v", err)
	}

	preds, err := s.ListPredictions(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range preds {
		if p.Status != models.PredictionStatusScored {
			t.Errorf("prediction %s not scored", p.ID)
		}
		if p.Points == nil || p.TendencyPoints == nil || p.ScoredAt == nil {
			t.Errorf("prediction %s missing scored fields", p.ID)
		}
	}
}

func TestConcurrentSettlementScoresExactlyOnce(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 1, 0)
	for i := 0; i < 5; i++ {
		addPrediction(t, s, m.ID, 1, 0)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = settler.Settle(context.Background(), m.ID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("settlement %d returned error: %v", i, err)
		}
	}

	preds, _ := s.ListPredictions(m.ID)
	for _, p := range preds {
		if p.Status != models.PredictionStatusScored {
			t.Errorf("prediction %s not scored", p.ID)
		}
		if p.Points == nil || *p.Points != 3 {
			t.Errorf("prediction %s scored incorrectly", p.ID)
		}
	}
}

func TestSettleSecondRunIsNoOp(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 0, 0)
	addPrediction(t, s, m.ID, 0, 0)

	if err := settler.Settle(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if err := settler.Settle(context.Background(), m.ID); err != nil {
		t.Errorf("second settlement should no-op, got %v", err)
	}
}

func TestSettleZeroPredictionsWithAnalysisIsRetriable(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 2, 2)
	if err := s.AddAnalysis(&models.Analysis{ID: uuid.New().String(), MatchID: m.ID, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	err := settler.Settle(context.Background(), m.ID)
	if !errors.Is(err, ErrPredictionsMissing) {
		t.Errorf("expected ErrPredictionsMissing, got %v", err)
	}
}

func TestSettleZeroPredictionsWithoutAnalysisSkips(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 2, 2)

	if err := settler.Settle(context.Background(), m.ID); err != nil {
		t.Errorf("expected clean skip for match outside the pipeline, got %v", err)
	}
}

func TestSettleRejectsUnfinishedMatch(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 1, 1)
	m.Status = models.MatchStatusLive
	if err := s.UpdateMatch(m); err != nil {
		t.Fatal(err)
	}

	if err := settler.Settle(context.Background(), m.ID); err == nil {
		t.Error("expected error settling a live match")
	}
}

func TestHandleReReadsMatchState(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	m := finishedMatch(t, s, 3, 1)
	addPrediction(t, s, m.ID, 3, 1)

	// Payload carries stale scores; settlement must use the store's values.
	payload, _ := json.Marshal(models.SettlementPayload{
		MatchID: m.ID, HomeScore: 0, AwayScore: 0, Status: "finished",
	})
	job := &models.Job{Type: models.JobTypeSettle, Payload: payload}

	if err := settler.Handle(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	preds, _ := s.ListPredictions(m.ID)
	if preds[0].Points == nil || *preds[0].Points != 3 {
		t.Error("settlement used stale payload scores instead of the store's result")
	}
}

func TestHandleRejectsBadPayload(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)

	if err := settler.Handle(context.Background(), &models.Job{Payload: []byte("{")}); err == nil {
		t.Error("expected error for malformed payload")
	}
	if err := settler.Handle(context.Background(), &models.Job{Payload: []byte("{}")}); err == nil {
		t.Error("expected error for payload without match reference")
	}
}

type recordingInvalidator struct {
	mu      sync.Mutex
	matches []string
}

func (r *recordingInvalidator) InvalidateMatch(matchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.matches = append(r.matches, matchID)
}

func TestInvalidatorCalledAfterCommitOnly(t *testing.T) {
	s := store.NewMemoryStore()
	settler := newSettler(s)
	inv := &recordingInvalidator{}
	settler.SetInvalidator(inv)

	m := finishedMatch(t, s, 1, 0)
	addPrediction(t, s, m.ID, 1, 0)

	if err := settler.Settle(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if len(inv.matches) != 1 || inv.matches[0] != m.ID {
		t.Errorf("expected one invalidation for %s, got %v", m.ID, inv.matches)
	}

	// No-op settlement must not invalidate again.
	if err := settler.Settle(context.Background(), m.ID); err != nil {
		t.Fatal(err)
	}
	if len(inv.matches) != 1 {
		t.Errorf("no-op settlement should not invalidate, got %v", inv.matches)
	}
}
