package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/matchpulse/pipeline/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store. It is used in
// tests and for local development; the per-match mutex mirrors the blocking
// row-level lock the SQL stores take during settlement.
type MemoryStore struct {
	mu          sync.RWMutex
	matches     map[string]*models.Match
	predictions map[string]*models.Prediction
	predsByMat  map[string][]string
	analyses    map[string]bool
	deadLetters []*models.DeadLetterEntry

	lockMu     sync.Mutex
	matchLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches:     make(map[string]*models.Match),
		predictions: make(map[string]*models.Prediction),
		predsByMat:  make(map[string][]string),
		analyses:    make(map[string]bool),
		matchLocks:  make(map[string]*sync.Mutex),
	}
}

// Match operations

func (s *MemoryStore) CreateMatch(m *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMatch(id string) (*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, ErrMatchNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateMatch(m *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[m.ID]; !ok {
		return ErrMatchNotFound
	}
	cp := *m
	cp.UpdatedAt = time.Now()
	s.matches[m.ID] = &cp
	return nil
}

func (s *MemoryStore) ListMatchesInWindow(from, to time.Time, statuses ...models.MatchStatus) ([]*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[models.MatchStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	var out []*models.Match
	for _, m := range s.matches {
		if len(wanted) > 0 && !wanted[m.Status] {
			continue
		}
		if m.KickoffAt.Before(from) || m.KickoffAt.After(to) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].KickoffAt.Before(out[j].KickoffAt) })
	return out, nil
}

func (s *MemoryStore) ListFinishedWithPendingPredictions() ([]*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Match
	for _, m := range s.matches {
		if m.Status != models.MatchStatusFinished {
			continue
		}
		for _, pid := range s.predsByMat[m.ID] {
			if s.predictions[pid].Status == models.PredictionStatusPending {
				cp := *m
				out = append(out, &cp)
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].KickoffAt.Before(out[j].KickoffAt) })
	return out, nil
}

func (s *MemoryStore) ListFinishedWithoutPredictions() ([]*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Match
	for _, m := range s.matches {
		if m.Status == models.MatchStatusFinished && len(s.predsByMat[m.ID]) == 0 {
			cp := *m
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].KickoffAt.Before(out[j].KickoffAt) })
	return out, nil
}

// Prediction operations

func (s *MemoryStore) CreatePrediction(p *models.Prediction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.Status == "" {
		cp.Status = models.PredictionStatusPending
	}
	s.predictions[p.ID] = &cp
	s.predsByMat[p.MatchID] = append(s.predsByMat[p.MatchID], p.ID)
	return nil
}

func (s *MemoryStore) ListPredictions(matchID string) ([]*models.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.predsByMat[matchID]
	out := make([]*models.Prediction, 0, len(ids))
	for _, id := range ids {
		cp := *s.predictions[id]
		out = append(out, &cp)
	}
	return out, nil
}

// Analysis operations

func (s *MemoryStore) AddAnalysis(a *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.analyses[a.MatchID] = true
	return nil
}

func (s *MemoryStore) HasAnalysis(matchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.analyses[matchID], nil
}

// Settlement transaction

// BeginSettlement acquires the per-match lock, blocking while another
// settlement holds it, then snapshots the pending predictions. The second of
// two concurrent attempts therefore observes zero pending rows.
func (s *MemoryStore) BeginSettlement(ctx context.Context, matchID string) (SettlementTx, error) {
	s.lockMu.Lock()
	lock, ok := s.matchLocks[matchID]
	if !ok {
		lock = &sync.Mutex{}
		s.matchLocks[matchID] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()

	s.mu.RLock()
	var pending []*models.Prediction
	for _, pid := range s.predsByMat[matchID] {
		if p := s.predictions[pid]; p.Status == models.PredictionStatusPending {
			cp := *p
			pending = append(pending, &cp)
		}
	}
	s.mu.RUnlock()

	return &memorySettlementTx{store: s, lock: lock, pending: pending, staged: make(map[string][2]int)}, nil
}

type memorySettlementTx struct {
	store   *MemoryStore
	lock    *sync.Mutex
	pending []*models.Prediction
	staged  map[string][2]int
	done    bool
}

func (tx *memorySettlementTx) PendingPredictions() []*models.Prediction {
	return tx.pending
}

func (tx *memorySettlementTx) Score(predictionID string, points, tendencyPoints int) error {
	for _, p := range tx.pending {
		if p.ID == predictionID {
			tx.staged[predictionID] = [2]int{points, tendencyPoints}
			return nil
		}
	}
	return ErrPredictionNotFound
}

func (tx *memorySettlementTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true

	now := time.Now()
	tx.store.mu.Lock()
	for id, pts := range tx.staged {
		p := tx.store.predictions[id]
		points, tendency := pts[0], pts[1]
		p.Status = models.PredictionStatusScored
		p.Points = &points
		p.TendencyPoints = &tendency
		p.ScoredAt = &now
	}
	tx.store.mu.Unlock()

	tx.lock.Unlock()
	return nil
}

func (tx *memorySettlementTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.lock.Unlock()
	return nil
}

// Dead-letter operations

func (s *MemoryStore) AddDeadLetter(e *models.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.deadLetters = append(s.deadLetters, &cp)
	return nil
}

func (s *MemoryStore) ListDeadLetters(queue string, limit, offset int) ([]*models.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*models.DeadLetterEntry
	for _, e := range s.deadLetters {
		if queue == "" || e.Queue == queue {
			cp := *e
			all = append(all, &cp)
		}
	}

	// Newest failures first
	sort.Slice(all, func(i, j int) bool { return all[i].FailedAt.After(all[j].FailedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) CountDeadLetters(queue string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.deadLetters {
		if queue == "" || e.Queue == queue {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteDeadLetter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.deadLetters {
		if e.ID == id {
			s.deadLetters = append(s.deadLetters[:i], s.deadLetters[i+1:]...)
			return nil
		}
	}
	return ErrDeadLetterNotFound
}

func (s *MemoryStore) DeleteDeadLettersByMatch(queue, matchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.deadLetters[:0]
	removed := 0
	for _, e := range s.deadLetters {
		if (queue == "" || e.Queue == queue) && e.MatchID == matchID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.deadLetters = kept
	return removed, nil
}

func (s *MemoryStore) PurgeDeadLetters(queue string, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.deadLetters[:0]
	removed := 0
	for _, e := range s.deadLetters {
		if (queue == "" || e.Queue == queue) && e.FailedAt.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.deadLetters = kept
	return removed, nil
}

// Lifecycle

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) HealthCheck() error { return nil }
