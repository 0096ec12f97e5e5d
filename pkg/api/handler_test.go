package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/matchpulse/pipeline/pkg/auth"
	"github.com/matchpulse/pipeline/pkg/coverage"
	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/ratelimit"
	"github.com/matchpulse/pipeline/pkg/store"
)

const testAPIKey = "test-admin-key"

type testEnv struct {
	store  *store.MemoryStore
	broker *queue.MemoryBroker
	router *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	registry := queue.NewRegistry(b, models.DefaultRetryPolicy())
	cache := coverage.NewCache(coverage.NewCalculator(s, b), time.Minute)

	apiKeys := auth.NewAPIKeyManager()
	apiKeys.AddKey(testAPIKey, "test")

	// Generous budgets so only the rate-limit test trips them.
	readLimiter := ratelimit.NewLimiter(1000, 1000)
	writeLimiter := ratelimit.NewLimiter(1000, 1000)

	logger := logging.NewLogger(logging.ERROR, false)
	h := NewHandler(s, registry, cache, 24, apiKeys, readLimiter, writeLimiter, nil, logger)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return &testEnv{store: s, broker: b, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func addFinishedMatch(t *testing.T, s *store.MemoryStore) *models.Match {
	t.Helper()
	home, away := 2, 1
	m := &models.Match{
		ID:        uuid.New().String(),
		HomeTeam:  "Freiburg",
		AwayTeam:  "Augsburg",
		KickoffAt: time.Now().Add(-2 * time.Hour),
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

func TestHealthOK(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/health", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["redis"] != "healthy" {
		t.Errorf(`expected "redis" field reporting healthy, got %v`, resp["redis"])
	}
	if resp["matchCoverage"] == nil {
		t.Error("expected matchCoverage in health response")
	}
}

func TestHealthDegradedOnLowCoverage(t *testing.T) {
	env := newTestEnv(t)

	// One uncovered upcoming match: coverage 0% < 90%.
	m := &models.Match{
		ID: uuid.New().String(), HomeTeam: "a", AwayTeam: "b",
		KickoffAt: time.Now().Add(2 * time.Hour), Status: models.MatchStatusScheduled,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := env.store.CreateMatch(m); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "GET", "/health", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("degraded health should still be 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
}

func TestHealthUnhealthyBroker(t *testing.T) {
	env := newTestEnv(t)
	env.broker.Close()

	w := env.do(t, "GET", "/health", nil, false)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for unhealthy broker, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["redis"] != "unhealthy" {
		t.Errorf("redis = %v, want unhealthy", resp["redis"])
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	for _, tc := range []struct{ method, path string }{
		{"GET", "/admin/pipeline-health"},
		{"GET", "/admin/settlement-failures"},
		{"POST", "/admin/settlement-failures"},
		{"DELETE", "/admin/settlement-failures"},
	} {
		w := env.do(t, tc.method, tc.path, []byte(`{"matchId":"x"}`), false)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without key = %d, want 401", tc.method, tc.path, w.Code)
		}
	}
}

func TestIndependentRateBudgets(t *testing.T) {
	s := store.NewMemoryStore()
	b := queue.NewMemoryBroker()
	registry := queue.NewRegistry(b, models.DefaultRetryPolicy())
	cache := coverage.NewCache(coverage.NewCalculator(s, b), time.Minute)
	apiKeys := auth.NewAPIKeyManager()
	apiKeys.AddKey(testAPIKey, "test")

	// Writes exhausted after 1 request; reads stay open.
	readLimiter := ratelimit.NewLimiter(1000, 1000)
	writeLimiter := ratelimit.NewLimiter(0.0001, 1)

	h := NewHandler(s, registry, cache, 24, apiKeys, readLimiter, writeLimiter, nil,
		logging.NewLogger(logging.ERROR, false))
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	env := &testEnv{store: s, broker: b, router: router}

	m := addFinishedMatch(t, s)
	body := []byte(`{"matchId":"` + m.ID + `"}`)

	if w := env.do(t, "POST", "/admin/settlement-failures", body, true); w.Code != http.StatusOK {
		t.Fatalf("first write = %d, want 200", w.Code)
	}
	if w := env.do(t, "POST", "/admin/settlement-failures", body, true); w.Code != http.StatusTooManyRequests {
		t.Errorf("second write = %d, want 429", w.Code)
	}
	// Read budget is separate and still open.
	if w := env.do(t, "GET", "/admin/settlement-failures", nil, true); w.Code != http.StatusOK {
		t.Errorf("read after write exhaustion = %d, want 200", w.Code)
	}
}

func TestListFailuresMergesSources(t *testing.T) {
	env := newTestEnv(t)

	// One dead job retained by the broker.
	if _, _, err := env.broker.Enqueue(context.Background(), queue.QueueSettlement, queue.EnqueueOptions{
		Type: models.JobTypeSettle, Key: "settle-m1", Payload: []byte(`{"matchId":"m1"}`),
		Retry: models.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 2},
	}); err != nil {
		t.Fatal(err)
	}
	job, _ := env.broker.Claim(context.Background(), queue.QueueSettlement)
	if _, err := env.broker.Fail(queue.QueueSettlement, job.ID, "broker-side failure"); err != nil {
		t.Fatal(err)
	}

	// One durable dead-letter entry with an oversized reason.
	longReason := strings.Repeat("x", 1000)
	if err := env.store.AddDeadLetter(&models.DeadLetterEntry{
		ID: "dl-1", Queue: queue.QueueSettlement, Type: models.JobTypeSettle,
		Key: "settle-m2", MatchID: "m2", FailedReason: longReason,
		AttemptsMade: 5, EnqueuedAt: time.Now(), FailedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "GET", "/admin/settlement-failures", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("list failures = %d, want 200", w.Code)
	}

	var resp failuresResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalFailures != 2 || resp.FromQueue != 1 || resp.FromDlq != 1 {
		t.Errorf("counts = %d/%d/%d, want 2/1/1", resp.TotalFailures, resp.FromQueue, resp.FromDlq)
	}

	sources := map[string]failureEntry{}
	for _, f := range resp.Failures {
		sources[f.Source] = f
	}
	if sources["queue"].MatchID != "m1" {
		t.Errorf("queue failure match = %q, want m1", sources["queue"].MatchID)
	}
	dlq := sources["dead-letter"]
	if dlq.MatchID != "m2" {
		t.Errorf("dead-letter failure match = %q, want m2", dlq.MatchID)
	}
	if len(dlq.FailedReason) > failureReasonCap+3 {
		t.Errorf("reason not truncated: %d chars", len(dlq.FailedReason))
	}
}

func TestRetryRemovesAllKeysAndReEnqueues(t *testing.T) {
	env := newTestEnv(t)
	m := addFinishedMatch(t, env.store)
	ctx := context.Background()

	// Stale jobs under two key patterns plus a dead-letter entry.
	for _, key := range []string{queue.SettleKey(m.ID), queue.SettleZeroPredKey(m.ID)} {
		if _, _, err := env.broker.Enqueue(ctx, queue.QueueSettlement, queue.EnqueueOptions{
			Type: models.JobTypeSettle, Key: key,
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.store.AddDeadLetter(&models.DeadLetterEntry{
		ID: "dl-1", Queue: queue.QueueSettlement, Type: models.JobTypeSettle,
		Key: queue.SettleKey(m.ID), MatchID: m.ID, FailedReason: "old failure",
		AttemptsMade: 5, EnqueuedAt: time.Now(), FailedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"matchId":"` + m.ID + `"}`)
	w := env.do(t, "POST", "/admin/settlement-failures", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("retry = %d, want 200; body %s", w.Code, w.Body.String())
	}

	var resp retryResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Success || resp.MatchID != m.ID {
		t.Errorf("unexpected retry response %+v", resp)
	}

	jobs, _ := env.broker.Jobs(queue.QueueSettlement)
	if len(jobs) != 1 {
		t.Fatalf("expected exactly the fresh retry job, got %d", len(jobs))
	}
	if jobs[0].Key != queue.SettleRetryKey(m.ID) {
		t.Errorf("retry job key = %q, want %q", jobs[0].Key, queue.SettleRetryKey(m.ID))
	}

	n, _ := env.store.CountDeadLetters(queue.QueueSettlement)
	if n != 0 {
		t.Errorf("expected dead-letter entries removed, %d remain", n)
	}
}

func TestRetryUnknownMatchIs404(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/admin/settlement-failures", []byte(`{"matchId":"ghost"}`), true)
	if w.Code != http.StatusNotFound {
		t.Errorf("retry for unknown match = %d, want 404", w.Code)
	}

	jobs, _ := env.broker.Jobs(queue.QueueSettlement)
	if len(jobs) != 0 {
		t.Errorf("404 retry must not enqueue, got %d jobs", len(jobs))
	}
}

func TestRetryRejectsBadBody(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/admin/settlement-failures", []byte(`{}`), true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty matchId = %d, want 400", w.Code)
	}
}

func TestClearPurgesWithoutRetrying(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, _, err := env.broker.Enqueue(ctx, queue.QueueSettlement, queue.EnqueueOptions{
		Type: models.JobTypeSettle, Key: "settle-m1",
		Retry: models.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, Multiplier: 2},
	}); err != nil {
		t.Fatal(err)
	}
	job, _ := env.broker.Claim(ctx, queue.QueueSettlement)
	env.broker.Fail(queue.QueueSettlement, job.ID, "dead")

	env.store.AddDeadLetter(&models.DeadLetterEntry{
		ID: "dl-1", Queue: queue.QueueSettlement, Type: models.JobTypeSettle,
		Key: "settle-m2", MatchID: "m2", FailedReason: "dead",
		AttemptsMade: 5, EnqueuedAt: time.Now(), FailedAt: time.Now(),
	})

	w := env.do(t, "DELETE", "/admin/settlement-failures", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("clear = %d, want 200", w.Code)
	}

	var resp clearResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.RemovedFromQueue != 1 || resp.RemovedFromDlq != 1 {
		t.Errorf("removed = %d/%d, want 1/1", resp.RemovedFromQueue, resp.RemovedFromDlq)
	}

	dead, _ := env.broker.GetFailed(queue.QueueSettlement)
	if len(dead) != 0 {
		t.Errorf("dead jobs remain after clear: %d", len(dead))
	}
	jobs, _ := env.broker.Jobs(queue.QueueSettlement)
	if len(jobs) != 0 {
		t.Errorf("clear must not re-enqueue, got %d jobs", len(jobs))
	}
}

func TestPipelineHealthBuckets(t *testing.T) {
	env := newTestEnv(t)

	// Uncovered matches in each severity band.
	for _, offset := range []time.Duration{time.Hour, 3 * time.Hour, 8 * time.Hour} {
		m := &models.Match{
			ID: uuid.New().String(), HomeTeam: "h", AwayTeam: "a",
			KickoffAt: time.Now().Add(offset), Status: models.MatchStatusScheduled,
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		}
		if err := env.store.CreateMatch(m); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, "GET", "/admin/pipeline-health", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("pipeline-health = %d, want 200", w.Code)
	}

	var resp pipelineHealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.GapsBySeverity["critical"] != 1 || resp.GapsBySeverity["warning"] != 1 || resp.GapsBySeverity["info"] != 1 {
		t.Errorf("severity counts = %v, want 1 each", resp.GapsBySeverity)
	}
	if len(resp.Matches["critical"]) != 1 {
		t.Errorf("expected critical gap detail, got %v", resp.Matches["critical"])
	}
}
