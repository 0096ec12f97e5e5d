package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/matchpulse/pipeline/pkg/auth"
	"github.com/matchpulse/pipeline/pkg/coverage"
	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/metrics"
	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/ratelimit"
	"github.com/matchpulse/pipeline/pkg/store"
)

// failureReasonCap bounds the failure text returned by the recovery API so
// stack traces and connection strings do not leak to clients.
const failureReasonCap = 300

// degradedCoverageThreshold is the coverage percentage below which the
// health endpoint reports degraded.
const degradedCoverageThreshold = 90.0

// Handler serves the pipeline's HTTP surface: the public health probe, the
// admin pipeline-health view and the settlement-failure recovery operations.
type Handler struct {
	store         store.Store
	registry      *queue.Registry
	coverageCache *coverage.Cache
	healthHours   int
	apiKeys       *auth.APIKeyManager
	readLimiter   *ratelimit.Limiter
	writeLimiter  *ratelimit.Limiter
	metrics       *metrics.Metrics
	logger        *logging.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	st store.Store,
	registry *queue.Registry,
	coverageCache *coverage.Cache,
	healthHours int,
	apiKeys *auth.APIKeyManager,
	readLimiter, writeLimiter *ratelimit.Limiter,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Handler {
	if healthHours <= 0 {
		healthHours = 24
	}
	return &Handler{
		store:         st,
		registry:      registry,
		coverageCache: coverageCache,
		healthHours:   healthHours,
		apiKeys:       apiKeys,
		readLimiter:   readLimiter,
		writeLimiter:  writeLimiter,
		metrics:       m,
		logger:        logger.WithField("component", "api"),
	}
}

// RegisterRoutes registers all API routes. Admin routes carry API-key auth
// plus rate limiting; reads and writes have independent budgets.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	readChain := func(fn http.HandlerFunc) http.Handler {
		return h.readLimiter.Middleware(ratelimit.IPKeyFunc)(h.apiKeys.Middleware(fn))
	}
	writeChain := func(fn http.HandlerFunc) http.Handler {
		return h.writeLimiter.Middleware(ratelimit.IPKeyFunc)(h.apiKeys.Middleware(fn))
	}

	r.Handle("/admin/pipeline-health", readChain(h.PipelineHealth)).Methods("GET")
	r.Handle("/admin/settlement-failures", readChain(h.ListSettlementFailures)).Methods("GET")
	r.Handle("/admin/settlement-failures", writeChain(h.RetrySettlement)).Methods("POST")
	r.Handle("/admin/settlement-failures", writeChain(h.ClearSettlementFailures)).Methods("DELETE")
}

// healthResponse keeps the field name "redis" for monitor compatibility even
// though the broker is pluggable.
type healthResponse struct {
	Status        string           `json:"status"`
	Redis         string           `json:"redis"`
	MatchCoverage *coverage.Result `json:"matchCoverage,omitempty"`
}

// Health is the unauthenticated probe for load balancers. Coverage comes
// from the cache so frequent polling stays cheap.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Broker().HealthCheck(); err != nil {
		h.logger.Error("Broker health check failed", map[string]interface{}{"error": err.Error()})
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "unhealthy",
			Redis:  "unhealthy",
		})
		return
	}

	resp := healthResponse{Status: "ok", Redis: "healthy"}

	result, err := h.coverageCache.GetMatchCoverage(r.Context(), h.healthHours)
	if err != nil {
		h.logger.Error("Coverage calculation failed", map[string]interface{}{"error": err.Error()})
		resp.Status = "degraded"
	} else {
		resp.MatchCoverage = result
		if result.Percentage < degradedCoverageThreshold {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type pipelineHealthResponse struct {
	Summary        *coverage.Result          `json:"summary"`
	GapsBySeverity map[string]int            `json:"gapsBySeverity"`
	Matches        map[string][]coverage.Gap `json:"matches"`
}

// PipelineHealth returns the full coverage breakdown for operators.
func (h *Handler) PipelineHealth(w http.ResponseWriter, r *http.Request) {
	hours := h.healthHours
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 168 {
			hours = parsed
		}
	}

	result, err := h.coverageCache.GetMatchCoverage(r.Context(), hours)
	if err != nil {
		h.logger.Error("Coverage calculation failed", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to calculate coverage", http.StatusInternalServerError)
		return
	}

	bySeverity := coverage.ClassifyGapsBySeverity(result.Gaps)
	counts := make(map[string]int, len(bySeverity))
	for severity, gaps := range bySeverity {
		counts[severity] = len(gaps)
	}

	writeJSON(w, http.StatusOK, pipelineHealthResponse{
		Summary:        result,
		GapsBySeverity: counts,
		Matches:        bySeverity,
	})
}

// failureEntry is one row of the unified failure list.
type failureEntry struct {
	JobID        string `json:"jobId"`
	MatchID      string `json:"matchId"`
	Source       string `json:"source"` // "queue" or "dead-letter"
	FailedReason string `json:"failedReason"`
	AttemptsMade int    `json:"attemptsMade"`
	Timestamp    string `json:"timestamp"`
}

type failuresResponse struct {
	TotalFailures int            `json:"totalFailures"`
	FromQueue     int            `json:"fromQueue"`
	FromDlq       int            `json:"fromDlq"`
	Failures      []failureEntry `json:"failures"`
}

// ListSettlementFailures merges the broker's retained failed jobs with the
// durable dead-letter entries for the settlement queue.
func (h *Handler) ListSettlementFailures(w http.ResponseWriter, r *http.Request) {
	limit, offset := 50, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	failed, err := h.registry.Broker().GetFailed(queue.QueueSettlement)
	if err != nil {
		h.logger.Error("Failed to read broker failures", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list failures", http.StatusInternalServerError)
		return
	}

	entries, err := h.store.ListDeadLetters(queue.QueueSettlement, limit, offset)
	if err != nil {
		h.logger.Error("Failed to read dead-letter entries", map[string]interface{}{"error": err.Error()})
		http.Error(w, "Failed to list failures", http.StatusInternalServerError)
		return
	}

	resp := failuresResponse{Failures: []failureEntry{}}
	for _, job := range failed {
		ts := job.CreatedAt
		if job.FinishedAt != nil {
			ts = *job.FinishedAt
		}
		resp.Failures = append(resp.Failures, failureEntry{
			JobID:        job.ID,
			MatchID:      matchIDFromJob(job),
			Source:       "queue",
			FailedReason: truncateReason(job.LastError),
			AttemptsMade: job.AttemptsMade,
			Timestamp:    ts.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	resp.FromQueue = len(failed)

	for _, e := range entries {
		resp.Failures = append(resp.Failures, failureEntry{
			JobID:        e.ID,
			MatchID:      e.MatchID,
			Source:       "dead-letter",
			FailedReason: truncateReason(e.FailedReason),
			AttemptsMade: e.AttemptsMade,
			Timestamp:    e.FailedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	resp.FromDlq = len(entries)
	resp.TotalFailures = resp.FromQueue + resp.FromDlq

	writeJSON(w, http.StatusOK, resp)
}

type retryRequest struct {
	MatchID string `json:"matchId"`
}

type retryResponse struct {
	Success bool   `json:"success"`
	MatchID string `json:"matchId"`
	Message string `json:"message"`
}

// RetrySettlement removes every settlement job and dead-letter entry for the
// match, then files a fresh job built from the match's current state. Stale
// payload data is never replayed.
func (h *Handler) RetrySettlement(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MatchID == "" {
		http.Error(w, "Request body must carry matchId", http.StatusBadRequest)
		return
	}

	match, err := h.store.GetMatch(req.MatchID)
	if err != nil {
		if errors.Is(err, store.ErrMatchNotFound) {
			http.Error(w, "Match not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to load match for retry", map[string]interface{}{
			"match_id": req.MatchID, "error": err.Error(),
		})
		http.Error(w, "Failed to load match", http.StatusInternalServerError)
		return
	}

	removedJobs, err := h.registry.RemoveSettlementJobs(match.ID)
	if err != nil {
		h.logger.Error("Failed to remove settlement jobs", map[string]interface{}{
			"match_id": match.ID, "error": err.Error(),
		})
		http.Error(w, "Failed to remove existing jobs", http.StatusInternalServerError)
		return
	}

	removedEntries, err := h.store.DeleteDeadLettersByMatch(queue.QueueSettlement, match.ID)
	if err != nil {
		h.logger.Error("Failed to remove dead-letter entries", map[string]interface{}{
			"match_id": match.ID, "error": err.Error(),
		})
		http.Error(w, "Failed to remove dead-letter entries", http.StatusInternalServerError)
		return
	}

	if _, _, err := h.registry.EnqueueSettlement(r.Context(), match, queue.SettleRetryKey(match.ID), 1); err != nil {
		h.logger.Error("Failed to enqueue settlement retry", map[string]interface{}{
			"match_id": match.ID, "error": err.Error(),
		})
		http.Error(w, "Failed to enqueue retry", http.StatusInternalServerError)
		return
	}

	h.coverageCache.Invalidate()
	if h.metrics != nil {
		h.metrics.RecoveryAction("retry")
	}
	h.logger.Info("Settlement retry enqueued", map[string]interface{}{
		"match_id":             match.ID,
		"removed_jobs":         removedJobs,
		"removed_dead_letters": removedEntries,
	})

	writeJSON(w, http.StatusOK, retryResponse{
		Success: true,
		MatchID: match.ID,
		Message: "Settlement retry enqueued",
	})
}

type clearResponse struct {
	Success          bool `json:"success"`
	RemovedFromQueue int  `json:"removedFromQueue"`
	RemovedFromDlq   int  `json:"removedFromDlq"`
}

// ClearSettlementFailures purges failed settlement jobs and dead-letter
// entries without retrying. Used once a root cause is fixed in code and
// re-processing would fail identically.
func (h *Handler) ClearSettlementFailures(w http.ResponseWriter, r *http.Request) {
	failed, err := h.registry.Broker().GetFailed(queue.QueueSettlement)
	if err != nil {
		http.Error(w, "Failed to list failed jobs", http.StatusInternalServerError)
		return
	}

	removedJobs := 0
	for _, job := range failed {
		ok, err := h.registry.Broker().Remove(queue.QueueSettlement, job.Key)
		if err != nil {
			h.logger.Error("Failed to remove failed job", map[string]interface{}{
				"job_key": job.Key, "error": err.Error(),
			})
			continue
		}
		if ok {
			removedJobs++
		}
	}

	removedEntries := 0
	for {
		entries, err := h.store.ListDeadLetters(queue.QueueSettlement, 500, 0)
		if err != nil {
			http.Error(w, "Failed to list dead-letter entries", http.StatusInternalServerError)
			return
		}
		if len(entries) == 0 {
			break
		}
		deleted := 0
		for _, e := range entries {
			if err := h.store.DeleteDeadLetter(e.ID); err != nil {
				h.logger.Error("Failed to delete dead-letter entry", map[string]interface{}{
					"entry_id": e.ID, "error": err.Error(),
				})
				continue
			}
			deleted++
		}
		removedEntries += deleted
		if deleted == 0 {
			break
		}
	}

	if h.metrics != nil {
		h.metrics.RecoveryAction("clear")
	}
	h.logger.Info("Settlement failures cleared", map[string]interface{}{
		"removed_jobs":         removedJobs,
		"removed_dead_letters": removedEntries,
	})

	writeJSON(w, http.StatusOK, clearResponse{
		Success:          true,
		RemovedFromQueue: removedJobs,
		RemovedFromDlq:   removedEntries,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func truncateReason(reason string) string {
	if len(reason) > failureReasonCap {
		return reason[:failureReasonCap] + "..."
	}
	return reason
}

func matchIDFromJob(job *models.Job) string {
	if len(job.Payload) == 0 {
		return ""
	}
	var payload models.SettlementPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return ""
	}
	return payload.MatchID
}
