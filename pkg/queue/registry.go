package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matchpulse/pipeline/pkg/models"
)

// Queue names. Every pipeline stage owns one queue; coverage and recovery
// inspect them by name.
const (
	QueueFetch       = "fetch"
	QueueAnalysis    = "analysis"
	QueuePredictions = "predictions"
	QueueSettlement  = "settlement"
	QueueBackfill    = "backfill"
)

// AllQueues lists every registered queue in pipeline order.
var AllQueues = []string{QueueFetch, QueueAnalysis, QueuePredictions, QueueSettlement, QueueBackfill}

// Settlement job keys. Three patterns exist so the live/backfill path, the
// manual recovery path and the zero-prediction repair path each coalesce
// independently; recovery removes all three before re-enqueueing.
func SettleKey(matchID string) string         { return "settle-" + matchID }
func SettleRetryKey(matchID string) string    { return "settle-retry-" + matchID }
func SettleZeroPredKey(matchID string) string { return "settle-zero-pred-" + matchID }

// SettlementKeys returns every key pattern under which a settlement job for
// the match may exist.
func SettlementKeys(matchID string) []string {
	return []string{SettleKey(matchID), SettleRetryKey(matchID), SettleZeroPredKey(matchID)}
}

// Analysis and prediction job keys, used by the backfill coverage repair.
func AnalyzeKey(matchID string) string { return "analyze-" + matchID }
func PredictKey(matchID string) string { return "predict-" + matchID }

// Registry wraps a Broker with the pipeline's queue topology and key
// discipline. Components enqueue through it rather than against the broker so
// key patterns stay in one place.
type Registry struct {
	broker Broker
	retry  models.RetryPolicy
}

// NewRegistry creates a registry over the broker. The retry policy applies to
// every job the registry enqueues.
func NewRegistry(broker Broker, retry models.RetryPolicy) *Registry {
	if retry.MaxAttempts == 0 {
		retry = models.DefaultRetryPolicy()
	}
	return &Registry{broker: broker, retry: retry}
}

// Broker exposes the underlying broker for consumers and health checks.
func (r *Registry) Broker() Broker { return r.broker }

// RetryPolicy returns the policy applied to enqueued jobs.
func (r *Registry) RetryPolicy() models.RetryPolicy { return r.retry }

// EnqueueSettlement files a settlement job for a finished match under the
// given key. Duplicate calls with the same key coalesce in the broker.
func (r *Registry) EnqueueSettlement(ctx context.Context, m *models.Match, key string, priority int) (*models.Job, bool, error) {
	payload := models.SettlementPayload{MatchID: m.ID, Status: string(m.Status)}
	if m.HomeScore != nil {
		payload.HomeScore = *m.HomeScore
	}
	if m.AwayScore != nil {
		payload.AwayScore = *m.AwayScore
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode settlement payload: %w", err)
	}

	return r.broker.Enqueue(ctx, QueueSettlement, EnqueueOptions{
		Type:     models.JobTypeSettle,
		Key:      key,
		Payload:  body,
		Priority: priority,
		Retry:    r.retry,
	})
}

// EnqueueAnalysis files an analysis job for a match missing pipeline entry.
func (r *Registry) EnqueueAnalysis(ctx context.Context, matchID string, priority int) (*models.Job, bool, error) {
	return r.broker.Enqueue(ctx, QueueAnalysis, EnqueueOptions{
		Type:     models.JobTypeAnalyze,
		Key:      AnalyzeKey(matchID),
		Payload:  []byte(fmt.Sprintf(`{"matchId":%q}`, matchID)),
		Priority: priority,
		Retry:    r.retry,
	})
}

// EnqueuePrediction files a prediction job for a match with analysis but no
// predictions.
func (r *Registry) EnqueuePrediction(ctx context.Context, matchID string, priority int) (*models.Job, bool, error) {
	return r.broker.Enqueue(ctx, QueuePredictions, EnqueueOptions{
		Type:     models.JobTypePredict,
		Key:      PredictKey(matchID),
		Payload:  []byte(fmt.Sprintf(`{"matchId":%q}`, matchID)),
		Priority: priority,
		Retry:    r.retry,
	})
}

// RemoveSettlementJobs deletes every settlement job for the match, under all
// three key patterns and in any state. It returns how many were removed.
func (r *Registry) RemoveSettlementJobs(matchID string) (int, error) {
	removed := 0
	for _, key := range SettlementKeys(matchID) {
		ok, err := r.broker.Remove(QueueSettlement, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
