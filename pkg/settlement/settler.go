package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/metrics"
	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/store"
)

// ErrPredictionsMissing marks a finished match whose predictions have not
// arrived yet even though the match entered the pipeline. It is retriable;
// the prediction generator may simply be behind.
var ErrPredictionsMissing = errors.New("predictions not yet generated for match")

// Rules holds the point values awarded during settlement.
type Rules struct {
	ExactScorePoints int
	TendencyPoints   int
}

// DefaultRules awards 3 points for the exact score and 1 tendency point for
// the correct result direction.
func DefaultRules() Rules {
	return Rules{ExactScorePoints: 3, TendencyPoints: 1}
}

// Score returns the points and tendency points for a prediction against the
// final score. Tendency points are independent of exact-score correctness.
func (r Rules) Score(p *models.Prediction, homeScore, awayScore int) (points, tendencyPoints int) {
	if p.Tendency() == models.ResultTendency(homeScore, awayScore) {
		tendencyPoints = r.TendencyPoints
	}
	if p.HomeGoals == homeScore && p.AwayGoals == awayScore {
		points = r.ExactScorePoints
	}
	return points, tendencyPoints
}

// Invalidator is notified after a successful settlement so derived caches
// (leaderboards, coverage) can refresh.
type Invalidator interface {
	InvalidateMatch(matchID string)
}

// Settler converts a finished match's pending predictions into scored ones,
// exactly once. Concurrent attempts for the same match serialize on the
// store's settlement lock; whichever attempt enters second observes zero
// pending predictions and no-ops.
type Settler struct {
	store       store.Store
	rules       Rules
	logger      *logging.Logger
	metrics     *metrics.Metrics
	invalidator Invalidator
}

// NewSettler creates a settlement worker core.
func NewSettler(st store.Store, rules Rules, logger *logging.Logger, m *metrics.Metrics) *Settler {
	return &Settler{
		store:   st,
		rules:   rules,
		logger:  logger.WithField("component", "settlement"),
		metrics: m,
	}
}

// SetInvalidator registers a post-commit cache invalidation hook.
func (s *Settler) SetInvalidator(inv Invalidator) {
	s.invalidator = inv
}

// Handle is the settlement queue's job handler. The payload's scores are
// hints only; the match is re-read so settlement always acts on the
// authoritative result.
func (s *Settler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.SettlementPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid settlement payload: %w", err)
	}
	if payload.MatchID == "" {
		return errors.New("settlement payload missing match reference")
	}
	return s.Settle(ctx, payload.MatchID)
}

// Settle settles one match. It returns nil both when predictions were scored
// and when there was nothing to do; ErrPredictionsMissing when predictions
// should exist but do not.
func (s *Settler) Settle(ctx context.Context, matchID string) error {
	match, err := s.store.GetMatch(matchID)
	if err != nil {
		return fmt.Errorf("failed to load match %s: %w", matchID, err)
	}

	if match.Status != models.MatchStatusFinished {
		return fmt.Errorf("match %s is not finished (status %s)", matchID, match.Status)
	}
	if !match.HasFinalScore() {
		return fmt.Errorf("match %s has no final score", matchID)
	}

	tx, err := s.store.BeginSettlement(ctx, matchID)
	if err != nil {
		return fmt.Errorf("failed to begin settlement for match %s: %w", matchID, err)
	}

	pending := tx.PendingPredictions()
	if len(pending) == 0 {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Settlement rollback failed", map[string]interface{}{
				"match_id": matchID, "error": rbErr.Error(),
			})
		}
		return s.handleEmptyPending(matchID)
	}

	homeScore, awayScore := *match.HomeScore, *match.AwayScore
	for _, p := range pending {
		points, tendencyPoints := s.rules.Score(p, homeScore, awayScore)
		if err := tx.Score(p.ID, points, tendencyPoints); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to score prediction %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement for match %s: %w", matchID, err)
	}

	s.logger.Info("Match settled", map[string]interface{}{
		"match_id":    matchID,
		"predictions": len(pending),
		"final_score": fmt.Sprintf("%d:%d", homeScore, awayScore),
	})
	if s.metrics != nil {
		s.metrics.SettlementJob("settled")
		s.metrics.PredictionsScored(len(pending))
	}
	if s.invalidator != nil {
		s.invalidator.InvalidateMatch(matchID)
	}
	return nil
}

// handleEmptyPending decides whether zero pending predictions is a success
// or a retriable failure.
func (s *Settler) handleEmptyPending(matchID string) error {
	predictions, err := s.store.ListPredictions(matchID)
	if err != nil {
		return fmt.Errorf("failed to list predictions for match %s: %w", matchID, err)
	}

	if len(predictions) > 0 {
		// All predictions already scored by an earlier settlement.
		s.logger.Debug("Settlement no-op, match already settled", map[string]interface{}{
			"match_id": matchID,
		})
		if s.metrics != nil {
			s.metrics.SettlementJob("skipped")
		}
		return nil
	}

	retriable, err := s.requiresPredictions(matchID)
	if err != nil {
		return err
	}
	if retriable {
		if s.metrics != nil {
			s.metrics.SettlementJob("failed")
		}
		return fmt.Errorf("match %s: %w", matchID, ErrPredictionsMissing)
	}

	// Match never entered the pipeline; nothing will ever settle here.
	s.logger.Info("Settlement skipped, match has no pipeline entry", map[string]interface{}{
		"match_id": matchID,
	})
	if s.metrics != nil {
		s.metrics.SettlementJob("skipped")
	}
	return nil
}

// requiresPredictions is the heuristic separating "predictions are late"
// from "this match was never analyzed". An analysis record means prediction
// generation was supposed to follow, so absence of predictions is treated as
// a transient failure worth retrying.
func (s *Settler) requiresPredictions(matchID string) (bool, error) {
	hasAnalysis, err := s.store.HasAnalysis(matchID)
	if err != nil {
		return false, fmt.Errorf("failed to check analysis for match %s: %w", matchID, err)
	}
	return hasAnalysis, nil
}
