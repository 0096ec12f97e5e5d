package models

import "time"

// PredictionStatus represents the settlement state of a prediction.
// The transition is monotonic: pending -> scored, never reversed.
type PredictionStatus string

const (
	PredictionStatusPending PredictionStatus = "pending"
	PredictionStatusScored  PredictionStatus = "scored"
)

// Prediction represents one model's forecast for one match. Created by the
// prediction-generation collaborator; scored exactly once by the settlement
// worker under a row-level lock.
type Prediction struct {
	ID             string           `json:"id"`
	MatchID        string           `json:"match_id"`
	ModelID        string           `json:"model_id"`
	HomeGoals      int              `json:"home_goals"`
	AwayGoals      int              `json:"away_goals"`
	Status         PredictionStatus `json:"status"`
	Points         *int             `json:"points,omitempty"`
	TendencyPoints *int             `json:"tendency_points,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ScoredAt       *time.Time       `json:"scored_at,omitempty"`
}

// Tendency returns the predicted result direction.
func (p *Prediction) Tendency() Tendency {
	return ResultTendency(p.HomeGoals, p.AwayGoals)
}

// Analysis marks that a match was entered into the pipeline. Its presence is
// the heuristic that distinguishes "predictions silently missing" (retriable)
// from "match was never meant to produce predictions" (expected no-op).
type Analysis struct {
	ID        string    `json:"id"`
	MatchID   string    `json:"match_id"`
	CreatedAt time.Time `json:"created_at"`
}
