package models

import "time"

// MatchStatus represents the lifecycle state of a fixture
type MatchStatus string

const (
	MatchStatusScheduled MatchStatus = "scheduled"
	MatchStatusLive      MatchStatus = "live"
	MatchStatusFinished  MatchStatus = "finished"
)

// Match represents one fixture. Matches are created and mutated by the
// upstream ingestion collaborator; this pipeline only reads them.
type Match struct {
	ID            string      `json:"id"`
	HomeTeam      string      `json:"home_team"`
	AwayTeam      string      `json:"away_team"`
	CompetitionID string      `json:"competition_id"`
	KickoffAt     time.Time   `json:"kickoff_at"`
	Status        MatchStatus `json:"status"`
	HomeScore     *int        `json:"home_score,omitempty"`
	AwayScore     *int        `json:"away_score,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HasFinalScore reports whether both scores are known. A finished match
// always has a final score (store invariant).
func (m *Match) HasFinalScore() bool {
	return m.HomeScore != nil && m.AwayScore != nil
}

// Tendency is the direction of a result: home win, draw, or away win.
type Tendency int

const (
	TendencyHomeWin Tendency = iota
	TendencyDraw
	TendencyAwayWin
)

// ResultTendency computes the direction of a scoreline.
func ResultTendency(home, away int) Tendency {
	switch {
	case home > away:
		return TendencyHomeWin
	case home < away:
		return TendencyAwayWin
	default:
		return TendencyDraw
	}
}
