package coverage

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/matchpulse/pipeline/pkg/models"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/store"
)

// Severity buckets for coverage gaps, keyed off time to kickoff.
const (
	SeverityCritical = "critical" // kickoff in under 2 hours
	SeverityWarning  = "warning"  // kickoff in 2 to 4 hours
	SeverityInfo     = "info"     // kickoff in 4 or more hours
)

// Gap is an upcoming match with no pipeline job filed for it.
type Gap struct {
	MatchID           string    `json:"matchId"`
	HomeTeam          string    `json:"homeTeam"`
	AwayTeam          string    `json:"awayTeam"`
	KickoffAt         time.Time `json:"kickoffAt"`
	HoursUntilKickoff float64   `json:"hoursUntilKickoff"`
	MissingJobs       []string  `json:"missingJobs"`
}

// Result is one coverage measurement over a look-ahead window.
type Result struct {
	Percentage     float64   `json:"percentage"`
	TotalMatches   int       `json:"totalMatches"`
	CoveredMatches int       `json:"coveredMatches"`
	Gaps           []Gap     `json:"gaps"`
	WindowHours    int       `json:"windowHours"`
	ComputedAt     time.Time `json:"computedAt"`
}

// Calculator measures how many upcoming matches have pipeline work filed.
// A match counts as covered when a job keyed to it sits in the analysis or
// predictions queue in a pending state.
type Calculator struct {
	store  store.Store
	broker queue.Broker
	now    func() time.Time
}

// NewCalculator creates a coverage calculator.
func NewCalculator(st store.Store, broker queue.Broker) *Calculator {
	return &Calculator{store: st, broker: broker, now: time.Now}
}

// GetMatchCoverage computes coverage for matches kicking off within the next
// hoursAhead hours. An empty window is full coverage, not zero.
func (c *Calculator) GetMatchCoverage(ctx context.Context, hoursAhead int) (*Result, error) {
	now := c.now()
	to := now.Add(time.Duration(hoursAhead) * time.Hour)

	matches, err := c.store.ListMatchesInWindow(now, to,
		models.MatchStatusScheduled, models.MatchStatusLive)
	if err != nil {
		return nil, err
	}

	result := &Result{
		WindowHours: hoursAhead,
		ComputedAt:  now,
	}
	if len(matches) == 0 {
		result.Percentage = 100.0
		result.Gaps = []Gap{}
		return result, nil
	}

	analysisKeys, err := c.pendingKeys(queue.QueueAnalysis)
	if err != nil {
		return nil, err
	}
	predictionKeys, err := c.pendingKeys(queue.QueuePredictions)
	if err != nil {
		return nil, err
	}

	result.TotalMatches = len(matches)
	for _, m := range matches {
		hasAnalysis := analysisKeys[queue.AnalyzeKey(m.ID)]
		hasPrediction := predictionKeys[queue.PredictKey(m.ID)]
		if hasAnalysis && hasPrediction {
			result.CoveredMatches++
			continue
		}

		// Missing either job type flags the match; record which.
		var missing []string
		if !hasAnalysis {
			missing = append(missing, queue.QueueAnalysis)
		}
		if !hasPrediction {
			missing = append(missing, queue.QueuePredictions)
		}
		result.Gaps = append(result.Gaps, Gap{
			MatchID:           m.ID,
			HomeTeam:          m.HomeTeam,
			AwayTeam:          m.AwayTeam,
			KickoffAt:         m.KickoffAt,
			HoursUntilKickoff: roundHours(m.KickoffAt.Sub(now)),
			MissingJobs:       missing,
		})
	}

	// Most urgent gap first.
	sort.Slice(result.Gaps, func(i, j int) bool {
		return result.Gaps[i].HoursUntilKickoff < result.Gaps[j].HoursUntilKickoff
	})
	if result.Gaps == nil {
		result.Gaps = []Gap{}
	}

	result.Percentage = roundPercent(float64(result.CoveredMatches) / float64(result.TotalMatches) * 100.0)
	return result, nil
}

// pendingKeys returns the job keys present in the queue in a state that still
// leads to execution.
func (c *Calculator) pendingKeys(queueName string) (map[string]bool, error) {
	jobs, err := c.broker.Jobs(queueName,
		models.JobStatusWaiting, models.JobStatusDelayed,
		models.JobStatusActive, models.JobStatusRetrying)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		keys[j.Key] = true
	}
	return keys, nil
}

// ClassifyGapsBySeverity buckets gaps by urgency. Every bucket is present in
// the result even when empty.
func ClassifyGapsBySeverity(gaps []Gap) map[string][]Gap {
	out := map[string][]Gap{
		SeverityCritical: {},
		SeverityWarning:  {},
		SeverityInfo:     {},
	}
	for _, g := range gaps {
		switch {
		case g.HoursUntilKickoff < 2:
			out[SeverityCritical] = append(out[SeverityCritical], g)
		case g.HoursUntilKickoff < 4:
			out[SeverityWarning] = append(out[SeverityWarning], g)
		default:
			out[SeverityInfo] = append(out[SeverityInfo], g)
		}
	}
	return out
}

func roundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}

func roundPercent(p float64) float64 {
	return math.Round(p*100) / 100
}
