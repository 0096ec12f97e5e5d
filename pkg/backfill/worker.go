package backfill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matchpulse/pipeline/pkg/coverage"
	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/metrics"
	"github.com/matchpulse/pipeline/pkg/queue"
	"github.com/matchpulse/pipeline/pkg/store"
)

// Settlement job priorities. Zero-prediction repair runs behind regular
// backfill so known-pending work drains first.
const (
	PriorityLive     = 1
	PriorityBackfill = 2
	PriorityZeroPred = 3
)

// CoverageReporter is the slice of the coverage calculator the worker needs.
type CoverageReporter interface {
	GetMatchCoverage(ctx context.Context, hoursAhead int) (*coverage.Result, error)
}

// Config tunes the backfill worker.
type Config struct {
	Interval      time.Duration
	CoverageHours int
}

// Worker periodically sweeps for finished matches whose settlement never
// happened and files jobs for them. It also reports pipeline coverage, but a
// monitoring failure never blocks the recovery sweep itself.
type Worker struct {
	cfg      Config
	store    store.Store
	registry *queue.Registry
	reporter CoverageReporter
	logger   *logging.Logger
	metrics  *metrics.Metrics

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewWorker creates a backfill worker.
func NewWorker(cfg Config, st store.Store, registry *queue.Registry, reporter CoverageReporter, logger *logging.Logger, m *metrics.Metrics) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.CoverageHours <= 0 {
		cfg.CoverageHours = 6
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		registry: registry,
		reporter: reporter,
		logger:   logger.WithField("component", "backfill"),
		metrics:  m,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (w *Worker) Start() {
	w.logger.Info("Backfill worker starting", map[string]interface{}{
		"interval": w.cfg.Interval.String(),
	})
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		w.RunOnce(context.Background())

		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.RunOnce(context.Background())
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	w.stopped.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	w.logger.Info("Backfill worker stopped")
}

// RunOnce executes one full sweep: file settlement jobs for unsettled
// matches, then report coverage. The coverage step is isolated so its
// failure cannot abort the recovery work.
func (w *Worker) RunOnce(ctx context.Context) {
	filed, err := w.sweepPendingSettlements(ctx)
	if err != nil {
		w.logger.Error("Backfill sweep of pending settlements failed", map[string]interface{}{
			"error": err.Error(),
		})
		if w.metrics != nil {
			w.metrics.BackfillRun("error")
		}
	}

	zeroFiled, err := w.sweepZeroPredictionMatches(ctx)
	if err != nil {
		w.logger.Error("Backfill sweep of zero-prediction matches failed", map[string]interface{}{
			"error": err.Error(),
		})
		if w.metrics != nil {
			w.metrics.BackfillRun("error")
		}
	}

	if w.metrics != nil {
		w.metrics.BackfillRun("ok")
	}
	w.logger.Info("Backfill sweep complete", map[string]interface{}{
		"settlement_jobs_filed": filed,
		"zero_pred_jobs_filed":  zeroFiled,
	})

	w.reportCoverage(ctx)
	w.sampleQueueDepths()
}

// sampleQueueDepths exports per-queue population gauges.
func (w *Worker) sampleQueueDepths() {
	if w.metrics == nil {
		return
	}
	for _, q := range queue.AllQueues {
		counts, err := w.registry.Broker().Counts(q)
		if err != nil {
			w.logger.Error("Failed to read queue counts", map[string]interface{}{
				"queue": q, "error": err.Error(),
			})
			continue
		}
		w.metrics.SetQueueDepth(q, "waiting", counts.Waiting)
		w.metrics.SetQueueDepth(q, "delayed", counts.Delayed)
		w.metrics.SetQueueDepth(q, "active", counts.Active)
		w.metrics.SetQueueDepth(q, "retrying", counts.Retrying)
		w.metrics.SetQueueDepth(q, "dead", counts.Dead)
	}
}

// sweepPendingSettlements files settlement jobs for finished matches that
// still have pending predictions.
func (w *Worker) sweepPendingSettlements(ctx context.Context) (int, error) {
	matches, err := w.store.ListFinishedWithPendingPredictions()
	if err != nil {
		return 0, fmt.Errorf("failed to list matches with pending predictions: %w", err)
	}

	filed := 0
	for _, m := range matches {
		_, created, err := w.registry.EnqueueSettlement(ctx, m, queue.SettleKey(m.ID), PriorityBackfill)
		if err != nil {
			return filed, fmt.Errorf("failed to enqueue settlement for match %s: %w", m.ID, err)
		}
		if created {
			filed++
			w.logger.Debug("Filed settlement job", map[string]interface{}{"match_id": m.ID})
		}
	}
	return filed, nil
}

// sweepZeroPredictionMatches files low-priority settlement jobs for finished
// matches with no predictions at all. The settlement worker decides whether
// these are pipeline defects or expected no-ops.
func (w *Worker) sweepZeroPredictionMatches(ctx context.Context) (int, error) {
	matches, err := w.store.ListFinishedWithoutPredictions()
	if err != nil {
		return 0, fmt.Errorf("failed to list matches without predictions: %w", err)
	}

	filed := 0
	for _, m := range matches {
		_, created, err := w.registry.EnqueueSettlement(ctx, m, queue.SettleZeroPredKey(m.ID), PriorityZeroPred)
		if err != nil {
			return filed, fmt.Errorf("failed to enqueue zero-prediction settlement for match %s: %w", m.ID, err)
		}
		if created {
			filed++
		}
	}
	return filed, nil
}

// reportCoverage logs a coverage summary and raises critical gaps to error
// severity. Panics and errors are contained here.
func (w *Worker) reportCoverage(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Coverage report panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
	}()

	result, err := w.reporter.GetMatchCoverage(ctx, w.cfg.CoverageHours)
	if err != nil {
		w.logger.Error("Coverage report failed", map[string]interface{}{"error": err.Error()})
		return
	}

	bySeverity := coverage.ClassifyGapsBySeverity(result.Gaps)
	if w.metrics != nil {
		w.metrics.SetCoverage(result.Percentage)
		for severity, gaps := range bySeverity {
			w.metrics.SetCoverageGaps(severity, len(gaps))
		}
	}

	w.logger.Info("Pipeline coverage", map[string]interface{}{
		"percentage":      result.Percentage,
		"total_matches":   result.TotalMatches,
		"covered_matches": result.CoveredMatches,
		"gaps":            len(result.Gaps),
		"window_hours":    result.WindowHours,
	})

	for _, gap := range bySeverity[coverage.SeverityCritical] {
		w.logger.Error("Critical coverage gap", map[string]interface{}{
			"match_id":            gap.MatchID,
			"home_team":           gap.HomeTeam,
			"away_team":           gap.AwayTeam,
			"kickoff_at":          gap.KickoffAt.Format(time.RFC3339),
			"hours_until_kickoff": gap.HoursUntilKickoff,
			"missing_jobs":        gap.MissingJobs,
		})
	}

	w.repairGaps(ctx, result.Gaps)
}

// repairGaps files the missing analysis and prediction jobs for each gap so
// coverage heals without operator action. Idempotent keys make repeat filing
// across runs a no-op.
func (w *Worker) repairGaps(ctx context.Context, gaps []coverage.Gap) {
	filed := 0
	for _, gap := range gaps {
		for _, missing := range gap.MissingJobs {
			var created bool
			var err error
			switch missing {
			case queue.QueueAnalysis:
				_, created, err = w.registry.EnqueueAnalysis(ctx, gap.MatchID, PriorityBackfill)
			case queue.QueuePredictions:
				_, created, err = w.registry.EnqueuePrediction(ctx, gap.MatchID, PriorityBackfill)
			default:
				continue
			}
			if err != nil {
				w.logger.Error("Failed to file coverage repair job", map[string]interface{}{
					"match_id": gap.MatchID, "job": missing, "error": err.Error(),
				})
				continue
			}
			if created {
				filed++
			}
		}
	}
	if filed > 0 {
		w.logger.Info("Filed coverage repair jobs", map[string]interface{}{"count": filed})
	}
}
