package deadletter

import (
	"sync"
	"time"

	"github.com/matchpulse/pipeline/pkg/logging"
	"github.com/matchpulse/pipeline/pkg/store"
)

// DefaultRetention is how long dead-letter entries are kept before pruning.
const DefaultRetention = 30 * 24 * time.Hour

// Pruner removes dead-letter entries older than the retention window. The
// store is the durable record; pruning keeps the recovery surface focused on
// failures that are still actionable.
type Pruner struct {
	store     store.Store
	retention time.Duration
	interval  time.Duration
	logger    *logging.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once
}

// NewPruner creates a pruner. Non-positive retention or interval fall back
// to 30 days and 6 hours.
func NewPruner(st store.Store, retention, interval time.Duration, logger *logging.Logger) *Pruner {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Pruner{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    logger.WithField("component", "deadletter-pruner"),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the pruning loop.
func (p *Pruner) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.RunOnce()
			}
		}
	}()
}

// Stop halts the pruning loop.
func (p *Pruner) Stop() {
	p.stopped.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// RunOnce prunes entries older than the retention window across all queues.
func (p *Pruner) RunOnce() {
	cutoff := time.Now().Add(-p.retention)
	removed, err := p.store.PurgeDeadLetters("", cutoff)
	if err != nil {
		p.logger.Error("Dead-letter prune failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if removed > 0 {
		p.logger.Info("Pruned expired dead-letter entries", map[string]interface{}{
			"removed": removed,
			"cutoff":  cutoff.Format(time.RFC3339),
		})
	}
}
