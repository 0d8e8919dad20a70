package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/rs/zerolog"
)

// Target is the coordinator surface the reconciler drives
type Target interface {
	RetryPostponed()
	Purge(olderThan time.Duration) (int, error)
}

// Config holds reconciler configuration
type Config struct {
	// RetryInterval is the polling fallback for postponed re-admission
	RetryInterval time.Duration
	// CompletedTTL is how long terminal tasks stay in the live store.
	// Zero disables purging.
	CompletedTTL time.Duration
	// PurgeInterval defaults to a tenth of CompletedTTL, at least a minute
	PurgeInterval time.Duration
}

// Reconciler periodically re-runs admission for postponed tasks and purges
// completed tasks from the live store
type Reconciler struct {
	target Target
	cfg    Config
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(target Target, cfg Config) *Reconciler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	if cfg.CompletedTTL > 0 && cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = cfg.CompletedTTL / 10
		if cfg.PurgeInterval < time.Minute {
			cfg.PurgeInterval = time.Minute
		}
	}
	return &Reconciler{
		target: target,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer r.wg.Done()

	retry := time.NewTicker(r.cfg.RetryInterval)
	defer retry.Stop()

	// A nil channel never fires when purging is disabled
	var purgeC <-chan time.Time
	if r.cfg.CompletedTTL > 0 {
		purge := time.NewTicker(r.cfg.PurgeInterval)
		defer purge.Stop()
		purgeC = purge.C
	}

	for {
		select {
		case <-retry.C:
			r.target.RetryPostponed()
		case <-purgeC:
			r.purge()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) purge() {
	timer := metrics.NewTimer()
	n, err := r.target.Purge(r.cfg.CompletedTTL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to purge completed tasks")
		return
	}
	r.logger.Debug().Int("purged", n).Dur("took", timer.Duration()).Msg("Purge cycle complete")
}
