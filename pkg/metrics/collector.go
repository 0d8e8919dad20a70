package metrics

import (
	"time"

	"github.com/cuemby/dispatch/pkg/types"
)

// Source provides the state the collector samples
type Source interface {
	CountByState() (map[types.TaskState]int, error)
	OnlineWorkers() int
}

// Collector periodically samples gauges that are cheaper to compute in bulk
// than to maintain on every transition
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	WorkersOnline.Set(float64(c.source.OnlineWorkers()))
}

func (c *Collector) collectTaskMetrics() {
	counts, err := c.source.CountByState()
	if err != nil {
		return
	}

	states := []types.TaskState{
		types.TaskStateWaiting,
		types.TaskStateRunning,
		types.TaskStateSucceeded,
		types.TaskStateFailed,
		types.TaskStateCanceled,
		types.TaskStateSkipped,
		types.TaskStateRejected,
	}
	for _, state := range states {
		TasksTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
