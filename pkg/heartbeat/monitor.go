package heartbeat

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/rs/zerolog"
)

// WorkerStore persists worker records
type WorkerStore interface {
	UpsertWorker(worker *types.Worker) error
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(name string) error
}

// Config holds monitor configuration
type Config struct {
	WorkerTimeout time.Duration
	SweepInterval time.Duration
}

// Monitor tracks worker liveness from heartbeats and declares workers
// offline when they stop arriving
type Monitor struct {
	mu      sync.RWMutex
	workers map[string]*types.Worker

	store    WorkerStore
	broker   *events.Broker
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	onOffline func(name string)
	onOnline  func(name string)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor and loads the persisted worker records.
// store and broker may be nil.
func NewMonitor(cfg Config, store WorkerStore, broker *events.Broker) (*Monitor, error) {
	if cfg.WorkerTimeout <= 0 {
		cfg.WorkerTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	m := &Monitor{
		workers:  make(map[string]*types.Worker),
		store:    store,
		broker:   broker,
		timeout:  cfg.WorkerTimeout,
		interval: cfg.SweepInterval,
		now:      time.Now,
		logger:   log.WithComponent("heartbeat"),
		stopCh:   make(chan struct{}),
	}

	if store != nil {
		workers, err := store.ListWorkers()
		if err != nil {
			return nil, fmt.Errorf("failed to load workers: %w", err)
		}
		for _, w := range workers {
			m.workers[w.Name] = w
		}
	}
	metrics.WorkersOnline.Set(float64(len(m.workers)))
	return m, nil
}

// SetOnOffline sets the callback invoked once for every worker declared
// offline. It must be set before Start.
func (m *Monitor) SetOnOffline(fn func(name string)) {
	m.onOffline = fn
}

// SetOnOnline sets the callback invoked when a worker without a live record
// heartbeats. It must be set before Start.
func (m *Monitor) SetOnOnline(fn func(name string)) {
	m.onOnline = fn
}

// Heartbeat records that name was alive at ts. A zero ts means now.
// Timestamps older than the last recorded one are ignored.
func (m *Monitor) Heartbeat(name string, ts time.Time) error {
	if name == "" {
		return errors.New("worker name is required")
	}
	if ts.IsZero() {
		ts = m.now()
	}

	m.mu.Lock()
	w, ok := m.workers[name]
	if ok && !ts.After(w.LastHeartbeat) {
		m.mu.Unlock()
		return nil
	}
	if !ok {
		w = &types.Worker{Name: name, FirstSeen: ts}
	}
	updated := *w
	updated.LastHeartbeat = ts

	if m.store != nil {
		if err := m.store.UpsertWorker(&updated); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to persist worker %s: %w", name, err)
		}
	}
	m.workers[name] = &updated
	online := len(m.workers)
	m.mu.Unlock()

	if !ok {
		metrics.WorkersOnline.Set(float64(online))
		m.logger.Info().Str("worker", name).Msg("Worker online")
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventWorkerOnline, Worker: name})
		}
		if m.onOnline != nil {
			m.onOnline(name)
		}
	}
	return nil
}

// Sweep declares offline every worker whose last heartbeat is older than the
// worker timeout at now, and returns their names
func (m *Monitor) Sweep(now time.Time) []string {
	m.mu.Lock()
	var offline []string
	for name, w := range m.workers {
		if now.Sub(w.LastHeartbeat) > m.timeout {
			offline = append(offline, name)
		}
	}
	sort.Strings(offline)
	for _, name := range offline {
		delete(m.workers, name)
		if m.store != nil {
			if err := m.store.DeleteWorker(name); err != nil {
				m.logger.Warn().Err(err).Str("worker", name).Msg("Failed to delete worker record")
			}
		}
	}
	metrics.WorkersOnline.Set(float64(len(m.workers)))
	m.mu.Unlock()

	// Callbacks run outside the lock so they may call back into the monitor
	for _, name := range offline {
		metrics.WorkerOffline.Inc()
		m.logger.Warn().Str("worker", name).Dur("timeout", m.timeout).Msg("Worker missed heartbeats, declared offline")
		if m.broker != nil {
			m.broker.Publish(&events.Event{Type: events.EventWorkerOffline, Worker: name})
		}
		if m.onOffline != nil {
			m.onOffline(name)
		}
	}
	return offline
}

// Start begins the periodic sweep
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops the sweep loop
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(m.now())
		case <-m.stopCh:
			return
		}
	}
}

// Workers returns a copy of the live worker records sorted by name
func (m *Monitor) Workers() []*types.Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		c := *w
		c.AssignedTaskIDs = append([]string(nil), w.AssignedTaskIDs...)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Online returns the number of live workers
func (m *Monitor) Online() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// IsOnline reports whether name has a live record
func (m *Monitor) IsOnline(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workers[name]
	return ok
}
