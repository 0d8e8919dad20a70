package coordinator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/executor"
	"github.com/cuemby/dispatch/pkg/heartbeat"
	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/reservation"
	"github.com/cuemby/dispatch/pkg/storage"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/cuemby/dispatch/pkg/worker"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Dispatcher hands admitted tasks to workers
type Dispatcher interface {
	Pick(job worker.Job) (string, error)
	Enqueue(name string, job worker.Job) error
	Remove(name, taskID string) bool
	MarkOffline(name string) []worker.Job
	MarkOnline(name string) bool
	Owns(name string) bool
	Load(name string) int
}

// Archiver keeps terminal calls for history queries
type Archiver interface {
	Archive(ctx context.Context, call *types.ArchivedCall) error
	Get(ctx context.Context, taskID string) (*types.ArchivedCall, error)
}

// Config holds coordinator configuration
type Config struct {
	// DefaultTimeout bounds synchronous submissions that set no timeout.
	// Zero waits until the caller's context is done.
	DefaultTimeout time.Duration
}

// Options wires the coordinator's collaborators. Store, Pool and Registry
// are required.
type Options struct {
	Config   Config
	Store    storage.Store
	Archive  Archiver
	Pool     Dispatcher
	Registry *executor.Registry
	Monitor  *heartbeat.Monitor
	Broker   *events.Broker
}

// task is the in-memory state of a non-terminal task
type task struct {
	item   *types.WorkItem
	status *types.TaskStatus
	exec   executor.Executor
	call   *executor.Call

	// Dependencies already seen SUCCEEDED
	satisfied map[string]bool

	started bool
	// Executor returned ErrDeferred; waiting for Complete
	deferred bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// finished is a terminal transition whose side effects run outside the lock
type finished struct {
	call *types.ArchivedCall
	done chan struct{}
}

// Coordinator admits work items against the reservation table, hands
// accepted ones to the worker pool and drives them to a terminal state
type Coordinator struct {
	mu sync.Mutex

	// Non-terminal tasks by id
	tasks map[string]*task
	// Tasks postponed by a conflict, in submission order
	postponed []*task
	// Dependency id -> ids of tasks waiting on it
	dependents map[string][]string
	// Tasks to re-run through admission once the current operation settles
	ready     []string
	needRetry bool
	// Terminal tasks to archive and signal once mu is released
	finished []finished
	seq      uint64
	stopped  bool

	table    *reservation.Table
	store    storage.Store
	archive  Archiver
	pool     Dispatcher
	registry *executor.Registry
	monitor  *heartbeat.Monitor
	broker   *events.Broker
	cfg      Config

	tracer trace.Tracer
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a coordinator. Call Start before submitting work.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if opts.Pool == nil {
		return nil, errors.New("coordinator: pool is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("coordinator: executor registry is required")
	}

	return &Coordinator{
		tasks:      make(map[string]*task),
		dependents: make(map[string][]string),
		table:      reservation.NewTable(opts.Store),
		store:      opts.Store,
		archive:    opts.Archive,
		pool:       opts.Pool,
		registry:   opts.Registry,
		monitor:    opts.Monitor,
		broker:     opts.Broker,
		cfg:        opts.Config,
		tracer:     otel.Tracer("dispatch"),
		logger:     log.WithComponent("coordinator"),
		now:        time.Now,
	}, nil
}

// Start discards stale reservations and resubmits every task the store
// still holds as non-terminal. Tasks are re-admitted in their original
// submission order so itinerary dependencies are preserved.
func (c *Coordinator) Start(ctx context.Context) error {
	stale, err := c.store.ListReservations()
	if err != nil {
		return fmt.Errorf("failed to list reservations: %w", err)
	}
	if len(stale) > 0 {
		c.logger.Info().Int("count", len(stale)).Msg("Discarding reservations from previous run")
	}
	if err := c.store.ClearReservations(); err != nil {
		return fmt.Errorf("failed to clear reservations: %w", err)
	}

	var pending []*types.TaskStatus
	var maxSeq uint64
	for status, err := range c.store.FindStatuses(types.Filter{}) {
		if err != nil {
			return fmt.Errorf("failed to scan tasks: %w", err)
		}
		if status.Seq > maxSeq {
			maxSeq = status.Seq
		}
		if !status.State.Terminal() {
			pending = append(pending, status)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })

	c.mu.Lock()
	defer c.unlock()
	if c.seq < maxSeq {
		c.seq = maxSeq
	}

	var restored []*task
	for _, status := range pending {
		item, err := c.store.GetWorkItem(status.TaskID)
		if err != nil {
			c.logger.Error().Err(err).Str("task_id", status.TaskID).Msg("Cannot resubmit task without its work item")
			continue
		}
		t, err := c.restoreLocked(item, status)
		if err != nil {
			c.logger.Error().Err(err).Str("task_id", status.TaskID).Msg("Failed to restore task")
			continue
		}
		restored = append(restored, t)
	}
	for _, t := range restored {
		if t.status.State.Terminal() {
			continue
		}
		c.admitLocked(t)
	}
	c.settleLocked()

	if len(restored) > 0 {
		c.logger.Info().Int("count", len(restored)).Msg("Resubmitted incomplete tasks")
	}
	return nil
}

// restoreLocked rebuilds the in-memory task of an incomplete status in
// WAITING, keeping its id and submission order
func (c *Coordinator) restoreLocked(item *types.WorkItem, prev *types.TaskStatus) (*task, error) {
	exec, ok := c.registry.Lookup(item.Kind)
	status := types.NewTaskStatus(item, prev.Seq)
	status.RetryOf = prev.RetryOf
	status.SpawnedTaskIDs = prev.SpawnedTaskIDs

	t := &task{item: item, status: status, exec: exec, done: make(chan struct{})}
	c.tasks[item.ID] = t
	if err := c.store.RecordStatus(status); err != nil {
		delete(c.tasks, item.ID)
		return nil, err
	}
	if !ok {
		c.finalizeLocked(t, types.TaskStateFailed, &types.TaskError{
			Kind:    types.ErrorKindExecution,
			Message: fmt.Sprintf("no executor registered for kind %q", item.Kind),
		})
	}
	return t, nil
}

// Stop rejects further submissions. Running tasks are left to the pool.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.unlock()
	c.stopped = true
}

// Status returns the current status of a task. Statuses purged from the
// live store are served from history.
func (c *Coordinator) Status(ctx context.Context, taskID string) (*types.TaskStatus, error) {
	status, err := c.store.GetStatus(taskID)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, types.ErrNotFound) || c.archive == nil {
		return nil, err
	}
	call, aerr := c.archive.Get(ctx, taskID)
	if aerr != nil {
		return nil, err
	}
	return call.Status, nil
}

// Search returns a lazy, single-use sequence of statuses matching filter
func (c *Coordinator) Search(filter types.Filter) iter.Seq2[*types.TaskStatus, error] {
	return c.store.FindStatuses(filter)
}

// CountByState counts the statuses in the live store by state
func (c *Coordinator) CountByState() (map[types.TaskState]int, error) {
	counts := make(map[types.TaskState]int)
	for status, err := range c.store.FindStatuses(types.Filter{}) {
		if err != nil {
			return nil, err
		}
		counts[status.State]++
	}
	return counts, nil
}

// Purge deletes terminal statuses that finished more than olderThan ago from
// the live store. Archived calls stay in history.
func (c *Coordinator) Purge(olderThan time.Duration) (int, error) {
	cutoff := c.now().Add(-olderThan)
	filter := types.Filter{States: []types.TaskState{
		types.TaskStateSucceeded,
		types.TaskStateFailed,
		types.TaskStateCanceled,
		types.TaskStateSkipped,
		types.TaskStateRejected,
	}}

	var expired []string
	for status, err := range c.store.FindStatuses(filter) {
		if err != nil {
			return 0, err
		}
		if status.FinishTime != nil && status.FinishTime.Before(cutoff) {
			expired = append(expired, status.TaskID)
		}
	}

	for _, id := range expired {
		if err := c.store.DeleteTask(id); err != nil {
			return 0, fmt.Errorf("failed to purge task %s: %w", id, err)
		}
	}
	if len(expired) > 0 {
		c.logger.Info().Int("count", len(expired)).Msg("Purged completed tasks")
	}
	return len(expired), nil
}

// Heartbeat records a worker heartbeat with the monitor
func (c *Coordinator) Heartbeat(name string, ts time.Time) error {
	if c.monitor == nil {
		return errors.New("heartbeat monitor not configured")
	}
	return c.monitor.Heartbeat(name, ts)
}

// ListWorkers returns the live workers with their assigned tasks and load
func (c *Coordinator) ListWorkers() []*types.Worker {
	if c.monitor == nil {
		return nil
	}
	workers := c.monitor.Workers()

	c.mu.Lock()
	defer c.unlock()

	assigned := make(map[string][]string)
	for id, t := range c.tasks {
		if t.status.State == types.TaskStateRunning && t.status.Queue != "" {
			assigned[t.status.Queue] = append(assigned[t.status.Queue], id)
		}
	}
	for _, w := range workers {
		ids := assigned[w.Name]
		sort.Strings(ids)
		w.AssignedTaskIDs = ids
		if c.pool.Owns(w.Name) {
			w.Load = c.pool.Load(w.Name)
		}
	}
	return workers
}

// OnlineWorkers returns the number of live workers
func (c *Coordinator) OnlineWorkers() int {
	if c.monitor == nil {
		return 0
	}
	return c.monitor.Online()
}

// RetryPostponed re-runs admission for every postponed task. Releases
// trigger this immediately; it is also called periodically as a fallback.
func (c *Coordinator) RetryPostponed() {
	c.mu.Lock()
	defer c.unlock()
	if len(c.postponed) == 0 {
		return
	}
	c.needRetry = true
	c.settleLocked()
}

// Postponed returns the ids of postponed tasks in admission order
func (c *Coordinator) Postponed() []string {
	c.mu.Lock()
	defer c.unlock()
	ids := make([]string, len(c.postponed))
	for i, t := range c.postponed {
		ids[i] = t.item.ID
	}
	return ids
}

// Reservations returns a snapshot of the reservation table
func (c *Coordinator) Reservations() map[string]types.ResourceMap {
	return c.table.Snapshot()
}

func (c *Coordinator) publish(eventType events.EventType, status *types.TaskStatus, msg string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:    eventType,
		TaskID:  status.TaskID,
		GroupID: status.GroupID,
		Worker:  status.Queue,
		Message: msg,
		Metadata: map[string]string{
			"state": string(status.State),
			"kind":  status.Kind,
		},
	})
}

// unlock releases mu, then archives the calls that finished while it was
// held and wakes their waiters. History writes never block admission.
func (c *Coordinator) unlock() {
	pending := c.finished
	c.finished = nil
	archive := c.archive
	c.mu.Unlock()

	for _, f := range pending {
		if f.call != nil {
			if err := archive.Archive(context.Background(), f.call); err != nil {
				c.logger.Error().Err(err).Str("task_id", f.call.TaskID).Msg("Failed to archive call")
			}
		}
		close(f.done)
	}
}

// record writes status to the store. Failures are logged: by the time a
// transition is recorded it has already been decided.
func (c *Coordinator) record(status *types.TaskStatus) {
	if err := c.store.RecordStatus(status); err != nil {
		c.logger.Error().Err(err).Str("task_id", status.TaskID).Str("state", string(status.State)).Msg("Failed to record task status")
	}
}

// stateOfLocked looks id up among live tasks, then the store, then history
func (c *Coordinator) stateOfLocked(id string) (types.TaskState, bool) {
	if t, ok := c.tasks[id]; ok {
		return t.status.State, true
	}
	if status, err := c.store.GetStatus(id); err == nil {
		return status.State, true
	}
	if c.archive != nil {
		if call, err := c.archive.Get(context.Background(), id); err == nil && call.Status != nil {
			return call.Status.State, true
		}
	}
	return "", false
}

func (c *Coordinator) updatePostponedGauge() {
	metrics.PostponedTasks.Set(float64(len(c.postponed)))
}

func sortTasks(tasks []*task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].status.Seq < tasks[j].status.Seq })
}
