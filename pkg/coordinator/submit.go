package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/executor"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/reservation"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/cuemby/dispatch/pkg/worker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SubmitOptions controls how Submit waits
type SubmitOptions struct {
	Synchronous bool
	// Timeout bounds a synchronous wait; zero uses the configured default
	Timeout time.Duration
}

// Submit validates item, records it as WAITING and runs it through
// admission. A rejected item returns its status with a *types.RejectedError.
//
// A synchronous submission blocks until the task is terminal or the timeout
// elapses. On timeout the current status is returned with
// types.ErrSynchronousTimeout and the task keeps running.
func (c *Coordinator) Submit(ctx context.Context, item *types.WorkItem, opts SubmitOptions) (*types.TaskStatus, error) {
	if item == nil {
		return nil, &types.ValidationError{Field: "item", Message: "work item is required"}
	}
	ctx, span := c.tracer.Start(ctx, "coordinator.submit", trace.WithAttributes(
		attribute.String("task.kind", item.Kind),
		attribute.Bool("synchronous", opts.Synchronous),
	))
	defer span.End()

	timer := metrics.NewTimer()
	item = item.Clone()
	c.prepare(item)
	span.SetAttributes(attribute.String("task.id", item.ID))

	exec, err := c.validate(item)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stopped {
		c.unlock()
		return nil, types.ErrStopped
	}
	if err := c.checkDependenciesLocked(item, nil); err != nil {
		c.unlock()
		return nil, err
	}
	t, err := c.createLocked(item, exec)
	if err != nil {
		c.unlock()
		return nil, err
	}
	c.admitLocked(t)
	c.settleLocked()
	status := t.status.Clone()
	done := t.done
	c.unlock()

	timer.ObserveDuration(metrics.AdmissionLatency)

	if status.State == types.TaskStateRejected {
		return status, &types.RejectedError{TaskID: status.TaskID, Reasons: status.Reasons}
	}
	if !opts.Synchronous {
		return status, nil
	}
	return c.wait(ctx, item.ID, done, opts.Timeout)
}

// wait blocks until done is closed, the timeout elapses or ctx is done
func (c *Coordinator) wait(ctx context.Context, taskID string, done <-chan struct{}, timeout time.Duration) (*types.TaskStatus, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	select {
	case <-done:
	case <-timeoutCh:
		waitErr = types.ErrSynchronousTimeout
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %w", types.ErrSynchronousTimeout, ctx.Err())
	}

	status, err := c.store.GetStatus(taskID)
	if err != nil {
		return nil, err
	}
	return status, waitErr
}

// SubmitItinerary submits items as one group. Dependencies between the
// items must form a DAG. Items are admitted in dependency order; if any
// item would be rejected the whole batch is rejected and nothing runs.
func (c *Coordinator) SubmitItinerary(ctx context.Context, items []*types.WorkItem) (string, []*types.TaskStatus, error) {
	_, span := c.tracer.Start(ctx, "coordinator.submit_itinerary", trace.WithAttributes(
		attribute.Int("itinerary.size", len(items)),
	))
	defer span.End()

	if len(items) == 0 {
		return "", nil, &types.ValidationError{Field: "items", Message: "itinerary is empty"}
	}

	groupID := uuid.New().String()
	span.SetAttributes(attribute.String("group.id", groupID))

	batch := make(map[string]*types.WorkItem, len(items))
	cloned := make([]*types.WorkItem, 0, len(items))
	for _, it := range items {
		if it == nil {
			return "", nil, &types.ValidationError{Field: "item", Message: "work item is required"}
		}
		item := it.Clone()
		c.prepare(item)
		item.GroupID = groupID
		if _, dup := batch[item.ID]; dup {
			return "", nil, &types.ValidationError{TaskID: item.ID, Field: "id", Message: "duplicate id in itinerary"}
		}
		batch[item.ID] = item
		cloned = append(cloned, item)
	}

	execs := make(map[string]executor.Executor, len(cloned))
	for _, item := range cloned {
		exec, err := c.validate(item)
		if err != nil {
			return "", nil, err
		}
		execs[item.ID] = exec
	}

	ordered, err := topoSort(cloned, batch)
	if err != nil {
		return "", nil, err
	}

	c.mu.Lock()
	defer c.unlock()
	if c.stopped {
		return "", nil, types.ErrStopped
	}

	for _, item := range ordered {
		if err := c.checkDependenciesLocked(item, batch); err != nil {
			return "", nil, err
		}
	}

	// Dry run: one rejection rejects the batch. Besides the held
	// reservations, each item is checked against the earlier items it does
	// not depend on, since those may hold their reservations at the same time.
	ancestors := batchAncestors(ordered, batch)
	var rejections []types.Reason
	for i, item := range ordered {
		if resp, reasons := c.table.Check(item.Resources); resp == types.ResponseRejected {
			rejections = append(rejections, reasons...)
		}
		concurrent := func(key types.ResourceKey) []reservation.Holder {
			var holders []reservation.Holder
			for _, prev := range ordered[:i] {
				if ancestors[item.ID][prev.ID] {
					continue
				}
				if op, ok := prev.Resources[key]; ok {
					holders = append(holders, reservation.Holder{TaskID: prev.ID, Operation: op})
				}
			}
			return holders
		}
		if resp, reasons := reservation.Evaluate(item.Resources, concurrent); resp == types.ResponseRejected {
			rejections = append(rejections, reasons...)
		}
	}

	tasks := make([]*task, 0, len(ordered))
	for _, item := range ordered {
		t, err := c.createLocked(item, execs[item.ID])
		if err != nil {
			// Roll back what was created so far
			for _, created := range tasks {
				c.finalizeLocked(created, types.TaskStateRejected, &types.TaskError{
					Kind:    types.ErrorKindExecution,
					Message: "itinerary could not be recorded",
				})
			}
			c.settleLocked()
			return "", nil, err
		}
		tasks = append(tasks, t)
	}

	if len(rejections) > 0 {
		for _, t := range tasks {
			t.status.Response = types.ResponseRejected
			t.status.Reasons = rejections
			metrics.AdmissionsTotal.WithLabelValues(string(types.ResponseRejected)).Inc()
			c.finalizeLocked(t, types.TaskStateRejected, nil)
		}
		c.settleLocked()
		c.logger.Info().Str("group_id", groupID).Int("items", len(tasks)).Msg("Itinerary rejected")
		return groupID, c.snapshotLocked(tasks), &types.RejectedError{TaskID: groupID, Reasons: rejections}
	}

	for _, t := range tasks {
		if t.status.State.Terminal() {
			continue
		}
		c.admitLocked(t)
	}
	c.settleLocked()

	c.logger.Info().Str("group_id", groupID).Int("items", len(tasks)).Msg("Itinerary submitted")
	return groupID, c.snapshotLocked(tasks), nil
}

func (c *Coordinator) snapshotLocked(tasks []*task) []*types.TaskStatus {
	out := make([]*types.TaskStatus, len(tasks))
	for i, t := range tasks {
		out[i] = t.status.Clone()
	}
	return out
}

// topoSort orders items so that every item follows its in-batch
// dependencies. Ties keep the submitted order.
func topoSort(items []*types.WorkItem, batch map[string]*types.WorkItem) ([]*types.WorkItem, error) {
	indegree := make(map[string]int, len(items))
	children := make(map[string][]string, len(items))
	position := make(map[string]int, len(items))
	for i, item := range items {
		position[item.ID] = i
		indegree[item.ID] += 0
		for _, dep := range item.Dependencies {
			if _, ok := batch[dep]; !ok {
				continue
			}
			indegree[item.ID]++
			children[dep] = append(children[dep], item.ID)
		}
	}

	var queue []string
	for _, item := range items {
		if indegree[item.ID] == 0 {
			queue = append(queue, item.ID)
		}
	}

	ordered := make([]*types.WorkItem, 0, len(items))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, batch[id])

		var next []string
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				next = append(next, child)
			}
		}
		sort.Slice(next, func(i, j int) bool { return position[next[i]] < position[next[j]] })
		queue = append(queue, next...)
	}

	if len(ordered) != len(items) {
		var cyclic []string
		for _, item := range items {
			if indegree[item.ID] > 0 {
				cyclic = append(cyclic, item.ID)
			}
		}
		return nil, &types.ValidationError{
			Field:   "dependencies",
			Message: fmt.Sprintf("dependency cycle between %v", cyclic),
		}
	}
	return ordered, nil
}

// batchAncestors maps every item to the batch items it transitively depends
// on. ordered must be topologically sorted.
func batchAncestors(ordered []*types.WorkItem, batch map[string]*types.WorkItem) map[string]map[string]bool {
	out := make(map[string]map[string]bool, len(ordered))
	for _, item := range ordered {
		set := make(map[string]bool)
		for _, dep := range item.Dependencies {
			if _, ok := batch[dep]; !ok {
				continue
			}
			set[dep] = true
			for a := range out[dep] {
				set[a] = true
			}
		}
		out[item.ID] = set
	}
	return out
}

// prepare assigns an id and submission time where the caller left them out
func (c *Coordinator) prepare(item *types.WorkItem) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.SubmittedAt.IsZero() {
		item.SubmittedAt = c.now()
	}
}

// validate checks the item and resolves its executor
func (c *Coordinator) validate(item *types.WorkItem) (executor.Executor, error) {
	if err := item.Validate(); err != nil {
		var verr *types.ValidationError
		if errors.As(err, &verr) && verr.TaskID == "" {
			verr.TaskID = item.ID
		}
		return nil, err
	}
	exec, ok := c.registry.Lookup(item.Kind)
	if !ok {
		return nil, &types.ValidationError{
			TaskID:  item.ID,
			Field:   "kind",
			Message: fmt.Sprintf("no executor registered for kind %q", item.Kind),
		}
	}
	return exec, nil
}

// checkDependenciesLocked verifies that every dependency is part of batch or
// already known, and that the id is new
func (c *Coordinator) checkDependenciesLocked(item *types.WorkItem, batch map[string]*types.WorkItem) error {
	if _, ok := c.stateOfLocked(item.ID); ok {
		return &types.ValidationError{TaskID: item.ID, Field: "id", Message: "task id already exists"}
	}
	for _, dep := range item.Dependencies {
		if _, ok := batch[dep]; ok {
			continue
		}
		if _, ok := c.stateOfLocked(dep); !ok {
			return &types.ValidationError{
				TaskID:  item.ID,
				Field:   "dependencies",
				Message: fmt.Sprintf("unknown dependency %s", dep),
			}
		}
	}
	return nil
}

// createLocked records the WAITING status and work item of a new task
func (c *Coordinator) createLocked(item *types.WorkItem, exec executor.Executor) (*task, error) {
	c.seq++
	status := types.NewTaskStatus(item, c.seq)

	if err := c.store.SaveWorkItem(item); err != nil {
		return nil, fmt.Errorf("failed to save work item %s: %w", item.ID, err)
	}
	if err := c.store.RecordStatus(status); err != nil {
		return nil, fmt.Errorf("failed to record task %s: %w", item.ID, err)
	}

	t := &task{item: item, status: status, exec: exec, done: make(chan struct{})}
	c.tasks[item.ID] = t
	c.publish(events.EventTaskSubmitted, status, "")
	return t, nil
}

// admitLocked runs one admission attempt: dependency gate, then the
// reservation table, then hand-off to a worker
func (c *Coordinator) admitLocked(t *task) {
	if t.status.State != types.TaskStateWaiting {
		return
	}
	id := t.item.ID

	// Dependency gate
	var blocked []types.Reason
	for _, dep := range t.item.Dependencies {
		if t.satisfied[dep] {
			continue
		}
		state, ok := c.stateOfLocked(dep)
		switch {
		case !ok:
			c.skipLocked(t, fmt.Sprintf("dependency %s is no longer known", dep))
			return
		case state == types.TaskStateSucceeded:
			// Purge may drop the dependency's status later
			if t.satisfied == nil {
				t.satisfied = make(map[string]bool, len(t.item.Dependencies))
			}
			t.satisfied[dep] = true
		case state.Terminal():
			c.skipLocked(t, fmt.Sprintf("dependency %s ended %s", dep, state))
			return
		default:
			blocked = append(blocked, types.Reason{TaskID: dep, Kind: "dependency", Message: string(state)})
		}
	}
	if len(blocked) > 0 {
		for _, r := range blocked {
			if !containsString(c.dependents[r.TaskID], id) {
				c.dependents[r.TaskID] = append(c.dependents[r.TaskID], id)
			}
		}
		if !equalReasons(t.status.Reasons, blocked) {
			t.status.Reasons = blocked
			c.record(t.status)
		}
		return
	}

	resp, reasons := c.table.TryReserve(id, t.item.Resources, c.aheadLocked(t))
	metrics.AdmissionsTotal.WithLabelValues(string(resp)).Inc()

	switch resp {
	case types.ResponseAccepted:
		c.dispatchLocked(t)

	case types.ResponsePostponed:
		c.postponeLocked(t, reasons)

	case types.ResponseRejected:
		t.status.Response = types.ResponseRejected
		t.status.Reasons = reasons
		c.logger.Info().Str("task_id", id).Str("reasons", reasonsString(reasons)).Msg("Task rejected")
		c.finalizeLocked(t, types.TaskStateRejected, nil)
	}
}

// dispatchLocked moves an accepted task to RUNNING on a worker. The status
// is recorded before the hand-off.
func (c *Coordinator) dispatchLocked(t *task) {
	id := t.item.ID
	job := worker.Job{TaskID: id, Resources: t.item.Resources, Weight: t.item.Weight}

	name, err := c.pool.Pick(job)
	if err != nil {
		// Nothing can run it: give the reservation back and wait
		c.table.Release(id)
		c.postponeLocked(t, []types.Reason{{Kind: "capacity", Message: err.Error()}})
		return
	}

	c.removePostponedLocked(t)
	t.status.State = types.TaskStateRunning
	t.status.Response = types.ResponseAccepted
	t.status.Reasons = nil
	t.status.Queue = name
	t.call = executor.NewCall(t.item, name, c)
	c.record(t.status)

	c.logger.Info().Str("task_id", id).Str("worker", name).Msg("Task accepted")
	c.publish(events.EventTaskAccepted, t.status, "")

	if err := c.pool.Enqueue(name, job); err != nil {
		c.logger.Warn().Err(err).Str("task_id", id).Str("worker", name).Msg("Hand-off failed")
		c.workerLostLocked(t, err.Error())
	}
}

func (c *Coordinator) postponeLocked(t *task, reasons []types.Reason) {
	wasPostponed := t.status.Response == types.ResponsePostponed
	c.insertPostponedLocked(t)
	if wasPostponed && equalReasons(t.status.Reasons, reasons) {
		return
	}
	t.status.Response = types.ResponsePostponed
	t.status.Reasons = reasons
	c.record(t.status)

	if !wasPostponed {
		c.logger.Info().Str("task_id", t.item.ID).Str("reasons", reasonsString(reasons)).Msg("Task postponed")
		c.publish(events.EventTaskPostponed, t.status, reasonsString(reasons))
	}
}

// aheadLocked returns the postponed tasks submitted before t
func (c *Coordinator) aheadLocked(t *task) []reservation.Queued {
	var ahead []reservation.Queued
	for _, p := range c.postponed {
		if p.status.Seq >= t.status.Seq {
			break
		}
		ahead = append(ahead, reservation.Queued{TaskID: p.item.ID, Resources: p.item.Resources})
	}
	return ahead
}

func (c *Coordinator) insertPostponedLocked(t *task) {
	i := sort.Search(len(c.postponed), func(i int) bool { return c.postponed[i].status.Seq >= t.status.Seq })
	if i < len(c.postponed) && c.postponed[i] == t {
		return
	}
	c.postponed = append(c.postponed, nil)
	copy(c.postponed[i+1:], c.postponed[i:])
	c.postponed[i] = t
	c.updatePostponedGauge()
}

func (c *Coordinator) removePostponedLocked(t *task) bool {
	for i, p := range c.postponed {
		if p == t {
			c.postponed = append(c.postponed[:i], c.postponed[i+1:]...)
			c.updatePostponedGauge()
			return true
		}
	}
	return false
}

// settleLocked re-runs admission for tasks whose dependencies resolved and,
// after a release, for postponed tasks in submission order, until nothing
// changes
func (c *Coordinator) settleLocked() {
	for {
		if len(c.ready) > 0 {
			id := c.ready[0]
			c.ready = c.ready[1:]
			if t, ok := c.tasks[id]; ok {
				c.admitLocked(t)
			}
			continue
		}
		if c.needRetry {
			c.needRetry = false
			for _, t := range append([]*task(nil), c.postponed...) {
				if _, ok := c.tasks[t.item.ID]; ok {
					c.admitLocked(t)
				}
			}
			continue
		}
		return
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func equalReasons(a, b []types.Reason) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func reasonsString(reasons []types.Reason) string {
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = r.String()
	}
	return strings.Join(parts, "; ")
}
