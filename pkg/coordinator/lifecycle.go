package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/executor"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/cuemby/dispatch/pkg/worker"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var terminalEvents = map[types.TaskState]events.EventType{
	types.TaskStateSucceeded: events.EventTaskSucceeded,
	types.TaskStateFailed:    events.EventTaskFailed,
	types.TaskStateCanceled:  events.EventTaskCanceled,
	types.TaskStateSkipped:   events.EventTaskSkipped,
	types.TaskStateRejected:  events.EventTaskRejected,
}

// finalizeLocked moves t to a terminal state. The status is recorded first,
// then the reservation is released and dependents are woken. Archiving and
// closing done wait for unlock.
func (c *Coordinator) finalizeLocked(t *task, state types.TaskState, taskErr *types.TaskError) {
	id := t.item.ID
	now := c.now()
	t.status.State = state
	t.status.FinishTime = &now
	if taskErr != nil {
		t.status.Error = taskErr
	}
	c.record(t.status)

	if c.table.Release(id) {
		c.needRetry = true
	}
	if c.removePostponedLocked(t) {
		// It may have been holding later postponed tasks in line
		c.needRetry = true
	}
	if t.status.Queue != "" && !t.started {
		c.pool.Remove(t.status.Queue, id)
	}
	if t.cancel != nil {
		t.cancel()
	}
	delete(c.tasks, id)

	c.ready = append(c.ready, c.dependents[id]...)
	delete(c.dependents, id)

	metrics.TasksFinished.WithLabelValues(string(state)).Inc()
	logger := c.logger.With().Str("task_id", id).Str("state", string(state)).Logger()
	if t.status.GroupID != "" {
		logger = logger.With().Str("group_id", t.status.GroupID).Logger()
	}
	if taskErr != nil {
		logger.Info().Str("error_kind", taskErr.Kind).Str("error", taskErr.Message).Msg("Task finished")
	} else {
		logger.Info().Msg("Task finished")
	}
	c.publish(terminalEvents[state], t.status, "")

	f := finished{done: t.done}
	if t.item.Archive && c.archive != nil {
		f.call = &types.ArchivedCall{
			TaskID:     id,
			GroupID:    t.status.GroupID,
			Item:       t.item,
			Status:     t.status.Clone(),
			ArchivedAt: now,
		}
	}
	c.finished = append(c.finished, f)
}

// skipLocked ends a task whose dependency did not succeed. It never reaches
// the reservation table.
func (c *Coordinator) skipLocked(t *task, msg string) {
	c.finalizeLocked(t, types.TaskStateSkipped, &types.TaskError{Kind: types.ErrorKindSkipped, Message: msg})
}

// workerLostLocked fails a task whose worker disappeared and, when the item
// asked for it, resubmits a fresh copy
func (c *Coordinator) workerLostLocked(t *task, msg string) {
	lost := t.status.Queue
	c.finalizeLocked(t, types.TaskStateFailed, &types.TaskError{Kind: types.ErrorKindWorkerLost, Message: msg})

	if !t.item.Retry || c.stopped {
		return
	}

	retry := t.item.Clone()
	retry.ID = uuid.New().String()
	retry.SubmittedAt = c.now()
	nt, err := c.createLocked(retry, t.exec)
	if err != nil {
		c.logger.Error().Err(err).Str("task_id", t.item.ID).Msg("Failed to resubmit task after worker loss")
		return
	}
	nt.status.RetryOf = t.item.ID
	c.record(nt.status)
	metrics.Recoveries.Inc()
	c.logger.Warn().
		Str("task_id", t.item.ID).
		Str("retry_id", retry.ID).
		Str("worker", lost).
		Msg("Task resubmitted after worker loss")
	c.publish(events.EventTaskRecovered, nt.status, t.item.ID)
	c.ready = append(c.ready, retry.ID)
}

// Started implements worker.Tracker
func (c *Coordinator) Started(ctx context.Context, name string, job worker.Job) (context.Context, *executor.Call, executor.Executor, bool) {
	c.mu.Lock()
	defer c.unlock()

	t, ok := c.tasks[job.TaskID]
	if !ok || t.status.State != types.TaskStateRunning || t.status.Queue != name || t.started {
		return nil, nil, nil, false
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.started = true
	t.cancel = cancel
	now := c.now()
	t.status.StartTime = &now
	c.record(t.status)
	c.publish(events.EventTaskStarted, t.status, "")
	return runCtx, t.call, t.exec, true
}

// Finished implements worker.Tracker. Completions of tasks that already
// reached a terminal state, such as tasks failed after their worker was
// declared offline, are ignored.
func (c *Coordinator) Finished(name string, job worker.Job, outcome worker.Outcome) {
	c.mu.Lock()
	defer c.unlock()

	t, ok := c.tasks[job.TaskID]
	if !ok || t.status.Queue != name || !t.started {
		c.logger.Warn().Str("task_id", job.TaskID).Str("worker", name).Msg("Ignoring late completion")
		return
	}

	switch {
	case t.status.CancelRequested && executor.SupportsCancel(t.exec):
		c.finalizeLocked(t, types.TaskStateCanceled, &types.TaskError{
			Kind:    types.ErrorKindCanceled,
			Message: "canceled on request",
		})

	case errors.Is(outcome.Err, executor.ErrDeferred):
		t.deferred = true
		c.logger.Info().Str("task_id", t.item.ID).Str("worker", name).Msg("Task awaiting external completion")
		return

	case outcome.Err != nil:
		c.finalizeLocked(t, types.TaskStateFailed, &types.TaskError{
			Kind:    types.ErrorKindExecution,
			Message: outcome.Err.Error(),
			Trace:   outcome.Trace,
		})

	default:
		result, err := encodeResult(outcome.Result)
		if err != nil {
			c.finalizeLocked(t, types.TaskStateFailed, &types.TaskError{
				Kind:    types.ErrorKindExecution,
				Message: fmt.Sprintf("result is not serializable: %v", err),
			})
			break
		}
		t.status.Result = result
		c.finalizeLocked(t, types.TaskStateSucceeded, nil)
	}
	c.settleLocked()
}

// Complete reports the outcome of a call whose executor returned
// executor.ErrDeferred. A nil taskErr succeeds the task with result.
func (c *Coordinator) Complete(ctx context.Context, taskID string, result json.RawMessage, taskErr *types.TaskError) (*types.TaskStatus, error) {
	_, span := c.tracer.Start(ctx, "coordinator.complete", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Bool("failed", taskErr != nil),
	))
	defer span.End()

	if taskErr == nil && len(result) > 0 && !json.Valid(result) {
		return nil, &types.ValidationError{TaskID: taskID, Field: "result", Message: "result is not valid JSON"}
	}

	c.mu.Lock()
	defer c.unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		if _, known := c.stateOfLocked(taskID); known {
			return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotAwaiting)
		}
		return nil, fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	if !t.deferred {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.status.State, types.ErrNotAwaiting)
	}

	if taskErr != nil {
		e := *taskErr
		if e.Kind == "" {
			e.Kind = types.ErrorKindExecution
		}
		c.finalizeLocked(t, types.TaskStateFailed, &e)
	} else {
		t.status.Result = result
		c.finalizeLocked(t, types.TaskStateSucceeded, nil)
	}
	status := t.status.Clone()
	c.settleLocked()
	return status, nil
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}
	return json.Marshal(v)
}

// Cancel requests cancellation of a task. A waiting task, or a running one
// whose worker has not picked it up, is canceled at once. A task already
// executing is canceled only if its executor supports it; otherwise the
// request is recorded, logged as unsupported and false is returned.
func (c *Coordinator) Cancel(ctx context.Context, taskID string) (bool, error) {
	_, span := c.tracer.Start(ctx, "coordinator.cancel", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	c.mu.Lock()
	defer c.unlock()

	ok, err := c.cancelLocked(taskID)
	c.settleLocked()
	return ok, err
}

// CancelGroup cancels every task of an itinerary and returns the result per
// task id
func (c *Coordinator) CancelGroup(ctx context.Context, groupID string) (map[string]bool, error) {
	_, span := c.tracer.Start(ctx, "coordinator.cancel", trace.WithAttributes(attribute.String("group.id", groupID)))
	defer span.End()

	var ids []string
	for status, err := range c.store.FindStatuses(types.Filter{GroupID: groupID}) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, status.TaskID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("group %s: %w", groupID, types.ErrNotFound)
	}

	c.mu.Lock()
	defer c.unlock()

	results := make(map[string]bool, len(ids))
	for _, id := range ids {
		ok, err := c.cancelLocked(id)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		results[id] = ok
	}
	c.settleLocked()
	return results, nil
}

func (c *Coordinator) cancelLocked(taskID string) (bool, error) {
	t, ok := c.tasks[taskID]
	if !ok {
		// Terminal or unknown
		if _, err := c.store.GetStatus(taskID); err != nil {
			return false, err
		}
		metrics.CancelRequests.WithLabelValues("terminal").Inc()
		return false, nil
	}

	if t.deferred {
		metrics.CancelRequests.WithLabelValues("canceled").Inc()
		c.finalizeLocked(t, types.TaskStateCanceled, &types.TaskError{
			Kind:    types.ErrorKindCanceled,
			Message: "canceled while awaiting external completion",
		})
		return true, nil
	}

	if t.status.State == types.TaskStateWaiting || !t.started {
		metrics.CancelRequests.WithLabelValues("canceled").Inc()
		c.finalizeLocked(t, types.TaskStateCanceled, &types.TaskError{
			Kind:    types.ErrorKindCanceled,
			Message: "canceled before execution",
		})
		return true, nil
	}

	canceler, supported := t.exec.(executor.Canceler)
	if !supported {
		metrics.CancelRequests.WithLabelValues("unsupported").Inc()
		c.logger.Warn().
			Str("task_id", taskID).
			Str("kind", t.item.Kind).
			Str("error_kind", types.ErrorKindUnsupportedCancel).
			Msg("Cancel unsupported by executor, task will run to completion")
		if !t.status.CancelRequested {
			t.status.CancelRequested = true
			c.record(t.status)
		}
		return false, nil
	}

	metrics.CancelRequests.WithLabelValues("requested").Inc()
	if t.status.CancelRequested {
		return true, nil
	}
	t.status.CancelRequested = true
	c.record(t.status)
	if err := canceler.Cancel(t.call); err != nil {
		c.logger.Warn().Err(err).Str("task_id", taskID).Msg("Executor cancel hook failed")
	}
	t.cancel()
	c.logger.Info().Str("task_id", taskID).Msg("Cancel delivered to executor")
	return true, nil
}

// ReportProgress implements executor.Reporter
func (c *Coordinator) ReportProgress(taskID string, progress any) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("progress is not serializable: %w", err)
	}

	c.mu.Lock()
	defer c.unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	if t.status.State != types.TaskStateRunning {
		return fmt.Errorf("task %s is %s, not running", taskID, t.status.State)
	}
	t.status.Progress = data
	c.record(t.status)
	return nil
}

// Spawn implements executor.Reporter. The child is submitted asynchronously
// and its id recorded on the parent.
func (c *Coordinator) Spawn(parentID string, item *types.WorkItem) (*types.TaskStatus, error) {
	status, err := c.Submit(context.Background(), item, SubmitOptions{})
	if status == nil {
		return nil, err
	}

	c.mu.Lock()
	if parent, ok := c.tasks[parentID]; ok {
		parent.status.SpawnedTaskIDs = append(parent.status.SpawnedTaskIDs, status.TaskID)
		c.record(parent.status)
	}
	c.unlock()
	return status, err
}

// OnWorkerOffline fails every non-terminal task assigned to name with
// WorkerLost, releasing its reservation. Items that asked for retry are
// resubmitted.
func (c *Coordinator) OnWorkerOffline(name string) {
	c.mu.Lock()
	defer c.unlock()

	if c.pool.Owns(name) {
		c.pool.MarkOffline(name)
	}

	var lost []*task
	for _, t := range c.tasks {
		// Deferred calls belong to their external agent, not the worker
		if t.status.State == types.TaskStateRunning && t.status.Queue == name && !t.deferred {
			lost = append(lost, t)
		}
	}
	// Recover in submission order
	sortTasks(lost)
	for _, t := range lost {
		c.workerLostLocked(t, fmt.Sprintf("worker %s stopped sending heartbeats", name))
	}
	if len(lost) > 0 {
		c.logger.Warn().Str("worker", name).Int("tasks", len(lost)).Msg("Recovered tasks of offline worker")
	}
	c.settleLocked()
}

// OnWorkerOnline puts a returning pool worker back into dispatch and retries
// tasks postponed for lack of capacity
func (c *Coordinator) OnWorkerOnline(name string) {
	if !c.pool.Owns(name) {
		return
	}
	if c.pool.MarkOnline(name) {
		c.logger.Info().Str("worker", name).Msg("Worker back in dispatch")
	}
	c.RetryPostponed()
}
