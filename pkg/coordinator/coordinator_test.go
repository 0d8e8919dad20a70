package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/dispatch/pkg/executor"
	"github.com/cuemby/dispatch/pkg/heartbeat"
	"github.com/cuemby/dispatch/pkg/history"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/storage"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/cuemby/dispatch/pkg/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gate is an executor whose calls block until the test releases them
type gate struct {
	mu    sync.Mutex
	calls map[string]*gateCall
}

type gateCall struct {
	started chan struct{}
	release chan error
}

func newGate() *gate {
	return &gate{calls: make(map[string]*gateCall)}
}

func (g *gate) get(id string) *gateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.calls[id]
	if !ok {
		c = &gateCall{started: make(chan struct{}), release: make(chan error, 1)}
		g.calls[id] = c
	}
	return c
}

func (g *gate) Execute(ctx context.Context, call *executor.Call) (any, error) {
	c := g.get(call.TaskID)
	close(c.started)
	select {
	case err := <-c.release:
		if err != nil {
			return nil, err
		}
		return map[string]string{"task": call.TaskID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gate) waitStarted(t *testing.T, id string) {
	t.Helper()
	select {
	case <-g.get(id).started:
	case <-time.After(5 * time.Second):
		t.Fatalf("task %s never started", id)
	}
}

func (g *gate) finish(id string, err error) {
	g.get(id).release <- err
}

type cancelableGate struct{ *gate }

func (cancelableGate) Cancel(*executor.Call) error { return nil }

type harness struct {
	dir      string
	coord    *Coordinator
	pool     *worker.Pool
	monitor  *heartbeat.Monitor
	store    *storage.BoltStore
	archive  *history.SQLiteArchive
	registry *executor.Registry
	gate     *gate

	closeOnce sync.Once
}

func newHarness(t *testing.T, workers int) *harness {
	return newHarnessAt(t, t.TempDir(), workers, nil)
}

// newHarnessAt builds a coordinator on dir. register may add executors
// before the coordinator starts.
func newHarnessAt(t *testing.T, dir string, workers int, register func(*executor.Registry)) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBoltStore(dir)
	require.NoError(t, err)
	archive, err := history.NewSQLiteArchive(ctx, filepath.Join(dir, "history.db"))
	require.NoError(t, err)

	monitor, err := heartbeat.NewMonitor(heartbeat.Config{WorkerTimeout: time.Hour, SweepInterval: time.Hour}, store, nil)
	require.NoError(t, err)

	g := newGate()
	registry := executor.NewRegistry()
	require.NoError(t, executor.RegisterBuiltins(registry))
	registry.MustRegister("gate", g)
	registry.MustRegister("gate-cancel", cancelableGate{g})
	if register != nil {
		register(registry)
	}

	pool := worker.NewPool(worker.Config{
		Workers:           workers,
		NamePrefix:        "test",
		HeartbeatInterval: time.Hour,
	}, nil, nil)

	coord, err := New(Options{
		Store:    store,
		Archive:  archive,
		Pool:     pool,
		Registry: registry,
		Monitor:  monitor,
	})
	require.NoError(t, err)

	pool.SetTracker(coord)
	pool.SetHeartbeater(monitor)
	monitor.SetOnOffline(coord.OnWorkerOffline)
	monitor.SetOnOnline(coord.OnWorkerOnline)

	require.NoError(t, coord.Start(ctx))
	pool.Start(ctx)

	h := &harness{
		dir:      dir,
		coord:    coord,
		pool:     pool,
		monitor:  monitor,
		store:    store,
		archive:  archive,
		registry: registry,
		gate:     g,
	}
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	h.closeOnce.Do(func() {
		h.pool.Stop()
		h.coord.Stop()
		h.archive.Close()
		h.store.Close()
	})
}

func (h *harness) submit(t *testing.T, item *types.WorkItem) *types.TaskStatus {
	t.Helper()
	status, err := h.coord.Submit(context.Background(), item, SubmitOptions{})
	require.NoError(t, err)
	return status
}

func (h *harness) status(t *testing.T, id string) *types.TaskStatus {
	t.Helper()
	status, err := h.coord.Status(context.Background(), id)
	require.NoError(t, err)
	return status
}

func (h *harness) waitState(t *testing.T, id string, state types.TaskState) *types.TaskStatus {
	t.Helper()
	require.Eventually(t, func() bool {
		status, err := h.coord.Status(context.Background(), id)
		return err == nil && status.State == state
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, state)
	return h.status(t, id)
}

// item builds a work item from "type:id:operation" resource specs
func item(id, kind string, resources ...string) *types.WorkItem {
	m := types.ResourceMap{}
	for _, r := range resources {
		parts := strings.SplitN(r, ":", 3)
		m[types.ResourceKey{Type: parts[0], ID: parts[1]}] = types.Operation(parts[2])
	}
	return &types.WorkItem{ID: id, Kind: kind, Resources: m}
}

func TestConflictingUpdateThenDelete(t *testing.T) {
	h := newHarness(t, 2)

	a := h.submit(t, item("a", "gate", "repository:r1:update"))
	assert.Equal(t, types.TaskStateRunning, a.State)
	assert.Equal(t, types.ResponseAccepted, a.Response)

	b := h.submit(t, item("b", "gate", "repository:r1:delete"))
	assert.Equal(t, types.TaskStateWaiting, b.State)
	assert.Equal(t, types.ResponsePostponed, b.Response)
	require.Len(t, b.Reasons, 1)
	assert.Equal(t, "a", b.Reasons[0].TaskID)
	assert.Equal(t, types.OperationUpdate, b.Reasons[0].Operation)
	assert.Equal(t, []string{"b"}, h.coord.Postponed())

	h.gate.waitStarted(t, "a")
	h.gate.finish("a", nil)
	h.waitState(t, "a", types.TaskStateSucceeded)

	// The release re-admits b without polling
	b = h.waitState(t, "b", types.TaskStateRunning)
	assert.Equal(t, types.ResponseAccepted, b.Response)
	assert.Empty(t, h.coord.Postponed())

	h.gate.waitStarted(t, "b")
	h.gate.finish("b", nil)
	b = h.waitState(t, "b", types.TaskStateSucceeded)
	assert.JSONEq(t, `{"task":"b"}`, string(b.Result))
	assert.NotNil(t, b.StartTime)
	assert.NotNil(t, b.FinishTime)
	assert.Empty(t, h.coord.Reservations())
}

func TestReadsRunTogether(t *testing.T) {
	h := newHarness(t, 2)

	c := h.submit(t, item("c", "gate", "repository:r2:read"))
	d := h.submit(t, item("d", "gate", "repository:r2:read"))
	assert.Equal(t, types.ResponseAccepted, c.Response)
	assert.Equal(t, types.ResponseAccepted, d.Response)
	assert.Len(t, h.coord.Reservations(), 2)

	h.gate.finish("c", nil)
	h.gate.finish("d", nil)
	h.waitState(t, "c", types.TaskStateSucceeded)
	h.waitState(t, "d", types.TaskStateSucceeded)
}

func TestRejectedSubmission(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("x", "gate", "repository:r1:create"))

	status, err := h.coord.Submit(context.Background(), item("y", "gate", "repository:r1:create"), SubmitOptions{})
	var rejected *types.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "y", rejected.TaskID)
	require.Len(t, rejected.Reasons, 1)
	assert.Equal(t, "x", rejected.Reasons[0].TaskID)

	require.NotNil(t, status)
	assert.Equal(t, types.TaskStateRejected, status.State)
	assert.Equal(t, types.ResponseRejected, status.Response)

	// Recorded, never queued
	stored := h.status(t, "y")
	assert.Equal(t, types.TaskStateRejected, stored.State)
	assert.Empty(t, stored.Queue)

	h.gate.finish("x", nil)
	h.waitState(t, "x", types.TaskStateSucceeded)
}

func TestPostponedKeepSubmissionOrder(t *testing.T) {
	h := newHarness(t, 4)

	h.submit(t, item("a", "gate", "repository:r1:update"))
	b := h.submit(t, item("b", "gate", "repository:r1:update", "repository:r2:update"))
	assert.Equal(t, types.ResponsePostponed, b.Response)

	// r2 is free, but b asked for it first
	c := h.submit(t, item("c", "gate", "repository:r2:update"))
	assert.Equal(t, types.ResponsePostponed, c.Response)
	require.Len(t, c.Reasons, 1)
	assert.Equal(t, "queued", c.Reasons[0].Kind)
	assert.Equal(t, "b", c.Reasons[0].TaskID)
	assert.Equal(t, []string{"b", "c"}, h.coord.Postponed())

	h.gate.finish("a", nil)
	h.waitState(t, "b", types.TaskStateRunning)
	require.Eventually(t, func() bool {
		c, err := h.coord.Status(context.Background(), "c")
		return err == nil && c.State == types.TaskStateWaiting && len(c.Reasons) == 1 && c.Reasons[0].Kind == "conflict"
	}, 5*time.Second, 5*time.Millisecond, "c should now wait on b's reservation")

	h.gate.finish("b", nil)
	h.waitState(t, "c", types.TaskStateRunning)
	h.gate.finish("c", nil)
	h.waitState(t, "c", types.TaskStateSucceeded)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, 1)

	tests := []struct {
		name  string
		item  *types.WorkItem
		field string
	}{
		{"unknown kind", item("", "nope", "repository:r1:read"), "kind"},
		{"no resources", item("", "noop"), "resources"},
		{"bad operation", item("", "noop", "repository:r1:merge"), "resources"},
		{"unknown dependency", &types.WorkItem{Kind: "noop", Barrier: true, Dependencies: []string{"ghost"}}, "dependencies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := h.coord.Submit(context.Background(), tt.item, SubmitOptions{})
			assert.Nil(t, status)
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	h.submit(t, item("dup", "noop", "repository:r1:read"))
	_, err := h.coord.Submit(context.Background(), item("dup", "noop", "repository:r1:read"), SubmitOptions{})
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)

	// Nil items are validation errors, including children spawned by a call
	_, err = h.coord.Submit(context.Background(), nil, SubmitOptions{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "item", verr.Field)
	_, _, err = h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{item("ok", "noop", "repository:r2:read"), nil})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "item", verr.Field)
	_, err = h.coord.Spawn("dup", nil)
	require.ErrorAs(t, err, &verr)
	_, err = h.coord.Status(context.Background(), "ok")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBarrierRunsWithoutResources(t *testing.T) {
	h := newHarness(t, 2)

	status, err := h.coord.Submit(context.Background(), &types.WorkItem{ID: "barrier", Kind: "noop", Barrier: true}, SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSucceeded, status.State)
}

func TestSynchronousSubmit(t *testing.T) {
	h := newHarness(t, 2)

	status, err := h.coord.Submit(context.Background(), item("quick", "noop", "repository:r1:read"), SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSucceeded, status.State)

	status, err = h.coord.Submit(context.Background(), item("slow", "gate", "repository:r1:update"), SubmitOptions{Synchronous: true, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, types.ErrSynchronousTimeout)
	require.NotNil(t, status)
	assert.False(t, status.State.Terminal())

	// The task keeps going after the caller stopped waiting
	h.gate.finish("slow", nil)
	h.waitState(t, "slow", types.TaskStateSucceeded)
}

func TestExecutionFailureAndPanic(t *testing.T) {
	h := newHarnessAt(t, t.TempDir(), 2, func(r *executor.Registry) {
		r.MustRegister("boom", executor.Func(func(ctx context.Context, call *executor.Call) (any, error) {
			panic("plugin bug")
		}))
	})

	h.submit(t, item("fails", "gate", "repository:r1:update"))
	h.gate.finish("fails", errors.New("disk full"))
	status := h.waitState(t, "fails", types.TaskStateFailed)
	require.NotNil(t, status.Error)
	assert.Equal(t, types.ErrorKindExecution, status.Error.Kind)
	assert.Equal(t, "disk full", status.Error.Message)

	h.submit(t, item("panics", "boom", "repository:r1:update"))
	status = h.waitState(t, "panics", types.TaskStateFailed)
	assert.Contains(t, status.Error.Message, "plugin bug")
	assert.NotEmpty(t, status.Error.Trace)

	// The worker survived the panic
	status, err := h.coord.Submit(context.Background(), item("after", "noop", "repository:r1:update"), SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSucceeded, status.State)
	assert.Empty(t, h.coord.Reservations())
}

func TestDependencies(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("parent", "gate", "repository:r1:update"))
	child := item("child", "noop", "repository:r2:update")
	child.Dependencies = []string{"parent"}
	status := h.submit(t, child)
	assert.Equal(t, types.TaskStateWaiting, status.State)
	require.Len(t, status.Reasons, 1)
	assert.Equal(t, "dependency", status.Reasons[0].Kind)
	// Held back before reaching the table
	assert.NotContains(t, h.coord.Reservations(), "child")

	h.gate.finish("parent", nil)
	h.waitState(t, "child", types.TaskStateSucceeded)
}

func TestFailedDependencySkips(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("parent", "gate", "repository:r1:update"))
	child := item("child", "noop", "repository:r2:update")
	child.Dependencies = []string{"parent"}
	h.submit(t, child)
	grandchild := item("grandchild", "noop", "repository:r3:update")
	grandchild.Dependencies = []string{"child"}
	h.submit(t, grandchild)

	h.gate.finish("parent", errors.New("failed"))
	h.waitState(t, "parent", types.TaskStateFailed)

	status := h.waitState(t, "child", types.TaskStateSkipped)
	assert.Equal(t, types.ErrorKindSkipped, status.Error.Kind)
	h.waitState(t, "grandchild", types.TaskStateSkipped)

	// Depending on a task that already failed skips at once
	late := item("late", "noop", "repository:r4:update")
	late.Dependencies = []string{"parent"}
	status = h.submit(t, late)
	assert.Equal(t, types.TaskStateSkipped, status.State)
}

func TestItinerary(t *testing.T) {
	h := newHarness(t, 2)

	first := item("first", "gate", "repository:r1:update")
	second := item("second", "noop", "repository:r1:read")
	second.Dependencies = []string{"first"}
	// Submitted out of order on purpose
	groupID, statuses, err := h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{second, first})
	require.NoError(t, err)
	require.NotEmpty(t, groupID)
	require.Len(t, statuses, 2)
	assert.Equal(t, "first", statuses[0].TaskID)
	assert.Equal(t, "second", statuses[1].TaskID)
	for _, s := range statuses {
		assert.Equal(t, groupID, s.GroupID)
	}

	h.gate.finish("first", nil)
	h.waitState(t, "second", types.TaskStateSucceeded)

	var ids []string
	for status, err := range h.coord.Search(types.Filter{GroupID: groupID}) {
		require.NoError(t, err)
		ids = append(ids, status.TaskID)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, ids)
}

func TestItineraryCycle(t *testing.T) {
	h := newHarness(t, 2)

	a := item("a", "noop", "repository:r1:read")
	a.Dependencies = []string{"b"}
	b := item("b", "noop", "repository:r2:read")
	b.Dependencies = []string{"a"}

	_, _, err := h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{a, b})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dependencies", verr.Field)

	_, err = h.coord.Status(context.Background(), "a")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestItineraryRejectedAsWhole(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("holder", "gate", "repository:r1:create"))

	ok := item("fine", "noop", "repository:r2:read")
	bad := item("clash", "noop", "repository:r1:create")
	groupID, statuses, err := h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{ok, bad})
	var rejected *types.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, groupID, rejected.TaskID)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, types.TaskStateRejected, s.State)
		assert.Equal(t, types.TaskStateRejected, h.status(t, s.TaskID).State)
	}
	assert.NotContains(t, h.coord.Reservations(), "fine")

	h.gate.finish("holder", nil)
}

func TestItineraryRejectsConflictingItems(t *testing.T) {
	h := newHarness(t, 2)

	// Neither depends on the other, so both could hold repository:r1
	x := item("x", "gate", "repository:r1:create")
	y := item("y", "gate", "repository:r1:create")
	groupID, statuses, err := h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{x, y})
	var rejected *types.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, groupID, rejected.TaskID)
	require.NotEmpty(t, rejected.Reasons)
	assert.Equal(t, "x", rejected.Reasons[0].TaskID)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.Equal(t, types.TaskStateRejected, s.State)
		assert.Equal(t, types.TaskStateRejected, h.status(t, s.TaskID).State)
	}
	assert.Empty(t, h.coord.Reservations())

	// Ordered through a dependency the same pair is fine
	first := item("first", "noop", "repository:r2:create")
	second := item("second", "noop", "repository:r2:create")
	second.Dependencies = []string{"first"}
	_, _, err = h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{first, second})
	require.NoError(t, err)
	h.waitState(t, "second", types.TaskStateSucceeded)

	// Transitive ordering counts too
	a := item("a", "noop", "repository:r3:create")
	b := item("b", "noop", "repository:r4:read")
	b.Dependencies = []string{"a"}
	c := item("c", "noop", "repository:r3:create")
	c.Dependencies = []string{"b"}
	_, _, err = h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{a, b, c})
	require.NoError(t, err)
	h.waitState(t, "c", types.TaskStateSucceeded)
}

func TestSatisfiedDependencySurvivesPurge(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	_, err := h.coord.Submit(ctx, item("dep", "noop", "repository:r9:update"), SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	h.submit(t, item("holder", "gate", "repository:r1:update"))
	h.gate.waitStarted(t, "holder")

	child := item("child", "noop", "repository:r1:update")
	child.Dependencies = []string{"dep"}
	status := h.submit(t, child)
	assert.Equal(t, types.ResponsePostponed, status.Response)

	h.coord.mu.Lock()
	h.coord.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.coord.mu.Unlock()
	n, err := h.coord.Purge(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = h.coord.Status(ctx, "dep")
	require.ErrorIs(t, err, types.ErrNotFound)

	h.gate.finish("holder", nil)
	h.waitState(t, "child", types.TaskStateSucceeded)
}

func TestDependOnPurgedTask(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()
	opts := SubmitOptions{Synchronous: true, Timeout: 5 * time.Second}

	archived := item("archived", "noop", "repository:r1:update")
	archived.Archive = true
	_, err := h.coord.Submit(ctx, archived, opts)
	require.NoError(t, err)
	_, err = h.coord.Submit(ctx, item("forgotten", "noop", "repository:r2:update"), opts)
	require.NoError(t, err)

	h.coord.mu.Lock()
	h.coord.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.coord.mu.Unlock()
	n, err := h.coord.Purge(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// History still knows the archived call succeeded
	child := item("child", "noop", "repository:r3:update")
	child.Dependencies = []string{"archived"}
	status, err := h.coord.Submit(ctx, child, opts)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSucceeded, status.State)

	// An id reused from history is still taken
	_, err = h.coord.Submit(ctx, item("archived", "noop", "repository:r4:read"), SubmitOptions{})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	orphan := item("orphan", "noop", "repository:r3:update")
	orphan.Dependencies = []string{"forgotten"}
	_, err = h.coord.Submit(ctx, orphan, SubmitOptions{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dependencies", verr.Field)
}

// slowArchive blocks every Archive call until release is closed
type slowArchive struct {
	Archiver
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (a *slowArchive) Archive(ctx context.Context, call *types.ArchivedCall) error {
	a.once.Do(func() { close(a.entered) })
	<-a.release
	return a.Archiver.Archive(ctx, call)
}

func TestArchiveDoesNotBlockAdmission(t *testing.T) {
	h := newHarness(t, 2)
	slow := &slowArchive{Archiver: h.archive, entered: make(chan struct{}), release: make(chan struct{})}
	h.coord.mu.Lock()
	h.coord.archive = slow
	h.coord.mu.Unlock()

	kept := item("kept", "gate", "repository:r1:update")
	kept.Archive = true
	h.submit(t, kept)
	h.gate.waitStarted(t, "kept")
	h.gate.finish("kept", nil)
	select {
	case <-slow.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("call was never archived")
	}

	// The history insert is still in flight
	status := h.submit(t, item("other", "gate", "repository:r2:update"))
	assert.Equal(t, types.ResponseAccepted, status.Response)
	assert.Equal(t, types.TaskStateSucceeded, h.status(t, "kept").State)

	close(slow.release)
	require.Eventually(t, func() bool {
		_, err := h.archive.Get(context.Background(), "kept")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	h.gate.finish("other", nil)
}

func TestDeferredCompletion(t *testing.T) {
	h := newHarnessAt(t, t.TempDir(), 1, func(r *executor.Registry) {
		r.MustRegister("external", executor.Func(func(ctx context.Context, call *executor.Call) (any, error) {
			return nil, executor.ErrDeferred
		}))
	})
	ctx := context.Background()
	name := h.pool.Names()[0]
	require.Eventually(t, func() bool { return h.monitor.IsOnline(name) }, 5*time.Second, 5*time.Millisecond)

	complete := func(id string, result json.RawMessage, taskErr *types.TaskError) *types.TaskStatus {
		t.Helper()
		var status *types.TaskStatus
		require.Eventually(t, func() bool {
			var err error
			status, err = h.coord.Complete(ctx, id, result, taskErr)
			return err == nil
		}, 5*time.Second, 5*time.Millisecond)
		return status
	}

	h.submit(t, item("sync", "external", "repository:r1:update"))
	after := h.submit(t, item("after", "noop", "repository:r1:update"))
	assert.Equal(t, types.ResponsePostponed, after.Response)

	status := complete("sync", json.RawMessage(`{"units":4}`), nil)
	assert.Equal(t, types.TaskStateSucceeded, status.State)
	assert.JSONEq(t, `{"units":4}`, string(status.Result))
	h.waitState(t, "after", types.TaskStateSucceeded)

	_, err := h.coord.Complete(ctx, "sync", nil, nil)
	assert.ErrorIs(t, err, types.ErrNotAwaiting)
	_, err = h.coord.Complete(ctx, "ghost", nil, nil)
	assert.ErrorIs(t, err, types.ErrNotFound)

	h.submit(t, item("broken", "external", "repository:r2:update"))
	status = complete("broken", nil, &types.TaskError{Message: "agent gave up"})
	assert.Equal(t, types.TaskStateFailed, status.State)
	assert.Equal(t, types.ErrorKindExecution, status.Error.Kind)

	// Losing the worker does not fail a call owned by an external agent
	h.submit(t, item("remote", "external", "repository:r3:update"))
	require.Eventually(t, func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		tk, ok := h.coord.tasks["remote"]
		return ok && tk.deferred
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, h.pool.Pause(name))
	h.monitor.Sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, types.TaskStateRunning, h.status(t, "remote").State)

	ok, err := h.coord.Cancel(ctx, "remote")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.TaskStateCanceled, h.status(t, "remote").State)
	assert.Empty(t, h.coord.Reservations())
}

func TestCancelWaiting(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("holder", "gate", "repository:r1:update"))
	h.submit(t, item("queued", "gate", "repository:r1:update"))

	ok, err := h.coord.Cancel(context.Background(), "queued")
	require.NoError(t, err)
	assert.True(t, ok)
	status := h.status(t, "queued")
	assert.Equal(t, types.TaskStateCanceled, status.State)
	assert.Empty(t, h.coord.Postponed())

	// Canceling a terminal task is a no-op
	ok, err = h.coord.Cancel(context.Background(), "queued")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.coord.Cancel(context.Background(), "ghost")
	assert.ErrorIs(t, err, types.ErrNotFound)

	h.gate.finish("holder", nil)
}

func TestCancelBeforeWorkerStarts(t *testing.T) {
	h := newHarness(t, 1)

	h.submit(t, item("busy", "gate", "repository:r1:update"))
	h.gate.waitStarted(t, "busy")
	status := h.submit(t, item("behind", "gate", "repository:r2:update"))
	assert.Equal(t, types.TaskStateRunning, status.State)

	ok, err := h.coord.Cancel(context.Background(), "behind")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, types.TaskStateCanceled, h.status(t, "behind").State)
	assert.Equal(t, 0, h.pool.QueueLen(status.Queue))
	assert.NotContains(t, h.coord.Reservations(), "behind")

	h.gate.finish("busy", nil)
	h.waitState(t, "busy", types.TaskStateSucceeded)
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("stoppable", "gate-cancel", "repository:r1:update"))
	h.gate.waitStarted(t, "stoppable")

	ok, err := h.coord.Cancel(context.Background(), "stoppable")
	require.NoError(t, err)
	assert.True(t, ok)

	status := h.waitState(t, "stoppable", types.TaskStateCanceled)
	assert.True(t, status.CancelRequested)
	assert.Equal(t, types.ErrorKindCanceled, status.Error.Kind)
	assert.Empty(t, h.coord.Reservations())
}

func TestCancelUnsupported(t *testing.T) {
	h := newHarness(t, 2)

	h.submit(t, item("stubborn", "gate", "repository:r1:update"))
	h.gate.waitStarted(t, "stubborn")

	ok, err := h.coord.Cancel(context.Background(), "stubborn")
	require.NoError(t, err)
	assert.False(t, ok)

	status := h.status(t, "stubborn")
	assert.Equal(t, types.TaskStateRunning, status.State)
	assert.True(t, status.CancelRequested)

	h.gate.finish("stubborn", nil)
	status = h.waitState(t, "stubborn", types.TaskStateSucceeded)
	assert.Nil(t, status.Error)
}

func TestCancelGroup(t *testing.T) {
	h := newHarness(t, 2)

	first := item("first", "gate", "repository:r1:update")
	second := item("second", "noop", "repository:r1:read")
	second.Dependencies = []string{"first"}
	groupID, _, err := h.coord.SubmitItinerary(context.Background(), []*types.WorkItem{first, second})
	require.NoError(t, err)
	h.gate.waitStarted(t, "first")

	results, err := h.coord.CancelGroup(context.Background(), groupID)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"first": false, "second": true}, results)
	assert.Equal(t, types.TaskStateCanceled, h.status(t, "second").State)

	h.gate.finish("first", nil)
	h.waitState(t, "first", types.TaskStateSucceeded)

	_, err = h.coord.CancelGroup(context.Background(), "no-such-group")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWorkerLossRecovery(t *testing.T) {
	h := newHarness(t, 1)
	name := h.pool.Names()[0]
	require.Eventually(t, func() bool { return h.monitor.IsOnline(name) }, 5*time.Second, 5*time.Millisecond)

	lostItem := item("lost", "gate", "repository:r1:update")
	lostItem.Retry = true
	h.submit(t, lostItem)
	h.gate.waitStarted(t, "lost")

	before := testutil.ToFloat64(metrics.Recoveries)

	require.NoError(t, h.pool.Pause(name))
	offline := h.monitor.Sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, []string{name}, offline)

	status := h.status(t, "lost")
	assert.Equal(t, types.TaskStateFailed, status.State)
	assert.Equal(t, types.ErrorKindWorkerLost, status.Error.Kind)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Recoveries))

	var retry *types.TaskStatus
	for s, err := range h.coord.Search(types.Filter{}) {
		require.NoError(t, err)
		if s.RetryOf == "lost" {
			retry = s
		}
	}
	require.NotNil(t, retry, "retry was not submitted")
	assert.Equal(t, types.TaskStateWaiting, retry.State)
	assert.Equal(t, "capacity", retry.Reasons[0].Kind)
	assert.Empty(t, h.coord.Reservations())

	// The worker comes back and picks up the retry
	require.NoError(t, h.pool.Resume(name))
	h.gate.waitStarted(t, retry.TaskID)
	h.gate.finish(retry.TaskID, nil)
	h.waitState(t, retry.TaskID, types.TaskStateSucceeded)

	// The original stays failed
	assert.Equal(t, types.TaskStateFailed, h.status(t, "lost").State)
}

func TestWorkerLossWithoutRetry(t *testing.T) {
	h := newHarness(t, 1)
	name := h.pool.Names()[0]
	require.Eventually(t, func() bool { return h.monitor.IsOnline(name) }, 5*time.Second, 5*time.Millisecond)

	h.submit(t, item("once", "gate", "repository:r1:update"))
	h.gate.waitStarted(t, "once")

	require.NoError(t, h.pool.Pause(name))
	h.monitor.Sweep(time.Now().Add(2 * time.Hour))

	assert.Equal(t, types.TaskStateFailed, h.status(t, "once").State)
	for s, err := range h.coord.Search(types.Filter{}) {
		require.NoError(t, err)
		assert.NotEqual(t, "once", s.RetryOf)
	}
	assert.Empty(t, h.coord.Reservations())
}

func TestRestartResubmitsIncompleteTasks(t *testing.T) {
	dir := t.TempDir()
	h := newHarnessAt(t, dir, 2, nil)

	_, err := h.coord.Submit(context.Background(), item("done", "noop", "repository:r9:read"), SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	h.submit(t, item("running", "gate", "repository:r1:update"))
	h.submit(t, item("postponed", "gate", "repository:r1:delete"))
	h.gate.waitStarted(t, "running")
	h.close()

	h = newHarnessAt(t, dir, 2, nil)

	running := h.status(t, "running")
	assert.Equal(t, types.TaskStateRunning, running.State)
	postponed := h.status(t, "postponed")
	assert.Equal(t, types.ResponsePostponed, postponed.Response)
	assert.Equal(t, []string{"postponed"}, h.coord.Postponed())
	assert.Equal(t, types.TaskStateSucceeded, h.status(t, "done").State)

	// The journal only holds the restored reservation
	journal, err := h.store.ListReservations()
	require.NoError(t, err)
	assert.Len(t, journal, 1)
	assert.Contains(t, journal, "running")

	h.gate.finish("running", nil)
	h.gate.finish("postponed", nil)
	h.waitState(t, "postponed", types.TaskStateSucceeded)

	// New submissions continue the sequence
	next := h.submit(t, item("next", "noop", "repository:r5:read"))
	assert.Greater(t, next.Seq, postponed.Seq)
}

func TestArchiveAndPurge(t *testing.T) {
	h := newHarness(t, 2)

	kept := item("kept", "noop", "repository:r1:read")
	kept.Archive = true
	kept.Tags = []string{"audit"}
	_, err := h.coord.Submit(context.Background(), kept, SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	_, err = h.coord.Submit(context.Background(), item("dropped", "noop", "repository:r2:read"), SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	h.submit(t, item("live", "gate", "repository:r3:update"))

	call, err := h.archive.Get(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSucceeded, call.Status.State)
	_, err = h.archive.Get(context.Background(), "dropped")
	assert.ErrorIs(t, err, types.ErrNotFound)

	h.coord.mu.Lock()
	h.coord.now = func() time.Time { return time.Now().Add(time.Hour) }
	h.coord.mu.Unlock()

	n, err := h.coord.Purge(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Archived calls are still served from history
	status := h.status(t, "kept")
	assert.Equal(t, types.TaskStateSucceeded, status.State)
	_, err = h.coord.Status(context.Background(), "dropped")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, types.TaskStateRunning, h.status(t, "live").State)

	h.gate.finish("live", nil)
}

func TestProgressAndSpawn(t *testing.T) {
	h := newHarnessAt(t, t.TempDir(), 2, func(r *executor.Registry) {
		r.MustRegister("parent", executor.Func(func(ctx context.Context, call *executor.Call) (any, error) {
			if err := call.ReportProgress(map[string]int{"step": 1}); err != nil {
				return nil, err
			}
			child, err := call.Spawn(item("", "noop", "repository:child:read"))
			if err != nil {
				return nil, err
			}
			return child.TaskID, nil
		}))
	})

	status, err := h.coord.Submit(context.Background(), item("parent", "parent", "repository:r1:update"), SubmitOptions{Synchronous: true, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateSucceeded, status.State)
	assert.JSONEq(t, `{"step":1}`, string(status.Progress))
	require.Len(t, status.SpawnedTaskIDs, 1)
	assert.JSONEq(t, `"`+status.SpawnedTaskIDs[0]+`"`, string(status.Result))

	h.waitState(t, status.SpawnedTaskIDs[0], types.TaskStateSucceeded)

	err = h.coord.ReportProgress("parent", "late")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestListWorkers(t *testing.T) {
	h := newHarness(t, 2)
	require.Eventually(t, func() bool { return h.coord.OnlineWorkers() == 2 }, 5*time.Second, 5*time.Millisecond)

	busy := item("busy", "gate", "repository:r1:update")
	busy.Weight = 3
	status := h.submit(t, busy)
	h.gate.waitStarted(t, "busy")

	workers := h.coord.ListWorkers()
	require.Len(t, workers, 2)
	for _, w := range workers {
		if w.Name == status.Queue {
			assert.Equal(t, []string{"busy"}, w.AssignedTaskIDs)
			assert.Equal(t, 3, w.Load)
		} else {
			assert.Empty(t, w.AssignedTaskIDs)
		}
	}

	h.gate.finish("busy", nil)
}

func TestConcurrentWritersNeverOverlap(t *testing.T) {
	var running, maxRunning atomic.Int32
	h := newHarnessAt(t, t.TempDir(), 4, func(r *executor.Registry) {
		r.MustRegister("exclusive", executor.Func(func(ctx context.Context, call *executor.Call) (any, error) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return nil, nil
		}))
	})

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct secondary keys spread the tasks across workers
			it := item("", "exclusive", "repository:hot:update", "consumer:c"+string(rune('a'+i))+":read")
			status, err := h.coord.Submit(context.Background(), it, SubmitOptions{})
			assert.NoError(t, err)
			if status != nil {
				ids[i] = status.TaskID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotEmpty(t, id)
		h.waitState(t, id, types.TaskStateSucceeded)
	}
	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Empty(t, h.coord.Reservations())
}
