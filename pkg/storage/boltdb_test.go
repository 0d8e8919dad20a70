package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testStatus(id string, state types.TaskState, tags ...string) *types.TaskStatus {
	return &types.TaskStatus{
		TaskID: id,
		Kind:   "noop",
		State:  state,
		Resources: types.ResourceMap{
			{Type: types.ResourceRepository, ID: "r1"}: types.OperationRead,
		},
		Tags:        tags,
		SubmittedAt: time.Now(),
	}
}

func TestBoltStoreStatusRoundTrip(t *testing.T) {
	store := newTestStore(t)

	status := testStatus("t1", types.TaskStateWaiting, "action:sync")
	status.Response = types.ResponsePostponed
	require.NoError(t, store.RecordStatus(status))

	got, err := store.GetStatus("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateWaiting, got.State)
	assert.Equal(t, types.ResponsePostponed, got.Response)
	assert.Equal(t, types.OperationRead, got.Resources[types.ResourceKey{Type: types.ResourceRepository, ID: "r1"}])

	// Upsert
	status.State = types.TaskStateRunning
	require.NoError(t, store.RecordStatus(status))
	got, err = store.GetStatus("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateRunning, got.State)

	_, err = store.GetStatus("missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStoreDeleteTask(t *testing.T) {
	store := newTestStore(t)

	item := &types.WorkItem{ID: "t1", Kind: "noop", Barrier: true}
	require.NoError(t, store.SaveWorkItem(item))
	require.NoError(t, store.RecordStatus(testStatus("t1", types.TaskStateSucceeded)))

	require.NoError(t, store.DeleteTask("t1"))

	_, err := store.GetStatus("t1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.GetWorkItem("t1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBoltStoreFindStatuses(t *testing.T) {
	store := newTestStore(t)

	// More than one page so the cursor resumes across transactions
	total := findPageSize*2 + 7
	for i := 0; i < total; i++ {
		state := types.TaskStateSucceeded
		if i%2 == 0 {
			state = types.TaskStateWaiting
		}
		require.NoError(t, store.RecordStatus(testStatus(fmt.Sprintf("task-%04d", i), state, "batch:1")))
	}

	tests := []struct {
		name   string
		filter types.Filter
		want   int
	}{
		{name: "all", filter: types.Filter{}, want: total},
		{name: "by state", filter: types.Filter{States: []types.TaskState{types.TaskStateWaiting}}, want: (total + 1) / 2},
		{name: "by tag", filter: types.Filter{Tags: []string{"batch:1"}}, want: total},
		{name: "unknown tag", filter: types.Filter{Tags: []string{"batch:2"}}, want: 0},
		{name: "limit", filter: types.Filter{Limit: 5}, want: 5},
		{name: "by ids", filter: types.Filter{TaskIDs: []string{"task-0001", "task-0002", "nope"}}, want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := 0
			for status, err := range store.FindStatuses(tt.filter) {
				require.NoError(t, err)
				require.NotNil(t, status)
				count++
			}
			assert.Equal(t, tt.want, count)
		})
	}
}

func TestBoltStoreFindStatusesSingleUse(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.RecordStatus(testStatus("t1", types.TaskStateWaiting)))

	seq := store.FindStatuses(types.Filter{})
	for _, err := range seq {
		require.NoError(t, err)
	}

	var errs []error
	for _, err := range seq {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConsumed)
}

func TestBoltStoreWriteWhileRanging(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordStatus(testStatus(fmt.Sprintf("t%d", i), types.TaskStateWaiting)))
	}

	// Writes during iteration must not deadlock against the read transaction
	for status, err := range store.FindStatuses(types.Filter{}) {
		require.NoError(t, err)
		status.State = types.TaskStateCanceled
		require.NoError(t, store.RecordStatus(status))
	}

	for status, err := range store.FindStatuses(types.Filter{}) {
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateCanceled, status.State)
	}
}

func TestBoltStoreWorkers(t *testing.T) {
	store := newTestStore(t)

	now := time.Now().UTC()
	require.NoError(t, store.UpsertWorker(&types.Worker{Name: "w1", LastHeartbeat: now, FirstSeen: now}))
	require.NoError(t, store.UpsertWorker(&types.Worker{Name: "w2", LastHeartbeat: now, FirstSeen: now}))

	workers, err := store.ListWorkers()
	require.NoError(t, err)
	assert.Len(t, workers, 2)

	require.NoError(t, store.DeleteWorker("w1"))
	workers, err = store.ListWorkers()
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "w2", workers[0].Name)
}

func TestBoltStoreReservationJournal(t *testing.T) {
	store := newTestStore(t)

	res := types.ResourceMap{{Type: types.ResourceRepository, ID: "r1"}: types.OperationUpdate}
	require.NoError(t, store.PutReservation("t1", res))
	require.NoError(t, store.PutReservation("t2", res))
	require.NoError(t, store.DeleteReservation("t2"))

	reservations, err := store.ListReservations()
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, res, reservations["t1"])

	require.NoError(t, store.ClearReservations())
	reservations, err = store.ListReservations()
	require.NoError(t, err)
	assert.Empty(t, reservations)
}
