package storage

import (
	"errors"
	"iter"
	"sync/atomic"

	"github.com/cuemby/dispatch/pkg/types"
)

// ErrConsumed is yielded when a single-use sequence is ranged over twice
var ErrConsumed = errors.New("sequence already consumed")

// Store defines the interface for task status storage
type Store interface {
	// Work items (the submitted request, kept for restart and resubmission)
	SaveWorkItem(item *types.WorkItem) error
	GetWorkItem(id string) (*types.WorkItem, error)

	// Task statuses
	RecordStatus(status *types.TaskStatus) error
	GetStatus(id string) (*types.TaskStatus, error)
	FindStatuses(filter types.Filter) iter.Seq2[*types.TaskStatus, error]
	DeleteTask(id string) error

	// Workers
	UpsertWorker(worker *types.Worker) error
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(name string) error

	// Reservation journal
	PutReservation(taskID string, resources types.ResourceMap) error
	DeleteReservation(taskID string) error
	ListReservations() (map[string]types.ResourceMap, error)
	ClearReservations() error

	// Utility
	Close() error
}

// SingleUse wraps seq so that it can be ranged over only once. A second range
// yields ErrConsumed.
func SingleUse[T any](seq iter.Seq2[T, error]) iter.Seq2[T, error] {
	var used atomic.Bool
	return func(yield func(T, error) bool) {
		if used.Swap(true) {
			var zero T
			yield(zero, ErrConsumed)
			return
		}
		seq(yield)
	}
}
