package reservation

import (
	"sync"

	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/metrics"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/rs/zerolog"
)

// Journal persists reservations so a restarted coordinator can discard
// stale ones
type Journal interface {
	PutReservation(taskID string, resources types.ResourceMap) error
	DeleteReservation(taskID string) error
}

// Queued is a task waiting for admission ahead of the one being checked
type Queued struct {
	TaskID    string
	Resources types.ResourceMap
}

// Table is the registry of resource maps held by admitted, non-terminal
// tasks. All methods are safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	reserved map[string]types.ResourceMap
	byKey    map[types.ResourceKey]map[string]types.Operation
	journal  Journal
	logger   zerolog.Logger
}

// NewTable creates an empty table. journal may be nil.
func NewTable(journal Journal) *Table {
	return &Table{
		reserved: make(map[string]types.ResourceMap),
		byKey:    make(map[types.ResourceKey]map[string]types.Operation),
		journal:  journal,
		logger:   log.WithComponent("reservation"),
	}
}

// TryReserve checks resources against every reserved map and against the
// tasks queued ahead of it, in one critical section. On acceptance the map is
// inserted under taskID. Postponed and rejected calls insert nothing.
func (t *Table) TryReserve(taskID string, resources types.ResourceMap, ahead []Queued) (types.Response, []types.Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.reserved[taskID]; ok {
		return types.ResponseAccepted, nil
	}

	resp, reasons := Evaluate(resources, t.holdersLocked)
	if resp != types.ResponseAccepted {
		return resp, reasons
	}

	// Earlier postponed work keeps its place in line
	for _, q := range ahead {
		if q.TaskID == taskID || !Conflicts(q.Resources, resources) {
			continue
		}
		reasons = append(reasons, types.Reason{
			TaskID:  q.TaskID,
			Kind:    "queued",
			Message: "conflicts with earlier postponed task",
		})
	}
	if len(reasons) > 0 {
		return types.ResponsePostponed, reasons
	}

	if t.journal != nil && len(resources) > 0 {
		if err := t.journal.PutReservation(taskID, resources); err != nil {
			t.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to journal reservation, rejecting")
			return types.ResponseRejected, []types.Reason{{Kind: "store", Message: err.Error()}}
		}
	}

	held := resources.Clone()
	if held == nil {
		held = types.ResourceMap{}
	}
	t.reserved[taskID] = held
	for key, op := range held {
		holders := t.byKey[key]
		if holders == nil {
			holders = make(map[string]types.Operation)
			t.byKey[key] = holders
		}
		holders[taskID] = op
	}
	metrics.ReservationsActive.Set(float64(len(t.reserved)))
	return types.ResponseAccepted, nil
}

// Check evaluates resources against the reserved maps without inserting
// anything
func (t *Table) Check(resources types.ResourceMap) (types.Response, []types.Reason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Evaluate(resources, t.holdersLocked)
}

// Release removes the reservation of taskID. Releasing an unknown id is a
// no-op; the return value reports whether anything was removed.
func (t *Table) Release(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.reserved[taskID]
	if !ok {
		return false
	}
	delete(t.reserved, taskID)
	for key := range held {
		holders := t.byKey[key]
		delete(holders, taskID)
		if len(holders) == 0 {
			delete(t.byKey, key)
		}
	}
	if t.journal != nil && len(held) > 0 {
		if err := t.journal.DeleteReservation(taskID); err != nil {
			t.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to remove journaled reservation")
		}
	}
	metrics.ReservationsActive.Set(float64(len(t.reserved)))
	return true
}

// Holders returns the admitted tasks holding key
func (t *Table) Holders(key types.ResourceKey) []Holder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holdersLocked(key)
}

func (t *Table) holdersLocked(key types.ResourceKey) []Holder {
	holders := t.byKey[key]
	if len(holders) == 0 {
		return nil
	}
	out := make([]Holder, 0, len(holders))
	for id, op := range holders {
		out = append(out, Holder{TaskID: id, Operation: op})
	}
	return out
}

// Reserved reports whether taskID currently holds a reservation
func (t *Table) Reserved(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.reserved[taskID]
	return ok
}

// Len returns the number of reservations
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reserved)
}

// Snapshot returns a copy of all reservations keyed by task id
func (t *Table) Snapshot() map[string]types.ResourceMap {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]types.ResourceMap, len(t.reserved))
	for id, m := range t.reserved {
		out[id] = m.Clone()
	}
	return out
}
