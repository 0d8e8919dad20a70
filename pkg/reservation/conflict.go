package reservation

import (
	"github.com/cuemby/dispatch/pkg/types"
)

// Conflicts reports whether two resource maps may not be held at the same
// time: they share a key and at least one side does not only read it.
func Conflicts(a, b types.ResourceMap) bool {
	// Iterate the smaller map
	if len(b) < len(a) {
		a, b = b, a
	}
	for key, opA := range a {
		opB, ok := b[key]
		if !ok {
			continue
		}
		if opA != types.OperationRead || opB != types.OperationRead {
			return true
		}
	}
	return false
}

// operationMatrix[held][proposed] is the response to a proposed operation on
// a key already held by an admitted task
var operationMatrix = map[types.Operation]map[types.Operation]types.Response{
	types.OperationRead: {
		types.OperationRead:   types.ResponseAccepted,
		types.OperationCreate: types.ResponseRejected,
		types.OperationUpdate: types.ResponsePostponed,
		types.OperationDelete: types.ResponsePostponed,
	},
	types.OperationCreate: {
		types.OperationRead:   types.ResponsePostponed,
		types.OperationCreate: types.ResponseRejected,
		types.OperationUpdate: types.ResponsePostponed,
		types.OperationDelete: types.ResponsePostponed,
	},
	types.OperationUpdate: {
		types.OperationRead:   types.ResponsePostponed,
		types.OperationCreate: types.ResponseRejected,
		types.OperationUpdate: types.ResponsePostponed,
		types.OperationDelete: types.ResponsePostponed,
	},
	types.OperationDelete: {
		types.OperationRead:   types.ResponseRejected,
		types.OperationCreate: types.ResponsePostponed,
		types.OperationUpdate: types.ResponseRejected,
		types.OperationDelete: types.ResponseRejected,
	},
}

// ResponseFor returns the response to proposing op on a key held with held.
// Unknown operations are treated as postponing.
func ResponseFor(held, proposed types.Operation) types.Response {
	if row, ok := operationMatrix[held]; ok {
		if resp, ok := row[proposed]; ok {
			return resp
		}
	}
	return types.ResponsePostponed
}

// Holder is one admitted task holding an operation on a key
type Holder struct {
	TaskID    string
	Operation types.Operation
}

// Evaluate computes the admission response for proposed against the given
// holders of each key. Rejection wins over postponement. The returned reasons
// name every blocking holder for the winning response.
func Evaluate(proposed types.ResourceMap, holders func(types.ResourceKey) []Holder) (types.Response, []types.Reason) {
	var postponing, rejecting []types.Reason
	for _, key := range proposed.Keys() {
		op := proposed[key]
		for _, h := range holders(key) {
			reason := types.Reason{
				Resource:  key,
				Operation: h.Operation,
				TaskID:    h.TaskID,
				Kind:      "conflict",
			}
			switch ResponseFor(h.Operation, op) {
			case types.ResponseRejected:
				rejecting = append(rejecting, reason)
			case types.ResponsePostponed:
				postponing = append(postponing, reason)
			}
		}
	}
	if len(rejecting) > 0 {
		return types.ResponseRejected, rejecting
	}
	if len(postponing) > 0 {
		return types.ResponsePostponed, postponing
	}
	return types.ResponseAccepted, nil
}
