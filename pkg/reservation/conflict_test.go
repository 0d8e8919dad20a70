package reservation

import (
	"testing"

	"github.com/cuemby/dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
)

var (
	repoR1 = types.ResourceKey{Type: types.ResourceRepository, ID: "r1"}
	repoR2 = types.ResourceKey{Type: types.ResourceRepository, ID: "r2"}
)

func TestConflicts(t *testing.T) {
	tests := []struct {
		name string
		a, b types.ResourceMap
		want bool
	}{
		{
			name: "read read compatible",
			a:    types.ResourceMap{repoR1: types.OperationRead},
			b:    types.ResourceMap{repoR1: types.OperationRead},
			want: false,
		},
		{
			name: "read update conflicts",
			a:    types.ResourceMap{repoR1: types.OperationRead},
			b:    types.ResourceMap{repoR1: types.OperationUpdate},
			want: true,
		},
		{
			name: "delete delete conflicts",
			a:    types.ResourceMap{repoR1: types.OperationDelete},
			b:    types.ResourceMap{repoR1: types.OperationDelete},
			want: true,
		},
		{
			name: "disjoint keys never conflict",
			a:    types.ResourceMap{repoR1: types.OperationDelete},
			b:    types.ResourceMap{repoR2: types.OperationDelete},
			want: false,
		},
		{
			name: "one shared write among many keys",
			a:    types.ResourceMap{repoR1: types.OperationRead, repoR2: types.OperationRead},
			b:    types.ResourceMap{repoR2: types.OperationCreate},
			want: true,
		},
		{
			name: "empty map",
			a:    types.ResourceMap{},
			b:    types.ResourceMap{repoR1: types.OperationDelete},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Conflicts(tt.a, tt.b))
			assert.Equal(t, tt.want, Conflicts(tt.b, tt.a), "conflict must be symmetric")
		})
	}
}

func TestResponseForMatchesConflicts(t *testing.T) {
	ops := []types.Operation{types.OperationRead, types.OperationCreate, types.OperationUpdate, types.OperationDelete}
	for _, held := range ops {
		for _, proposed := range ops {
			resp := ResponseFor(held, proposed)
			conflict := Conflicts(types.ResourceMap{repoR1: held}, types.ResourceMap{repoR1: proposed})
			// Only non-conflicting pairs may be admitted together
			assert.Equal(t, !conflict, resp == types.ResponseAccepted, "held=%s proposed=%s", held, proposed)
		}
	}
}

func TestEvaluate(t *testing.T) {
	holders := map[types.ResourceKey][]Holder{
		repoR1: {{TaskID: "a", Operation: types.OperationUpdate}},
		repoR2: {{TaskID: "b", Operation: types.OperationDelete}},
	}
	lookup := func(k types.ResourceKey) []Holder { return holders[k] }

	t.Run("postponed behind update", func(t *testing.T) {
		resp, reasons := Evaluate(types.ResourceMap{repoR1: types.OperationDelete}, lookup)
		assert.Equal(t, types.ResponsePostponed, resp)
		if assert.Len(t, reasons, 1) {
			assert.Equal(t, "a", reasons[0].TaskID)
			assert.Equal(t, repoR1, reasons[0].Resource)
			assert.Equal(t, types.OperationUpdate, reasons[0].Operation)
		}
	})

	t.Run("rejection wins", func(t *testing.T) {
		resp, reasons := Evaluate(types.ResourceMap{
			repoR1: types.OperationUpdate,
			repoR2: types.OperationUpdate,
		}, lookup)
		assert.Equal(t, types.ResponseRejected, resp)
		if assert.Len(t, reasons, 1) {
			assert.Equal(t, "b", reasons[0].TaskID)
		}
	})

	t.Run("no holders", func(t *testing.T) {
		resp, reasons := Evaluate(types.ResourceMap{
			{Type: types.ResourceConsumer, ID: "c1"}: types.OperationDelete,
		}, lookup)
		assert.Equal(t, types.ResponseAccepted, resp)
		assert.Empty(t, reasons)
	})
}
