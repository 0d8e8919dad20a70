package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/dispatch/pkg/log"
	"github.com/cuemby/dispatch/pkg/types"
	"github.com/rs/zerolog"
)

// ErrDeferred is returned by an executor that handed the call to an agent
// outside the process. The task stays RUNNING with its reservation held until
// the agent reports the outcome through the coordinator's Complete.
var ErrDeferred = errors.New("call completes externally")

// ErrNoReporter is returned by Call helpers when the call is not attached to
// a coordinator
var ErrNoReporter = errors.New("call has no coordinator attached")

// Executor performs the work of one task. The returned result is JSON encoded
// into TaskStatus.Result.
type Executor interface {
	Execute(ctx context.Context, call *Call) (any, error)
}

// Canceler is implemented by executors that honour cancellation. Cancel is
// invoked once when a cancel is requested for a running call, after which
// the context passed to Execute is canceled. Executors without this hook
// run to completion.
type Canceler interface {
	Cancel(call *Call) error
}

// Reporter is the coordinator side of a call
type Reporter interface {
	ReportProgress(taskID string, progress any) error
	Spawn(parentID string, item *types.WorkItem) (*types.TaskStatus, error)
}

// Call is the context of one execution, passed explicitly to the executor
type Call struct {
	TaskID    string
	GroupID   string
	Kind      string
	Args      json.RawMessage
	Resources types.ResourceMap
	Tags      []string
	Worker    string

	reporter Reporter
}

// NewCall builds the call for item, executed on worker
func NewCall(item *types.WorkItem, worker string, reporter Reporter) *Call {
	return &Call{
		TaskID:    item.ID,
		GroupID:   item.GroupID,
		Kind:      item.Kind,
		Args:      item.Args,
		Resources: item.Resources.Clone(),
		Tags:      append([]string(nil), item.Tags...),
		Worker:    worker,
		reporter:  reporter,
	}
}

// DecodeArgs unmarshals the call arguments into v. Empty arguments leave v
// untouched.
func (c *Call) DecodeArgs(v any) error {
	if len(c.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Args, v); err != nil {
		return fmt.Errorf("decode %s args: %w", c.Kind, err)
	}
	return nil
}

// ReportProgress records caller-defined progress on the task status
func (c *Call) ReportProgress(progress any) error {
	if c.reporter == nil {
		return ErrNoReporter
	}
	return c.reporter.ReportProgress(c.TaskID, progress)
}

// Spawn submits a child work item asynchronously and records it on this
// task's spawned ids
func (c *Call) Spawn(item *types.WorkItem) (*types.TaskStatus, error) {
	if c.reporter == nil {
		return nil, ErrNoReporter
	}
	return c.reporter.Spawn(c.TaskID, item)
}

// Logger returns a logger scoped to the call
func (c *Call) Logger() zerolog.Logger {
	return log.Logger.With().
		Str("task_id", c.TaskID).
		Str("kind", c.Kind).
		Str("worker", c.Worker).
		Logger()
}

// Func adapts a function to Executor
type Func func(ctx context.Context, call *Call) (any, error)

func (f Func) Execute(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// CancelableFunc is a Func that accepts cancel requests by relying on the
// context passed to it
type CancelableFunc func(ctx context.Context, call *Call) (any, error)

func (f CancelableFunc) Execute(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

func (f CancelableFunc) Cancel(*Call) error { return nil }

// Registry maps work item kinds to executors. Kinds are resolved once when
// an item is submitted.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor for kind
func (r *Registry) Register(kind string, e Executor) error {
	if kind == "" {
		return errors.New("executor kind is required")
	}
	if e == nil {
		return fmt.Errorf("executor for %s is nil", kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.executors[kind]; ok {
		return fmt.Errorf("executor %s already registered", kind)
	}
	r.executors[kind] = e
	return nil
}

// MustRegister is like Register but panics on error
func (r *Registry) MustRegister(kind string, e Executor) {
	if err := r.Register(kind, e); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for kind
func (r *Registry) Lookup(kind string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	return e, ok
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// SupportsCancel reports whether e implements Canceler
func SupportsCancel(e Executor) bool {
	_, ok := e.(Canceler)
	return ok
}
