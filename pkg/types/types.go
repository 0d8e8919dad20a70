package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Operation declares the intended access of a work item to a resource
type Operation string

const (
	OperationRead   Operation = "read"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Valid reports whether op is one of the known operations
func (op Operation) Valid() bool {
	switch op {
	case OperationRead, OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Well-known resource types. The coordinator does not restrict resource
// types to this list; they exist so callers spell them the same way.
const (
	ResourceRepository            = "repository"
	ResourceRepositoryImporter    = "repository_importer"
	ResourceRepositoryDistributor = "repository_distributor"
	ResourceConsumer              = "consumer"
	ResourceContentUnit           = "content_unit"
	ResourceSchedule              = "schedule"
)

// ResourceKey identifies a distinct lockable entity
type ResourceKey struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (k ResourceKey) String() string {
	return k.Type + ":" + k.ID
}

// ParseResourceKey parses "type:id"
func ParseResourceKey(s string) (ResourceKey, error) {
	t, id, ok := strings.Cut(s, ":")
	if !ok || t == "" || id == "" {
		return ResourceKey{}, fmt.Errorf("invalid resource key %q, expected type:id", s)
	}
	return ResourceKey{Type: t, ID: id}, nil
}

// ResourceMap maps every resource a work item touches to the operation it
// performs on it
type ResourceMap map[ResourceKey]Operation

// ResourceEntry is the serialized form of one ResourceMap entry
type ResourceEntry struct {
	Type      string    `json:"type" yaml:"type" toml:"type"`
	ID        string    `json:"id" yaml:"id" toml:"id"`
	Operation Operation `json:"operation" yaml:"operation" toml:"operation"`
}

// Keys returns the keys of the map in canonical (sorted) order
func (m ResourceMap) Keys() []ResourceKey {
	keys := make([]ResourceKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// Entries returns the map as a sorted list of entries
func (m ResourceMap) Entries() []ResourceEntry {
	entries := make([]ResourceEntry, 0, len(m))
	for _, k := range m.Keys() {
		entries = append(entries, ResourceEntry{Type: k.Type, ID: k.ID, Operation: m[k]})
	}
	return entries
}

// Clone returns a copy of the map
func (m ResourceMap) Clone() ResourceMap {
	if m == nil {
		return nil
	}
	out := make(ResourceMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ResourceMapFromEntries builds a map from entries; a later entry for the
// same key wins
func ResourceMapFromEntries(entries []ResourceEntry) ResourceMap {
	m := make(ResourceMap, len(entries))
	for _, e := range entries {
		m[ResourceKey{Type: e.Type, ID: e.ID}] = e.Operation
	}
	return m
}

func (m ResourceMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Entries())
}

func (m *ResourceMap) UnmarshalJSON(data []byte) error {
	var entries []ResourceEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*m = ResourceMapFromEntries(entries)
	return nil
}

// WorkItem represents one schedulable unit of work
type WorkItem struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"` // Executor name in the registry
	Args         json.RawMessage `json:"args,omitempty"`
	Resources    ResourceMap     `json:"resources"`
	Tags         []string        `json:"tags,omitempty"`
	Weight       int             `json:"weight"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Archive      bool            `json:"archive"`
	GroupID      string          `json:"group_id,omitempty"`
	Barrier      bool            `json:"barrier,omitempty"` // May carry no resources
	Retry        bool            `json:"retry,omitempty"`   // Resubmit when its worker is lost
	SubmittedAt  time.Time       `json:"submitted_at"`
}

// Validate checks the structural invariants of a work item. Dependency
// existence is checked by the coordinator.
func (w *WorkItem) Validate() error {
	if w.Kind == "" {
		return &ValidationError{Field: "kind", Message: "executor kind is required"}
	}
	if w.Weight < 0 {
		return &ValidationError{Field: "weight", Message: "weight must be non-negative"}
	}
	if len(w.Resources) == 0 && !w.Barrier {
		return &ValidationError{Field: "resources", Message: "resources must not be empty unless the item is a barrier"}
	}
	for k, op := range w.Resources {
		if k.Type == "" || k.ID == "" {
			return &ValidationError{Field: "resources", Message: fmt.Sprintf("resource key %q must have a type and an id", k.String())}
		}
		if !op.Valid() {
			return &ValidationError{Field: "resources", Message: fmt.Sprintf("invalid operation %q on %s", op, k)}
		}
	}
	seen := make(map[string]bool, len(w.Dependencies))
	for _, dep := range w.Dependencies {
		if dep == "" {
			return &ValidationError{Field: "dependencies", Message: "empty dependency id"}
		}
		if dep == w.ID {
			return &ValidationError{Field: "dependencies", Message: "work item depends on itself"}
		}
		if seen[dep] {
			return &ValidationError{Field: "dependencies", Message: fmt.Sprintf("duplicate dependency %s", dep)}
		}
		seen[dep] = true
	}
	return nil
}

// Clone returns a deep copy of the work item
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	c.Resources = w.Resources.Clone()
	c.Tags = append([]string(nil), w.Tags...)
	c.Dependencies = append([]string(nil), w.Dependencies...)
	if w.Args != nil {
		c.Args = append(json.RawMessage(nil), w.Args...)
	}
	return &c
}

// TaskState represents the lifecycle state of a task
type TaskState string

const (
	TaskStateWaiting   TaskState = "waiting"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
	TaskStateSkipped   TaskState = "skipped"
	TaskStateRejected  TaskState = "rejected"
)

// Terminal reports whether no further transition can happen from s
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateCanceled, TaskStateSkipped, TaskStateRejected:
		return true
	}
	return false
}

// Response is the admission disposition of a task
type Response string

const (
	ResponseAccepted  Response = "accepted"
	ResponsePostponed Response = "postponed"
	ResponseRejected  Response = "rejected"
)

// Reason explains why a task was postponed or rejected
type Reason struct {
	Resource  ResourceKey `json:"resource"`
	Operation Operation   `json:"operation,omitempty"` // Operation held by the blocking task
	TaskID    string      `json:"task_id,omitempty"`   // Blocking task
	Kind      string      `json:"kind"`                // "conflict", "dependency", "store"
	Message   string      `json:"message,omitempty"`
}

func (r Reason) String() string {
	switch {
	case r.TaskID != "" && r.Resource.Type != "":
		return fmt.Sprintf("%s on %s held by task %s", r.Operation, r.Resource, r.TaskID)
	case r.TaskID != "":
		return fmt.Sprintf("%s: task %s", r.Kind, r.TaskID)
	default:
		return fmt.Sprintf("%s: %s", r.Kind, r.Message)
	}
}

// Error kinds recorded in TaskStatus.Error
const (
	ErrorKindExecution         = "ExecutionError"
	ErrorKindWorkerLost        = "WorkerLost"
	ErrorKindSkipped           = "Skipped"
	ErrorKindCanceled          = "Canceled"
	ErrorKindUnsupportedCancel = "UnsupportedCancel"
)

// TaskError describes why a task did not succeed
type TaskError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// TaskStatus is the execution-time counterpart of a WorkItem
type TaskStatus struct {
	TaskID          string          `json:"task_id"`
	GroupID         string          `json:"group_id,omitempty"`
	Kind            string          `json:"kind"`
	State           TaskState       `json:"state"`
	Response        Response        `json:"response,omitempty"`
	Reasons         []Reason        `json:"reasons,omitempty"`
	Resources       ResourceMap     `json:"resources"`
	Tags            []string        `json:"tags,omitempty"`
	Dependencies    []string        `json:"dependencies,omitempty"`
	Weight          int             `json:"weight"`
	Archive         bool            `json:"archive"`
	Queue           string          `json:"queue,omitempty"` // Owning worker
	Seq             uint64          `json:"seq"`             // Submission order
	SubmittedAt     time.Time       `json:"submitted_at"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	FinishTime      *time.Time      `json:"finish_time,omitempty"`
	Progress        json.RawMessage `json:"progress,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *TaskError      `json:"error,omitempty"`
	SpawnedTaskIDs  []string        `json:"spawned_task_ids,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	RetryOf         string          `json:"retry_of,omitempty"`
}

// NewTaskStatus creates the WAITING status of a freshly submitted item
func NewTaskStatus(item *WorkItem, seq uint64) *TaskStatus {
	return &TaskStatus{
		TaskID:       item.ID,
		GroupID:      item.GroupID,
		Kind:         item.Kind,
		State:        TaskStateWaiting,
		Resources:    item.Resources.Clone(),
		Tags:         append([]string(nil), item.Tags...),
		Dependencies: append([]string(nil), item.Dependencies...),
		Weight:       item.Weight,
		Archive:      item.Archive,
		Seq:          seq,
		SubmittedAt:  item.SubmittedAt,
	}
}

// Clone returns a deep copy so callers never share mutable state with the
// coordinator
func (s *TaskStatus) Clone() *TaskStatus {
	if s == nil {
		return nil
	}
	c := *s
	c.Reasons = append([]Reason(nil), s.Reasons...)
	c.Resources = s.Resources.Clone()
	c.Tags = append([]string(nil), s.Tags...)
	c.Dependencies = append([]string(nil), s.Dependencies...)
	c.SpawnedTaskIDs = append([]string(nil), s.SpawnedTaskIDs...)
	if s.StartTime != nil {
		t := *s.StartTime
		c.StartTime = &t
	}
	if s.FinishTime != nil {
		t := *s.FinishTime
		c.FinishTime = &t
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.Progress != nil {
		c.Progress = append(json.RawMessage(nil), s.Progress...)
	}
	if s.Result != nil {
		c.Result = append(json.RawMessage(nil), s.Result...)
	}
	return &c
}

// HasTags reports whether every tag in want is present on the status
func (s *TaskStatus) HasTags(want []string) bool {
	for _, t := range want {
		found := false
		for _, have := range s.Tags {
			if have == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Worker is a process (or in-process goroutine) executing tasks
type Worker struct {
	Name            string    `json:"name"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	FirstSeen       time.Time `json:"first_seen"`
	AssignedTaskIDs []string  `json:"assigned_task_ids,omitempty"`
	Load            int       `json:"load"` // Sum of queued task weights
}

// ArchivedCall is an immutable snapshot of a terminal task kept for history
// queries
type ArchivedCall struct {
	TaskID     string      `json:"task_id"`
	GroupID    string      `json:"group_id,omitempty"`
	Item       *WorkItem   `json:"item"`
	Status     *TaskStatus `json:"status"`
	ArchivedAt time.Time   `json:"archived_at"`
}

// Filter selects task statuses or archived calls. Zero fields match
// everything.
type Filter struct {
	TaskIDs []string    `json:"task_ids,omitempty"`
	GroupID string      `json:"group_id,omitempty"`
	States  []TaskState `json:"states,omitempty"`
	Tags    []string    `json:"tags,omitempty"` // All must be present
	Kind    string      `json:"kind,omitempty"`
	Limit   int         `json:"limit,omitempty"`
}

// Match reports whether status satisfies the filter
func (f *Filter) Match(s *TaskStatus) bool {
	if len(f.TaskIDs) > 0 {
		found := false
		for _, id := range f.TaskIDs {
			if id == s.TaskID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.GroupID != "" && f.GroupID != s.GroupID {
		return false
	}
	if f.Kind != "" && f.Kind != s.Kind {
		return false
	}
	if len(f.States) > 0 {
		found := false
		for _, st := range f.States {
			if st == s.State {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return s.HasTags(f.Tags)
}
