package api

import (
	"encoding/json"
	"time"

	"github.com/cuemby/dispatch/pkg/events"
	"github.com/cuemby/dispatch/pkg/types"
)

type SubmitRequest struct {
	Item        *types.WorkItem `json:"item"`
	Synchronous bool            `json:"synchronous,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

type SubmitResponse struct {
	Status *types.TaskStatus `json:"status"`
	// TimedOut is set when a synchronous submission stopped waiting before
	// the task finished
	TimedOut bool `json:"timed_out,omitempty"`
}

type SubmitItineraryRequest struct {
	Items []*types.WorkItem `json:"items"`
}

type SubmitItineraryResponse struct {
	GroupID  string              `json:"group_id"`
	Statuses []*types.TaskStatus `json:"statuses"`
}

type StatusRequest struct {
	TaskID string `json:"task_id"`
}

type StatusResponse struct {
	Status *types.TaskStatus `json:"status"`
}

type SearchRequest struct {
	Filter types.Filter `json:"filter"`
}

type SearchResponse struct {
	Statuses []*types.TaskStatus `json:"statuses"`
}

type CancelRequest struct {
	TaskID string `json:"task_id"`
}

type CancelResponse struct {
	Canceled bool `json:"canceled"`
}

type CancelGroupRequest struct {
	GroupID string `json:"group_id"`
}

type CancelGroupResponse struct {
	Results map[string]bool `json:"results"`
}

// CompleteRequest reports the outcome of a deferred call. A nil Error
// succeeds the task with Result.
type CompleteRequest struct {
	TaskID string           `json:"task_id"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *types.TaskError `json:"error,omitempty"`
}

type CompleteResponse struct {
	Status *types.TaskStatus `json:"status"`
}

type HeartbeatRequest struct {
	Worker    string    `json:"worker"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatResponse struct {
	Status string `json:"status"`
}

type ListWorkersRequest struct{}

type ListWorkersResponse struct {
	Workers []*types.Worker `json:"workers"`
}

type HistoryRequest struct {
	Filter types.Filter `json:"filter"`
}

type HistoryResponse struct {
	Calls []*types.ArchivedCall `json:"calls"`
}

type PurgeHistoryRequest struct {
	OlderThan time.Duration `json:"older_than,omitempty"`
	Keep      int           `json:"keep,omitempty"`
}

type PurgeHistoryResponse struct {
	Purged int64 `json:"purged"`
}

// WatchEventsRequest filters the event stream. Zero fields match everything.
type WatchEventsRequest struct {
	TaskID  string             `json:"task_id,omitempty"`
	GroupID string             `json:"group_id,omitempty"`
	Types   []events.EventType `json:"types,omitempty"`
}

// Match reports whether e passes the filter
func (r *WatchEventsRequest) Match(e *events.Event) bool {
	if r.TaskID != "" && r.TaskID != e.TaskID {
		return false
	}
	if r.GroupID != "" && r.GroupID != e.GroupID {
		return false
	}
	if len(r.Types) == 0 {
		return true
	}
	for _, t := range r.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}
