/*
Package api implements the dispatch gRPC API server and the HTTP health
endpoints.

The service is declared by hand in ServiceDesc rather than generated from
a .proto file. Messages are plain Go structs encoded with the JSON codec
registered under the "json" content subtype, so any gRPC client that
selects that subtype can talk to the server. Package client is the Go
client.

# Architecture

	┌──────────── dispatch CLI / remote worker ────────────┐
	│  client.Client  (grpc.CallContentSubtype("json"))     │
	└──────────────┬──────────────────────┬────────────────┘
	               │ TCP (api_addr)        │ unix (socket_path)
	┌──────────────▼──────────────────────▼────────────────┐
	│  api.Server                                           │
	│   - full service on TCP                               │
	│   - read-only interceptors on the Unix socket         │
	└──────────────┬───────────────┬───────────────┬───────┘
	               │               │               │
	         Coordinator      History archive   events.Broker

# Methods

Unary:
  - Submit: admit one work item, optionally waiting for it to finish
  - SubmitItinerary: admit a group of items as one batch
  - Status, Search: read live task statuses
  - Cancel, CancelGroup: request cancellation
  - Complete: report the outcome of a call handed to an external agent
  - Heartbeat: liveness for remote worker processes
  - ListWorkers: live workers with their load
  - History, PurgeHistory: query and trim the archive

Server streaming:
  - WatchEvents: task and worker lifecycle events, filtered by task,
    group or event type

# Errors

Coordinator errors map to status codes:

	types.ErrNotFound           -> NotFound
	*types.ValidationError      -> InvalidArgument
	*types.RejectedError        -> FailedPrecondition (reasons in the message)
	types.ErrNotAwaiting        -> Aborted
	types.ErrSynchronousTimeout -> DeadlineExceeded
	types.ErrStopped            -> Unavailable

A synchronous Submit that stops waiting is not an error on the wire: the
response carries the current status with TimedOut set, because a gRPC
error status cannot carry a response body.

# Health

HealthServer serves /health (liveness), /ready (every registered
CheckFunc must pass) and /metrics (Prometheus).
*/
package api
