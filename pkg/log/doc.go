/*
Package log provides structured logging for dispatch using zerolog.

The package-level Logger is configured once with Init and shared by every
component. Long-running components keep a child logger created with
WithComponent; per-task and per-worker context is added with WithTaskID,
WithGroupID and WithWorker so that every line about a task can be found by
its id.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("coordinator")
	logger.Info().
		Str("task_id", status.TaskID).
		Str("response", string(status.Response)).
		Msg("Admission decision")

JSON output looks like:

	{"level":"info","component":"coordinator","task_id":"6f1c...","response":"postponed","time":"2026-10-15T10:30:00Z","message":"Admission decision"}

Console output (the default) is meant for a terminal:

	10:30AM INF Admission decision component=coordinator response=postponed task_id=6f1c...

# Levels

  - debug: reservation and queue internals
  - info: admission decisions, terminal transitions, worker online/offline
  - warn: unsupported cancel requests, ignored config reloads
  - error: store and archive failures

SetLevel changes the global level at runtime; the server calls it when the
config file is edited.
*/
package log
