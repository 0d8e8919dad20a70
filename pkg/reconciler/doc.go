/*
Package reconciler runs the coordinator's periodic housekeeping.

Two loops share one goroutine:

  - Postponed re-admission. Releases already wake postponed tasks; the
    retry ticker is a fallback that re-runs admission every RetryInterval
    so a missed wake-up only delays a task, never strands it.
  - Completed task purge. Terminal statuses older than CompletedTTL are
    deleted from the live store. Calls archived to history are kept there.
*/
package reconciler
