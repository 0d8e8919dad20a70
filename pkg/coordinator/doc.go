/*
Package coordinator admits work items, hands them to workers and drives them
to a terminal state.

# Admission

Every submission is recorded as WAITING, then run through admission:

 1. Dependency gate. An item whose dependencies are still running waits
    without touching the reservation table. A dependency that ended in any
    state other than SUCCEEDED skips the dependent. Dependencies seen
    SUCCEEDED are remembered on the task, and ones already purged from the
    store are looked up in history.
 2. Reservation table. The item's resource map is checked against the
    maps of admitted tasks and against postponed tasks submitted earlier.
    The response is accepted, postponed or rejected.
 3. Hand-off. An accepted task is recorded RUNNING and queued on the
    worker that owns its resource bucket.

Postponed tasks are re-admitted in submission order whenever a reservation
is released. A reconciler also calls RetryPostponed periodically.

# Locking

All task state is guarded by one mutex. Admission side effects that would
re-enter the coordinator (waking dependents, retrying postponed tasks) are
queued and drained by settleLocked before the mutex is released. The worker
pool never calls back into the coordinator while holding its own locks.
History inserts and the wake-up of synchronous waiters run after the mutex
is released.

# External completion

An executor that hands a call to an outside agent returns
executor.ErrDeferred. The task stays RUNNING with its reservation held until
Complete reports the outcome. Worker loss does not fail such a task; Cancel
ends it at once.

# Recovery

When the heartbeat monitor declares a worker offline, its tasks are failed
with WorkerLost and their reservations released. Items submitted with Retry
are resubmitted under a new id that records the original in RetryOf. On
Start, tasks the store still holds as non-terminal are resubmitted under
their original ids.
*/
package coordinator
