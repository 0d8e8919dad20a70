/*
Package types defines the data model shared by every dispatch package.

# Resources

A ResourceKey names a lockable entity ("repository:zoo"). A work item
declares, in its ResourceMap, the Operation (read, create, update or
delete) it performs on every resource it touches. ResourceMap serializes
as a sorted list of {type, id, operation} entries because JSON objects
cannot have struct keys.

# Work items and statuses

WorkItem is the submitted request. TaskStatus is its execution-time
counterpart and is created in the waiting state before admission, so a
task is queryable even when it is rejected.

	waiting ──admission──> running ──> succeeded | failed | canceled
	   │
	   ├──> rejected
	   └──> skipped (a dependency did not succeed)

Response records the admission disposition (accepted, postponed,
rejected) and Reasons explains a postponement or rejection: the
resource, the operation held on it and the task holding it.

# Errors

	ErrNotFound            unknown task id
	ErrSynchronousTimeout  a synchronous submit stopped waiting
	ErrStopped             the coordinator is shut down
	*ValidationError       malformed work item
	*RejectedError         admission rejected the submission

Failures of a task itself are not Go errors; they are recorded in
TaskStatus.Error with one of the ErrorKind constants.

# History

ArchivedCall is the immutable snapshot kept after a task finishes.
Filter selects statuses or archived calls; zero fields match everything.
*/
package types
