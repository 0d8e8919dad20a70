/*
Package history archives terminal calls in SQLite for audit and search.

A call is archived once, when its task reaches a terminal state and the
work item asked for archival. Archived calls are never updated; retention is
enforced by Purge, which the operator runs on a schedule (dispatch history
purge) with an age cutoff, a count of newest calls to keep, or both.

Find pages through the archive lazily and can be ranged over once, like the
live status store.
*/
package history
