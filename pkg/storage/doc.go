/*
Package storage persists the live state of the coordinator in BoltDB.

The BoltStore keeps one bucket per entity, each value JSON encoded:

	tasks         task id   -> TaskStatus
	work_items    task id   -> WorkItem (the original submission)
	workers       name      -> Worker
	reservations  task id   -> ResourceMap held by an admitted task

Statuses are upserted on every lifecycle transition so a restarted
coordinator can rebuild its view by re-reading them. The reservations
bucket is a journal only: reservations are process-local and the
coordinator clears the journal on boot before resubmitting unfinished work.

FindStatuses returns a lazy iter.Seq2 that decodes a page of records per
read transaction and never holds a transaction while yielding. The sequence
can be ranged over once; a second range yields ErrConsumed.

	for status, err := range store.FindStatuses(types.Filter{Tags: []string{"repository:r1"}}) {
		if err != nil {
			return err
		}
		fmt.Println(status.TaskID, status.State)
	}
*/
package storage
