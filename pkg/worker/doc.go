/*
Package worker runs admitted tasks on a pool of named in-process workers.

Each admitted task is turned into a Job and placed on one worker's FIFO
queue. The worker is chosen from the job's bucket, an FNV-1a hash of its
sorted resource keys, so tasks touching the same resource set are always
taken off the same queue in submission order. Buckets owned by an offline
worker move to the next online worker.

	bucket = fnv1a(sorted resource keys) % buckets
	worker = bucket % workers, probing forward past offline workers

A worker executes one job at a time. Before running it asks the Tracker
(the coordinator) for the call and executor, which lets the coordinator
drop jobs canceled while queued and record the start time. Panics in an
executor are recovered and reported as a failed outcome with the stack
trace.

Every worker heartbeats on its own ticker, independently of the job it is
running. Pause stops both heartbeats and job intake to simulate a hung
process.
*/
package worker
