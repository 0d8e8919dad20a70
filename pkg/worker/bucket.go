package worker

import (
	"hash/fnv"

	"github.com/cuemby/dispatch/pkg/types"
)

// Job is a task handed to the pool after admission
type Job struct {
	TaskID    string
	Resources types.ResourceMap
	Weight    int
}

// Bucket returns the dispatch bucket of job. Jobs with the same resource set
// always land in the same bucket; jobs without resources hash their task id.
func Bucket(job Job, buckets int) int {
	if buckets <= 0 {
		buckets = 1
	}
	h := fnv.New32a()
	if len(job.Resources) == 0 {
		h.Write([]byte(job.TaskID))
	} else {
		for _, key := range job.Resources.Keys() {
			h.Write([]byte(key.String()))
			h.Write([]byte{'\n'})
		}
	}
	return int(h.Sum32() % uint32(buckets))
}
