package reconciler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTarget struct {
	retries atomic.Int32
	purges  atomic.Int32
	ttl     atomic.Int64
}

func (f *fakeTarget) RetryPostponed() { f.retries.Add(1) }

func (f *fakeTarget) Purge(olderThan time.Duration) (int, error) {
	f.purges.Add(1)
	f.ttl.Store(int64(olderThan))
	return 0, nil
}

func TestReconcilerRetriesPostponed(t *testing.T) {
	target := &fakeTarget{}
	r := NewReconciler(target, Config{RetryInterval: 5 * time.Millisecond})
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return target.retries.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), target.purges.Load(), "purge disabled without a ttl")
}

func TestReconcilerPurges(t *testing.T) {
	target := &fakeTarget{}
	r := NewReconciler(target, Config{
		RetryInterval: time.Hour,
		CompletedTTL:  time.Hour,
		PurgeInterval: 5 * time.Millisecond,
	})
	r.Start()

	assert.Eventually(t, func() bool { return target.purges.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(time.Hour), target.ttl.Load())

	r.Stop()
	r.Stop()
}

func TestReconcilerDefaults(t *testing.T) {
	r := NewReconciler(&fakeTarget{}, Config{CompletedTTL: 30 * time.Second})
	assert.Equal(t, 5*time.Second, r.cfg.RetryInterval)
	assert.Equal(t, time.Minute, r.cfg.PurgeInterval)
}
