package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/cuemby/dispatch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks        = []byte("tasks")
	bucketWorkItems    = []byte("work_items")
	bucketWorkers      = []byte("workers")
	bucketReservations = []byte("reservations")
)

// findPageSize bounds how many records a lazy scan decodes per read
// transaction
const findPageSize = 128

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dispatch.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketWorkItems,
			bucketWorkers,
			bucketReservations,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) put(bucket []byte, key string, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Work item operations
func (s *BoltStore) SaveWorkItem(item *types.WorkItem) error {
	return s.put(bucketWorkItems, item.ID, item)
}

func (s *BoltStore) GetWorkItem(id string) (*types.WorkItem, error) {
	var item types.WorkItem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkItems).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("work item %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Task status operations

// RecordStatus upserts the status by task id
func (s *BoltStore) RecordStatus(status *types.TaskStatus) error {
	return s.put(bucketTasks, status.TaskID, status)
}

func (s *BoltStore) GetStatus(id string) (*types.TaskStatus, error) {
	var status types.TaskStatus
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		return json.Unmarshal(data, &status)
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// FindStatuses returns a lazy, single-use sequence of statuses matching
// filter. Records are decoded one page per read transaction so that the
// caller may write to the store while ranging.
func (s *BoltStore) FindStatuses(filter types.Filter) iter.Seq2[*types.TaskStatus, error] {
	return SingleUse(func(yield func(*types.TaskStatus, error) bool) {
		if len(filter.TaskIDs) > 0 {
			s.findByIDs(filter, yield)
			return
		}

		var after []byte
		emitted := 0
		for {
			page, last, err := s.statusPage(after)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, status := range page {
				if !filter.Match(status) {
					continue
				}
				if !yield(status, nil) {
					return
				}
				emitted++
				if filter.Limit > 0 && emitted >= filter.Limit {
					return
				}
			}
			if last == nil {
				return
			}
			after = last
		}
	})
}

func (s *BoltStore) findByIDs(filter types.Filter, yield func(*types.TaskStatus, error) bool) {
	emitted := 0
	for _, id := range filter.TaskIDs {
		status, err := s.GetStatus(id)
		if err != nil {
			continue
		}
		if !filter.Match(status) {
			continue
		}
		if !yield(status, nil) {
			return
		}
		emitted++
		if filter.Limit > 0 && emitted >= filter.Limit {
			return
		}
	}
}

// statusPage decodes up to findPageSize statuses with keys strictly after
// the given key. last is nil when the bucket is exhausted.
func (s *BoltStore) statusPage(after []byte) ([]*types.TaskStatus, []byte, error) {
	var page []*types.TaskStatus
	var last []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		var k, v []byte
		if after == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			var status types.TaskStatus
			if err := json.Unmarshal(v, &status); err != nil {
				return fmt.Errorf("failed to decode task %s: %w", k, err)
			}
			page = append(page, &status)
			if len(page) == findPageSize {
				// Copy since BoltDB data is only valid during the transaction
				last = append([]byte(nil), k...)
				return nil
			}
		}
		return nil
	})
	return page, last, err
}

// DeleteTask removes both the status and the work item
func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTasks).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketWorkItems).Delete([]byte(id))
	})
}

// Worker operations
func (s *BoltStore) UpsertWorker(worker *types.Worker) error {
	return s.put(bucketWorkers, worker.Name, worker)
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(name string) error {
	return s.delete(bucketWorkers, name)
}

// Reservation journal operations
func (s *BoltStore) PutReservation(taskID string, resources types.ResourceMap) error {
	return s.put(bucketReservations, taskID, resources)
}

func (s *BoltStore) DeleteReservation(taskID string) error {
	return s.delete(bucketReservations, taskID)
}

func (s *BoltStore) ListReservations() (map[string]types.ResourceMap, error) {
	reservations := make(map[string]types.ResourceMap)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReservations).ForEach(func(k, v []byte) error {
			var resources types.ResourceMap
			if err := json.Unmarshal(v, &resources); err != nil {
				return err
			}
			reservations[string(k)] = resources
			return nil
		})
	})
	return reservations, err
}

// ClearReservations drops every journaled reservation
func (s *BoltStore) ClearReservations() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketReservations); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketReservations)
		return err
	})
}
