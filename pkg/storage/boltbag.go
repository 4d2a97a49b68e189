package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Deferred-deletion queue buckets
	bucketToStop   = []byte("to_stop")
	bucketStopping = []byte("stopping")
	bucketToDelete = []byte("to_delete")
	bucketDeleting = []byte("deleting")
)

// QueueBag is a local persisted keyed bag backing the deferred-deletion
// queues. It is host-local state (each engine instance drives its own
// pending deletions), so BoltDB fits better than a shared table.
type QueueBag struct {
	db *bolt.DB
}

// NewQueueBag opens (or creates) the queue database under dataDir.
func NewQueueBag(dataDir string) (*QueueBag, error) {
	dbPath := filepath.Join(dataDir, "deferred.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketToStop,
			bucketStopping,
			bucketToDelete,
			bucketDeleting,
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

	return &QueueBag{db: db}, nil
}

// Close closes the queue database.
func (q *QueueBag) Close() error {
	return q.db.Close()
}

func queueBucket(queue string) ([]byte, error) {
	switch queue {
	case "to_stop":
		return bucketToStop, nil
	case "stopping":
		return bucketStopping, nil
	case "to_delete":
		return bucketToDelete, nil
	case "deleting":
		return bucketDeleting, nil
	}
	return nil, fmt.Errorf("unknown queue %q", queue)
}

// Put stores value under key in the named queue, JSON-encoded.
func (q *QueueBag) Put(queue, key string, value any) error {
	bucket, err := queueBucket(queue)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// Get loads key from the named queue into out. Returns false when the
// key is absent.
func (q *QueueBag) Get(queue, key string, out any) (bool, error) {
	bucket, err := queueBucket(queue)
	if err != nil {
		return false, err
	}
	var found bool
	err = q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

// Delete removes key from the named queue; missing keys are ignored.
func (q *QueueBag) Delete(queue, key string) error {
	bucket, err := queueBucket(queue)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// Move atomically transfers key from one queue to another, replacing
// the stored value.
func (q *QueueBag) Move(fromQueue, toQueue, key string, value any) error {
	from, err := queueBucket(fromQueue)
	if err != nil {
		return err
	}
	to, err := queueBucket(toQueue)
	if err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(from).Delete([]byte(key)); err != nil {
			return err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return tx.Bucket(to).Put([]byte(key), data)
	})
}

// Keys returns every key in the named queue, in byte order.
func (q *QueueBag) Keys(queue string) ([]string, error) {
	bucket, err := queueBucket(queue)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// Len returns the number of entries in the named queue.
func (q *QueueBag) Len(queue string) (int, error) {
	bucket, err := queueBucket(queue)
	if err != nil {
		return 0, err
	}
	var n int
	err = q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucket).Stats().KeyN
		return nil
	})
	return n, err
}
