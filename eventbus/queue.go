package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	coreErrors "github.com/c0deZ3R0/go-eventcore/errors"
	"github.com/c0deZ3R0/go-eventcore/event"
)

var (
	retryBucket      = []byte("retry")
	deadLetterBucket = []byte("deadletter")
)

// retryItem is a pending redelivery of one event to one handler.
type retryItem struct {
	Event       *event.Event `json:"event"`
	HandlerName string       `json:"handlerName"`
	Attempt     int          `json:"attempt"`
	DueAt       time.Time    `json:"dueAt"`
	LastError   string       `json:"lastError"`
}

// DeadLetter records an event that exhausted its retries for one handler.
type DeadLetter struct {
	Event       *event.Event `json:"event"`
	HandlerName string       `json:"handlerName"`
	Reason      string       `json:"reason"`
	Attempts    int          `json:"attempts"`
	FailedAt    time.Time    `json:"failedAt"`
}

// retryQueue holds redeliveries until they come due. Implementations are
// safe for concurrent use.
type retryQueue interface {
	push(item *retryItem) error
	// due removes and returns up to limit items whose DueAt has passed.
	due(now time.Time, limit int) ([]*retryItem, error)
	depth() int
	close() error
}

// deadLetterStore keeps at most one dead letter per event and handler.
type deadLetterStore interface {
	add(dl *DeadLetter) error
	list(limit int) ([]*DeadLetter, error)
	count() int
	close() error
}

// boltQueue backs the retry queue and dead-letter store with a single
// bbolt file so pending redeliveries survive process restarts.
type boltQueue struct {
	db       *bolt.DB
	maxItems int
}

const busComponent = coreErrors.Component("event_bus")

func openBoltQueue(path string, maxItems int) (*boltQueue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, coreErrors.E(busComponent, coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(retryBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(deadLetterBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, coreErrors.E(busComponent, coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	return &boltQueue{db: db, maxItems: maxItems}, nil
}

// retryKey orders items by due time; the event and handler suffix keeps
// keys unique within a nanosecond.
func retryKey(it *retryItem) []byte {
	return []byte(fmt.Sprintf("%020d/%s/%s", it.DueAt.UnixNano(), it.Event.Metadata.EventID, it.HandlerName))
}

func deadLetterKey(dl *DeadLetter) []byte {
	return []byte(dl.Event.Metadata.EventID + "/" + dl.HandlerName)
}

func (q *boltQueue) push(it *retryItem) error {
	data, err := json.Marshal(it)
	if err != nil {
		return coreErrors.E(busComponent, coreErrors.KindSystem, err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retryBucket)
		if q.maxItems > 0 && b.Stats().KeyN >= q.maxItems {
			return coreErrors.E(busComponent, coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure,
				fmt.Errorf("retry queue full (%d items)", q.maxItems))
		}
		return b.Put(retryKey(it), data)
	})
}

func (q *boltQueue) due(now time.Time, limit int) ([]*retryItem, error) {
	var items []*retryItem
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retryBucket)
		c := b.Cursor()
		max := []byte(fmt.Sprintf("%020d", now.UnixNano()+1))
		var keys [][]byte
		for k, v := c.First(); k != nil && string(k) < string(max); k, v = c.Next() {
			var it retryItem
			if err := json.Unmarshal(v, &it); err != nil {
				// Unreadable entries are dropped rather than wedging the queue.
				keys = append(keys, append([]byte(nil), k...))
				continue
			}
			items = append(items, &it)
			keys = append(keys, append([]byte(nil), k...))
			if limit > 0 && len(items) >= limit {
				break
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, coreErrors.E(busComponent, coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	return items, nil
}

func (q *boltQueue) depth() int {
	var n int
	q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(retryBucket).Stats().KeyN
		return nil
	})
	return n
}

func (q *boltQueue) add(dl *DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return coreErrors.E(busComponent, coreErrors.KindSystem, err)
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deadLetterBucket)
		key := deadLetterKey(dl)
		if b.Get(key) != nil {
			// Already dead-lettered for this event and handler.
			return nil
		}
		return b.Put(key, data)
	})
}

func (q *boltQueue) list(limit int) ([]*DeadLetter, error) {
	var out []*DeadLetter
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(deadLetterBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				continue
			}
			out = append(out, &dl)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, coreErrors.E(busComponent, coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	return out, nil
}

func (q *boltQueue) count() int {
	var n int
	q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(deadLetterBucket).Stats().KeyN
		return nil
	})
	return n
}

func (q *boltQueue) close() error {
	return q.db.Close()
}

// memoryQueue is the in-process fallback used when no data directory is
// configured. Pending redeliveries are lost on restart.
type memoryQueue struct {
	mu       sync.Mutex
	items    []*retryItem
	dead     []*DeadLetter
	deadSeen map[string]struct{}
	maxItems int
}

func newMemoryQueue(maxItems int) *memoryQueue {
	return &memoryQueue{deadSeen: make(map[string]struct{}), maxItems: maxItems}
}

func (q *memoryQueue) push(it *retryItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxItems > 0 && len(q.items) >= q.maxItems {
		return coreErrors.E(busComponent, coreErrors.KindStorage, coreErrors.ErrCodeStorageFailure,
			fmt.Errorf("retry queue full (%d items)", q.maxItems))
	}
	q.items = append(q.items, it)
	sort.Slice(q.items, func(i, j int) bool { return q.items[i].DueAt.Before(q.items[j].DueAt) })
	return nil
}

func (q *memoryQueue) due(now time.Time, limit int) ([]*retryItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*retryItem
	i := 0
	for ; i < len(q.items); i++ {
		if q.items[i].DueAt.After(now) {
			break
		}
		out = append(out, q.items[i])
		if limit > 0 && len(out) >= limit {
			i++
			break
		}
	}
	q.items = append([]*retryItem(nil), q.items[i:]...)
	return out, nil
}

func (q *memoryQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memoryQueue) add(dl *DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := dl.Event.Metadata.EventID + "/" + dl.HandlerName
	if _, ok := q.deadSeen[key]; ok {
		return nil
	}
	q.deadSeen[key] = struct{}{}
	q.dead = append(q.dead, dl)
	return nil
}

func (q *memoryQueue) list(limit int) ([]*DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.dead
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]*DeadLetter(nil), out...), nil
}

func (q *memoryQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.dead)
}

func (q *memoryQueue) close() error { return nil }

var (
	_ retryQueue      = (*boltQueue)(nil)
	_ deadLetterStore = (*boltQueue)(nil)
	_ retryQueue      = (*memoryQueue)(nil)
	_ deadLetterStore = (*memoryQueue)(nil)
)
