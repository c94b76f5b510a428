// Package memstore is the default, single-process host.SharedStore and
// host.Queue implementation. It uses github.com/orcaman/concurrent-map for
// its value store and layers a per-key CAS token on top, since cmap alone
// has no compare-and-swap.
package memstore

import (
	"context"
	"sync"

	cmap "github.com/orcaman/concurrent-map"
	"gopkg.in/oleiade/lane.v1"

	"github.com/3scale/cache-filter/pkg/host"
)

type entry struct {
	value []byte
	cas   host.CAS
}

// Store is an in-memory, concurrency-safe host.SharedStore.
type Store struct {
	ds      cmap.ConcurrentMap
	casSeq  uint32
	casLock sync.Mutex
}

// New returns a Store with its data structure initialised.
func New() *Store {
	return &Store{ds: cmap.New()}
}

func (s *Store) nextCas() host.CAS {
	s.casLock.Lock()
	defer s.casLock.Unlock()
	s.casSeq++
	if s.casSeq == 0 {
		// skip the 0 sentinel ("overwrite unconditionally") on wraparound.
		s.casSeq = 1
	}
	return host.CAS(s.casSeq)
}

// Get implements host.SharedStore.
func (s *Store) Get(_ context.Context, key string) ([]byte, host.CAS, error) {
	v, ok := s.ds.Get(key)
	if !ok {
		return nil, 0, host.ErrNotFound
	}
	e := v.(entry)
	return e.value, e.cas, nil
}

// Set implements host.SharedStore.
func (s *Store) Set(_ context.Context, key string, value []byte, cas host.CAS) (host.CAS, error) {
	if cas == 0 {
		newCas := s.nextCas()
		s.ds.Set(key, entry{value: value, cas: newCas})
		return newCas, nil
	}

	var result host.CAS
	var mismatch bool
	s.ds.Upsert(key, nil, func(exists bool, valueInMap interface{}, newValue interface{}) interface{} {
		if !exists {
			// key never observed: insert unconditionally, establishing a
			// fresh cas. This is the real mutual-exclusion point for a
			// first-ever Set with a non-zero (sentinel) cas.
			newCas := s.nextCas()
			result = newCas
			return entry{value: value, cas: newCas}
		}
		current := valueInMap.(entry)
		if current.cas != cas {
			mismatch = true
			return current
		}
		newCas := s.nextCas()
		result = newCas
		return entry{value: value, cas: newCas}
	})
	if mismatch {
		return 0, host.ErrCasMismatch{Key: key}
	}
	return result, nil
}

// Clear implements host.SharedStore: it nils the value but retains the cas
// token, matching the store's lack of true deletion.
func (s *Store) Clear(_ context.Context, key string) error {
	s.ds.Upsert(key, nil, func(exists bool, valueInMap interface{}, _ interface{}) interface{} {
		if !exists {
			return entry{cas: 0}
		}
		current := valueInMap.(entry)
		return entry{value: nil, cas: current.cas}
	})
	return nil
}

// defaultQueueCapacity bounds each named queue's deque when the caller
// doesn't request a specific capacity via NewQueueWithCapacity. 0 passed to
// lane.NewCappedDeque means unbounded, so this only guards against a queue
// growing without limit when nothing else is configured.
const defaultQueueCapacity = 0

// namedDeque wraps a lane.Deque around an opaque payload.
type namedDeque struct {
	queue *lane.Deque
}

func newNamedDeque(capacity int) *namedDeque {
	return &namedDeque{queue: lane.NewCappedDeque(capacity)}
}

func (d *namedDeque) append(payload []byte) bool {
	return d.queue.Append(payload)
}

func (d *namedDeque) shift() ([]byte, bool) {
	v := d.queue.Shift()
	if v == nil {
		return nil, false
	}
	return v.([]byte), true
}

// Queue is an in-memory, named multi-producer FIFO queue set. Each named
// queue is a lane.v1 capped deque, so AwaitQueueCapacity can be enforced
// per queue.
type Queue struct {
	mu       sync.Mutex
	queues   map[string]*namedDeque
	capacity int
}

// NewQueue returns an initialised in-memory Queue with an unbounded default
// capacity per named queue.
func NewQueue() *Queue {
	return NewQueueWithCapacity(defaultQueueCapacity)
}

// NewQueueWithCapacity returns an initialised Queue whose named deques are
// each capped at capacity (0 means unbounded, per lane.v1's convention).
func NewQueueWithCapacity(capacity int) *Queue {
	return &Queue{queues: make(map[string]*namedDeque), capacity: capacity}
}

// Enqueue implements host.Queue. Enqueue onto a full capped deque is
// dropped, matching lane.v1's Append returning false on a full deque; the
// singleton is expected to drain faster than workers enqueue in steady
// state, so this is a last-resort guard rather than the normal path.
func (q *Queue) Enqueue(_ context.Context, name string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf, ok := q.queues[name]
	if !ok {
		buf = newNamedDeque(q.capacity)
		q.queues[name] = buf
	}
	buf.append(payload)
	return nil
}

// Dequeue implements host.Queue.
func (q *Queue) Dequeue(_ context.Context, name string) ([]byte, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf, ok := q.queues[name]
	if !ok {
		return nil, false, nil
	}
	return buf.shift()
}
