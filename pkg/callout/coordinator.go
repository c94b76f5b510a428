package callout

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/3scale/cache-filter/internal/log"
	"github.com/3scale/cache-filter/pkg/domain"
	"github.com/3scale/cache-filter/pkg/host"
)

// calloutLockSentinelCas is the non-zero cas used for the very first write
// of a callout lock. The underlying store treats cas == 0 as "set
// unconditionally", so two racing first-writers would both succeed and one
// would silently clobber the other; a non-zero sentinel forces the store's
// existence check to reject the second writer.
const calloutLockSentinelCas host.CAS = 1

// Resumer is implemented by the Request Filter: it resumes a suspended
// request once a callout winner's outcome is known.
type Resumer interface {
	ResumeCacheHit(ctx context.Context, state FilterState) error
	ResumeFailure(ctx context.Context, state FilterState)
}

// Coordinator implements the unique-callout protocol for one worker.
type Coordinator struct {
	store     host.SharedStore
	queue     host.Queue
	switcher  host.ContextSwitcher
	workerID  uint32
	queueID   uint32
	queueName string
	resumer   Resumer

	mu      sync.Mutex
	waiting map[uint32]FilterState

	// enqueueFailures counts waiter notifications that failed to enqueue.
	enqueueFailures int
}

// New returns a Coordinator bound to one worker's queue. queueID is the
// worker's random id; the queue it owns is named by that id's decimal
// string representation.
func New(store host.SharedStore, queue host.Queue, switcher host.ContextSwitcher, workerID, queueID uint32, resumer Resumer) *Coordinator {
	return &Coordinator{
		store:     store,
		queue:     queue,
		switcher:  switcher,
		workerID:  workerID,
		queueID:   queueID,
		queueName: strconv.FormatUint(uint64(queueID), 10),
		resumer:   resumer,
		waiting:   make(map[uint32]FilterState),
	}
}

// EnqueueFailures reports how many waiter notifications have failed to
// enqueue so far.
func (c *Coordinator) EnqueueFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueFailures
}

// TryAcquireOrWait attempts to acquire the callout lock for state.CacheKey;
// if it is already held, it adds this waiter to the lock's waitlist
// instead.
func (c *Coordinator) TryAcquireOrWait(ctx context.Context, state FilterState) (Outcome, error) {
	lockKey := state.CacheKey.CalloutLockKey()

	for {
		value, cas, err := c.store.Get(ctx, lockKey)
		if err != nil && err != host.ErrNotFound {
			return 0, fmt.Errorf("callout: store failure reading lock %s: %s", lockKey, err.Error())
		}

		switch {
		case err == host.ErrNotFound:
			// never set: write with the sentinel cas.
			initial := CalloutLockValue{OwnerWorkerID: c.workerID}
			payload, merr := initial.marshal()
			if merr != nil {
				return 0, fmt.Errorf("callout: failed to serialize lock value: %s", merr.Error())
			}
			_, err = c.store.Set(ctx, lockKey, payload, calloutLockSentinelCas)
			if err == nil {
				return LockAcquired, nil
			}
			if _, ok := err.(host.ErrCasMismatch); ok {
				continue
			}
			return 0, fmt.Errorf("callout: store failure acquiring lock %s: %s", lockKey, err.Error())

		case value == nil:
			// previously freed: value cleared, cas retained.
			initial := CalloutLockValue{OwnerWorkerID: c.workerID}
			payload, merr := initial.marshal()
			if merr != nil {
				return 0, fmt.Errorf("callout: failed to serialize lock value: %s", merr.Error())
			}
			_, err = c.store.Set(ctx, lockKey, payload, cas)
			if err == nil {
				return LockAcquired, nil
			}
			if _, ok := err.(host.ErrCasMismatch); ok {
				continue
			}
			return 0, fmt.Errorf("callout: store failure re-acquiring lock %s: %s", lockKey, err.Error())

		default:
			// held: append ourselves as a waiter.
			lock, uerr := unmarshalLockValue(value)
			if uerr != nil {
				return 0, fmt.Errorf("callout: failed to deserialize lock value for %s: %s", lockKey, uerr.Error())
			}
			lock.Waiters = append(lock.Waiters, CalloutWaiter{QueueID: c.queueID, HTTPContextID: state.ContextID})
			payload, merr := lock.marshal()
			if merr != nil {
				return 0, fmt.Errorf("callout: failed to serialize lock value: %s", merr.Error())
			}
			_, err = c.store.Set(ctx, lockKey, payload, cas)
			if err == nil {
				c.mu.Lock()
				c.waiting[state.ContextID] = state
				c.mu.Unlock()
				return AddedToWaitlist, nil
			}
			if _, ok := err.(host.ErrCasMismatch); ok {
				continue
			}
			return 0, fmt.Errorf("callout: store failure joining waitlist for %s: %s", lockKey, err.Error())
		}
	}
}

// FreeAndNotify wakes every waiter recorded against cacheKey with action
// (substituting each waiter's own HTTPContextID), then clears the lock.
// cacheKey must be the *pre-mutation* key used to acquire the lock, even if
// the caller's own CacheKey has since been rewritten.
func (c *Coordinator) FreeAndNotify(ctx context.Context, cacheKey domain.CacheKey, action WaiterAction) error {
	lockKey := cacheKey.CalloutLockKey()

	value, _, err := c.store.Get(ctx, lockKey)
	if err != nil {
		log.Errorf("callout: free_and_notify could not read lock %s: %s", lockKey, err.Error())
		return fmt.Errorf("callout: lock %s not found during free_and_notify", lockKey)
	}
	if value == nil {
		log.Errorf("callout: free_and_notify found an already-cleared lock %s", lockKey)
		return fmt.Errorf("callout: lock %s already cleared", lockKey)
	}

	lock, err := unmarshalLockValue(value)
	if err != nil {
		return fmt.Errorf("callout: failed to deserialize lock value for %s: %s", lockKey, err.Error())
	}

	for _, waiter := range lock.Waiters {
		perWaiter := WaiterAction{Kind: action.Kind, ContextID: waiter.HTTPContextID}
		payload, merr := perWaiter.marshal()
		if merr != nil {
			log.Errorf("callout: failed to serialize waiter action for context %d: %s", waiter.HTTPContextID, merr.Error())
			c.countEnqueueFailure()
			continue
		}
		if err := c.queue.Enqueue(ctx, queueNameFor(waiter.QueueID), payload); err != nil {
			// enqueue failures are logged but must not abort the loop: the
			// remaining waiters still need their notification.
			log.Errorf("callout: failed to enqueue waiter action for context %d: %s", waiter.HTTPContextID, err.Error())
			c.countEnqueueFailure()
			continue
		}
	}

	if err := c.store.Clear(ctx, lockKey); err != nil {
		return fmt.Errorf("callout: failed to clear lock %s: %s", lockKey, err.Error())
	}
	return nil
}

func (c *Coordinator) countEnqueueFailure() {
	c.mu.Lock()
	c.enqueueFailures++
	c.mu.Unlock()
}

// OnQueueReady wakes a waiting request, triggered whenever this worker's
// own queue has a message ready.
func (c *Coordinator) OnQueueReady(ctx context.Context) error {
	raw, ok, err := c.queue.Dequeue(ctx, c.queueName)
	if err != nil {
		return fmt.Errorf("callout: failed to dequeue from %s: %s", c.queueName, err.Error())
	}
	if !ok {
		return nil
	}

	action, err := unmarshalAction(raw)
	if err != nil {
		return fmt.Errorf("callout: failed to deserialize waiter action: %s", err.Error())
	}

	c.mu.Lock()
	state, known := c.waiting[action.ContextID]
	delete(c.waiting, action.ContextID)
	c.mu.Unlock()

	if !known {
		log.Errorf("callout: woke for unknown context %d, dropping", action.ContextID)
		return nil
	}

	if err := c.switcher.SetEffectiveContext(state.ContextID); err != nil {
		log.Errorf("callout: failed to switch to context %d, dropping waiter: %s", state.ContextID, err.Error())
		return nil
	}

	if action.Kind == ActionFailure {
		c.resumer.ResumeFailure(ctx, state)
		return nil
	}

	return c.resumer.ResumeCacheHit(ctx, state)
}

func queueNameFor(queueID uint32) string {
	return strconv.FormatUint(uint64(queueID), 10)
}
