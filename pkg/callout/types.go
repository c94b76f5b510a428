// Package callout implements the unique-callout coordination protocol: a
// CAS-based distributed lock, keyed by CacheKey, that collapses concurrent
// cache misses for the same key into a single upstream Authorize call and
// wakes the rest via per-worker queues.
package callout

import (
	"encoding/json"

	"github.com/3scale/cache-filter/pkg/domain"
)

// CalloutWaiter names a suspended request: which worker queue it will be
// woken on, and which HTTP context id identifies it within that worker.
type CalloutWaiter struct {
	QueueID       uint32 `json:"queue_id"`
	HTTPContextID uint32 `json:"http_context_id"`
}

// CalloutLockValue is the value stored under "CL_{cachekey}".
type CalloutLockValue struct {
	OwnerWorkerID uint32          `json:"owner_worker_id"`
	Waiters       []CalloutWaiter `json:"waiters"`
}

func (v CalloutLockValue) marshal() ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalLockValue(raw []byte) (CalloutLockValue, error) {
	var v CalloutLockValue
	err := json.Unmarshal(raw, &v)
	return v, err
}

// ActionKind tags the WaiterAction variant.
type ActionKind int

// The two WaiterAction variants.
const (
	ActionCacheHit ActionKind = iota
	ActionFailure
)

// WaiterAction is the tagged variant broadcast to waiters when the winner
// finishes: either proceed through the cache-hit path, or follow the
// request-process-failure path. ContextID is substituted per-waiter before
// the action is enqueued.
type WaiterAction struct {
	Kind      ActionKind `json:"kind"`
	ContextID uint32     `json:"context_id"`
}

// HandleCacheHit builds a cache-hit action for the given context.
func HandleCacheHit(contextID uint32) WaiterAction {
	return WaiterAction{Kind: ActionCacheHit, ContextID: contextID}
}

// HandleFailure builds a failure action for the given context.
func HandleFailure(contextID uint32) WaiterAction {
	return WaiterAction{Kind: ActionFailure, ContextID: contextID}
}

func (a WaiterAction) marshal() ([]byte, error) {
	return json.Marshal(a)
}

func unmarshalAction(raw []byte) (WaiterAction, error) {
	var a WaiterAction
	err := json.Unmarshal(raw, &a)
	return a, err
}

// FilterState is the owned, worker-local record stored in WAITING_CONTEXTS
// while a request is suspended awaiting a callout winner.
type FilterState struct {
	ContextID uint32
	RootID    uint32
	CacheKey  domain.CacheKey
	ReqData   domain.ThreescaleData
	ReqTime   int64
}

// Outcome is the result of TryAcquireOrWait.
type Outcome int

// Possible outcomes of TryAcquireOrWait.
const (
	LockAcquired Outcome = iota
	AddedToWaitlist
)
