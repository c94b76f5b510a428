// Package host defines the surface this repo expects from the embedding
// proxy host: a shared key/value store with atomic compare-and-swap, named
// multi-producer queues, a per-worker tick timer, and the ability to switch
// the effective request context before resuming a suspended request. The
// real proxy host is an external collaborator, out of scope for this repo;
// this package's interfaces are the contract this repo's core is written
// against, and pkg/host/memstore and pkg/host/redisstore are two concrete
// implementations so the module can actually run standalone.
package host

import "context"

// ErrNotFound is returned by SharedStore.Get when the key has never been set.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "host: key not found" }

// CAS is the compare-and-swap token returned alongside a stored value. A
// value of 0 is a sentinel meaning "write unconditionally" when passed to Set.
type CAS uint32

// ErrCasMismatch is returned by Set when the caller's CAS token is stale.
type ErrCasMismatch struct {
	Key string
}

func (e ErrCasMismatch) Error() string {
	return "host: cas mismatch for key " + e.Key
}

// SharedStore is the process-wide key -> (value, cas) map. Get on a key
// that was written then cleared (the "lock was previously freed" case)
// returns (nil, cas, nil): a nil value with a live, non-zero cas token.
type SharedStore interface {
	// Get returns the raw bytes and current CAS token for key. If the key
	// was never observed it returns (nil, 0, ErrNotFound). If the key was
	// cleared (value removed, cas retained) it returns (nil, cas, nil).
	Get(ctx context.Context, key string) ([]byte, CAS, error)
	// Set writes value under key, conditioned on cas. cas == 0 overwrites
	// unconditionally and establishes a fresh cas token. Any other cas must
	// match the store's current token for the key or ErrCasMismatch is returned.
	Set(ctx context.Context, key string, value []byte, cas CAS) (CAS, error)
	// Clear removes the stored value but retains the key's cas token; the
	// store provides no true deletion.
	Clear(ctx context.Context, key string) error
}

// Queue is a named, multi-producer, FIFO-per-consumer message queue.
type Queue interface {
	// Enqueue appends payload to the named queue, creating it if necessary.
	Enqueue(ctx context.Context, name string, payload []byte) error
	// Dequeue removes and returns the oldest payload from the named queue.
	// ok is false if the queue is empty.
	Dequeue(ctx context.Context, name string) (payload []byte, ok bool, err error)
}

// Ticker abstracts the host's per-worker tick timer.
type Ticker interface {
	// Every arms a periodic tick with the given period, invoking fn on
	// every tick until the returned cancel function is called.
	Every(period int64, fn func()) (cancel func())
}

// ContextSwitcher lets a worker switch the effective request context before
// issuing a request-level host call on behalf of a woken waiter.
type ContextSwitcher interface {
	SetEffectiveContext(httpContextID uint32) error
}
