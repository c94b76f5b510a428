// Package cache implements the cache layer: typed get/set of Application
// and UserKey->AppId mappings over a host.SharedStore, plus a best-effort
// memory-used counter. It works against any host.SharedStore, in-memory or
// redis-backed.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/3scale/cache-filter/internal/log"
	"github.com/3scale/cache-filter/pkg/domain"
	"github.com/3scale/cache-filter/pkg/host"
)

// ErrNotFound is returned by Get* when the underlying store has never
// observed the key. It is not itself an error condition: it drives the
// cache-miss path in the Request Filter.
var ErrNotFound = errors.New("cache: not found")

// sharedMemoryCounterKey is the distinguished key holding a big-endian u64
// byte count.
const sharedMemoryCounterKey = "SHARED_MEMORY_COUNTER"

// initialMemoryOffset is the documented, not semantically significant,
// starting value for the memory counter.
const initialMemoryOffset = 1000

const memoryCounterRetries = 3

// Cache wraps a host.SharedStore with the typed accessors the Request
// Filter, Callout Coordinator and Singleton Aggregator all need.
type Cache struct {
	store host.SharedStore
}

// New returns a Cache backed by the given host.SharedStore.
func New(store host.SharedStore) *Cache {
	return &Cache{store: store}
}

// GetApplication fetches and deserializes the Application cached under key,
// returning its current CAS token for use with SetApplication. It returns
// ErrNotFound if the key has never been set or was cleared.
func (c *Cache) GetApplication(ctx context.Context, key domain.CacheKey) (domain.Application, host.CAS, error) {
	var app domain.Application

	raw, cas, err := c.store.Get(ctx, key.String())
	if err != nil {
		if err == host.ErrNotFound {
			return app, 0, ErrNotFound
		}
		return app, 0, fmt.Errorf("cache: store failure reading %s: %s", key, err.Error())
	}
	if raw == nil {
		return app, 0, ErrNotFound
	}

	if err := json.Unmarshal(raw, &app); err != nil {
		return app, 0, fmt.Errorf("cache: deserialize failure for %s: %s", key, err.Error())
	}
	return app, cas, nil
}

// GetAppId resolves a UserKey to the AppId it was last mapped to.
func (c *Cache) GetAppId(ctx context.Context, key domain.UserKey) (domain.AppId, error) {
	raw, _, err := c.store.Get(ctx, string(key))
	if err != nil {
		if err == host.ErrNotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("cache: store failure reading user key %s: %s", key, err.Error())
	}
	if raw == nil {
		return "", ErrNotFound
	}
	return domain.AppId(raw), nil
}

// SetAppId overwrites the UserKey -> AppId mapping unconditionally.
func (c *Cache) SetAppId(ctx context.Context, key domain.UserKey, id domain.AppId) error {
	if _, err := c.store.Set(ctx, string(key), []byte(id), 0); err != nil {
		return fmt.Errorf("cache: failed to set app id mapping for %s: %s", key, err.Error())
	}
	return nil
}

// ErrCasMismatch is returned by SetApplication when cas is non-zero and
// stale relative to the store's current token for the key.
type ErrCasMismatch struct {
	Key string
}

func (e ErrCasMismatch) Error() string {
	return fmt.Sprintf("cache: cas mismatch writing application %s", e.Key)
}

// SetApplication writes app under its CacheKey, conditioned on cas (0 means
// unconditional overwrite). On success it also best-effort updates the
// shared memory-used counter.
func (c *Cache) SetApplication(ctx context.Context, app domain.Application, cas host.CAS) error {
	key := app.CacheKey()
	keyStr := key.String()

	newValue, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("cache: failed to serialize application %s: %s", keyStr, err.Error())
	}

	oldRaw, _, _ := c.store.Get(ctx, keyStr)

	newCas, err := c.store.Set(ctx, keyStr, newValue, cas)
	if err != nil {
		if _, ok := err.(host.ErrCasMismatch); ok {
			return ErrCasMismatch{Key: keyStr}
		}
		return fmt.Errorf("cache: store failure writing %s: %s", keyStr, err.Error())
	}

	c.adjustMemoryCounter(ctx, keyStr, oldRaw, newValue)
	_ = newCas
	return nil
}

// RemoveApplication clears the cached Application for key. The underlying
// store may leak the key slot (clearing the value suffices).
func (c *Cache) RemoveApplication(ctx context.Context, key domain.CacheKey) error {
	if err := c.store.Clear(ctx, key.String()); err != nil {
		return fmt.Errorf("cache: failed to remove %s: %s", key, err.Error())
	}
	return nil
}

// adjustMemoryCounter is best-effort: failures here must never surface to
// the caller, since a correct Set has already happened. It retries the CAS
// loop up to memoryCounterRetries times before silently giving up.
func (c *Cache) adjustMemoryCounter(ctx context.Context, key string, oldValue, newValue []byte) {
	delta := int64(len(key)+len(newValue)) - int64(len(oldValue))

	for attempt := 0; attempt < memoryCounterRetries; attempt++ {
		raw, cas, err := c.store.Get(ctx, sharedMemoryCounterKey)
		var current uint64
		if err == nil && len(raw) == 8 {
			current = decodeUint64(raw)
		} else if err != nil && err != host.ErrNotFound {
			log.Warnf("cache: failed to read memory counter, giving up: %s", err.Error())
			return
		} else if raw == nil {
			current = initialMemoryOffset
			cas = 0
		}

		updated := applyDelta(current, delta)
		writeCas := cas
		if err == host.ErrNotFound {
			writeCas = 0
		}

		if _, err := c.store.Set(ctx, sharedMemoryCounterKey, encodeUint64(updated), writeCas); err != nil {
			if _, ok := err.(host.ErrCasMismatch); ok {
				continue
			}
			log.Warnf("cache: failed to update memory counter, giving up: %s", err.Error())
			return
		}
		return
	}
	log.Warnf("cache: memory counter CAS retries exhausted for key %s, giving up", key)
}

func applyDelta(current uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > current {
		return 0
	}
	if delta < 0 {
		return current - uint64(-delta)
	}
	return current + uint64(delta)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
