// Package aggregator implements the singleton aggregator: a process-wide
// root context that consumes the shared message queue, accumulates a
// hierarchical DeltaStore, and triggers a periodic or capacity-based flush
// that batches Report calls and refreshes local state via Authorize.
package aggregator

import (
	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/domain"
)

// FlushTrigger is returned by DeltaStore.Update to tell the caller whether
// a flush should be triggered immediately.
type FlushTrigger int

// Possible outcomes of DeltaStore.Update.
const (
	NoFlush FlushTrigger = iota
	Flush
)

// serviceBucket accumulates per-app, per-metric hit counts for one service.
type serviceBucket map[domain.AppIdentifier]map[string]int64

// DeltaStore is the hierarchical in-memory accumulator: deltas are
// monotonically non-decreasing per metric until flush. Owned exclusively by
// the singleton root context, which is single-threaded against its own
// queue stream, so no locking is required here.
type DeltaStore struct {
	lastUpdate      int64
	deltas          map[string]serviceBucket
	serviceIds      map[string]domain.ServiceId
	tokenByService  map[domain.ServiceId]domain.ServiceToken
	appKeys         map[string]domain.CacheKey
	memoryAllocated uint64
	cfg             config.DeltaStoreConfig
}

// NewDeltaStore returns an empty DeltaStore governed by cfg.
func NewDeltaStore(cfg config.DeltaStoreConfig) *DeltaStore {
	return &DeltaStore{
		deltas:         make(map[string]serviceBucket),
		serviceIds:     make(map[string]domain.ServiceId),
		tokenByService: make(map[domain.ServiceId]domain.ServiceToken),
		appKeys:        make(map[string]domain.CacheKey),
		cfg:            cfg,
	}
}

// RememberCacheKey records the CacheKey a given (service, app) pair was last
// seen under, so flush can issue the refresh Authorize keyed correctly even
// after a UserKey has since resolved to an AppId.
func (d *DeltaStore) RememberCacheKey(key domain.CacheKey) {
	d.appKeys[key.String()] = key
}

// Update locates or creates the per-service and per-app buckets, adds each
// metric's hits, tracks the memory_allocated approximation, and reports
// whether a capacity flush is due.
func (d *DeltaStore) Update(serviceToken domain.ServiceToken, data domain.ThreescaleData, now int64) FlushTrigger {
	d.lastUpdate = now

	serviceKey := domain.ServiceKey(data.ServiceId, serviceToken)
	d.serviceIds[serviceKey] = data.ServiceId
	d.tokenByService[data.ServiceId] = serviceToken

	bucket, ok := d.deltas[serviceKey]
	if !ok {
		bucket = make(serviceBucket)
		d.deltas[serviceKey] = bucket
		d.memoryAllocated += uint64(len(serviceKey))
	}

	appMetrics, ok := bucket[data.AppId]
	if !ok {
		appMetrics = make(map[string]int64, len(data.Metrics))
		bucket[data.AppId] = appMetrics
		d.memoryAllocated += uint64(len(data.AppId.Primary()))
	}

	for metric, hits := range data.Metrics {
		if _, known := appMetrics[metric]; !known {
			d.memoryAllocated += uint64(len(metric)) + 8
		}
		appMetrics[metric] += hits
	}

	if d.cfg.FlushMode != config.FlushPeriodical && d.memoryAllocated >= d.cfg.Capacity {
		return Flush
	}
	return NoFlush
}

// Snapshot atomically takes the entire deltas map and associated
// bookkeeping, resetting the store to empty. This is step 1 of the flush
// pipeline: every delta taken here must be dispatched as a Report before
// the next snapshot. tokenByService is retained (not reset) since it is a
// slowly-changing mapping, not an accumulated delta.
func (d *DeltaStore) Snapshot() (deltas map[string]serviceBucket, serviceIds map[string]domain.ServiceId, appKeys map[string]domain.CacheKey) {
	deltas = d.deltas
	serviceIds = d.serviceIds
	appKeys = d.appKeys

	d.deltas = make(map[string]serviceBucket)
	d.serviceIds = make(map[string]domain.ServiceId)
	d.appKeys = make(map[string]domain.CacheKey)
	d.memoryAllocated = 0

	return deltas, serviceIds, appKeys
}

// TokenFor returns the last-seen ServiceToken for a service, used by flush
// to authenticate both the Report batch and the refresh Authorize calls.
func (d *DeltaStore) TokenFor(service domain.ServiceId) domain.ServiceToken {
	return d.tokenByService[service]
}

// MemoryAllocated exposes the current best-effort byte estimate, for metrics.
func (d *DeltaStore) MemoryAllocated() uint64 {
	return d.memoryAllocated
}
