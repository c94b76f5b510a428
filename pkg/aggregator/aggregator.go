package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/3scale/cache-filter/internal/log"
	"github.com/3scale/cache-filter/pkg/cache"
	"github.com/3scale/cache-filter/pkg/codec"
	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/domain"
	"github.com/3scale/cache-filter/pkg/host"
	"github.com/3scale/cache-filter/pkg/limiter"
	"github.com/3scale/cache-filter/pkg/metrics"
)

// Backend is the subset of codec.Client the aggregator needs to dispatch a
// flush. Declared here, rather than depending on *codec.Client directly, so
// tests can substitute a fake.
type Backend interface {
	BuildReport(service domain.ServiceId, token domain.ServiceToken, perApp map[domain.AppIdentifier]map[string]int64) error
	BuildAuthorize(data domain.ThreescaleData, token domain.ServiceToken) (codec.AuthorizeStatus, error)
}

// Aggregator is the process-wide root context that drains the shared
// message queue, accumulates a DeltaStore, and runs the periodic or
// capacity-triggered flush pipeline: bulk Report per service, then one
// refresh Authorize per distinct CacheKey, with cache updates at cas=0.
type Aggregator struct {
	mu      sync.Mutex
	store   *DeltaStore
	cache   *cache.Cache
	backend Backend
	queue   host.Queue
	ticker  host.Ticker
	cfg     config.DeltaStoreConfig

	queueName string
	now       func() int64
	metrics   *metrics.Reporter
}

// SetMetrics attaches a metrics.Reporter; a nil reporter is safe and makes
// every report a no-op.
func (a *Aggregator) SetMetrics(r *metrics.Reporter) {
	a.metrics = r
}

// New builds an Aggregator. now is the request-time clock used when
// reconciling a cache entry; tests pass a fixed clock.
func New(c *cache.Cache, backend Backend, queue host.Queue, ticker host.Ticker, cfg config.DeltaStoreConfig, now func() int64) *Aggregator {
	return &Aggregator{
		store:     NewDeltaStore(cfg),
		cache:     c,
		backend:   backend,
		queue:     queue,
		ticker:    ticker,
		cfg:       cfg,
		queueName: codec.SingletonQueueName,
		now:       now,
	}
}

// Run arms the periodic flush tick and starts draining the queue in a
// background goroutine until the returned cancel func is called. The tick
// and queue-drain loops are independent, mirroring the root context's
// "on configure" / "on queue ready" split.
func (a *Aggregator) Run(ctx context.Context) (cancel func()) {
	cancelTick := func() {}
	if a.cfg.FlushMode != config.FlushContainerLimit {
		cancelTick = a.ticker.Every(int64(a.cfg.PeriodicalFlush.Seconds()), func() {
			if err := a.FlushLocalCache(ctx); err != nil {
				log.Errorf("aggregator: periodic flush failed: %s", err.Error())
			}
		})
	}

	done := make(chan struct{})
	go a.drainLoop(ctx, done)

	return func() {
		cancelTick()
		close(done)
	}
}

// drainLoop repeatedly calls OnQueueReady until ctx is cancelled or done is
// closed; it is the idiomatic-Go stand-in for the host invoking the
// singleton's on_queue_ready callback whenever a worker enqueues a message.
func (a *Aggregator) drainLoop(ctx context.Context, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		default:
		}

		drained, err := a.OnQueueReady(ctx)
		if err != nil {
			log.Errorf("aggregator: queue drain failed: %s", err.Error())
		}
		if !drained {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			default:
			}
		}
	}
}

// OnQueueReady dequeues and processes at most one message. It returns
// whether a message was actually available.
func (a *Aggregator) OnQueueReady(ctx context.Context) (bool, error) {
	raw, ok, err := a.queue.Dequeue(ctx, a.queueName)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	msg, err := codec.DecodeMessage(raw)
	if err != nil {
		log.Errorf("aggregator: malformed queue message discarded: %s", err.Error())
		return true, nil
	}

	a.processMessage(ctx, msg)
	return true, nil
}

// processMessage implements the singleton's per-message handling: optional
// reconciliation of a cache entry the originating worker could not
// CAS-update, bookkeeping the CacheKey -> ServiceToken mapping, and folding
// the message's usage into the DeltaStore.
func (a *Aggregator) processMessage(ctx context.Context, msg domain.Message) {
	data := msg.Data
	cacheKey := domain.NewCacheKey(data.ServiceId, data.AppId)

	if msg.UpdateCacheFromSingleton {
		a.reconcile(ctx, cacheKey, data, msg.ReqTime)
	}

	a.mu.Lock()
	a.store.RememberCacheKey(cacheKey)
	trigger := a.store.Update(data.ServiceToken, data, a.nowOrReqTime(msg.ReqTime))
	a.metrics.SetDeltaStoreMemory(a.store.MemoryAllocated())
	a.mu.Unlock()

	if trigger == Flush {
		if err := a.FlushLocalCache(ctx); err != nil {
			log.Errorf("aggregator: capacity-triggered flush failed: %s", err.Error())
		}
	}
}

// reconcile re-applies the Limit Engine to the cached Application using the
// message's req_time, for the case where the originating worker lost a CAS
// race and could not persist its own decrement. Being single-threaded
// against its own stream, the singleton does not retry on ErrCasMismatch
// here: any concurrent writer is, by construction, a worker, and the next
// message from that worker will reconcile again if needed.
func (a *Aggregator) reconcile(ctx context.Context, key domain.CacheKey, data domain.ThreescaleData, reqTime int64) {
	app, cas, err := a.cache.GetApplication(ctx, key)
	if err != nil {
		if err != cache.ErrNotFound {
			log.Errorf("aggregator: failed to read %s for reconciliation: %s", key, err.Error())
		}
		return
	}

	result := limiter.LimitCheckAndUpdate(data, &app, reqTime)
	if result.Decision != limiter.Authorized {
		return
	}

	if err := a.cache.SetApplication(ctx, app, cas); err != nil {
		if _, ok := err.(cache.ErrCasMismatch); !ok {
			log.Errorf("aggregator: failed to reconcile %s: %s", key, err.Error())
		}
	}
}

func (a *Aggregator) nowOrReqTime(reqTime int64) int64 {
	if a.now != nil {
		return a.now()
	}
	return reqTime
}

// FlushLocalCache runs the full flush pipeline: snapshot the accumulated
// deltas, dispatch one Report per service, then one refresh Authorize per
// remembered CacheKey, updating the cache at cas=0 on each response.
func (a *Aggregator) FlushLocalCache(ctx context.Context) error {
	a.mu.Lock()
	deltas, serviceIds, keys := a.store.Snapshot()
	tokenFor := a.store.TokenFor
	a.mu.Unlock()

	if len(deltas) == 0 {
		return nil
	}

	for serviceKey, bucket := range deltas {
		service := serviceIds[serviceKey]
		token := tokenFor(service)
		perApp := make(map[domain.AppIdentifier]map[string]int64, len(bucket))
		for app, ms := range bucket {
			perApp[app] = ms
		}
		a.metrics.ObserveFlushBatchSize(string(service), len(perApp))
		callStart := time.Now()
		err := a.backend.BuildReport(service, token, perApp)
		a.metrics.ObserveBackendLatency(string(service), metrics.Report, time.Since(callStart))
		if err != nil {
			log.Errorf("aggregator: report dispatch failed for service %s: %s", service, err.Error())
		}
	}

	for _, key := range keys {
		a.refreshAuthorize(ctx, key, tokenFor(key.ServiceId))
	}

	return nil
}

// refreshAuthorize issues the post-flush blanket Authorize for one CacheKey
// and writes the response into the cache unconditionally (cas=0), per the
// flush pipeline's last step.
func (a *Aggregator) refreshAuthorize(ctx context.Context, key domain.CacheKey, token domain.ServiceToken) {
	data := domain.ThreescaleData{
		AppId:        key.AppId,
		ServiceId:    key.ServiceId,
		ServiceToken: token,
	}

	status, err := a.backend.BuildAuthorize(data, token)
	if err != nil {
		log.Errorf("aggregator: refresh authorize failed for %s: %s", key, err.Error())
		return
	}
	if !status.Authorized {
		log.Warnf("aggregator: refresh authorize denied for %s: %s", key, status.Reason)
		return
	}

	app := domain.Application{
		AppId:           key.AppId,
		ServiceId:       key.ServiceId,
		MetricHierarchy: status.Hierarchy,
		AppKeys:         status.AppKeys,
		LocalState:      status.UsageReports,
	}
	if status.AppId != "" {
		app.AppId = domain.NewAppIdIdentifier(status.AppId, key.AppId.AppKey)
	}

	if err := a.cache.SetApplication(ctx, app, 0); err != nil {
		log.Errorf("aggregator: failed to update cache for %s after refresh authorize: %s", key, err.Error())
	}
}
