// Package filter implements the request filter: the HTTP-header-driven
// state machine that drives cache lookup, callout coordination and
// response handling. Its control flow follows parse -> build clients ->
// authorize -> respond, with explicit suspend/resume points for requests
// that must wait on another request's callout.
//
// Requests are dispatched over plain net/http, routed with
// github.com/gorilla/mux.
package filter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"github.com/3scale/cache-filter/internal/log"
	"github.com/3scale/cache-filter/pkg/cache"
	"github.com/3scale/cache-filter/pkg/callout"
	"github.com/3scale/cache-filter/pkg/codec"
	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/domain"
	"github.com/3scale/cache-filter/pkg/host"
	"github.com/3scale/cache-filter/pkg/limiter"
	"github.com/3scale/cache-filter/pkg/metrics"
)

// pendingResult is what a suspended request's blocked goroutine waits for:
// the outcome computed by whichever goroutine ends up resuming it (either
// the winner's own handler, for the direct cache-hit path, or the worker's
// background queue consumer, for a woken waiter).
type pendingResult struct {
	status int
	body   []byte
}

// AuthorizeBackend is the upstream dispatch surface the Request Filter
// needs; *codec.Client satisfies it. Declared here (rather than depending
// on *codec.Client directly) so tests can substitute a fake backend
// without touching the 3scale-go-client wiring.
type AuthorizeBackend interface {
	BuildAuthorize(data domain.ThreescaleData, token domain.ServiceToken) (codec.AuthorizeStatus, error)
}

// Worker is one cooperative execution unit, owning its own callout
// coordinator and suspended-request table. Multiple Workers share the same
// host.SharedStore and host.Queue but never share in-process state
// directly.
type Worker struct {
	id      uint32
	cache   *cache.Cache
	coord   *callout.Coordinator
	backend AuthorizeBackend
	queue   host.Queue
	cfg     config.FilterConfig
	now     func() int64
	metrics *metrics.Reporter

	contextSeq uint32

	mu      sync.Mutex
	pending map[uint32]chan pendingResult
}

// NewWorker builds a Worker bound to id, sharing store/queue/switcher with
// its sibling workers and dispatching upstream calls through backend.
func NewWorker(id uint32, store host.SharedStore, queue host.Queue, switcher host.ContextSwitcher, backend AuthorizeBackend, cfg config.FilterConfig) *Worker {
	w := &Worker{
		id:      id,
		cache:   cache.New(store),
		backend: backend,
		queue:   queue,
		cfg:     cfg,
		now:     func() int64 { return time.Now().Unix() },
		pending: make(map[uint32]chan pendingResult),
	}
	w.coord = callout.New(store, queue, switcher, id, id, w)
	return w
}

// SetMetrics attaches a metrics.Reporter; a nil reporter is safe and makes
// every report a no-op.
func (w *Worker) SetMetrics(r *metrics.Reporter) {
	w.metrics = r
}

// Run drains this worker's notification queue until ctx is cancelled. It
// plays the role of the proxy host's on_queue_ready callback.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.coord.OnQueueReady(ctx); err != nil {
				log.Errorf("filter: worker %d queue consumer: %s", w.id, err.Error())
			}
		}
	}
}

// Routes returns the HTTP surface this worker serves: the rate-limiting
// passthrough path plus a minimal health endpoint.
func (w *Worker) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(w.handle)
	return r
}

// handle runs the full state machine for one request.
func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	data, err := parseRequestMetadata(r)
	if err != nil {
		writeStatus(rw, http.StatusUnauthorized, []byte(err.Error()))
		return
	}

	cacheKey := domain.NewCacheKey(data.ServiceId, data.AppId)

	if cacheKey.AppId.IsUserKey() {
		if appID, err := w.cache.GetAppId(ctx, cacheKey.AppId.UserKey); err == nil {
			cacheKey.ResolveToAppId(appID)
		}
	}

	if !cacheKey.AppId.IsUserKey() {
		app, cas, err := w.cache.GetApplication(ctx, cacheKey)
		if err == nil {
			status, body := w.runCacheHit(ctx, data, cacheKey, &app, cas)
			writeStatus(rw, status, body)
			return
		}
		if err != cache.ErrNotFound {
			log.Warnf("filter: store failure reading %s, treating as cache miss: %s", cacheKey, err.Error())
		}
	}

	// cache miss: coordinate a single upstream callout.
	w.metrics.IncrementCacheOutcome(metrics.OutcomeMiss)
	ctxID := atomic.AddUint32(&w.contextSeq, 1)
	state := callout.FilterState{
		ContextID: ctxID,
		RootID:    w.id,
		CacheKey:  cacheKey,
		ReqData:   data,
		ReqTime:   w.now(),
	}

	outcome, err := w.coord.TryAcquireOrWait(ctx, state)
	if err != nil {
		log.Errorf("filter: try_acquire_or_wait failed for %s: %s", cacheKey, err.Error())
		status, body := w.denyOrContinue()
		writeStatus(rw, status, body)
		return
	}

	switch outcome {
	case callout.LockAcquired:
		w.metrics.IncrementCalloutOutcome(metrics.OutcomeLockAcquired)
		status, body := w.handleWinner(ctx, state)
		writeStatus(rw, status, body)
	case callout.AddedToWaitlist:
		w.metrics.IncrementCalloutOutcome(metrics.OutcomeWaitlisted)
		ch := make(chan pendingResult, 1)
		w.mu.Lock()
		w.pending[ctxID] = ch
		w.mu.Unlock()

		select {
		case res := <-ch:
			writeStatus(rw, res.status, res.body)
		case <-ctx.Done():
			w.mu.Lock()
			delete(w.pending, ctxID)
			w.mu.Unlock()
		}
	}
}

// runCacheHit handles a cache hit: expand hierarchy, run the limit engine
// with a bounded CAS retry loop, and dispatch the outcome.
func (w *Worker) runCacheHit(ctx context.Context, data domain.ThreescaleData, cacheKey domain.CacheKey, app *domain.Application, cas host.CAS) (int, []byte) {
	for attempt := uint32(0); attempt < w.cfg.MaxTries; attempt++ {
		withHierarchy := data
		withHierarchy.Metrics = limiter.ExpandHierarchy(data.Metrics, app.MetricHierarchy)

		result := limiter.LimitCheckAndUpdate(withHierarchy, app, w.now())
		if result.Decision == limiter.RateLimited {
			w.metrics.IncrementCacheOutcome(metrics.OutcomeRateLimited)
			return http.StatusTooManyRequests, rateLimitedBody(result.Info)
		}

		err := w.cache.SetApplication(ctx, *app, cas)
		if err == nil {
			w.enqueueMessage(ctx, domain.Message{Data: data, ReqTime: w.now()})
			w.metrics.IncrementCacheOutcome(metrics.OutcomeHit)
			w.metrics.ObserveCasRetries(int(attempt))
			return http.StatusOK, nil
		}

		if _, ok := err.(cache.ErrCasMismatch); !ok {
			log.Errorf("filter: store failure writing %s: %s", cacheKey, err.Error())
			break
		}

		fresh, freshCas, gerr := w.cache.GetApplication(ctx, cacheKey)
		if gerr != nil {
			log.Errorf("filter: re-read after cas mismatch failed for %s: %s", cacheKey, gerr.Error())
			break
		}
		*app = fresh
		cas = freshCas
	}

	// max_tries exhausted (or an unrecoverable store error): let the request
	// pass and have the singleton reconcile.
	w.enqueueMessage(ctx, domain.Message{UpdateCacheFromSingleton: true, Data: data, ReqTime: w.now()})
	return http.StatusOK, nil
}

// handleWinner issues the upstream Authorize call and processes its
// response. It always frees the lock before returning.
func (w *Worker) handleWinner(ctx context.Context, state callout.FilterState) (int, []byte) {
	callStart := time.Now()
	status, err := w.backend.BuildAuthorize(state.ReqData, state.ReqData.ServiceToken)
	w.metrics.ObserveBackendLatency(string(state.ReqData.ServiceId), metrics.Authorize, time.Since(callStart))
	if err != nil {
		w.freeAndNotify(ctx, state.CacheKey, callout.HandleFailure(state.ContextID))
		return w.requestProcessFailure()
	}

	if status.Denied {
		w.freeAndNotify(ctx, state.CacheKey, callout.HandleFailure(state.ContextID))
		w.metrics.IncrementCacheOutcome(metrics.OutcomeDenied)
		return http.StatusForbidden, []byte(status.Reason)
	}

	cacheKey := state.CacheKey
	app := domain.Application{
		AppId:           domain.NewAppIdIdentifier(status.AppId, cacheKey.AppId.AppKey),
		ServiceId:       state.ReqData.ServiceId,
		LocalState:      status.UsageReports,
		MetricHierarchy: status.Hierarchy,
		AppKeys:         status.AppKeys,
	}

	if cacheKey.AppId.IsUserKey() {
		if err := w.cache.SetAppId(ctx, cacheKey.AppId.UserKey, status.AppId); err != nil {
			log.Errorf("filter: failed to record user_key mapping: %s", err.Error())
			w.freeAndNotify(ctx, state.CacheKey, callout.HandleFailure(state.ContextID))
			return w.requestProcessFailure()
		}
		cacheKey.ResolveToAppId(status.AppId)
	}

	withHierarchy := state.ReqData
	withHierarchy.Metrics = limiter.ExpandHierarchy(state.ReqData.Metrics, app.MetricHierarchy)
	result := limiter.LimitCheckAndUpdate(withHierarchy, &app, w.now())

	// fresh insert: no contention assumed, so cas=0.
	if err := w.cache.SetApplication(ctx, app, 0); err != nil {
		log.Errorf("filter: failed to cache fresh application %s: %s", cacheKey, err.Error())
		w.freeAndNotify(ctx, state.CacheKey, callout.HandleFailure(state.ContextID))
		return w.requestProcessFailure()
	}

	w.freeAndNotify(ctx, state.CacheKey, callout.HandleCacheHit(state.ContextID))

	if result.Decision == limiter.RateLimited {
		return http.StatusTooManyRequests, rateLimitedBody(result.Info)
	}
	w.enqueueMessage(ctx, domain.Message{Data: state.ReqData, ReqTime: w.now()})
	return http.StatusOK, nil
}

// ResumeCacheHit implements callout.Resumer: a waiter woken with
// HandleCacheHit replays the cache-hit path on the woken worker.
func (w *Worker) ResumeCacheHit(ctx context.Context, state callout.FilterState) error {
	cacheKey := state.CacheKey
	if cacheKey.AppId.IsUserKey() {
		appID, err := w.cache.GetAppId(ctx, cacheKey.AppId.UserKey)
		if err != nil {
			log.Errorf("filter: woken waiter found no app_id mapping for %s: %s", cacheKey, err.Error())
			w.deliver(state.ContextID, w.requestProcessFailureResult())
			return nil
		}
		cacheKey.ResolveToAppId(appID)
	}

	app, cas, err := w.cache.GetApplication(ctx, cacheKey)
	if err != nil {
		log.Errorf("filter: woken waiter found no application for %s: %s", cacheKey, err.Error())
		w.deliver(state.ContextID, w.requestProcessFailureResult())
		return nil
	}

	status, body := w.runCacheHit(ctx, state.ReqData, cacheKey, &app, cas)
	w.deliver(state.ContextID, pendingResult{status: status, body: body})
	return nil
}

// ResumeFailure implements callout.Resumer: a waiter woken with
// HandleFailure follows the request_process_failure path.
func (w *Worker) ResumeFailure(_ context.Context, state callout.FilterState) {
	status, body := w.requestProcessFailure()
	w.deliver(state.ContextID, pendingResult{status: status, body: body})
}

func (w *Worker) deliver(contextID uint32, res pendingResult) {
	w.mu.Lock()
	ch, ok := w.pending[contextID]
	delete(w.pending, contextID)
	w.mu.Unlock()
	if !ok {
		log.Warnf("filter: woken for unknown context %d, dropping", contextID)
		return
	}
	ch <- res
}

// requestProcessFailure responds 403 if configured to deny on failure,
// else lets the request pass.
func (w *Worker) requestProcessFailure() (int, []byte) {
	if w.cfg.FailureModeDeny {
		return http.StatusForbidden, []byte("local failure")
	}
	return http.StatusOK, nil
}

func (w *Worker) requestProcessFailureResult() pendingResult {
	status, body := w.requestProcessFailure()
	return pendingResult{status: status, body: body}
}

// denyOrContinue handles a try_acquire_or_wait error: respond per the
// configured failure mode.
func (w *Worker) denyOrContinue() (int, []byte) {
	if w.cfg.FailureModeDeny {
		return http.StatusForbidden, []byte("callout coordination failure")
	}
	return http.StatusOK, nil
}

func (w *Worker) freeAndNotify(ctx context.Context, key domain.CacheKey, action callout.WaiterAction) {
	if err := w.coord.FreeAndNotify(ctx, key, action); err != nil {
		log.Errorf("filter: free_and_notify failed for %s: %s", key, err.Error())
	}
}

func (w *Worker) enqueueMessage(ctx context.Context, msg domain.Message) {
	raw, err := codec.EncodeMessage(msg)
	if err != nil {
		log.Errorf("filter: failed to encode message: %s", err.Error())
		return
	}
	if err := w.queue.Enqueue(ctx, codec.SingletonQueueName, raw); err != nil {
		log.Errorf("filter: failed to enqueue message: %s", err.Error())
	}
}

func writeStatus(rw http.ResponseWriter, status int, body []byte) {
	rw.WriteHeader(status)
	if len(body) > 0 {
		_, _ = rw.Write(body)
	}
}

func rateLimitedBody(info limiter.Info) []byte {
	return []byte(fmt.Sprintf(`{"limit":%d,"remaining":%d,"reset":%d}`, info.Limit, info.Remaining, info.Reset))
}
