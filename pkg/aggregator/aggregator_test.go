package aggregator

import (
	"context"
	"testing"

	"github.com/3scale/cache-filter/pkg/cache"
	"github.com/3scale/cache-filter/pkg/codec"
	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/domain"
	"github.com/3scale/cache-filter/pkg/host/memstore"
)

type fakeBackend struct {
	reports     []reportCall
	authorizes  []domain.CacheKey
	authorizeFn func(domain.CacheKey) codec.AuthorizeStatus
}

type reportCall struct {
	service domain.ServiceId
	token   domain.ServiceToken
	perApp  map[domain.AppIdentifier]map[string]int64
}

func (f *fakeBackend) BuildReport(service domain.ServiceId, token domain.ServiceToken, perApp map[domain.AppIdentifier]map[string]int64) error {
	f.reports = append(f.reports, reportCall{service: service, token: token, perApp: perApp})
	return nil
}

func (f *fakeBackend) BuildAuthorize(data domain.ThreescaleData, _ domain.ServiceToken) (codec.AuthorizeStatus, error) {
	key := domain.NewCacheKey(data.ServiceId, data.AppId)
	f.authorizes = append(f.authorizes, key)
	if f.authorizeFn != nil {
		return f.authorizeFn(key), nil
	}
	return codec.AuthorizeStatus{Authorized: true, AppId: data.AppId.AppId, UsageReports: map[string]domain.UsageReport{}}, nil
}

func newTestAggregator(backend Backend) (*Aggregator, *cache.Cache, *memstore.Queue) {
	store := memstore.New()
	queue := memstore.NewQueue()
	c := cache.New(store)
	agg := New(c, backend, queue, memstore.NewTicker(), config.DeltaStoreConfig{Capacity: 256, FlushMode: config.FlushContainerLimit}, func() int64 { return 1000 })
	return agg, c, queue
}

func enqueue(t *testing.T, queue *memstore.Queue, msg domain.Message) {
	t.Helper()
	raw, err := codec.EncodeMessage(msg)
	if err != nil {
		t.Fatalf("failed to encode message: %s", err)
	}
	if err := queue.Enqueue(context.Background(), codec.SingletonQueueName, raw); err != nil {
		t.Fatalf("failed to enqueue message: %s", err)
	}
}

// TestAggregator_CapacityFlush feeds enough distinct messages across two
// services and three applications to cross the configured capacity and
// checks that exactly one Report per service is built with the full
// accumulated usage, the DeltaStore is emptied, and one Authorize per
// distinct CacheKey is dispatched.
func TestAggregator_CapacityFlush(t *testing.T) {
	backend := &fakeBackend{}
	agg, _, queue := newTestAggregator(backend)
	ctx := context.Background()

	services := []domain.ServiceId{"S1", "S2"}
	apps := []domain.AppIdentifier{
		domain.NewAppIdIdentifier("A1", ""),
		domain.NewAppIdIdentifier("A2", ""),
		domain.NewAppIdIdentifier("A3", ""),
	}

	const total = 300
	for i := 0; i < total; i++ {
		service := services[i%len(services)]
		app := apps[i%len(apps)]
		enqueue(t, queue, domain.Message{
			Data: domain.ThreescaleData{
				AppId:        app,
				ServiceId:    service,
				ServiceToken: "T-" + domain.ServiceToken(service),
				Metrics:      map[string]int64{"hits": 1},
			},
			ReqTime: int64(i),
		})
	}

	flushed := false
	for {
		drained, err := agg.OnQueueReady(ctx)
		if err != nil {
			t.Fatalf("unexpected error draining queue: %s", err)
		}
		if !drained {
			break
		}
		if len(backend.reports) > 0 {
			flushed = true
			break
		}
	}

	if !flushed {
		t.Fatalf("expected capacity to be crossed and a flush to fire before the queue drained")
	}
	if len(backend.reports) != len(services) {
		t.Fatalf("expected exactly one report per service (%d), got %d", len(services), len(backend.reports))
	}
	if agg.store.MemoryAllocated() != 0 {
		t.Fatalf("expected the delta store to be emptied after flush, memory_allocated=%d", agg.store.MemoryAllocated())
	}
	if len(backend.authorizes) == 0 {
		t.Fatalf("expected at least one refresh authorize to have been dispatched")
	}
}

func TestAggregator_ReconcilesCacheOnUpdateFromSingleton(t *testing.T) {
	backend := &fakeBackend{}
	agg, c, queue := newTestAggregator(backend)
	ctx := context.Background()

	app := domain.Application{
		AppId:     domain.NewAppIdIdentifier("A1", ""),
		ServiceId: "S1",
		LocalState: map[string]domain.UsageReport{
			"hits": {PeriodWindow: domain.PeriodWindow{Start: 0, End: 3600, Window: domain.Hour}, LeftHits: 5, MaxValue: 10},
		},
	}
	if err := c.SetApplication(ctx, app, 0); err != nil {
		t.Fatalf("failed to seed cache: %s", err)
	}

	enqueue(t, queue, domain.Message{
		UpdateCacheFromSingleton: true,
		Data: domain.ThreescaleData{
			AppId:        app.AppId,
			ServiceId:    "S1",
			ServiceToken: "T1",
			Metrics:      map[string]int64{"hits": 2},
		},
		ReqTime: 1500,
	})

	drained, err := agg.OnQueueReady(ctx)
	if err != nil || !drained {
		t.Fatalf("expected to drain one message, drained=%v err=%v", drained, err)
	}

	updated, _, err := c.GetApplication(ctx, app.CacheKey())
	if err != nil {
		t.Fatalf("unexpected error reading back application: %s", err)
	}
	if updated.LocalState["hits"].LeftHits != 3 {
		t.Fatalf("expected reconciliation to decrement left hits to 3, got %d", updated.LocalState["hits"].LeftHits)
	}
}
