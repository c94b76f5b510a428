package filter

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/3scale/cache-filter/pkg/codec"
	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/domain"
	"github.com/3scale/cache-filter/pkg/host/memstore"
)

type fakeBackend struct {
	status codec.AuthorizeStatus
	err    error
	calls  int
}

func (f *fakeBackend) BuildAuthorize(domain.ThreescaleData, domain.ServiceToken) (codec.AuthorizeStatus, error) {
	f.calls++
	return f.status, f.err
}

func newTestWorker(backend AuthorizeBackend) (*Worker, *memstore.Store) {
	store := memstore.New()
	queue := memstore.NewQueue()
	w := NewWorker(1, store, queue, memstore.NewContextSwitcher(), backend, config.DefaultFilterConfig())
	return w, store
}

func newRequest(headers map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func baseHeaders() map[string]string {
	return map[string]string{
		HeaderServiceToken: "T1",
		HeaderServiceId:    "S1",
		HeaderUsages:       `{"hits":1}`,
		HeaderClusterName:  "cluster",
		HeaderUpstreamURL:  "http://upstream.example.com/",
	}
}

func TestHandle_MissingHeader_Unauthorized(t *testing.T) {
	w, _ := newTestWorker(&fakeBackend{})
	rw := httptest.NewRecorder()
	headers := baseHeaders()
	delete(headers, HeaderServiceToken)
	w.Routes().ServeHTTP(rw, newRequest(headers))

	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

// TestHandle_FirstRequest_CacheMiss verifies a first-ever request for a
// user_key resolves through a single upstream Authorize and leaves the
// cache populated.
func TestHandle_FirstRequest_CacheMiss(t *testing.T) {
	backend := &fakeBackend{
		status: codec.AuthorizeStatus{
			Authorized: true,
			AppId:      "A1",
			UsageReports: map[string]domain.UsageReport{
				"hits": {
					PeriodWindow: domain.PeriodWindow{Start: 0, End: 60, Window: domain.Minute},
					MaxValue:     10,
					LeftHits:     10,
				},
			},
		},
	}
	w, store := newTestWorker(backend)

	headers := baseHeaders()
	headers[HeaderUserKey] = "U1"
	rw := httptest.NewRecorder()
	w.Routes().ServeHTTP(rw, newRequest(headers))

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rw.Code, rw.Body.String())
	}
	if backend.calls != 1 {
		t.Fatalf("expected exactly one upstream Authorize call, got %d", backend.calls)
	}

	appIDRaw, _, err := store.Get(nil, "U1")
	if err != nil || string(appIDRaw) != "A1" {
		t.Fatalf("expected U1 -> A1 mapping, got %s err=%v", appIDRaw, err)
	}

	raw, _, err := store.Get(nil, "S1_A1")
	if err != nil {
		t.Fatalf("expected S1_A1 to be cached: %s", err)
	}
	var app domain.Application
	if err := json.Unmarshal(raw, &app); err != nil {
		t.Fatalf("failed to unmarshal cached application: %s", err)
	}
	if app.LocalState["hits"].LeftHits != 9 {
		t.Fatalf("expected 9 left hits after the winner's own decrement, got %d", app.LocalState["hits"].LeftHits)
	}
}

// TestHandle_RateLimited_NoUpstreamCall verifies a request over quota is
// denied from the cache without an upstream call.
func TestHandle_RateLimited_NoUpstreamCall(t *testing.T) {
	backend := &fakeBackend{}
	w, store := newTestWorker(backend)

	app := domain.Application{
		AppId:     domain.NewAppIdIdentifier("A1", ""),
		ServiceId: "S1",
		LocalState: map[string]domain.UsageReport{
			"hits": {PeriodWindow: domain.PeriodWindow{Start: 0, End: 60, Window: domain.Minute}, LeftHits: 2, MaxValue: 10},
		},
	}
	raw, _ := json.Marshal(app)
	if _, err := store.Set(nil, "S1_A1", raw, 0); err != nil {
		t.Fatalf("failed to seed store: %s", err)
	}

	headers := baseHeaders()
	headers[HeaderAppId] = "A1"
	headers[HeaderUsages] = `{"hits":3}`
	rw := httptest.NewRecorder()
	w.Routes().ServeHTTP(rw, newRequest(headers))

	if rw.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rw.Code)
	}
	if backend.calls != 0 {
		t.Fatalf("a cache hit must never dispatch an upstream call, got %d calls", backend.calls)
	}
}

func TestHandle_UpstreamDenied_Forbidden(t *testing.T) {
	backend := &fakeBackend{status: codec.AuthorizeStatus{Authorized: false, Denied: true, Reason: "limits_exceeded"}}
	w, _ := newTestWorker(backend)

	headers := baseHeaders()
	headers[HeaderAppId] = "A404"
	rw := httptest.NewRecorder()
	w.Routes().ServeHTTP(rw, newRequest(headers))

	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}
}

func TestHealthz(t *testing.T) {
	w, _ := newTestWorker(&fakeBackend{})
	rw := httptest.NewRecorder()
	w.Routes().ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
}
