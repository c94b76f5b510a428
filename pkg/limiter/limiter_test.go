package limiter

import (
	"math/rand"
	"testing"

	"github.com/3scale/cache-filter/pkg/domain"
)

func appWithHits(period domain.Period, start, end, left, max int64) *domain.Application {
	return &domain.Application{
		ServiceId: "S1",
		AppId:     domain.NewAppIdIdentifier("A1", ""),
		LocalState: map[string]domain.UsageReport{
			"hits": {
				PeriodWindow: domain.PeriodWindow{Start: start, End: end, Window: period},
				LeftHits:     left,
				MaxValue:     max,
			},
		},
	}
}

func TestLimitCheckAndUpdate_FirstRequestAuthorized(t *testing.T) {
	app := appWithHits(domain.Minute, 0, 60, 10, 10)
	data := domain.ThreescaleData{Metrics: map[string]int64{"hits": 1}}

	res := LimitCheckAndUpdate(data, app, 1)

	if res.Decision != Authorized {
		t.Fatalf("expected Authorized, got %v", res.Decision)
	}
	if app.LocalState["hits"].LeftHits != 9 {
		t.Fatalf("expected 9 left hits, got %d", app.LocalState["hits"].LeftHits)
	}
}

func TestLimitCheckAndUpdate_WindowRollover(t *testing.T) {
	app := appWithHits(domain.Minute, 0, 60, 0, 10)
	data := domain.ThreescaleData{Metrics: map[string]int64{"hits": 3}}

	res := LimitCheckAndUpdate(data, app, 65)

	if res.Decision != Authorized {
		t.Fatalf("expected Authorized, got %v", res.Decision)
	}
	usage := app.LocalState["hits"]
	if usage.PeriodWindow.Start != 60 || usage.PeriodWindow.End != 120 {
		t.Fatalf("expected window [60,120), got [%d,%d)", usage.PeriodWindow.Start, usage.PeriodWindow.End)
	}
	if usage.LeftHits != 7 {
		t.Fatalf("expected 7 left hits after rollover and decrement, got %d", usage.LeftHits)
	}
}

func TestLimitCheckAndUpdate_RateLimited(t *testing.T) {
	app := appWithHits(domain.Minute, 0, 60, 2, 10)
	data := domain.ThreescaleData{Metrics: map[string]int64{"hits": 3}}

	res := LimitCheckAndUpdate(data, app, 30)

	if res.Decision != RateLimited {
		t.Fatalf("expected RateLimited, got %v", res.Decision)
	}
	if res.Info.Limit != 10 || res.Info.Remaining != 0 || res.Info.Reset != 30 {
		t.Fatalf("unexpected info: %+v", res.Info)
	}
	// a rejected request must not mutate cached state
	if app.LocalState["hits"].LeftHits != 2 {
		t.Fatalf("rate-limited call must not decrement LeftHits, got %d", app.LocalState["hits"].LeftHits)
	}
}

func TestLimitCheckAndUpdate_UnknownMetricSkipped(t *testing.T) {
	app := appWithHits(domain.Minute, 0, 60, 10, 10)
	data := domain.ThreescaleData{Metrics: map[string]int64{"unknown": 100}}

	res := LimitCheckAndUpdate(data, app, 1)

	if res.Decision != Authorized {
		t.Fatalf("expected Authorized for unknown metric, got %v", res.Decision)
	}
}

func TestLimitCheckAndUpdate_SmallestQuotaDominates(t *testing.T) {
	app := &domain.Application{
		ServiceId: "S1",
		AppId:     domain.NewAppIdIdentifier("A1", ""),
		LocalState: map[string]domain.UsageReport{
			"hits":      {PeriodWindow: domain.PeriodWindow{Start: 0, End: 60, Window: domain.Minute}, LeftHits: 10, MaxValue: 10},
			"downloads": {PeriodWindow: domain.PeriodWindow{Start: 0, End: 3600, Window: domain.Hour}, LeftHits: 2, MaxValue: 2},
		},
	}
	data := domain.ThreescaleData{Metrics: map[string]int64{"hits": 1, "downloads": 1}}

	res := LimitCheckAndUpdate(data, app, 1)

	if res.Decision != Authorized {
		t.Fatalf("expected Authorized, got %v", res.Decision)
	}
	if res.Info.Limit != 2 {
		t.Fatalf("expected dominant (smallest) limit 2, got %d", res.Info.Limit)
	}
}

// TestLimitCheckAndUpdate_InvariantsHold sweeps random call sequences
// against a single metric and checks that 0 <= LeftHits <= MaxValue always,
// and that a non-Eternity window always satisfies Start <= now < End with
// End-Start == window seconds.
func TestLimitCheckAndUpdate_InvariantsHold(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const maxValue = 50

	app := appWithHits(domain.Minute, 0, 60, maxValue, maxValue)
	now := int64(0)

	for i := 0; i < 2000; i++ {
		now += int64(rng.Intn(90))
		hits := int64(rng.Intn(10))
		data := domain.ThreescaleData{Metrics: map[string]int64{"hits": hits}}

		LimitCheckAndUpdate(data, app, now)

		usage := app.LocalState["hits"]
		if usage.LeftHits < 0 || usage.LeftHits > usage.MaxValue {
			t.Fatalf("invariant violated at i=%d: LeftHits=%d MaxValue=%d", i, usage.LeftHits, usage.MaxValue)
		}
		if usage.PeriodWindow.End-usage.PeriodWindow.Start != domain.Minute.AsSeconds() {
			t.Fatalf("invariant violated at i=%d: window span changed", i)
		}
		if !(usage.PeriodWindow.Start <= now && now < usage.PeriodWindow.End) {
			t.Fatalf("invariant violated at i=%d: now=%d not in [%d,%d)", i, now, usage.PeriodWindow.Start, usage.PeriodWindow.End)
		}
	}
}

func TestExpandHierarchy(t *testing.T) {
	metrics := map[string]int64{"hits": 1}
	hierarchy := domain.Hierarchy{"parent": {"hits", "other"}}

	expanded := ExpandHierarchy(metrics, hierarchy)

	if expanded["parent"] != 1 {
		t.Fatalf("expected parent to accumulate child hits, got %d", expanded["parent"])
	}
	if expanded["hits"] != 1 {
		t.Fatalf("expected original metric to be preserved, got %d", expanded["hits"])
	}
	if _, ok := metrics["parent"]; ok {
		t.Fatalf("ExpandHierarchy must not mutate its input")
	}
}
