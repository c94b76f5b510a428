package aggregator

import (
	"testing"

	"github.com/3scale/cache-filter/pkg/config"
	"github.com/3scale/cache-filter/pkg/domain"
)

func TestDeltaStoreUpdate_AccumulatesAcrossCalls(t *testing.T) {
	store := NewDeltaStore(config.DeltaStoreConfig{Capacity: 1 << 20, FlushMode: config.FlushDefault})

	app := domain.NewAppIdIdentifier("A1", "")
	data := domain.ThreescaleData{AppId: app, ServiceId: "S1", ServiceToken: "T1", Metrics: map[string]int64{"hits": 3}}

	if trigger := store.Update("T1", data, 100); trigger != NoFlush {
		t.Fatalf("expected NoFlush on first update, got %v", trigger)
	}
	if trigger := store.Update("T1", data, 101); trigger != NoFlush {
		t.Fatalf("expected NoFlush on second update, got %v", trigger)
	}

	deltas, serviceIds, _ := store.Snapshot()
	serviceKey := domain.ServiceKey("S1", "T1")
	bucket, ok := deltas[serviceKey]
	if !ok {
		t.Fatalf("expected a bucket for service key %s", serviceKey)
	}
	if got := bucket[app]["hits"]; got != 6 {
		t.Fatalf("expected accumulated hits of 6, got %d", got)
	}
	if serviceIds[serviceKey] != "S1" {
		t.Fatalf("expected serviceIds to record S1, got %s", serviceIds[serviceKey])
	}
}

func TestDeltaStoreUpdate_SnapshotResetsState(t *testing.T) {
	store := NewDeltaStore(config.DeltaStoreConfig{Capacity: 1 << 20, FlushMode: config.FlushDefault})
	data := domain.ThreescaleData{
		AppId:        domain.NewAppIdIdentifier("A1", ""),
		ServiceId:    "S1",
		ServiceToken: "T1",
		Metrics:      map[string]int64{"hits": 1},
	}
	store.Update("T1", data, 1)

	deltas, _, _ := store.Snapshot()
	if len(deltas) != 1 {
		t.Fatalf("expected one bucket in the first snapshot, got %d", len(deltas))
	}
	if store.MemoryAllocated() != 0 {
		t.Fatalf("expected memory_allocated reset to 0 after snapshot, got %d", store.MemoryAllocated())
	}

	deltas, _, _ = store.Snapshot()
	if len(deltas) != 0 {
		t.Fatalf("expected an empty snapshot immediately after the first one, got %d buckets", len(deltas))
	}
}

func TestDeltaStoreUpdate_CapacityTriggersFlush(t *testing.T) {
	store := NewDeltaStore(config.DeltaStoreConfig{Capacity: 10, FlushMode: config.FlushContainerLimit})

	var last FlushTrigger
	for i := 0; i < 5; i++ {
		data := domain.ThreescaleData{
			AppId:        domain.NewAppIdIdentifier(domain.AppId(string(rune('A'+i))), ""),
			ServiceId:    "S1",
			ServiceToken: "T1",
			Metrics:      map[string]int64{"hits": 1},
		}
		last = store.Update("T1", data, int64(i))
	}

	if last != Flush {
		t.Fatalf("expected capacity to be crossed and Flush to be returned, got %v", last)
	}
}

func TestDeltaStoreUpdate_PeriodicalModeNeverTriggersCapacityFlush(t *testing.T) {
	store := NewDeltaStore(config.DeltaStoreConfig{Capacity: 1, FlushMode: config.FlushPeriodical})

	data := domain.ThreescaleData{AppId: domain.NewAppIdIdentifier("A1", ""), ServiceId: "S1", ServiceToken: "T1", Metrics: map[string]int64{"hits": 1}}
	if trigger := store.Update("T1", data, 1); trigger != NoFlush {
		t.Fatalf("expected FlushPeriodical mode to never return Flush from Update, got %v", trigger)
	}
}
