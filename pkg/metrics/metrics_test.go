package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncrementCacheOutcome(t *testing.T) {
	const expect = `
		# HELP cache_filter_cache_outcomes_total Request Filter outcomes: hit, miss, rate_limited, denied.
		# TYPE cache_filter_cache_outcomes_total counter
		cache_filter_cache_outcomes_total{outcome="hit"} 1
	`
	r := NewReporter(true, 0)
	r.IncrementCacheOutcome(OutcomeHit)

	if err := testutil.CollectAndCompare(cacheOutcomes, strings.NewReader(expect), "cache_filter_cache_outcomes_total"); err != nil {
		t.Fatalf(err.Error())
	}
	cacheOutcomes.Reset()
}

func TestIncrementCalloutOutcome(t *testing.T) {
	const expect = `
		# HELP cache_filter_callout_outcomes_total Callout Coordinator outcomes: lock_acquired, waitlisted, enqueue_failed.
		# TYPE cache_filter_callout_outcomes_total counter
		cache_filter_callout_outcomes_total{outcome="waitlisted"} 2
	`
	r := NewReporter(true, 0)
	r.IncrementCalloutOutcome(OutcomeWaitlisted)
	r.IncrementCalloutOutcome(OutcomeWaitlisted)

	if err := testutil.CollectAndCompare(calloutOutcomes, strings.NewReader(expect), "cache_filter_callout_outcomes_total"); err != nil {
		t.Fatalf(err.Error())
	}
	calloutOutcomes.Reset()
}

func TestReporterDisabled_NoOp(t *testing.T) {
	r := NewReporter(false, 0)
	r.IncrementCacheOutcome(OutcomeHit)
	r.IncrementCalloutOutcome(OutcomeWaitlisted)
	r.ObserveCasRetries(3)
	r.ObserveFlushBatchSize("S1", 10)
	r.SetDeltaStoreMemory(1024)

	if testutil.ToFloat64(deltaStoreMemory) != 0 {
		t.Fatalf("expected a disabled reporter to leave the gauge untouched")
	}
}

func TestNilReporter_NoOp(t *testing.T) {
	var r *Reporter
	r.IncrementCacheOutcome(OutcomeHit)
	r.ObserveCasRetries(1)
}
