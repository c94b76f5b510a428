// Package config holds the two configuration surfaces: FilterConfig
// (per-request behaviour) and ServiceConfig (delta store / flush
// behaviour). Values are populated by cmd/cache-filter/main.go via viper,
// using an env-prefixed THREESCALE_* convention.
package config

import "time"

// FlushMode selects when the singleton aggregator flushes accumulated deltas.
type FlushMode int

// Supported flush modes.
const (
	// FlushDefault flushes only on the periodic tick.
	FlushDefault FlushMode = iota
	// FlushContainerLimit flushes only when the memory capacity is crossed.
	FlushContainerLimit
	// FlushPeriodical is an alias kept for symmetry with the upstream contract;
	// behaves like FlushDefault (tick-only, capacity checks disabled).
	FlushPeriodical
)

// FilterConfig configures the per-request Request Filter state machine.
type FilterConfig struct {
	// FailureModeDeny, when true, responds 403 on unrecoverable local
	// failures (callout errors, retry exhaustion on network failure).
	FailureModeDeny bool
	// MaxTries bounds the Limit Engine's CAS retry loop.
	MaxTries uint32
	// MaxSharedMemoryBytes is advisory; it is never enforced as a hard limit.
	MaxSharedMemoryBytes uint64
	// CallTimeout bounds upstream Authorize/Report calls.
	CallTimeout time.Duration
}

// DefaultFilterConfig returns the documented defaults.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		FailureModeDeny:      true,
		MaxTries:             5,
		MaxSharedMemoryBytes: 4 * 1024 * 1024 * 1024,
		CallTimeout:          5000 * time.Millisecond,
	}
}

// DeltaStoreConfig configures the singleton's DeltaStore and flush pipeline.
type DeltaStoreConfig struct {
	Capacity           uint64
	PeriodicalFlush    time.Duration
	RetryDuration      time.Duration
	AwaitQueueCapacity uint64
	FlushMode          FlushMode
}

// DefaultDeltaStoreConfig returns the documented defaults.
func DefaultDeltaStoreConfig() DeltaStoreConfig {
	return DeltaStoreConfig{
		Capacity:           100,
		PeriodicalFlush:    60 * time.Second,
		RetryDuration:      30 * time.Second,
		AwaitQueueCapacity: 1000,
		FlushMode:          FlushDefault,
	}
}

// ServiceConfig wraps the DeltaStoreConfig under the "Service" config
// group.
type ServiceConfig struct {
	DeltaStore DeltaStoreConfig
}
