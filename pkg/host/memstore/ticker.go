package memstore

import "time"

// Ticker is an in-process host.Ticker backed by time.Ticker.
type Ticker struct{}

// NewTicker returns a Ticker.
func NewTicker() Ticker { return Ticker{} }

// Every implements host.Ticker.
func (Ticker) Every(periodSeconds int64, fn func()) func() {
	t := time.NewTicker(time.Duration(periodSeconds) * time.Second)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-stop:
				t.Stop()
				return
			}
		}
	}()
	return func() { close(stop) }
}

// ContextSwitcher is a no-op single-process implementation: all workers run
// in the same OS process and share address space, so "switching" the
// effective context is simply a matter of the caller using the right
// FilterState value, not an actual host call.
type ContextSwitcher struct{}

// NewContextSwitcher returns a ContextSwitcher.
func NewContextSwitcher() ContextSwitcher { return ContextSwitcher{} }

// SetEffectiveContext implements host.ContextSwitcher.
func (ContextSwitcher) SetEffectiveContext(uint32) error { return nil }
