package domain

// UsageReport is the per-metric rate-limit state for one PeriodWindow.
// Invariant: 0 <= LeftHits <= MaxValue; LeftHits resets to MaxValue when
// the window rolls forward.
type UsageReport struct {
	PeriodWindow PeriodWindow
	LeftHits     int64
	MaxValue     int64
}

// Hierarchy maps a parent metric name to its child metric names.
type Hierarchy map[string][]string

// Application is the cached per-application authorization state. It is
// created on the first successful Authorize, mutated only via the Limit
// Engine or a full replacement from a later Authorize, and never deleted
// except by explicit invalidation.
type Application struct {
	AppId            AppIdentifier
	ServiceId        ServiceId
	LocalState       map[string]UsageReport
	MetricHierarchy  Hierarchy
	AppKeys          []AppKey
}

// Clone returns a deep copy of the Application, safe to mutate independently.
func (a Application) Clone() Application {
	clone := Application{
		AppId:     a.AppId,
		ServiceId: a.ServiceId,
	}
	if a.LocalState != nil {
		clone.LocalState = make(map[string]UsageReport, len(a.LocalState))
		for k, v := range a.LocalState {
			clone.LocalState[k] = v
		}
	}
	if a.MetricHierarchy != nil {
		clone.MetricHierarchy = make(Hierarchy, len(a.MetricHierarchy))
		for k, v := range a.MetricHierarchy {
			clone.MetricHierarchy[k] = append([]string(nil), v...)
		}
	}
	if a.AppKeys != nil {
		clone.AppKeys = append([]AppKey(nil), a.AppKeys...)
	}
	return clone
}

// CacheKey returns the CacheKey that this Application is stored under.
func (a Application) CacheKey() CacheKey {
	return NewCacheKey(a.ServiceId, a.AppId)
}

// UpstreamSpec is the dispatch target extracted from request metadata
// (x-3scale-cluster-name / x-3scale-upstream-url).
type UpstreamSpec struct {
	ClusterName string
	UpstreamURL string
	TimeoutMs   int64
}

// ThreescaleData is the per-request payload extracted from request metadata.
type ThreescaleData struct {
	AppId         AppIdentifier
	ServiceId     ServiceId
	ServiceToken  ServiceToken
	Metrics       map[string]int64
	Upstream      UpstreamSpec
}

// Message is the singleton-queue item enqueued by a worker after a
// cache-hit decision, or on retry exhaustion.
type Message struct {
	UpdateCacheFromSingleton bool
	Data                     ThreescaleData
	ReqTime                  int64
}
