// Package limiter implements the limit engine: a pure function that rolls
// expired windows forward, checks quota, mutates the Application, and
// returns a rate-limit decision. The caller (pkg/filter) is responsible
// for persisting the mutated Application via a CAS write, only once every
// metric has succeeded.
package limiter

import (
	"github.com/3scale/cache-filter/pkg/domain"
)

// Decision is the outcome of a limit check.
type Decision int

// Possible outcomes.
const (
	Authorized Decision = iota
	RateLimited
)

// Info carries the dominant (smallest max_value) metric's limit/remaining/reset.
type Info struct {
	Limit   int64
	Remaining int64
	Reset   int64
}

// Result is the return value of LimitCheckAndUpdate.
type Result struct {
	Decision Decision
	Info     Info
}

// LimitCheckAndUpdate checks and updates usage for every metric present in
// data.Metrics. app is mutated in place; callers are responsible for
// persisting it (cache.SetApplication) only when Decision == Authorized.
func LimitCheckAndUpdate(data domain.ThreescaleData, app *domain.Application, now int64) Result {
	var (
		haveDominant bool
		dominant     domain.UsageReport
	)

	for metric, hits := range data.Metrics {
		usage, known := app.LocalState[metric]
		if !known {
			// unknown metrics are not locally limited; authority is upstream.
			continue
		}

		rollWindowForward(&usage, now)

		if usage.LeftHits < hits {
			return Result{
				Decision: RateLimited,
				Info: Info{
					Limit:     usage.MaxValue,
					Remaining: 0,
					Reset:     usage.PeriodWindow.End - now,
				},
			}
		}

		usage.LeftHits -= hits
		app.LocalState[metric] = usage

		if !haveDominant || usage.MaxValue < dominant.MaxValue {
			dominant = usage
			haveDominant = true
		}
	}

	info := Info{}
	if haveDominant {
		info = Info{
			Limit:     dominant.MaxValue,
			Remaining: dominant.LeftHits,
			Reset:     dominant.PeriodWindow.End - now,
		}
	}

	return Result{Decision: Authorized, Info: info}
}

// rollWindowForward advances usage's window to cover now, resetting
// LeftHits to MaxValue, if the window has expired and isn't Eternity.
func rollWindowForward(usage *domain.UsageReport, now int64) {
	if usage.PeriodWindow.Window == domain.Eternity {
		return
	}
	if usage.PeriodWindow.End >= now {
		return
	}
	usage.PeriodWindow.RollForward(now)
	usage.LeftHits = usage.MaxValue
}
