package ratelimit

import "time"

// TierLimits configures the hourly/daily caps for one user tier.
// Unlimited (-1) disables a window entirely.
type TierLimits struct {
	HourlyLimit int
	DailyLimit  int
}

// PlatformLimits configures the per-platform hourly/daily caps applied
// on top of the user-tier caps.
type PlatformLimits struct {
	HourlyLimit int
	DailyLimit  int
}

const (
	windowHourly = "hourly"
	windowDaily  = "daily"
)

var (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Gateway composes the two-stage check: user tier first, then
// platform; a platform denial rolls back the already-recorded
// user-tier entries so a denied request never consumes quota it
// shouldn't have.
type Gateway struct {
	limiter *Limiter
}

func NewGateway(limiter *Limiter) *Gateway {
	return &Gateway{limiter: limiter}
}

// Decision is the combined outcome of the user+platform check.
type Decision struct {
	Allowed  bool
	Headers  map[string]string
	UserHourly, UserDaily         Result
	PlatformHourly, PlatformDaily Result
}

// Check runs the full gateway sequence for one request. tier
// "enterprise" short-circuits to allowed without touching the store.
func (g *Gateway) Check(userID, platform, tier string, userLimits TierLimits, platformLimits PlatformLimits, now time.Time) (Decision, error) {
	if tier == "enterprise" {
		return Decision{Allowed: true, Headers: map[string]string{
			"X-RateLimit-Limit":     "-1",
			"X-RateLimit-Remaining": "-1",
		}}, nil
	}

	uHourKey := UserKey(userID, windowHourly)
	uDayKey := UserKey(userID, windowDaily)

	uHour, err := g.limiter.CheckAndRecord(uHourKey, hourWindow, userLimits.HourlyLimit, now)
	if err != nil {
		return Decision{}, err
	}
	if !uHour.Allowed {
		return denyDecision(uHour), nil
	}
	uDay, err := g.limiter.CheckAndRecord(uDayKey, dayWindow, userLimits.DailyLimit, now)
	if err != nil {
		return Decision{}, err
	}
	if !uDay.Allowed {
		_ = g.limiter.Rollback(uHourKey)
		return denyDecision(uDay), nil
	}

	pHourKey := PlatformKey(userID, platform, windowHourly)
	pDayKey := PlatformKey(userID, platform, windowDaily)

	pHour, err := g.limiter.CheckAndRecord(pHourKey, hourWindow, platformLimits.HourlyLimit, now)
	if err != nil {
		return Decision{}, err
	}
	if !pHour.Allowed {
		_ = g.limiter.Rollback(uHourKey)
		_ = g.limiter.Rollback(uDayKey)
		return denyDecision(pHour), nil
	}
	pDay, err := g.limiter.CheckAndRecord(pDayKey, dayWindow, platformLimits.DailyLimit, now)
	if err != nil {
		return Decision{}, err
	}
	if !pDay.Allowed {
		_ = g.limiter.Rollback(uHourKey)
		_ = g.limiter.Rollback(uDayKey)
		_ = g.limiter.Rollback(pHourKey)
		return denyDecision(pDay), nil
	}

	most := MostRestrictive(uHour, uDay, pHour, pDay)
	return Decision{
		Allowed:        true,
		Headers:        Headers(most),
		UserHourly:     uHour,
		UserDaily:      uDay,
		PlatformHourly: pHour,
		PlatformDaily:  pDay,
	}, nil
}

func denyDecision(r Result) Decision {
	return Decision{Allowed: false, Headers: Headers(r)}
}
