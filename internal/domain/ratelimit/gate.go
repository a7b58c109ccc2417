package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/aimguard/gateway/internal/domain/guardrail"
)

// Window identifies one of the three rolling counters a Gate enforces.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

func (w Window) period() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	}
	return time.Minute
}

// Decision is the outcome of evaluating the traffic guardrails for one
// request: geo, business hours, context length, upload size, then the
// per-minute/hour/day counters, in that order.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Gate evaluates the traffic guardrails: the static request-shape rules
// first (cheap, no storage) and only then
// consults the counting RateLimiter for the three rolling windows, so a
// request that would be rejected on geo or size never touches the shared
// counter store.
type Gate struct {
	limiter RateLimiter
}

// NewGate builds a Gate backed by limiter for the counted windows.
func NewGate(limiter RateLimiter) *Gate {
	return &Gate{limiter: limiter}
}

// Evaluate runs the full decision order against reqCtx under rules. now is
// passed explicitly so business-hours checks are deterministic in tests.
func (g *Gate) Evaluate(ctx context.Context, reqCtx guardrail.RequestContext, rules guardrail.RateRules, now time.Time) (Decision, error) {
	if d, ok := checkGeo(reqCtx, rules); !ok {
		return d, nil
	}
	if d, ok := checkBusinessHours(rules, now); !ok {
		return d, nil
	}
	if d, ok := checkContextLength(reqCtx, rules); !ok {
		return d, nil
	}
	if d, ok := checkUploadSize(reqCtx, rules); !ok {
		return d, nil
	}

	for _, w := range []struct {
		win   Window
		limit int
	}{
		{WindowMinute, rules.PerMinute},
		{WindowHour, rules.PerHour},
		{WindowDay, rules.PerDay},
	} {
		if w.limit <= 0 {
			continue
		}
		key := FormatKey(KeyTypeUser, fmt.Sprintf("%s:%s", reqCtx.Identity, w.win))
		result, err := g.limiter.Allow(ctx, key, RateLimitConfig{Rate: w.limit, Burst: w.limit, Period: w.win.period()})
		if err != nil {
			return Decision{}, fmt.Errorf("ratelimit: %s window: %w", w.win, err)
		}
		if !result.Allowed {
			return Decision{Allowed: false, Reason: fmt.Sprintf("per_%s", w.win), RetryAfter: result.RetryAfter}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// WindowStats reports one window's occupancy for an identity.
type WindowStats struct {
	Window      Window `json:"window"`
	Limit       int    `json:"limit"`
	Count       int    `json:"count"`
	NextResetMS int64  `json:"next_reset_ms"`
}

// Stats is the per-identity view served by /rate-limit/stats/{identity}.
type Stats struct {
	Identity guardrail.Identity `json:"identity"`
	Windows  []WindowStats      `json:"windows"`
}

// Stats reports the identity's current occupancy of every configured window.
// Backends that do not implement Inspector yield an empty window list.
func (g *Gate) Stats(ctx context.Context, identity guardrail.Identity, rules guardrail.RateRules) (Stats, error) {
	stats := Stats{Identity: identity}
	inspector, ok := g.limiter.(Inspector)
	if !ok {
		return stats, nil
	}
	for _, w := range []struct {
		win   Window
		limit int
	}{
		{WindowMinute, rules.PerMinute},
		{WindowHour, rules.PerHour},
		{WindowDay, rules.PerDay},
	} {
		if w.limit <= 0 {
			continue
		}
		key := FormatKey(KeyTypeUser, fmt.Sprintf("%s:%s", identity, w.win))
		count, resetAfter, err := inspector.Inspect(ctx, key, RateLimitConfig{Rate: w.limit, Burst: w.limit, Period: w.win.period()})
		if err != nil {
			return Stats{}, fmt.Errorf("ratelimit: inspect %s window: %w", w.win, err)
		}
		stats.Windows = append(stats.Windows, WindowStats{
			Window:      w.win,
			Limit:       w.limit,
			Count:       count,
			NextResetMS: resetAfter.Milliseconds(),
		})
	}
	return stats, nil
}

func checkGeo(reqCtx guardrail.RequestContext, rules guardrail.RateRules) (Decision, bool) {
	if len(rules.AllowedGeos) == 0 || reqCtx.Geo == "" {
		return Decision{}, true
	}
	for _, geo := range rules.AllowedGeos {
		if geo == reqCtx.Geo {
			return Decision{}, true
		}
	}
	return Decision{Allowed: false, Reason: "geo"}, false
}

func checkBusinessHours(rules guardrail.RateRules, now time.Time) (Decision, bool) {
	bh := rules.BusinessHours
	if bh == nil {
		return Decision{}, true
	}
	loc, err := time.LoadLocation(bh.TZ)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start, errStart := time.ParseInLocation("15:04", bh.Start, loc)
	end, errEnd := time.ParseInLocation("15:04", bh.End, loc)
	if errStart != nil || errEnd != nil {
		return Decision{}, true
	}
	minutesNow := local.Hour()*60 + local.Minute()
	minutesStart := start.Hour()*60 + start.Minute()
	minutesEnd := end.Hour()*60 + end.Minute()
	if minutesNow >= minutesStart && minutesNow < minutesEnd {
		return Decision{}, true
	}
	return Decision{Allowed: false, Reason: "business_hours"}, false
}

func checkContextLength(reqCtx guardrail.RequestContext, rules guardrail.RateRules) (Decision, bool) {
	if rules.MaxContextTokens <= 0 || reqCtx.ContextTokens <= rules.MaxContextTokens {
		return Decision{}, true
	}
	return Decision{Allowed: false, Reason: "context_length"}, false
}

func checkUploadSize(reqCtx guardrail.RequestContext, rules guardrail.RateRules) (Decision, bool) {
	if rules.MaxUploadBytes <= 0 || reqCtx.UploadBytes <= rules.MaxUploadBytes {
		return Decision{}, true
	}
	return Decision{Allowed: false, Reason: "upload_size"}, false
}
