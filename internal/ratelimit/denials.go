package ratelimit

import (
	"context"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// LogDenials returns an OnFirstDenied hook that logs one warn line per
// offender per window. A flood of distinct keys would still mean a flood of
// lines, so emission is capped at perSecond with the given burst; lines
// dropped by the cap are reported as "suppressed" on the next one that gets
// through.
func LogDenials(L log.Logger, perSecond float64, burst int) func(key, tier string) {
	if L == nil {
		L = log.Nop()
	}
	if burst < 1 {
		burst = 1
	}
	return denialLogger(L, rate.NewLimiter(rate.Limit(perSecond), burst))
}

func denialLogger(L log.Logger, lim *rate.Limiter) func(key, tier string) {
	var suppressed atomic.Int64

	return func(key, tier string) {
		if !lim.Allow() {
			suppressed.Add(1)
			return
		}
		kv := []any{
			"client.identity", strings.TrimSuffix(key, ":"+tier),
			"ratelimit.tier", tier,
		}
		if n := suppressed.Swap(0); n > 0 {
			kv = append(kv, "suppressed", n)
		}
		L.Warn(context.Background(), "rate limit exceeded", kv...)
	}
}
