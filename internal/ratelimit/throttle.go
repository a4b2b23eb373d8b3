package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultTier must be present in every tier table, it is used for any route
// that doesn't name a tier of its own.
const DefaultTier = "default"

// DefaultSweepThreshold is the store size above which Check sweeps expired
// records before its lookup.
const DefaultSweepThreshold = 10_000

// ErrUnknownTier is matched by the ConfigurationError returned for a tier
// that was not in the table passed to New.
var ErrUnknownTier = errors.New("unknown rate limit tier")

// ConfigurationError is returned by Check when the caller names a tier that
// does not exist. It is a programmer/config mistake, not a rejection.
type ConfigurationError struct {
	Tier string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("ratelimit: unknown tier %q", e.Tier)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrUnknownTier }

// Tier is the budget for one class of request.
type Tier struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed bool
	// ResetIn is the time until the current window for the key ends
	ResetIn time.Duration
	// Limit and Remaining describe the budget after this call, for X-RateLimit headers
	Limit     int
	Remaining int
}

// RetryAfterSeconds rounds ResetIn up to whole seconds, never less than 1.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.ResetIn.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// ResetInMillis is ResetIn in whole milliseconds.
func (d Decision) ResetInMillis() int64 { return d.ResetIn.Milliseconds() }

// record is the counter for one key within one window
type record struct {
	count   int
	resetAt time.Time
	// denied is set on the first rejection so OnFirstDenied fires once per record
	denied bool
}

// Throttle holds per-key fixed-window counters.
type Throttle struct {
	mu    sync.Mutex
	store map[string]*record

	tiers          map[string]Tier
	now            func() time.Time
	sweepThreshold int

	onFirstDenied func(key, tier string)
	onSweep       func(reclaimed, remaining int)
}

type Option func(*Throttle)

// WithClock replaces time.Now, used by tests to move through windows without sleeping.
func WithClock(now func() time.Time) Option {
	return func(t *Throttle) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSweepThreshold sets the store size above which Check sweeps expired
// records. n <= 0 keeps DefaultSweepThreshold.
func WithSweepThreshold(n int) Option {
	return func(t *Throttle) {
		if n > 0 {
			t.sweepThreshold = n
		}
	}
}

// WithOnFirstDenied sets a callback for the first rejection of each record,
// so an offender is logged once per window. Every decision is counted by
// the middleware's OnDecision hook.
func WithOnFirstDenied(fn func(key, tier string)) Option {
	return func(t *Throttle) { t.onFirstDenied = fn }
}

// WithOnSweep is called after every sweep with the number of records removed
// and the number left.
func WithOnSweep(fn func(reclaimed, remaining int)) Option {
	return func(t *Throttle) { t.onSweep = fn }
}

// New validates and copies tiers. The table cannot change afterwards.
func New(tiers map[string]Tier, opts ...Option) (*Throttle, error) {
	if _, ok := tiers[DefaultTier]; !ok {
		return nil, fmt.Errorf("ratelimit: tier %q is required", DefaultTier)
	}
	copied := make(map[string]Tier, len(tiers))
	var errs []error
	for name, tc := range tiers {
		if name == "" {
			errs = append(errs, errors.New("ratelimit: tier name must not be empty"))
			continue
		}
		if tc.Window <= 0 {
			errs = append(errs, fmt.Errorf("ratelimit: tier %q: window must be > 0 (got %s)", name, tc.Window))
		}
		if tc.MaxRequests < 1 {
			errs = append(errs, fmt.Errorf("ratelimit: tier %q: maxRequests must be >= 1 (got %d)", name, tc.MaxRequests))
		}
		copied[name] = tc
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	t := &Throttle{
		store:          make(map[string]*record),
		tiers:          copied,
		now:            time.Now,
		sweepThreshold: DefaultSweepThreshold,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Key joins a client identity and a tier name into a store key, so the same
// client has an independent budget per tier.
func Key(identity, tier string) string { return identity + ":" + tier }

// Check records one request for key against tier and reports whether it is
// admitted. Rejected requests do not count against the budget. An unknown
// tier returns a *ConfigurationError and leaves the store untouched.
func (t *Throttle) Check(key, tier string) (Decision, error) {
	tc, ok := t.tiers[tier]
	if !ok {
		return Decision{}, &ConfigurationError{Tier: tier}
	}

	t.mu.Lock()
	now := t.now()

	swept, remaining := -1, 0
	if len(t.store) > t.sweepThreshold {
		swept = t.sweepLocked(now)
		remaining = len(t.store)
	}

	var (
		d         Decision
		firstDeny bool
	)
	rec, exists := t.store[key]
	switch {
	case !exists || !rec.resetAt.After(now):
		t.store[key] = &record{count: 1, resetAt: now.Add(tc.Window)}
		d = Decision{Allowed: true, ResetIn: tc.Window, Limit: tc.MaxRequests, Remaining: tc.MaxRequests - 1}
	case rec.count < tc.MaxRequests:
		rec.count++
		d = Decision{Allowed: true, ResetIn: rec.resetAt.Sub(now), Limit: tc.MaxRequests, Remaining: tc.MaxRequests - rec.count}
	default:
		d = Decision{Allowed: false, ResetIn: rec.resetAt.Sub(now), Limit: tc.MaxRequests, Remaining: 0}
		if !rec.denied {
			rec.denied = true
			firstDeny = true
		}
	}
	// hooks may log or touch prometheus, never hold the lock for them
	t.mu.Unlock()

	if swept >= 0 && t.onSweep != nil {
		t.onSweep(swept, remaining)
	}
	if firstDeny && t.onFirstDenied != nil {
		t.onFirstDenied(key, tier)
	}
	return d, nil
}

// Sweep removes every expired record now and returns how many were removed.
func (t *Throttle) Sweep() int {
	t.mu.Lock()
	n := t.sweepLocked(t.now())
	remaining := len(t.store)
	t.mu.Unlock()

	if t.onSweep != nil {
		t.onSweep(n, remaining)
	}
	return n
}

func (t *Throttle) sweepLocked(now time.Time) int {
	n := 0
	for k, rec := range t.store {
		if !rec.resetAt.After(now) {
			delete(t.store, k)
			n++
		}
	}
	return n
}

// Len is the number of records in the store, including expired ones that
// have not been swept yet.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.store)
}

// SweepThreshold returns the effective sweep threshold.
func (t *Throttle) SweepThreshold() int { return t.sweepThreshold }

// HasTier reports whether name is in the tier table.
func (t *Throttle) HasTier(name string) bool {
	_, ok := t.tiers[name]
	return ok
}

// Tier returns the config for name.
func (t *Throttle) Tier(name string) (Tier, bool) {
	tc, ok := t.tiers[name]
	return tc, ok
}

// Tiers returns the configured tier names, sorted.
func (t *Throttle) Tiers() []string {
	out := make([]string, 0, len(t.tiers))
	for name := range t.tiers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
