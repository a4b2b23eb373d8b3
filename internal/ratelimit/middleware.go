package ratelimit

import (
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// body is fixed by contract with the frontends, they match on the exact string
const tooManyRequestsBody = `{"error":"Too many requests. Please try again later."}`

const internalErrorBody = `{"error":"internal error"}`

// TierResolver picks the tier for a request, see routing.Table.
type TierResolver interface {
	Tier(method, path string) string
}

type middlewareConfig struct {
	headers       bool
	onDecision    func(tier string, d Decision)
	onConfigError func(tier string, err error)
}

type MiddlewareOption func(*middlewareConfig)

// WithoutRateLimitHeaders stops X-RateLimit-* headers on admitted responses.
func WithoutRateLimitHeaders() MiddlewareOption {
	return func(c *middlewareConfig) { c.headers = false }
}

// WithOnDecision is called for every checked request, used for the decisions counter.
func WithOnDecision(fn func(tier string, d Decision)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onDecision = fn }
}

// WithOnConfigError is called when the resolver returns a tier the throttle doesn't know.
func WithOnConfigError(fn func(tier string, err error)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onConfigError = fn }
}

// Middleware rejects requests over their tier's budget with 429.
//
// The client identity comes from httpmw.ClientIdentity which must run
// earlier in the chain; without it every request shares the sentinel bucket.
func (t *Throttle) Middleware(resolver TierResolver, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{headers: true}
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			identity := httpmw.ClientIdentityFromContext(ctx)
			if identity == "" {
				identity = httpmw.UnknownIdentity
			}
			tier := resolver.Tier(r.Method, r.URL.Path)

			d, err := t.Check(Key(identity, tier), tier)
			if err != nil {
				log.FromContext(ctx).Error(ctx, err, "rate limit tier misconfigured", "tier", tier)
				if cfg.onConfigError != nil {
					cfg.onConfigError(tier, err)
				}
				writeJSON(w, http.StatusInternalServerError, internalErrorBody)
				return
			}

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("ratelimit.tier", tier),
					attribute.Bool("ratelimit.allowed", d.Allowed),
				)
			}
			if cfg.onDecision != nil {
				cfg.onDecision(tier, d)
			}

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
				writeJSON(w, http.StatusTooManyRequests, tooManyRequestsBody)
				return
			}

			if cfg.headers {
				h := w.Header()
				h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				h.Set("X-RateLimit-Reset", strconv.Itoa(d.RetryAfterSeconds()))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
