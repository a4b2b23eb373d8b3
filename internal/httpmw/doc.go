// Package httpmw provides HTTP middleware for the public gateway.
//
// httpserver.NewHandler composes them outermost first: security headers,
// recover, request ID, client identity, OTEL tracing, trace headers,
// metrics, structured logging, the throttle, then the chi router with
// route annotation, access log and body limit.
//
// Each middleware is an independent function that can be tested, reordered,
// or removed individually. User-supplied data (query strings, user-agent,
// arbitrary headers) stays out of log fields, only the resolved client
// identity and request id are recorded.
package httpmw
