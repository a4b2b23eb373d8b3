package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/health"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
)

// test helpers

// okUpstream stands in for the proxy.
var okUpstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("upstream"))
})

// denyAll is a throttle that rejects everything it sees.
func denyAll(calls *int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*calls++
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
}

// defaultOpts returns minimal valid Options for testing.
func defaultOpts() *Options {
	return &Options{
		Logger:   log.Nop(),
		Upstream: okUpstream,
	}
}

// doRequest is a helper to send a request through a handler and return the recorder.
func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, http.NoBody))
	return rec
}

// getFreePort finds a free TCP port.
func getFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", ":0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// NewHandler - middleware stack

func TestNewHandler_SecurityHeaders(t *testing.T) {
	h := NewHandler(defaultOpts())

	for _, path := range []string{"/", "/api/vote", "/-/healthy"} {
		rec := doRequest(t, h, http.MethodGet, path)
		for _, name := range []string{"X-Content-Type-Options", "X-Frame-Options", "Referrer-Policy"} {
			if rec.Header().Get(name) == "" {
				t.Errorf("%s: header %s missing", path, name)
			}
		}
	}
}

func TestNewHandler_SecurityHeadersOnRejection(t *testing.T) {
	calls := 0
	opts := defaultOpts()
	opts.ThrottleMW = denyAll(&calls)

	rec := doRequest(t, NewHandler(opts), http.MethodPost, "/api/vote")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers should be present on 429")
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	h := NewHandler(defaultOpts())

	rec := doRequest(t, h, http.MethodGet, "/")
	id := rec.Header().Get(httpmw.RequestIDHeader)
	if len(id) != 32 {
		t.Fatalf("generated X-Request-Id = %q, want 32 hex chars", id)
	}

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(httpmw.RequestIDHeader, "caller-supplied-id")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(httpmw.RequestIDHeader); got != "caller-supplied-id" {
		t.Fatalf("propagated X-Request-Id = %q", got)
	}
}

// NewHandler - upstream and throttle

func TestNewHandler_ForwardsToUpstream(t *testing.T) {
	rec := doRequest(t, NewHandler(defaultOpts()), http.MethodPost, "/api/analysis/run")
	if rec.Code != http.StatusOK || rec.Body.String() != "upstream" {
		t.Fatalf("status = %d body = %q", rec.Code, rec.Body.String())
	}
}

func TestNewHandler_NoUpstream404(t *testing.T) {
	opts := defaultOpts()
	opts.Upstream = nil

	if rec := doRequest(t, NewHandler(opts), http.MethodGet, "/api/vote"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestNewHandler_ThrottleApplied(t *testing.T) {
	calls := 0
	opts := defaultOpts()
	opts.ThrottleMW = denyAll(&calls)

	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/api/status")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("throttle calls = %d, want 1", calls)
	}
}

func TestNewHandler_HealthNeverThrottled(t *testing.T) {
	calls := 0
	opts := defaultOpts()
	opts.ThrottleMW = denyAll(&calls)
	h := NewHandler(opts)

	for _, path := range []string{healthyPath, readyPath} {
		for i := 0; i < 5; i++ {
			if rec := doRequest(t, h, http.MethodGet, path); rec.Code != http.StatusOK {
				t.Fatalf("%s: status = %d, want 200", path, rec.Code)
			}
		}
	}
	if calls != 0 {
		t.Fatalf("throttle saw %d health requests", calls)
	}
}

func TestNewHandler_ThrottleSeesIdentity(t *testing.T) {
	var got string
	opts := defaultOpts()
	opts.ThrottleMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = httpmw.ClientIdentityFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	}
	h := NewHandler(opts)

	req := httptest.NewRequest(http.MethodPost, "/api/vote", http.NoBody)
	req.Header.Set("X-Forwarded-For", " 198.51.100.7 , 10.0.0.1")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "198.51.100.7" {
		t.Fatalf("identity = %q, want 198.51.100.7", got)
	}

	doRequest(t, h, http.MethodPost, "/api/vote")
	if got != httpmw.UnknownIdentity {
		t.Fatalf("identity without headers = %q, want %q", got, httpmw.UnknownIdentity)
	}
}

func TestNewHandler_IdentityFallbackToRemoteAddr(t *testing.T) {
	var got string
	opts := defaultOpts()
	opts.ClientIdentity = httpmw.ClientIdentityOptions{FallbackToRemoteAddr: true}
	opts.ThrottleMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = httpmw.ClientIdentityFromContext(r.Context())
			next.ServeHTTP(w, r)
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "192.0.2.55:4444"
	NewHandler(opts).ServeHTTP(httptest.NewRecorder(), req)
	if got != "192.0.2.55" {
		t.Fatalf("identity = %q, want 192.0.2.55", got)
	}
}

// NewHandler - health and readiness

func TestNewHandler_HealthEndpoints(t *testing.T) {
	tests := []struct {
		name      string
		health    health.Probe
		readiness health.Probe
		path      string
		want      int
	}{
		{"healthy", health.Fixed(true, ""), nil, healthyPath, http.StatusOK},
		{"unhealthy", health.Fixed(false, "broken"), nil, healthyPath, http.StatusServiceUnavailable},
		{"nil health probe", nil, nil, healthyPath, http.StatusOK},
		{"ready", nil, health.Fixed(true, ""), readyPath, http.StatusOK},
		{"draining", nil, health.Fixed(false, "draining"), readyPath, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOpts()
			opts.Health = tt.health
			opts.Readiness = tt.readiness
			if rec := doRequest(t, NewHandler(opts), http.MethodGet, tt.path); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// NewHandler - optional middleware

func TestNewHandler_MetricsMW_Applied(t *testing.T) {
	called := false
	opts := defaultOpts()
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			next.ServeHTTP(w, r)
		})
	}

	doRequest(t, NewHandler(opts), http.MethodGet, "/")
	if !called {
		t.Fatal("metrics middleware not called")
	}
}

func TestNewHandler_MetricsSeeThrottleRejections(t *testing.T) {
	var status int
	calls := 0
	opts := defaultOpts()
	opts.ThrottleMW = denyAll(&calls)
	opts.MetricsMW = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := httptest.NewRecorder()
			next.ServeHTTP(rec, r)
			status = rec.Code
			w.WriteHeader(rec.Code)
		})
	}

	doRequest(t, NewHandler(opts), http.MethodPost, "/api/vote")
	if status != http.StatusTooManyRequests {
		t.Fatalf("metrics saw %d, want 429", status)
	}
}

func TestNewHandler_RecoverMW(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("upstream handler bug"))
	})

	panics := 0
	opts := defaultOpts()
	opts.Upstream = panicky
	opts.UseRecoverMW = true
	opts.OnPanic = func() { panics++ }

	rec := doRequest(t, NewHandler(opts), http.MethodGet, "/api/x")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "internal error") {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if panics != 1 {
		t.Fatalf("OnPanic calls = %d, want 1", panics)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("security headers should survive a recovered panic")
	}
}

func TestNewHandler_RecoverMW_Disabled(t *testing.T) {
	opts := defaultOpts()
	opts.Upstream = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	defer func() {
		if recover() == nil {
			t.Fatal("panic should propagate when recovery is disabled")
		}
	}()
	doRequest(t, NewHandler(opts), http.MethodGet, "/")
}

func TestNewHandler_MaxBody(t *testing.T) {
	opts := defaultOpts()
	opts.MaxBodyBytes = 8

	req := httptest.NewRequest(http.MethodPost, "/api/vote", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	NewHandler(opts).ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_NilLogger(t *testing.T) {
	h := NewHandler(&Options{Upstream: okUpstream})
	if rec := doRequest(t, h, http.MethodGet, "/"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

// unthrottled

func TestUnthrottled(t *testing.T) {
	mark := func(name string) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(name)) })
	}
	h := unthrottled(mark("throttled"), mark("bypass"), "/-/healthy")

	tests := map[string]string{
		"/-/healthy":  "bypass",
		"/-/healthy/": "throttled",
		"/-/ready":    "throttled",
		"/api/vote":   "throttled",
	}
	for path, want := range tests {
		if got := doRequest(t, h, http.MethodGet, path).Body.String(); got != want {
			t.Errorf("%s -> %q, want %q", path, got, want)
		}
	}
}

// NewServer

func TestNewServer_Configuration(t *testing.T) {
	srv := NewServer(":1234", okUpstream)

	if srv.Addr != ":1234" {
		t.Fatalf("Addr = %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout ||
		srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout ||
		srv.IdleTimeout != DefaultIdleTimeout {
		t.Fatal("timeouts should match package defaults")
	}
	if srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("MaxHeaderBytes = %d", srv.MaxHeaderBytes)
	}
}

// Start - lifecycle

func TestStart_ServesAndStops(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port

	ctx := context.Background()
	stop, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	addr := fmt.Sprintf("http://127.0.0.1:%d/api/vote", port)
	resp, err := http.Get(addr)
	if err != nil {
		t.Fatalf("GET %s: %v", addr, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(httpmw.RequestIDHeader) == "" {
		t.Fatal("X-Request-Id missing from live server response")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(shutdownCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := http.Get(addr); err == nil {
		t.Fatal("server still accepting connections after shutdown")
	}
}

func TestStart_PortConflict(t *testing.T) {
	port := getFreePort(t)
	opts := defaultOpts()
	opts.Port = port

	ctx := context.Background()
	stop1, err := Start(ctx, opts)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer stop1(ctx)

	if _, err := Start(ctx, opts); err == nil {
		t.Fatal("expected error for port conflict")
	}
}
