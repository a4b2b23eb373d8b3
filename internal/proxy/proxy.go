// Package proxy forwards admitted requests to the upstream application.
package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/log"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/xerrors"
)

// nginx's code for a client that hung up before the response
const statusClientClosedRequest = 499

type Options struct {
	// Upstream is the base URL admitted requests are forwarded to. Empty
	// means no upstream: every request gets a 404.
	Upstream string

	// Transport defaults to a clone of http.DefaultTransport. It is always
	// wrapped with otelhttp so upstream calls join the request trace.
	Transport http.RoundTripper

	// FlushInterval is passed to httputil.ReverseProxy. Negative flushes
	// after every write, which streaming upstreams need.
	FlushInterval time.Duration

	// OnError is called once per request that could not reach the upstream.
	OnError func()
}

// Proxy is an http.Handler.
type Proxy struct {
	target *url.URL
	rp     *httputil.ReverseProxy
}

// New validates opts.Upstream and builds the reverse proxy.
func New(opts Options) (*Proxy, error) {
	if opts.Upstream == "" {
		return &Proxy{}, nil
	}

	target, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse upstream %q", opts.Upstream)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, xerrors.Newf("upstream %q: scheme must be http or https", opts.Upstream)
	}
	if target.Host == "" {
		return nil, xerrors.Newf("upstream %q: missing host", opts.Upstream)
	}

	rt := opts.Transport
	if rt == nil {
		rt = defaultTransport()
	}

	p := &Proxy{target: target}
	p.rp = &httputil.ReverseProxy{
		Rewrite:       p.rewrite,
		Transport:     otelhttp.NewTransport(rt),
		FlushInterval: opts.FlushInterval,
		ErrorHandler:  errorHandler(opts.OnError),
	}
	return p, nil
}

// Target returns the upstream URL, nil when none is configured.
func (p *Proxy) Target() *url.URL { return p.target }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.rp == nil {
		writeJSON(w, http.StatusNotFound, `{"error":"not found"}`)
		return
	}
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.target)

	// Rewrite drops inbound X-Forwarded-*; keep the client's chain and
	// append the peer we saw.
	if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
		pr.Out.Header["X-Forwarded-For"] = append([]string(nil), prior...)
	}
	pr.SetXForwarded()

	if id := httpmw.RequestIDFromContext(pr.In.Context()); id != "" {
		pr.Out.Header.Set(httpmw.RequestIDHeader, id)
	}
}

func errorHandler(onError func()) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		L := log.FromContext(ctx)

		// client went away, nothing useful to send back
		if errors.Is(err, context.Canceled) {
			L.Debug(ctx, "client canceled upstream request", "url.path", r.URL.Path)
			w.WriteHeader(statusClientClosedRequest)
			return
		}

		if onError != nil {
			onError()
		}
		L.Error(ctx, xerrors.Wrap(err, "proxy to upstream"), "upstream unavailable",
			"url.path", r.URL.Path,
			"http.request.method", r.Method,
		)
		writeJSON(w, http.StatusBadGateway, `{"error":"upstream unavailable"}`)
	}
}

func defaultTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	t.ResponseHeaderTimeout = 30 * time.Second
	t.MaxIdleConnsPerHost = 64
	return t
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
