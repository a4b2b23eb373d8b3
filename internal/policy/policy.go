// Package policy holds the throttle policy document: tiers, the route table
// that selects a tier per request, and how clients are identified.
//
// A policy is loaded once at startup (see Load) and never changes while the
// process runs.
package policy

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-throttle/internal/routing"
)

//go:embed default.yaml
var defaultDocument []byte

// DefaultDocument returns a copy of the built-in policy YAML.
func DefaultDocument() []byte { return bytes.Clone(defaultDocument) }

type Identity struct {
	// Headers in priority order
	Headers  []string `yaml:"headers"`
	Sentinel string   `yaml:"sentinel"`
	// TrustedHops counts the proxies that append to X-Forwarded-For
	TrustedHops int `yaml:"trustedHops"`
	// PrivatePeersOnly ignores identity headers from public socket peers
	PrivatePeersOnly bool `yaml:"privatePeersOnly"`
	// FallbackToRemoteAddr is for deployments with no proxy in front
	FallbackToRemoteAddr bool `yaml:"fallbackToRemoteAddr"`
}

// MaxTrustedHops bounds identity.trustedHops, more proxies than this in
// front of one gateway is a typo.
const MaxTrustedHops = 16

// TierSpec is one tier. The budget is either window (or windowMs) plus
// maxRequests, or the compact rate form.
type TierSpec struct {
	Window      Duration `yaml:"window,omitempty"`
	WindowMs    int64    `yaml:"windowMs,omitempty"`
	MaxRequests int      `yaml:"maxRequests,omitempty"`
	Rate        Rate     `yaml:"rate,omitempty"`
}

// Budget returns the effective window and request count.
func (t TierSpec) Budget() (time.Duration, int) {
	if t.Rate.Count != 0 || t.Rate.Window != 0 {
		return t.Rate.Window, t.Rate.Count
	}
	if t.WindowMs != 0 {
		return time.Duration(t.WindowMs) * time.Millisecond, t.MaxRequests
	}
	return time.Duration(t.Window), t.MaxRequests
}

type RouteSpec struct {
	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods,omitempty"`
	Tier    string   `yaml:"tier"`
}

type Policy struct {
	Identity       Identity            `yaml:"identity"`
	Tiers          map[string]TierSpec `yaml:"tiers"`
	Routes         []RouteSpec         `yaml:"routes"`
	SweepThreshold int                 `yaml:"sweepThreshold"`

	// set by Load
	Source string `yaml:"-"`
	SHA256 string `yaml:"-"`
}

// Parse decodes a policy document. Unknown fields are errors so a typo like
// "maxRequest" can't silently fall back to zero. The result is not validated.
func Parse(doc []byte) (*Policy, error) {
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("policy: document is empty")
		}
		return nil, fmt.Errorf("policy: %w", err)
	}
	return &p, nil
}

var knownMethods = map[string]bool{
	http.MethodGet: true, http.MethodHead: true, http.MethodPost: true,
	http.MethodPut: true, http.MethodPatch: true, http.MethodDelete: true,
	http.MethodConnect: true, http.MethodOptions: true, http.MethodTrace: true,
}

// Validate reports every problem in the document at once.
func (p *Policy) Validate() error {
	var errs []error

	if _, ok := p.Tiers[ratelimit.DefaultTier]; !ok {
		errs = append(errs, fmt.Errorf("tiers: %q tier is required", ratelimit.DefaultTier))
	}
	for _, name := range p.tierNames() {
		t := p.Tiers[name]
		forms := 0
		if t.Window != 0 {
			forms++
		}
		if t.WindowMs != 0 {
			forms++
		}
		if t.Rate != (Rate{}) {
			forms++
			if t.MaxRequests != 0 {
				errs = append(errs, fmt.Errorf("tiers.%s: rate and maxRequests are mutually exclusive", name))
			}
		}
		if forms > 1 {
			errs = append(errs, fmt.Errorf("tiers.%s: use only one of window, windowMs or rate", name))
		}
		if t.WindowMs < 0 {
			errs = append(errs, fmt.Errorf("tiers.%s: windowMs must be > 0", name))
		}
		w, n := t.Budget()
		if w <= 0 {
			errs = append(errs, fmt.Errorf("tiers.%s: window must be > 0", name))
		}
		if n < 1 {
			errs = append(errs, fmt.Errorf("tiers.%s: maxRequests must be >= 1 (got %d)", name, n))
		}
	}

	for i, r := range p.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			errs = append(errs, fmt.Errorf("routes[%d]: path %q must start with /", i, r.Path))
		}
		if r.Tier == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: tier is required", i))
		} else if _, ok := p.Tiers[r.Tier]; !ok {
			errs = append(errs, fmt.Errorf("routes[%d]: tier %q is not defined", i, r.Tier))
		}
		for _, m := range r.Methods {
			if !knownMethods[strings.ToUpper(m)] {
				errs = append(errs, fmt.Errorf("routes[%d]: unknown method %q", i, m))
			}
		}
	}

	for i, h := range p.Identity.Headers {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, fmt.Errorf("identity.headers[%d]: must not be empty", i))
		}
	}
	if p.Identity.TrustedHops < 0 || p.Identity.TrustedHops > MaxTrustedHops {
		errs = append(errs, fmt.Errorf("identity.trustedHops must be 0..%d (got %d)", MaxTrustedHops, p.Identity.TrustedHops))
	}
	if p.SweepThreshold < 0 {
		errs = append(errs, fmt.Errorf("sweepThreshold must be >= 0 (got %d)", p.SweepThreshold))
	}

	return errors.Join(errs...)
}

func (p *Policy) tierNames() []string {
	names := make([]string, 0, len(p.Tiers))
	for name := range p.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ThrottleTiers converts the tier table for ratelimit.New.
func (p *Policy) ThrottleTiers() map[string]ratelimit.Tier {
	out := make(map[string]ratelimit.Tier, len(p.Tiers))
	for name, t := range p.Tiers {
		w, n := t.Budget()
		out[name] = ratelimit.Tier{Window: w, MaxRequests: n}
	}
	return out
}

// RouteTable compiles the routes with the default tier as fallback.
func (p *Policy) RouteTable() (*routing.Table, error) {
	routes := make([]routing.Route, len(p.Routes))
	for i, r := range p.Routes {
		routes[i] = routing.Route{Path: r.Path, Methods: r.Methods, Tier: r.Tier}
	}
	return routing.New(routes, ratelimit.DefaultTier)
}

// ClientIdentityOptions maps the identity section onto httpmw.
func (p *Policy) ClientIdentityOptions() httpmw.ClientIdentityOptions {
	return httpmw.ClientIdentityOptions{
		Headers:              p.Identity.Headers,
		Sentinel:             p.Identity.Sentinel,
		TrustedHops:          p.Identity.TrustedHops,
		PrivatePeersOnly:     p.Identity.PrivatePeersOnly,
		FallbackToRemoteAddr: p.Identity.FallbackToRemoteAddr,
	}
}
