// Package routing maps a request's method and path to a throttle tier.
package routing

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/vasayxtx/go-glob"

	"github.com/keithlinneman/linnemanlabs-throttle/internal/pathutil"
)

// Route assigns Tier to requests whose cleaned path matches Path.
// Path is a glob where "*" matches any run of characters, "/" included.
// Empty Methods matches every method.
type Route struct {
	Path    string
	Methods []string
	Tier    string
}

type compiledRoute struct {
	Route
	match   func(string) bool
	methods map[string]bool
}

// Table resolves tiers in declaration order. It is immutable and safe for
// concurrent use.
type Table struct {
	routes   []compiledRoute
	fallback string
}

// New compiles routes. fallback is returned when nothing matches and must
// not be empty.
func New(routes []Route, fallback string) (*Table, error) {
	if fallback == "" {
		return nil, errors.New("routing: fallback tier must not be empty")
	}
	t := &Table{fallback: fallback, routes: make([]compiledRoute, 0, len(routes))}

	var errs []error
	for i, r := range routes {
		switch {
		case !strings.HasPrefix(r.Path, "/"):
			errs = append(errs, fmt.Errorf("routing: route %d: path %q must start with /", i, r.Path))
			continue
		case r.Tier == "":
			errs = append(errs, fmt.Errorf("routing: route %d (%s): tier must not be empty", i, r.Path))
			continue
		}

		cr := compiledRoute{Route: r, match: glob.Compile(r.Path)}
		if len(r.Methods) > 0 {
			cr.methods = make(map[string]bool, len(r.Methods))
			for _, m := range r.Methods {
				cr.methods[strings.ToUpper(strings.TrimSpace(m))] = true
			}
		}
		t.routes = append(t.routes, cr)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Tier returns the tier of the first route matching method and path, or the
// fallback. The path is cleaned first so dot segments and doubled slashes
// can't be used to land in a more generous tier. A trailing slash is
// ignored for matching: "/api/vote/" resolves like "/api/vote", since most
// upstream routers serve both.
func (t *Table) Tier(method, path string) string {
	p := pathutil.CleanURLPath(path)
	trimmed := p
	if len(p) > 1 {
		trimmed = strings.TrimSuffix(p, "/")
	}
	m := strings.ToUpper(method)
	for i := range t.routes {
		r := &t.routes[i]
		if !r.allows(m) {
			continue
		}
		if r.match(p) || (trimmed != p && r.match(trimmed)) {
			return r.Tier
		}
	}
	return t.fallback
}

func (r *compiledRoute) allows(method string) bool {
	if r.methods == nil {
		return true
	}
	if r.methods[method] {
		return true
	}
	return method == http.MethodHead && r.methods[http.MethodGet]
}

// Tiers lists every tier the table can return, fallback included, in first
// appearance order with no duplicates.
func (t *Table) Tiers() []string {
	seen := map[string]bool{t.fallback: true}
	out := []string{t.fallback}
	for _, r := range t.routes {
		if !seen[r.Tier] {
			seen[r.Tier] = true
			out = append(out, r.Tier)
		}
	}
	return out
}

// Routes returns a copy of the declared routes.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Route
	}
	return out
}

// Validate checks that every tier the table can return passes known, so a
// misconfigured route fails at startup instead of as a 500 per request.
func (t *Table) Validate(known func(tier string) bool) error {
	var errs []error
	for _, name := range t.Tiers() {
		if !known(name) {
			errs = append(errs, fmt.Errorf("routing: tier %q is not configured", name))
		}
	}
	return errors.Join(errs...)
}
