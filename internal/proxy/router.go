package proxy

import (
	"sort"
	"strings"

	"github.com/thommahoney/fast-rack/internal/config"
)

// Route is a configured path prefix with its load balancer.
type Route struct {
	Prefix   string
	Config   config.Route
	Balancer *LoadBalancer
}

// Router matches request paths to routes, most specific prefix first.
type Router struct {
	routes []*Route
}

// NewRouter builds a Router over the configured routes.
func NewRouter(routes []config.Route, health HealthSource) *Router {
	rt := &Router{}
	for _, r := range routes {
		rt.routes = append(rt.routes, &Route{
			Prefix:   strings.TrimSuffix(r.Path, "/"),
			Config:   r,
			Balancer: NewLoadBalancer(r.GetBackends(), r.Strategy, health),
		})
	}

	sort.SliceStable(rt.routes, func(i, j int) bool {
		return len(rt.routes[i].Prefix) > len(rt.routes[j].Prefix)
	})
	return rt
}

// Match returns the route whose prefix covers path. A prefix matches itself
// and anything below it, so /api matches /api and /api/users but not /apix.
func (rt *Router) Match(path string) (*Route, bool) {
	for _, r := range rt.routes {
		if r.Prefix == "" || path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return nil, false
}

// Name returns the matched route prefix for path, or "unmatched". Used as a
// low-cardinality metrics label.
func (rt *Router) Name(path string) string {
	if r, ok := rt.Match(path); ok {
		if r.Prefix == "" {
			return "/"
		}
		return r.Prefix
	}
	return "unmatched"
}

// RouteNames lists the configured prefixes in match order.
func (rt *Router) RouteNames() []string {
	names := make([]string, 0, len(rt.routes))
	for _, r := range rt.routes {
		names = append(names, r.Config.Path)
	}
	return names
}

// Backends lists every backend URL across all routes, without duplicates.
func (rt *Router) Backends() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range rt.routes {
		for _, b := range r.Balancer.Backends() {
			if !seen[b] {
				seen[b] = true
				out = append(out, b)
			}
		}
	}
	return out
}
