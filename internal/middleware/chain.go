package middleware

import "github.com/thommahoney/fast-rack/internal/rack"

// Component owns long-lived, concurrency-safe state (limiters, breakers,
// route tables) and hands out a fresh rack.Middleware for every run, so
// per-run state never leaks between requests.
type Component interface {
	Middleware() rack.Middleware
}

// ComponentFunc adapts a function to Component.
type ComponentFunc func() rack.Middleware

// Middleware calls f.
func (f ComponentFunc) Middleware() rack.Middleware {
	return f()
}

// Chain registers a fresh middleware from each component, in order.
// Chain(rk, A, B, C) runs requests through A → B → C and responses back
// through C → B → A.
func Chain(rk *rack.Rack, components ...Component) *rack.Rack {
	for _, c := range components {
		rk.Add(c.Middleware())
	}
	return rk
}
