package proxy

import (
	"math/rand"
	"sync/atomic"
)

// HealthSource reports whether a backend may receive traffic.
type HealthSource interface {
	IsHealthy(url string) bool
}

// LoadBalancer distributes requests across the backends of one route.
// Supports round-robin and random strategies and skips unhealthy backends.
type LoadBalancer struct {
	backends []string
	strategy string
	counter  uint64 // atomic counter for round-robin
	health   HealthSource
}

// NewLoadBalancer creates a load balancer for the given backends.
// strategy: "round-robin" (default) or "random". health may be nil.
func NewLoadBalancer(backends []string, strategy string, health HealthSource) *LoadBalancer {
	if strategy == "" {
		strategy = "round-robin"
	}
	return &LoadBalancer{
		backends: backends,
		strategy: strategy,
		health:   health,
	}
}

// Next returns the next backend URL, or "" when the route has no backends.
func (lb *LoadBalancer) Next() string {
	healthy := lb.healthyBackends()
	if len(healthy) == 0 {
		return ""
	}

	switch lb.strategy {
	case "random":
		return healthy[rand.Intn(len(healthy))]
	default:
		idx := atomic.AddUint64(&lb.counter, 1) - 1
		return healthy[idx%uint64(len(healthy))]
	}
}

// Backends returns every backend of the route.
func (lb *LoadBalancer) Backends() []string {
	return lb.backends
}

// healthyBackends filters by health. When every backend is down all of them
// are returned, leaving failure handling to the circuit breaker.
func (lb *LoadBalancer) healthyBackends() []string {
	if lb.health == nil {
		return lb.backends
	}

	var healthy []string
	for _, backend := range lb.backends {
		if lb.health.IsHealthy(backend) {
			healthy = append(healthy, backend)
		}
	}

	if len(healthy) == 0 {
		return lb.backends
	}
	return healthy
}
