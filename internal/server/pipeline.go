// Package server adapts the rack to net/http: every inbound request gets a
// freshly built rack, and the final response is written back to the client.
package server

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/metrics"
	"github.com/thommahoney/fast-rack/internal/middleware"
	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// Pipeline holds the shared components built from config, in registration
// order:
//
//	RequestID → Compression → Headers → Synthetic → RateLimiter → Auth → UpstreamRetry → CircuitBreaker → Origin
//
// Responses travel the same list backwards, so Origin fills the response
// first and RequestID stamps it last.
type Pipeline struct {
	components []middleware.Component
	opts       []rack.Option
	breaker    *middleware.CircuitBreaker
}

// NewPipeline builds the components enabled in cfg. m and logger may be nil.
func NewPipeline(cfg *config.Config, router *proxy.Router, m *metrics.Metrics, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		opts: []rack.Option{
			rack.WithMaxRetries(cfg.MaxRetries()),
			rack.WithRetryHeader(cfg.Rack.RetryHeader),
			rack.WithLogger(logger.Named("rack")),
		},
	}

	p.components = append(p.components, middleware.NewRequestID())
	if cfg.Compression.Enabled {
		c, err := middleware.NewCompression(cfg.Compression)
		if err != nil {
			return nil, fmt.Errorf("failed to create compression: %w", err)
		}
		p.components = append(p.components, c)
	}
	p.components = append(p.components, middleware.NewHeaders(cfg.Headers))
	if len(cfg.Synthetic) > 0 {
		p.components = append(p.components, middleware.NewSynthetic(cfg.Synthetic))
	}
	if cfg.RateLimit.Enabled {
		p.components = append(p.components, middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	if cfg.Auth.Enabled {
		p.components = append(p.components, middleware.NewAuth(cfg.Auth.APIKeys, cfg.Auth.JWTSecret, cfg.Auth.Exempt))
	}
	p.components = append(p.components, middleware.NewUpstreamRetry(router, cfg.MaxRetries(), logger))
	if cfg.CircuitBreaker.Enabled {
		var onChange func(string, gobreaker.State)
		if m != nil {
			onChange = func(name string, state gobreaker.State) {
				m.SetBreakerState(name, int(state))
			}
		}
		p.breaker = middleware.NewCircuitBreaker(router, cfg.CircuitBreaker.Threshold, cfg.CircuitBreaker.Timeout, logger, onChange)
		p.components = append(p.components, p.breaker)
	}
	p.components = append(p.components, middleware.NewOrigin(router, proxy.NewUpstream(upstreamTimeout(cfg)), logger))

	return p, nil
}

// upstreamTimeout bounds a single upstream attempt. The host deadline still
// bounds the whole run.
func upstreamTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.RequestTimeout > 0 {
		return cfg.Server.RequestTimeout
	}
	return 30 * time.Second
}

// Build returns a new rack holding fresh per-run middleware. opts are applied
// after the configured ones.
func (p *Pipeline) Build(opts ...rack.Option) *rack.Rack {
	all := make([]rack.Option, 0, len(p.opts)+len(opts))
	all = append(all, p.opts...)
	all = append(all, opts...)
	return middleware.Chain(rack.New(all...), p.components...)
}

// Breaker returns the circuit breaker component, or nil when disabled.
func (p *Pipeline) Breaker() *middleware.CircuitBreaker {
	return p.breaker
}
