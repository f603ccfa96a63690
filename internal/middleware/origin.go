package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// BackendHeader names the backend that served a response.
const BackendHeader = "X-Proxy-Backend"

// Origin is the innermost middleware: it resolves the route in the request
// phase and, being first in the response phase, fetches the upstream
// response into the run's response. Every pass fetches again, so a retry
// requested by an outer middleware reaches the backend again (possibly a
// different one).
type Origin struct {
	router   *proxy.Router
	upstream *proxy.Upstream
	logger   *zap.Logger
}

// NewOrigin creates the origin component.
func NewOrigin(router *proxy.Router, upstream *proxy.Upstream, logger *zap.Logger) *Origin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Origin{router: router, upstream: upstream, logger: logger}
}

// Middleware returns the per-run middleware.
func (o *Origin) Middleware() rack.Middleware {
	return &originRun{o: o}
}

type originRun struct {
	o        *Origin
	req      *http.Request
	route    *proxy.Route
	body     []byte
	buffered bool
}

func (m *originRun) OnRequest(req *http.Request) rack.Outcome {
	m.req = req

	route, ok := m.o.router.Match(req.URL.Path)
	if !ok {
		return rack.Synthetic(rack.NewTextResponse(http.StatusNotFound, "No route for "+req.URL.Path))
	}
	m.route = route

	// Buffer the body once so every pass can replay it.
	if !m.buffered {
		body, err := proxy.ReadBody(req)
		if err != nil {
			return rack.Synthetic(rack.NewTextResponse(http.StatusRequestEntityTooLarge, "Request Entity Too Large"))
		}
		m.body = body
		m.buffered = true
	}
	return rack.Continue()
}

func (m *originRun) OnResponse(resp *rack.Response) rack.Outcome {
	backend := m.route.Balancer.Next()
	if backend == "" {
		replace(resp, rack.NewTextResponse(http.StatusServiceUnavailable, "No healthy backends available"))
		return rack.Continue()
	}

	fetched, err := m.o.upstream.Do(m.req, m.body, backend)
	if err != nil {
		m.o.logger.Warn("upstream request failed",
			zap.String("backend", backend),
			zap.String("path", m.req.URL.Path),
			zap.Error(err),
		)
		fetched = rack.NewTextResponse(http.StatusBadGateway, "Bad Gateway")
	}
	fetched.Header.Set(BackendHeader, backend)
	replace(resp, fetched)
	return rack.Continue()
}

// replace overwrites dst in place, since the rack owns the pointer.
func replace(dst, src *rack.Response) {
	dst.StatusCode = src.StatusCode
	dst.Header = src.Header
	dst.Body = src.Body
}
