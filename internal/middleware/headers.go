package middleware

import (
	"net/http"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// Headers rewrites request headers on the way in and response headers on
// the way out. It keeps no per-run state.
type Headers struct {
	cfg config.HeadersConfig
}

// NewHeaders creates the header rewrite component.
func NewHeaders(cfg config.HeadersConfig) *Headers {
	return &Headers{cfg: cfg}
}

// Middleware returns the middleware. It is stateless, so the component
// itself is shared.
func (h *Headers) Middleware() rack.Middleware {
	return h
}

func (h *Headers) OnRequest(req *http.Request) rack.Outcome {
	rewrite(req.Header, h.cfg.RequestRemove, h.cfg.RequestSet)
	return rack.Continue()
}

func (h *Headers) OnResponse(resp *rack.Response) rack.Outcome {
	rewrite(resp.Header, h.cfg.ResponseRemove, h.cfg.ResponseSet)
	return rack.Continue()
}

func rewrite(header http.Header, remove []string, set map[string]string) {
	for _, name := range remove {
		header.Del(name)
	}
	for name, value := range set {
		header.Set(name, value)
	}
}
