package middleware

import (
	"net/http"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// Synthetic answers configured paths with canned responses (maintenance
// pages, robots.txt, health stubs) without reaching a backend.
type Synthetic struct {
	routes map[string]config.SyntheticRoute
}

// NewSynthetic creates the component. Paths match exactly.
func NewSynthetic(routes []config.SyntheticRoute) *Synthetic {
	s := &Synthetic{routes: make(map[string]config.SyntheticRoute, len(routes))}
	for _, r := range routes {
		s.routes[r.Path] = r
	}
	return s
}

// Middleware returns the middleware. It is stateless, so the component
// itself is shared.
func (s *Synthetic) Middleware() rack.Middleware {
	return s
}

func (s *Synthetic) OnRequest(req *http.Request) rack.Outcome {
	r, ok := s.routes[req.URL.Path]
	if !ok {
		return rack.Continue()
	}

	// Build a fresh response every time: the rack hands it to the host,
	// which may mutate it.
	resp := rack.NewResponse()
	resp.StatusCode = r.Status
	resp.Body = []byte(r.Body)
	if r.ContentType != "" {
		resp.Header.Set("Content-Type", r.ContentType)
	} else {
		resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	return rack.Synthetic(resp)
}

func (s *Synthetic) OnResponse(_ *rack.Response) rack.Outcome {
	return rack.Continue()
}
