package middleware

import (
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/thommahoney/fast-rack/internal/rack"
)

// RequestIDHeader carries the request ID on both the request and response.
const RequestIDHeader = "X-Request-ID"

func init() {
	// Batch crypto/rand reads for UUID generation.
	uuid.EnableRandPool()
}

// RequestID assigns every request an ID:
//   - reused from the client's X-Request-ID when present (distributed tracing)
//   - otherwise a new UUID
//
// The ID is written onto the request for downstream middleware and the
// backend, and echoed on the response. Retries keep the same ID.
type RequestID struct {
	generate func() string
}

// NewRequestID creates the request ID component.
func NewRequestID() *RequestID {
	return &RequestID{generate: func() string { return uuid.New().String() }}
}

// Middleware returns the per-run middleware.
func (c *RequestID) Middleware() rack.Middleware {
	return &requestIDRun{c: c}
}

type requestIDRun struct {
	c  *RequestID
	id string
}

func (m *requestIDRun) OnRequest(req *http.Request) rack.Outcome {
	if m.id == "" {
		m.id = req.Header.Get(RequestIDHeader)
		if m.id == "" {
			m.id = m.c.generate()
		}
	}
	req.Header.Set(RequestIDHeader, m.id)
	return rack.Continue()
}

func (m *requestIDRun) OnResponse(resp *rack.Response) rack.Outcome {
	resp.Header.Set(RequestIDHeader, m.id)
	return rack.Continue()
}

// GetRequestID returns the request ID assigned to req, or "".
func GetRequestID(req *http.Request) string {
	return req.Header.Get(RequestIDHeader)
}

// ClientIP extracts the client address without port.
func ClientIP(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return ip
}
