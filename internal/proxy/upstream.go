package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thommahoney/fast-rack/internal/rack"
)

// MaxBodyBytes caps buffered request and response bodies.
const MaxBodyBytes = 10 << 20

// Hop-by-hop headers are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream sends buffered requests to backends and buffers their responses
// into rack responses, so a run can inspect and retry them.
type Upstream struct {
	client *http.Client
}

// NewUpstream creates an Upstream with the given per-attempt timeout.
func NewUpstream(timeout time.Duration) *Upstream {
	return &Upstream{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are the client's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ReadBody drains and closes req.Body, bounded by MaxBodyBytes.
func ReadBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	data, err := io.ReadAll(io.LimitReader(req.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
	}
	return data, nil
}

// Do forwards req with body to backend and returns the buffered response.
func (u *Upstream) Do(req *http.Request, body []byte, backend string) (*rack.Response, error) {
	target, err := url.Parse(backend)
	if err != nil {
		return nil, fmt.Errorf("bad backend URL %q: %w", backend, err)
	}

	out := *req.URL
	out.Scheme = target.Scheme
	out.Host = target.Host
	out.Path, out.RawPath = joinURLPath(target, req.URL)

	outReq, err := http.NewRequestWithContext(req.Context(), req.Method, out.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	outReq.Header = req.Header.Clone()
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}
	outReq.Header.Set("X-Forwarded-Host", req.Host)
	outReq.Header.Set("X-Gateway", "fast-rack")
	if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := u.client.Do(outReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request to %s failed: %w", target.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if len(data) > MaxBodyBytes {
		return nil, fmt.Errorf("upstream response from %s exceeds %d bytes", target.Host, MaxBodyBytes)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}
	// A HEAD response has no body to measure, so its length is kept.
	if req.Method != http.MethodHead {
		header.Del("Content-Length")
	}

	return &rack.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       data,
	}, nil
}

// joinURLPath joins the backend and request paths. Escaped forms such as %2F
// survive in the raw path.
func joinURLPath(a, b *url.URL) (path, rawpath string) {
	if a.RawPath == "" && b.RawPath == "" {
		return singleJoiningSlash(a.Path, b.Path), ""
	}
	apath := a.EscapedPath()
	bpath := b.EscapedPath()

	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")
	switch {
	case aslash && bslash:
		return a.Path + b.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return a.Path + "/" + b.Path, apath + "/" + bpath
	}
	return a.Path + b.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
