package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/dashboard"
	"github.com/thommahoney/fast-rack/internal/metrics"
	"github.com/thommahoney/fast-rack/internal/middleware"
	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/rack"
)

const testConfig = `
routes:
  - path: /api
    backend: %s
    retry:
      attempts: 2
      statuses: [503]
      initial_backoff: 1ms
      max_backoff: 2ms
synthetic:
  - path: /teapot
    status: 418
    body: foo
circuitbreaker:
  enabled: true
  threshold: 10
`

type gateway struct {
	handler *Handler
	store   *dashboard.LogStore
	capture *Capture
	reg     *prometheus.Registry
	logs    *observer.ObservedLogs
}

func newGateway(t *testing.T, backendURL string, extra string) *gateway {
	t.Helper()
	return newGatewayYAML(t, fmt.Sprintf(testConfig, backendURL)+extra)
}

func newGatewayYAML(t *testing.T, yaml string) *gateway {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	router := proxy.NewRouter(cfg.Routes, nil)
	store := dashboard.NewLogStore(10)
	capture := NewCapture(store, 16)

	p, err := NewPipeline(cfg, router, m, logger)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}
	return &gateway{
		handler: NewHandler(p.Build, router, m, capture, logger),
		store:   store,
		capture: capture,
		reg:     reg,
		logs:    logs,
	}
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	g.handler.ServeHTTP(rr, req)
	return rr
}

// flush waits for the capture worker to store every queued record.
func (g *gateway) flush() {
	g.capture.Close()
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSyntheticRoute(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Backend should not be reached, got %s", r.URL.Path)
	}))
	defer backend.Close()

	g := newGateway(t, backend.URL, "")
	rr := g.do(httptest.NewRequest(http.MethodGet, "/teapot", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected 418, got %d", rr.Code)
	}
	if rr.Body.String() != "foo" {
		t.Errorf("Expected body foo, got %q", rr.Body.String())
	}
	if rr.Header().Get(rack.DefaultRetryHeader) != "" {
		t.Errorf("Expected no retry header")
	}

	g.flush()
	logs := g.store.Recent(1)
	if len(logs) != 1 || logs[0].Result != "synthetic" || logs[0].Status != http.StatusTeapot {
		t.Errorf("Unexpected captured run: %+v", logs)
	}
	if got := counterValue(t, g.reg, "gateway_rack_runs_total", "result", "synthetic"); got != 1 {
		t.Errorf("Expected 1 synthetic run, got %v", got)
	}
}

func TestProxyWithRetries(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	g := newGateway(t, backend.URL, "")
	rr := g.do(httptest.NewRequest(http.MethodGet, "/api/items", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get(rack.DefaultRetryHeader); got != "2" {
		t.Errorf("Expected retry header 2, got %q", got)
	}
	if rr.Header().Get(middleware.RequestIDHeader) == "" {
		t.Errorf("Expected a request ID on the response")
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("Expected 3 upstream attempts, got %d", hits)
	}

	g.flush()
	logs := g.store.Recent(1)
	if len(logs) != 1 {
		t.Fatalf("Expected 1 captured run, got %d", len(logs))
	}
	if logs[0].Passes != 3 || logs[0].Retries != 2 || logs[0].Route != "/api" {
		t.Errorf("Unexpected captured run: %+v", logs[0])
	}
	if logs[0].Backend != backend.URL {
		t.Errorf("Expected backend %s, got %q", backend.URL, logs[0].Backend)
	}

	if got := counterValue(t, g.reg, "gateway_http_responses_total", "route", "/api"); got != 1 {
		t.Errorf("Expected 1 response on /api, got %v", got)
	}

	entries := g.logs.FilterMessage("request").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 access log line, got %d", len(entries))
	}
	if entries[0].ContextMap()["retries"] != int64(2) {
		t.Errorf("Expected retries=2 in access log, got %v", entries[0].ContextMap()["retries"])
	}
}

func TestNoRoute(t *testing.T) {
	g := newGateway(t, "http://127.0.0.1:1", "")
	rr := g.do(httptest.NewRequest(http.MethodGet, "/elsewhere", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rr.Code)
	}
	g.flush()
}

func TestAuthRejects(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	g := newGateway(t, backend.URL, "auth:\n  enabled: true\n  api_keys: [k1]\n")

	rr := g.do(httptest.NewRequest(http.MethodGet, "/api", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-API-Key", "k1")
	rr = g.do(req)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", rr.Code)
	}
	g.flush()
}

func TestPipelineFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	build := func(opts ...rack.Option) *rack.Rack {
		rk := rack.New(opts...)
		rk.Add(rack.MiddlewareFuncs{Response: func(*rack.Response) rack.Outcome {
			return rack.Synthetic(rack.NewResponse())
		}})
		return rk
	}
	h := NewHandler(build, nil, m, nil, zap.New(core))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Expected JSON body: %v", err)
	}
	if body["error"] != "internal pipeline error" {
		t.Errorf("Unexpected error body: %v", body)
	}
	if logs.FilterMessage("pipeline failed").Len() != 1 {
		t.Errorf("Expected the failure to be logged")
	}
	if got := counterValue(t, reg, "gateway_rack_runs_total", "result", "error"); got != 1 {
		t.Errorf("Expected 1 error run, got %v", got)
	}
}

func TestPipelineBuild(t *testing.T) {
	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, "http://backend") + `
ratelimit:
  enabled: true
compression:
  enabled: true
auth:
  enabled: true
  jwt_secret: s
rack:
  max_retries: 1
  retry_header: X-Retries
`))
	if err != nil {
		t.Fatalf("Failed to parse config: %v", err)
	}
	p, err := NewPipeline(cfg, proxy.NewRouter(cfg.Routes, nil), nil, nil)
	if err != nil {
		t.Fatalf("Failed to build pipeline: %v", err)
	}

	rk := p.Build()
	if rk.Len() != 9 {
		t.Errorf("Expected 9 middleware, got %d", rk.Len())
	}
	if rk.MaxRetries() != 1 {
		t.Errorf("Expected max retries 1, got %d", rk.MaxRetries())
	}
	if got := p.Build(rack.WithMaxRetries(5)).MaxRetries(); got != 5 {
		t.Errorf("Expected caller options to override configured ones, got %d", got)
	}
	if p.Breaker() == nil {
		t.Errorf("Expected circuit breaker to be built")
	}
	if p.Build() == rk {
		t.Errorf("Expected a fresh rack per build")
	}
}

func TestCaptureDropsWhenFull(t *testing.T) {
	store := dashboard.NewLogStore(10)
	c := &Capture{store: store, ch: make(chan dashboard.RequestLog, 1), done: make(chan struct{})}

	c.Record(dashboard.RequestLog{ID: "a"})
	c.Record(dashboard.RequestLog{ID: "b"})
	if c.Dropped() != 1 {
		t.Errorf("Expected 1 dropped record, got %d", c.Dropped())
	}

	go func() {
		defer close(c.done)
		for log := range c.ch {
			store.Add(log)
		}
	}()
	c.Close()
	if _, ok := store.GetByID("a"); !ok {
		t.Errorf("Expected queued record to be stored on close")
	}
}

func TestCaptureRecordAfterClose(t *testing.T) {
	store := dashboard.NewLogStore(10)
	c := NewCapture(store, 4)
	c.Close()

	c.Record(dashboard.RequestLog{ID: "late"})
	c.Close()

	if c.Dropped() != 1 {
		t.Errorf("Expected the late record to be dropped, got %d", c.Dropped())
	}
	if store.Len() != 0 {
		t.Errorf("Expected nothing stored after close, got %d", store.Len())
	}
}

func TestUnderTimeoutHandler(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	g := newGateway(t, backend.URL, "")
	h := http.TimeoutHandler(g.handler, 5*time.Second, "timeout")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected upstream 503 after retries, got %d", rr.Code)
	}
	if got := rr.Header().Get(rack.DefaultRetryHeader); got != "2" {
		t.Errorf("Expected retry header 2, got %q", got)
	}
	g.flush()
}

func TestRetryBudgetAtRackBound(t *testing.T) {
	var hits int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Server", "leaky/1.0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	g := newGatewayYAML(t, fmt.Sprintf(`
rack:
  max_retries: 3
routes:
  - path: /api
    backend: %s
    retry:
      attempts: 3
      statuses: [503]
      initial_backoff: 1ms
      max_backoff: 2ms
headers:
  response_set:
    X-Content-Type-Options: nosniff
  response_remove: [Server]
`, backend.URL))
	rr := g.do(httptest.NewRequest(http.MethodGet, "/api/x", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rr.Code)
	}
	if got := rr.Header().Get(rack.DefaultRetryHeader); got != "2" {
		t.Errorf("Expected 2 retries, got %q", got)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("Expected 3 upstream attempts, got %d", got)
	}
	if got := rr.Header().Get("Server"); got != "" {
		t.Errorf("Expected Server header removed, got %q", got)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff header, got %q", got)
	}
	if rr.Header().Get(middleware.RequestIDHeader) == "" {
		t.Errorf("Expected request ID on the final response")
	}
}
