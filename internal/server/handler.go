package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/thommahoney/fast-rack/internal/dashboard"
	"github.com/thommahoney/fast-rack/internal/metrics"
	"github.com/thommahoney/fast-rack/internal/middleware"
	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// Builder returns a rack ready for one run. Pipeline.Build satisfies it.
type Builder func(opts ...rack.Option) *rack.Rack

// Handler serves every request through a freshly built rack.
//
// The access log, response metrics and dashboard capture live here rather
// than in the rack: a synthetic response skips the response phase, and the
// host is the only place that sees every run finish.
type Handler struct {
	build   Builder
	router  *proxy.Router
	metrics *metrics.Metrics
	capture *Capture
	logger  *zap.Logger
}

// NewHandler creates the host adapter. router, m and capture may be nil.
func NewHandler(build Builder, router *proxy.Router, m *metrics.Metrics, capture *Capture, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		build:   build,
		router:  router,
		metrics: m,
		capture: capture,
		logger:  logger,
	}
}

// statsRecorder keeps the stats of the run it observes and forwards them.
type statsRecorder struct {
	stats rack.RunStats
	next  rack.Observer
}

func (s *statsRecorder) ObserveRun(stats rack.RunStats) {
	s.stats = stats
	if s.next != nil {
		s.next.ObserveRun(stats)
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	rec := &statsRecorder{}
	if h.metrics != nil {
		rec.next = h.metrics
	}
	rk := h.build(rack.WithObserver(rec))

	resp, err := rk.Run(r)
	if err != nil {
		h.logger.Error("pipeline failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		resp = errorResponse(http.StatusInternalServerError, "internal pipeline error")
	}
	if werr := resp.WriteHTTP(w); werr != nil {
		h.logger.Debug("failed to write response", zap.Error(werr))
	}

	h.record(r, resp, rec.stats, err, start)
}

func (h *Handler) record(r *http.Request, resp *rack.Response, stats rack.RunStats, runErr error, start time.Time) {
	latency := time.Since(start)
	route := "unmatched"
	if h.router != nil {
		route = h.router.Name(r.URL.Path)
	}
	id := resp.Header.Get(middleware.RequestIDHeader)
	if id == "" {
		id = middleware.GetRequestID(r)
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	clientIP := middleware.ClientIP(r)

	h.logger.Info("request",
		zap.String("request_id", id),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("route", route),
		zap.Int("status", status),
		zap.Duration("duration", latency),
		zap.String("client_ip", clientIP),
		zap.Stringer("result", stats.Result),
		zap.Int("passes", stats.Passes),
		zap.Int("retries", stats.Retries),
	)

	if h.metrics != nil {
		h.metrics.ObserveResponse(r.Method, route, status)
	}

	if h.capture != nil {
		log := dashboard.RequestLog{
			ID:        id,
			Timestamp: start.UTC(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Route:     route,
			Status:    status,
			Latency:   latency,
			ClientIP:  clientIP,
			BytesIn:   r.ContentLength,
			BytesOut:  int64(len(resp.Body)),
			Backend:   resp.Header.Get(middleware.BackendHeader),
			Result:    stats.Result.String(),
			Passes:    stats.Passes,
			Retries:   stats.Retries,
		}
		if runErr != nil {
			log.Error = runErr.Error()
		}
		h.capture.Record(log)
	}
}

// errorResponse builds a JSON error body.
func errorResponse(status int, msg string) *rack.Response {
	body, _ := json.Marshal(map[string]string{"error": msg})
	resp := rack.NewResponse()
	resp.StatusCode = status
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = body
	return resp
}
