package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/thommahoney/fast-rack/internal/config"
	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/rack"
)

// DefaultRetryableMethods are HTTP methods safe to replay upstream.
var DefaultRetryableMethods = []string{http.MethodGet, http.MethodHead, http.MethodOptions}

// UpstreamRetry asks the rack to rerun the pipeline when the upstream answered
// with a retryable status. Each run gets the route's attempt budget, capped one
// below the rack's retry bound: a Retry that exhausts the rack ends the run
// mid response phase, before outer middleware such as Headers or RequestID
// have seen the response.
type UpstreamRetry struct {
	router     *proxy.Router
	maxRetries int
	methods    map[string]bool
	logger     *zap.Logger
	sleep      func(ctx context.Context, d time.Duration)
}

// NewUpstreamRetry creates the retry component over the configured routes.
// maxRetries is the retry bound of the racks it will run in.
func NewUpstreamRetry(router *proxy.Router, maxRetries int, logger *zap.Logger) *UpstreamRetry {
	if logger == nil {
		logger = zap.NewNop()
	}
	methods := make(map[string]bool, len(DefaultRetryableMethods))
	for _, m := range DefaultRetryableMethods {
		methods[m] = true
	}
	return &UpstreamRetry{
		router:     router,
		maxRetries: maxRetries,
		methods:    methods,
		logger:     logger,
		sleep:      sleepContext,
	}
}

// Middleware returns the per-run middleware.
func (u *UpstreamRetry) Middleware() rack.Middleware {
	return &retryRun{u: u}
}

type retryRun struct {
	u         *UpstreamRetry
	req       *http.Request
	started   bool
	remaining int
	statuses  map[int]bool
	backoff   *backoff.ExponentialBackOff
}

func (m *retryRun) OnRequest(req *http.Request) rack.Outcome {
	m.req = req
	if m.started {
		return rack.Continue()
	}
	m.started = true

	route, ok := m.u.router.Match(req.URL.Path)
	if !ok || !m.u.methods[req.Method] {
		return rack.Continue()
	}
	m.init(route.Config.Retry)
	return rack.Continue()
}

func (m *retryRun) init(cfg config.RetryConfig) {
	m.remaining = max(min(cfg.Attempts, m.u.maxRetries-1), 0)
	m.statuses = make(map[int]bool, len(cfg.Statuses))
	for _, s := range cfg.Statuses {
		m.statuses[s] = true
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	m.backoff = b
}

func (m *retryRun) OnResponse(resp *rack.Response) rack.Outcome {
	if m.remaining <= 0 || !m.statuses[resp.StatusCode] {
		return rack.Continue()
	}
	// Don't outlive the host's deadline.
	if m.req != nil && m.req.Context().Err() != nil {
		return rack.Continue()
	}

	m.remaining--
	wait := m.backoff.NextBackOff()
	m.u.logger.Debug("retrying upstream",
		zap.String("path", m.req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Int("remaining", m.remaining),
		zap.Duration("backoff", wait),
	)
	if wait > 0 {
		m.u.sleep(m.req.Context(), wait)
	}
	return rack.Retry()
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
