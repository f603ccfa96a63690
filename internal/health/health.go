package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BackendStatus tracks the health of a single backend.
type BackendStatus struct {
	URL       string    `json:"url"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
}

// HealthChecker probes backends on a timer and caches the results, so the
// load balancer and /health never probe on the request path.
type HealthChecker struct {
	backends  map[string]*BackendStatus
	mu        sync.RWMutex
	startTime time.Time
	client    *http.Client
	logger    *zap.Logger

	// OnStateChange fires when a backend flips between healthy and unhealthy.
	OnStateChange func(url string, isHealthy bool)
}

// NewHealthChecker creates a HealthChecker for the given backend URLs.
// Backends start healthy until the first probe says otherwise.
func NewHealthChecker(backendURLs []string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	backends := make(map[string]*BackendStatus)
	for _, url := range backendURLs {
		backends[url] = &BackendStatus{URL: url, Healthy: true}
	}

	return &HealthChecker{
		backends:  backends,
		startTime: time.Now(),
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    logger,
	}
}

// checkBackend returns true if the backend answers with a non-5xx status.
func (hc *HealthChecker) checkBackend(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := hc.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// urls snapshots the registered backend URLs.
func (hc *HealthChecker) urls() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	out := make([]string, 0, len(hc.backends))
	for url := range hc.backends {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

// RunChecks performs one probe of every backend.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	for _, url := range hc.urls() {
		healthy := hc.checkBackend(ctx, url)

		hc.mu.Lock()
		status := hc.backends[url]
		wasHealthy := status.Healthy
		status.Healthy = healthy
		status.LastCheck = time.Now()
		hc.mu.Unlock()

		if wasHealthy != healthy {
			hc.logger.Info("backend health changed", zap.String("backend", url), zap.Bool("healthy", healthy))
			if hc.OnStateChange != nil {
				hc.OnStateChange(url, healthy)
			}
		}
	}
}

// Start probes immediately and then every interval until ctx is cancelled.
func (hc *HealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		hc.RunChecks(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hc.RunChecks(ctx)
			}
		}
	}()
}

// AddBackend registers a backend at runtime. It is unhealthy until probed.
func (hc *HealthChecker) AddBackend(url string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, exists := hc.backends[url]; !exists {
		hc.backends[url] = &BackendStatus{URL: url}
	}
}

// IsHealthy returns whether a backend is currently healthy. Unknown backends
// are unhealthy.
func (hc *HealthChecker) IsHealthy(url string) bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if status, exists := hc.backends[url]; exists {
		return status.Healthy
	}
	return false
}

// BackendCounts returns the number of healthy and total backends.
func (hc *HealthChecker) BackendCounts() (healthy, total int) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	for _, status := range hc.backends {
		if status.Healthy {
			healthy++
		}
	}
	return healthy, len(hc.backends)
}

// Uptime returns time since the checker was created, rounded to seconds.
func (hc *HealthChecker) Uptime() string {
	return time.Since(hc.startTime).Round(time.Second).String()
}

type healthResponse struct {
	Status   string          `json:"status"`
	Uptime   string          `json:"uptime"`
	Backends []BackendStatus `json:"backends"`
}

// Handler serves /health: 200 when every backend is healthy, 503 otherwise.
func (hc *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "healthy", Uptime: hc.Uptime()}

		hc.mu.RLock()
		for _, status := range hc.backends {
			resp.Backends = append(resp.Backends, *status)
			if !status.Healthy {
				resp.Status = "degraded"
			}
		}
		hc.mu.RUnlock()

		sort.Slice(resp.Backends, func(i, j int) bool {
			return resp.Backends[i].URL < resp.Backends[j].URL
		})

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
