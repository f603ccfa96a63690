package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/thommahoney/fast-rack/internal/proxy"
	"github.com/thommahoney/fast-rack/internal/rack"
)

var (
	errUpstreamFailure = errors.New("upstream returned 5xx")
	errNotAttempted    = errors.New("pass ended before the upstream answered")
)

// CircuitBreaker keeps one two-step breaker per route. A pass takes a ticket
// in the request phase (503 when the breaker refuses) and settles it with the
// upstream status in the response phase, where 5xx counts as a failure. While
// half-open only one ticket is out at a time.
//
// A ticket left unsettled by a pass that ended early (a synthetic response
// from an inner middleware, or a broken run) is released on the next pass or
// by Finish without counting as a success or a failure.
//
// Register it after UpstreamRetry so every upstream attempt is recorded
// before a retry is requested, and so a retry stops at an open breaker.
type CircuitBreaker struct {
	router   *proxy.Router
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewCircuitBreaker creates a breaker for every route.
// threshold = consecutive failures before opening (e.g., 5)
// timeout = how long to stay open before letting a trial request through (e.g., 30s)
// onChange may be nil.
func NewCircuitBreaker(router *proxy.Router, threshold int, timeout time.Duration, logger *zap.Logger, onChange func(name string, state gobreaker.State)) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		router:   router,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
	}
	for _, name := range router.RouteNames() {
		key := router.Name(name)
		cb.breakers[key] = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(threshold)
			},
			IsExcluded: func(err error) bool {
				return errors.Is(err, errNotAttempted)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					zap.String("route", name),
					zap.Stringer("from", from),
					zap.Stringer("to", to),
				)
				if onChange != nil {
					onChange(name, to)
				}
			},
		})
	}
	return cb
}

// State returns the state of the breaker guarding route.
func (cb *CircuitBreaker) State(route string) (gobreaker.State, bool) {
	br, ok := cb.breakers[route]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return br.State(), true
}

// Middleware returns the per-run middleware.
func (cb *CircuitBreaker) Middleware() rack.Middleware {
	return &breakerRun{cb: cb}
}

type breakerRun struct {
	cb   *CircuitBreaker
	done func(err error)
}

func (m *breakerRun) OnRequest(req *http.Request) rack.Outcome {
	m.Finish()

	br := m.cb.breakers[m.cb.router.Name(req.URL.Path)]
	if br == nil {
		return rack.Continue()
	}
	// ErrOpenState or, while half-open, ErrTooManyRequests.
	done, err := br.Allow()
	if err != nil {
		return rack.Synthetic(rack.NewTextResponse(http.StatusServiceUnavailable, "Service Unavailable"))
	}
	m.done = done
	return rack.Continue()
}

func (m *breakerRun) OnResponse(resp *rack.Response) rack.Outcome {
	if m.done == nil {
		return rack.Continue()
	}
	var err error
	if resp.StatusCode >= http.StatusInternalServerError {
		err = errUpstreamFailure
	}
	m.done(err)
	m.done = nil
	return rack.Continue()
}

// Finish releases a ticket the response phase never reached.
func (m *breakerRun) Finish() {
	if m.done != nil {
		m.done(errNotAttempted)
		m.done = nil
	}
}
