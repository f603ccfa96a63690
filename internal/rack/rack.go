// Package rack runs an ordered set of middleware over a single request in two
// phases: the request phase walks the middleware in registration order, the
// response phase walks them in reverse. A middleware can short-circuit the
// request phase with a synthetic response or force the whole pipeline to run
// again, up to a fixed number of retries.
//
// A Rack is not safe for concurrent use. Hosts serving many requests build a
// fresh Rack (and fresh per-run middleware) for every request.
package rack

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries bounds how many times one run may restart.
	DefaultMaxRetries = 3

	// DefaultRetryHeader is set on the final response when a run retried.
	DefaultRetryHeader = "X-Rack-Retries"
)

// Middleware is one stage of the pipeline.
//
// OnRequest may return Continue, Retry or Synthetic. OnResponse may return
// Continue or Retry; a Synthetic from OnResponse aborts the run with
// ErrSyntheticInResponsePhase.
type Middleware interface {
	OnRequest(req *http.Request) Outcome
	OnResponse(resp *Response) Outcome
}

// Finisher is implemented by middleware that hold state across a run, such
// as a circuit breaker ticket. Finish is called once per run, in reverse
// registration order, however the run ended.
type Finisher interface {
	Finish()
}

// MiddlewareFuncs adapts a pair of plain functions to Middleware.
// A nil func continues.
type MiddlewareFuncs struct {
	Request  func(req *http.Request) Outcome
	Response func(resp *Response) Outcome
}

func (f MiddlewareFuncs) OnRequest(req *http.Request) Outcome {
	if f.Request == nil {
		return Continue()
	}
	return f.Request(req)
}

func (f MiddlewareFuncs) OnResponse(resp *Response) Outcome {
	if f.Response == nil {
		return Continue()
	}
	return f.Response(resp)
}

// Phase names one of the two traversals of a pass.
type Phase int

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	if p == PhaseResponse {
		return "response"
	}
	return "request"
}

// Result summarises how a run ended.
type Result int

const (
	ResultComplete  Result = iota // every middleware continued through both phases
	ResultSynthetic               // a middleware short-circuited the request phase
	ResultExhausted               // the retry bound was hit
	ResultError                   // a middleware broke the phase contract
)

func (r Result) String() string {
	switch r {
	case ResultComplete:
		return "complete"
	case ResultSynthetic:
		return "synthetic"
	case ResultExhausted:
		return "exhausted"
	case ResultError:
		return "error"
	default:
		return "unknown"
	}
}

// RunStats describes one finished run.
type RunStats struct {
	Result   Result
	Passes   int
	Retries  int
	Duration time.Duration
}

// Observer is notified once at the end of every run.
type Observer interface {
	ObserveRun(stats RunStats)
}

// Option configures a Rack.
type Option func(*Rack)

// WithMaxRetries sets the retry bound. Negative values are treated as zero,
// which makes the first Retry end the run.
func WithMaxRetries(n int) Option {
	return func(rk *Rack) {
		if n < 0 {
			n = 0
		}
		rk.maxRetries = n
	}
}

// WithRetryHeader changes the header used to report the retry count.
func WithRetryHeader(name string) Option {
	return func(rk *Rack) {
		if name != "" {
			rk.retryHeader = name
		}
	}
}

// WithLogger attaches a logger for retry and failure events.
func WithLogger(l *zap.Logger) Option {
	return func(rk *Rack) {
		if l != nil {
			rk.logger = l
		}
	}
}

// WithObserver registers an observer for run statistics.
func WithObserver(o Observer) Option {
	return func(rk *Rack) {
		rk.observer = o
	}
}

// Rack owns the ordered middleware list and drives runs over it.
type Rack struct {
	middleware  []Middleware
	maxRetries  int
	retryHeader string
	logger      *zap.Logger
	observer    Observer
}

// New creates an empty rack.
func New(opts ...Option) *Rack {
	rk := &Rack{
		maxRetries:  DefaultMaxRetries,
		retryHeader: DefaultRetryHeader,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(rk)
	}
	return rk
}

// Add appends m. Registration order is request-phase order.
func (rk *Rack) Add(m Middleware) {
	rk.middleware = append(rk.middleware, m)
}

// Len returns the number of registered middleware.
func (rk *Rack) Len() int {
	return len(rk.middleware)
}

// MaxRetries returns the retry bound of this rack.
func (rk *Rack) MaxRetries() int {
	return rk.maxRetries
}

// Run drives req through the pipeline and returns the final response.
//
// Retries and synthetic responses never produce an error. The only error is a
// middleware breaking the phase contract, in which case no response is
// returned.
func (rk *Rack) Run(req *http.Request) (*Response, error) {
	defer rk.finish()

	start := time.Now()
	response := NewResponse()
	retries := 0
	passes := 0
	result := ResultComplete

loop:
	for {
		passes++

		out, idx := rk.requestPhase(req)
		switch out.Kind() {
		case KindContinue:
		case KindSynthetic:
			response = out.Response()
			if response == nil {
				response = NewResponse()
			}
			result = ResultSynthetic
			break loop
		case KindRetry:
			retries++
			if rk.exhausted(PhaseRequest, idx, retries) {
				result = ResultExhausted
				break loop
			}
			continue loop
		default:
			return nil, rk.fail(PhaseRequest, idx, ErrUnknownOutcome, passes, retries, start)
		}

		out, idx = rk.responsePhase(response)
		switch out.Kind() {
		case KindContinue:
			break loop
		case KindRetry:
			retries++
			if rk.exhausted(PhaseResponse, idx, retries) {
				result = ResultExhausted
				break loop
			}
		case KindSynthetic:
			return nil, rk.fail(PhaseResponse, idx, ErrSyntheticInResponsePhase, passes, retries, start)
		default:
			return nil, rk.fail(PhaseResponse, idx, ErrUnknownOutcome, passes, retries, start)
		}
	}

	if retries > 0 {
		if response.Header == nil {
			response.Header = make(http.Header)
		}
		response.Header.Set(rk.retryHeader, strconv.Itoa(retries))
	}

	rk.observe(RunStats{Result: result, Passes: passes, Retries: retries, Duration: time.Since(start)})
	return response, nil
}

// requestPhase returns the first non-Continue outcome and the index of the
// middleware that produced it, or Continue and -1.
func (rk *Rack) requestPhase(req *http.Request) (Outcome, int) {
	for i, m := range rk.middleware {
		if out := m.OnRequest(req); out.Kind() != KindContinue {
			return out, i
		}
	}
	return Continue(), -1
}

func (rk *Rack) responsePhase(resp *Response) (Outcome, int) {
	for i := len(rk.middleware) - 1; i >= 0; i-- {
		if out := rk.middleware[i].OnResponse(resp); out.Kind() != KindContinue {
			return out, i
		}
	}
	return Continue(), -1
}

func (rk *Rack) exhausted(phase Phase, idx, retries int) bool {
	if retries >= rk.maxRetries {
		rk.logger.Warn("rack retries exhausted",
			zap.Stringer("phase", phase),
			zap.Int("middleware", idx),
			zap.Int("retries", retries),
		)
		return true
	}
	rk.logger.Debug("rack retry",
		zap.Stringer("phase", phase),
		zap.Int("middleware", idx),
		zap.Int("retries", retries),
	)
	return false
}

func (rk *Rack) fail(phase Phase, idx int, err error, passes, retries int, start time.Time) error {
	perr := &PhaseError{Phase: phase, Index: idx, Err: err}
	rk.logger.Error("rack run aborted", zap.Error(perr))
	rk.observe(RunStats{Result: ResultError, Passes: passes, Retries: retries, Duration: time.Since(start)})
	return perr
}

func (rk *Rack) finish() {
	for i := len(rk.middleware) - 1; i >= 0; i-- {
		if f, ok := rk.middleware[i].(Finisher); ok {
			f.Finish()
		}
	}
}

func (rk *Rack) observe(stats RunStats) {
	if rk.observer != nil {
		rk.observer.ObserveRun(stats)
	}
}
