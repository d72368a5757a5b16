// Package fetch issues outbound provider requests and absorbs rate-limit and
// transient network retries, returning only a terminal Outcome to the caller.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	errCircuitOpen  = errors.New("circuit breaker open")
	errServerError  = errors.New("server error")
	errNoHTTPClient = errors.New("http client not configured")
)

// Request describes one outbound call. Endpoint is a logical name ("city.lookup",
// "weather.current") used for metrics, logs and breaker partitioning.
type Request struct {
	Endpoint string
	Method   string
	URL      string
	Query    map[string]string
}

// Get builds a GET request.
func Get(endpoint, url string, query map[string]string) Request {
	return Request{Endpoint: endpoint, Method: http.MethodGet, URL: url, Query: query}
}

// Put builds a PUT request.
func Put(endpoint, url string, query map[string]string) Request {
	return Request{Endpoint: endpoint, Method: http.MethodPut, URL: url, Query: query}
}

// Config bundles the transport and retry settings of a Fetcher.
type Config struct {
	Client *resty.Client
	Clock  Clock
	Logger *zap.SugaredLogger

	// Limiter, when set, paces every outbound call client-side.
	Limiter *rate.Limiter

	// DefaultRetryAfter applies to 429 responses without a usable hint.
	DefaultRetryAfter time.Duration
	// RetryAfterFields are the 429 body fields consulted for a hint.
	RetryAfterFields []string

	// BreakerThreshold trips an endpoint's breaker after that many consecutive
	// network or 5xx failures. Zero disables breakers.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// Fetcher executes Requests with the retry policy described on Fetch.
type Fetcher struct {
	cfg Config
	log *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRestyClient returns a resty client with the given per-call timeout and resty's own retries disabled.
func NewRestyClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetRetryCount(0)
	return c
}

// New creates a Fetcher. Missing Clock, Logger and DefaultRetryAfter get defaults.
func New(cfg Config) *Fetcher {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.DefaultRetryAfter <= 0 {
		cfg.DefaultRetryAfter = DefaultRetryAfter
	}
	if len(cfg.RetryAfterFields) == 0 {
		cfg.RetryAfterFields = defaultRetryAfterFields
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return &Fetcher{
		cfg:      cfg,
		log:      cfg.Logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Budget is the longest one Fetch can take with maxAttempts and a per-call timeout,
// assuming 429 hints no larger than DefaultRetryAfter. At most maxAttempts-1 network
// failures and maxAttempts rate-limit waits precede the terminal call.
func Budget(maxAttempts int, callTimeout time.Duration) time.Duration {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	calls := time.Duration(2*maxAttempts) * callTimeout
	var backoff time.Duration
	for i := 0; i < maxAttempts-1; i++ {
		backoff += time.Duration(1<<i) * time.Second
	}
	waits := time.Duration(maxAttempts) * (DefaultRetryAfter + time.Second)
	return calls + backoff + waits
}

// Fetch issues req until it reaches a terminal outcome.
//
//   - 429: wait retry-after+1 seconds (DefaultRetryAfter when there is no hint) and retry.
//     These waits do not consume attempts, but after
//     maxAttempts of them the next 429 returns RateLimited.
//   - network error: retry after 2^attempt seconds (attempt is 0-indexed) until maxAttempts
//     calls have failed, then return TransientFailure.
//   - 2xx: Success.
//   - anything else: PermanentFailure, no retry.
//
// Cancelling ctx interrupts a wait and yields TransientFailure carrying ctx.Err().
func (f *Fetcher) Fetch(ctx context.Context, req Request, maxAttempts int) Outcome {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	requestID := uuid.NewString()

	var (
		attempt int
		waits   int
		calls   int
	)

	finish := func(o Outcome) Outcome {
		o.Calls = calls
		outcomesTotal.WithLabelValues(req.Endpoint, o.Kind.String()).Inc()
		if !o.OK() {
			f.log.Warnw("fetch: terminal failure",
				"endpoint", req.Endpoint, "outcome", o.Kind.String(),
				"calls", calls, "request_id", requestID, "error", o.Err())
		}
		return o
	}

	for {
		if err := f.wait(ctx); err != nil {
			return finish(transient(err))
		}

		calls++
		resp, err := f.call(ctx, req, requestID)
		if err != nil {
			if errors.Is(err, errCircuitOpen) {
				callsTotal.WithLabelValues(req.Endpoint, resultBreakerOpen).Inc()
				return finish(transient(err))
			}
			callsTotal.WithLabelValues(req.Endpoint, resultNetwork).Inc()
			if ctx.Err() != nil || attempt >= maxAttempts-1 {
				return finish(transient(err))
			}

			delay := time.Duration(1<<attempt) * time.Second
			f.log.Debugw("fetch: network error, backing off",
				"endpoint", req.Endpoint, "attempt", attempt, "delay", delay, "error", err)
			if err := f.sleep(ctx, req.Endpoint, "network", delay); err != nil {
				return finish(transient(err))
			}
			attempt++
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusTooManyRequests:
			callsTotal.WithLabelValues(req.Endpoint, resultRateLimited).Inc()
			retryAfter, ok := parseRetryAfter(resp.Body(), resp.Header().Get("Retry-After"), f.cfg.RetryAfterFields)
			delay := retryAfter + time.Second
			if !ok {
				retryAfter = f.cfg.DefaultRetryAfter
				delay = retryAfter
			}
			if waits >= maxAttempts {
				return finish(rateLimited(retryAfter))
			}
			waits++

			f.log.Infow("fetch: rate limited, waiting",
				"endpoint", req.Endpoint, "wait", delay, "waits", waits)
			if err := f.sleep(ctx, req.Endpoint, "rate_limit", delay); err != nil {
				return finish(transient(err))
			}

		case status >= 200 && status < 300:
			callsTotal.WithLabelValues(req.Endpoint, resultSuccess).Inc()
			return finish(success(status, resp.Body()))

		default:
			callsTotal.WithLabelValues(req.Endpoint, resultStatus).Inc()
			return finish(permanent(status, resp.Body()))
		}
	}
}

// call performs one HTTP exchange, through the endpoint breaker when breakers are enabled.
func (f *Fetcher) call(ctx context.Context, req Request, requestID string) (*resty.Response, error) {
	if f.cfg.Client == nil {
		return nil, errNoHTTPClient
	}

	do := func() (*resty.Response, error) {
		r := f.cfg.Client.R().
			SetContext(ctx).
			SetHeader("X-Request-ID", requestID)
		if len(req.Query) > 0 {
			r.SetQueryParams(req.Query)
		}
		return r.Execute(req.Method, req.URL)
	}

	cb := f.breaker(req.Endpoint)
	if cb == nil {
		return do()
	}

	var resp *resty.Response
	_, err := cb.Execute(func() (interface{}, error) {
		r, execErr := do()
		if execErr != nil {
			return nil, execErr
		}
		resp = r
		if r.StatusCode() >= 500 {
			return nil, errServerError
		}
		return nil, nil
	})
	switch {
	case err == nil, errors.Is(err, errServerError):
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
	default:
		return nil, err
	}
}

func (f *Fetcher) breaker(endpoint string) *gobreaker.CircuitBreaker {
	if f.cfg.BreakerThreshold == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[endpoint]; ok {
		return cb
	}
	threshold := f.cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     f.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.log.Warnw("fetch: circuit breaker state changed",
				"endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	f.breakers[endpoint] = cb
	return cb
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.cfg.Limiter == nil {
		return ctx.Err()
	}
	return f.cfg.Limiter.Wait(ctx)
}

func (f *Fetcher) sleep(ctx context.Context, endpoint, reason string, d time.Duration) error {
	backoffSeconds.WithLabelValues(endpoint, reason).Add(d.Seconds())
	return f.cfg.Clock.Sleep(ctx, d)
}
