package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// scriptedServer replies with the given handlers in order, repeating the last one.
func scriptedServer(t *testing.T, steps ...http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1)) - 1
		if n >= len(steps) {
			n = len(steps) - 1
		}
		steps[n](w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body))
	}
}

func newTestFetcher(clock Clock) *Fetcher {
	return New(Config{
		Client: NewRestyClient(time.Second),
		Clock:  clock,
	})
}

func TestFetch_RateLimitHonorsBodyHint(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{name: "string with unit", body: `{"retry-after": "5 seconds"}`, want: 6 * time.Second},
		{name: "numeric field", body: `{"retry-after": 3}`, want: 4 * time.Second},
		{name: "underscore field", body: `{"retry_after": "0"}`, want: 1 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := scriptedServer(t,
				status(http.StatusTooManyRequests, tt.body),
				status(http.StatusOK, `{"ok":true}`),
			)
			clock := &fakeClock{}

			out := newTestFetcher(clock).Fetch(context.Background(), Get("test", srv.URL, nil), 3)

			require.Equal(t, KindSuccess, out.Kind)
			assert.Equal(t, []time.Duration{tt.want}, clock.Sleeps())
			assert.Equal(t, int32(2), atomic.LoadInt32(hits))
			assert.Equal(t, 2, out.Calls)
			assert.JSONEq(t, `{"ok":true}`, string(out.Body))
		})
	}
}

func TestFetch_RateLimitHeaderFallback(t *testing.T) {
	srv, _ := scriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("slow down"))
		},
		status(http.StatusOK, `[]`),
	)
	clock := &fakeClock{}

	out := newTestFetcher(clock).Fetch(context.Background(), Get("test", srv.URL, nil), 3)

	require.True(t, out.OK())
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Sleeps())
}

func TestFetch_RateLimitDefaultsWhenHintMissing(t *testing.T) {
	for _, body := range []string{`{}`, `{"retry-after": "soon"}`, `not json`} {
		t.Run(body, func(t *testing.T) {
			srv, _ := scriptedServer(t,
				status(http.StatusTooManyRequests, body),
				status(http.StatusOK, `{}`),
			)
			clock := &fakeClock{}

			out := newTestFetcher(clock).Fetch(context.Background(), Get("test", srv.URL, nil), 3)

			require.True(t, out.OK())
			assert.Equal(t, []time.Duration{DefaultRetryAfter}, clock.Sleeps())
		})
	}
}

func TestFetch_RateLimitWaitsAreCapped(t *testing.T) {
	srv, hits := scriptedServer(t, status(http.StatusTooManyRequests, `{"retry-after": "1"}`))
	clock := &fakeClock{}

	out := newTestFetcher(clock).Fetch(context.Background(), Get("test", srv.URL, nil), 3)

	require.Equal(t, KindRateLimited, out.Kind)
	assert.Equal(t, time.Second, out.RetryAfter)
	assert.Len(t, clock.Sleeps(), 3)
	assert.Equal(t, int32(4), atomic.LoadInt32(hits))
	assert.ErrorIs(t, out.Err(), ErrRateLimited)
}

func TestFetch_NetworkErrorsBackOffExponentially(t *testing.T) {
	var calls int32
	client := NewRestyClient(time.Second)
	client.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("connection refused")
	}))
	clock := &fakeClock{}
	f := New(Config{Client: client, Clock: clock})

	out := f.Fetch(context.Background(), Get("test", "http://upstream.invalid/x", nil), 3)

	require.Equal(t, KindTransient, out.Kind)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3, out.Calls)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, clock.Sleeps())
	assert.ErrorIs(t, out.Err(), ErrTransient)
}

func TestFetch_NetworkErrorThenSuccess(t *testing.T) {
	var calls int32
	client := NewRestyClient(time.Second)
	client.SetTransport(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("i/o timeout")
		}
		rec := httptest.NewRecorder()
		rec.WriteHeader(http.StatusOK)
		_, _ = rec.WriteString(`{"id":1}`)
		resp := rec.Result()
		resp.Request = r
		return resp, nil
	}))
	clock := &fakeClock{}

	out := New(Config{Client: client, Clock: clock}).Fetch(context.Background(), Get("test", "http://upstream.invalid/x", nil), 3)

	require.True(t, out.OK())
	assert.Equal(t, []time.Duration{time.Second}, clock.Sleeps())
}

func TestFetch_PermanentFailureIsNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv, hits := scriptedServer(t, status(code, `{"message":"nope"}`))
			clock := &fakeClock{}

			out := newTestFetcher(clock).Fetch(context.Background(), Get("test", srv.URL, nil), 3)

			require.Equal(t, KindPermanent, out.Kind)
			assert.Equal(t, code, out.StatusCode)
			assert.Equal(t, int32(1), atomic.LoadInt32(hits))
			assert.Empty(t, clock.Sleeps())
			assert.ErrorIs(t, out.Err(), ErrPermanent)
		})
	}
}

func TestFetch_SendsMethodQueryAndStableRequestID(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []string
	)
	srv, _ := scriptedServer(t,
		func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			ids = append(ids, r.Header.Get("X-Request-ID"))
			mu.Unlock()
			status(http.StatusTooManyRequests, `{"retry-after":"0"}`)(w, r)
		},
		func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			ids = append(ids, r.Header.Get("X-Request-ID"))
			mu.Unlock()
			if r.Method != http.MethodPut || r.URL.Query().Get("token") != "secret" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		},
	)

	out := newTestFetcher(&fakeClock{}).Fetch(context.Background(),
		Put("test", srv.URL+"/register", map[string]string{"token": "secret"}), 3)

	require.True(t, out.OK(), "outcome: %s", out.Kind)
	assert.Equal(t, http.StatusNoContent, out.StatusCode)
	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
}

func TestFetch_ContextCancelledDuringWait(t *testing.T) {
	srv, hits := scriptedServer(t, status(http.StatusTooManyRequests, `{}`))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newTestFetcher(RealClock()).Fetch(ctx, Get("test", srv.URL, nil), 3)

	require.Equal(t, KindTransient, out.Kind)
	assert.ErrorIs(t, out.Err(), context.Canceled)
	assert.LessOrEqual(t, atomic.LoadInt32(hits), int32(1))
}

func TestFetch_BreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	srv, hits := scriptedServer(t, status(http.StatusBadGateway, `{}`))
	f := New(Config{
		Client:           NewRestyClient(time.Second),
		Clock:            &fakeClock{},
		BreakerThreshold: 2,
		BreakerTimeout:   time.Minute,
	})
	req := Get("flaky", srv.URL, nil)

	assert.Equal(t, KindPermanent, f.Fetch(context.Background(), req, 3).Kind)
	assert.Equal(t, KindPermanent, f.Fetch(context.Background(), req, 3).Kind)

	out := f.Fetch(context.Background(), req, 3)
	require.Equal(t, KindTransient, out.Kind)
	assert.ErrorIs(t, out.Cause, errCircuitOpen)
	assert.Equal(t, int32(2), atomic.LoadInt32(hits))

	// Other endpoints keep their own breaker.
	other := f.Fetch(context.Background(), Get("other", srv.URL, nil), 3)
	assert.Equal(t, KindPermanent, other.Kind)
}

func TestFetch_MaxAttemptsBelowOneMeansSingleAttempt(t *testing.T) {
	client := NewRestyClient(time.Second)
	client.SetTransport(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dns failure")
	}))
	clock := &fakeClock{}

	out := New(Config{Client: client, Clock: clock}).Fetch(context.Background(), Get("test", "http://x.invalid", nil), 0)

	assert.Equal(t, KindTransient, out.Kind)
	assert.Equal(t, 1, out.Calls)
	assert.Empty(t, clock.Sleeps())
}

func TestOutcome_Err(t *testing.T) {
	assert.NoError(t, success(200, nil).Err())
	assert.ErrorIs(t, rateLimited(time.Second).Err(), ErrRateLimited)
	assert.ErrorIs(t, transient(nil).Err(), ErrTransient)
	assert.ErrorIs(t, permanent(400, nil).Err(), ErrPermanent)

	cause := errors.New("boom")
	assert.ErrorIs(t, transient(cause).Err(), cause)
}

func TestBudgetCoversWorstCase(t *testing.T) {
	assert.Equal(t, 60*time.Second+3*time.Second+24*time.Second, Budget(3, 10*time.Second))
	assert.Equal(t, 20*time.Second+8*time.Second, Budget(1, 10*time.Second))
	assert.Equal(t, Budget(1, time.Second), Budget(0, time.Second))
}
