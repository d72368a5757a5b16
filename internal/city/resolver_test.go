package city

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-gateway/internal/fetch"
)

// stubFetcher answers per logical endpoint and records every request it sees.
type stubFetcher struct {
	mu       sync.Mutex
	outcomes map[string]fetch.Outcome
	requests []fetch.Request
	attempts []int
}

func (s *stubFetcher) Fetch(_ context.Context, req fetch.Request, maxAttempts int) fetch.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	s.attempts = append(s.attempts, maxAttempts)
	return s.outcomes[req.Endpoint]
}

func (s *stubFetcher) count(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Endpoint == endpoint {
			n++
		}
	}
	return n
}

func ok(body string) fetch.Outcome {
	return fetch.Outcome{Kind: fetch.KindSuccess, StatusCode: http.StatusOK, Body: []byte(body)}
}

func newStubResolver(s *stubFetcher) *Resolver {
	return NewResolver(s, Config{BaseURL: "https://provider.test/api/", Token: "tok", Country: "BR"}, nil)
}

func TestResolve_NotFoundSkipsRegistration(t *testing.T) {
	s := &stubFetcher{outcomes: map[string]fetch.Outcome{"city.lookup": ok(`[]`)}}

	_, err := newStubResolver(s).Resolve(context.Background(), "Nonexistent City", "")

	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, s.count("city.lookup"))
	assert.Equal(t, 0, s.count("city.register"))
}

func TestResolve_RegistersFirstCandidateOnce(t *testing.T) {
	s := &stubFetcher{outcomes: map[string]fetch.Outcome{
		"city.lookup":   ok(`[{"id": 42, "name": "São Paulo"}, {"id": 7, "name": "São Paulo de Olivença"}]`),
		"city.register": ok(`{}`),
	}}

	id, err := newStubResolver(s).Resolve(context.Background(), "São Paulo", "")

	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, 1, s.count("city.register"))

	require.Len(t, s.requests, 2)
	lookup, register := s.requests[0], s.requests[1]
	assert.Equal(t, http.MethodGet, lookup.Method)
	assert.Equal(t, "https://provider.test/api/locations", lookup.URL)
	assert.Equal(t, map[string]string{"name": "São Paulo", "token": "tok", "country": "BR"}, lookup.Query)
	assert.Equal(t, http.MethodPut, register.Method)
	assert.Equal(t, "https://provider.test/api/locations/42/register", register.URL)
	assert.Equal(t, map[string]string{"token": "tok"}, register.Query)
	assert.Equal(t, []int{3, 3}, s.attempts)
}

func TestResolve_RegistrationFailures(t *testing.T) {
	failures := []fetch.Outcome{
		{Kind: fetch.KindPermanent, StatusCode: http.StatusInternalServerError},
		{Kind: fetch.KindRateLimited, RetryAfter: 7 * time.Second},
		{Kind: fetch.KindTransient, Cause: errors.New("connection reset")},
	}
	for _, failure := range failures {
		t.Run(failure.Kind.String(), func(t *testing.T) {
			s := &stubFetcher{outcomes: map[string]fetch.Outcome{
				"city.lookup":   ok(`[{"id": "abc"}]`),
				"city.register": failure,
			}}

			_, err := newStubResolver(s).ResolveRecord(context.Background(), "São Paulo", "")

			require.ErrorIs(t, err, ErrRegistrationFailed)
			assert.NotErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestResolve_LookupFailuresSurfaceAsNotFound(t *testing.T) {
	failures := map[string]fetch.Outcome{
		"permanent": {Kind: fetch.KindPermanent, StatusCode: http.StatusBadRequest},
		"transient": {Kind: fetch.KindTransient, Cause: errors.New("timeout")},
		"limited":   {Kind: fetch.KindRateLimited, RetryAfter: time.Second},
		"garbage":   ok(`{"not": "a list"}`),
		"blank id":  ok(`[{"id": ""}]`),
	}
	for name, failure := range failures {
		t.Run(name, func(t *testing.T) {
			s := &stubFetcher{outcomes: map[string]fetch.Outcome{"city.lookup": failure}}

			_, err := newStubResolver(s).Resolve(context.Background(), "Maceio", "")

			require.ErrorIs(t, err, ErrNotFound)
			assert.Equal(t, 0, s.count("city.register"))
		})
	}
}

func TestResolve_RejectsBlankName(t *testing.T) {
	s := &stubFetcher{}
	_, err := newStubResolver(s).Resolve(context.Background(), "   ", "")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Empty(t, s.requests)
}

func TestProviderIDAcceptsNumbersAndStrings(t *testing.T) {
	s := &stubFetcher{outcomes: map[string]fetch.Outcome{
		"city.lookup":   ok(`[{"id": "5f1a-xyz"}]`),
		"city.register": ok(``),
	}}
	id, err := newStubResolver(s).Resolve(context.Background(), "Recife", "")
	require.NoError(t, err)
	assert.Equal(t, "5f1a-xyz", id)
	assert.Equal(t, "https://provider.test/api/locations/5f1a-xyz/register", s.requests[1].URL)
}

func TestResolve_CallerCountryOverridesDefault(t *testing.T) {
	s := &stubFetcher{outcomes: map[string]fetch.Outcome{
		"city.lookup":   ok(`[{"id": 75}]`),
		"city.register": ok(`{}`),
	}}

	rec, err := newStubResolver(s).ResolveRecord(context.Background(), "Paris", " fr ")

	require.NoError(t, err)
	assert.Equal(t, "FR", rec.Country)
	assert.Equal(t, map[string]string{"name": "Paris", "token": "tok", "country": "FR"}, s.requests[0].Query)
}

func TestResolve_NoCountryAnywhere(t *testing.T) {
	s := &stubFetcher{outcomes: map[string]fetch.Outcome{
		"city.lookup":   ok(`[{"id": 1}]`),
		"city.register": ok(`{}`),
	}}
	r := NewResolver(s, Config{BaseURL: "https://provider.test/api", Token: "tok"}, nil)

	_, err := r.Resolve(context.Background(), "Natal", "")

	require.NoError(t, err)
	assert.NotContains(t, s.requests[0].Query, "country")
}

type noopClock struct{}

func (noopClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// TestResolve_AgainstProvider runs the resolver over a real fetcher and HTTP server.
func TestResolve_AgainstProvider(t *testing.T) {
	var (
		mu        sync.Mutex
		registers int
		regStatus = http.StatusOK
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/locations":
			if r.URL.Query().Get("name") == "São Paulo" {
				_, _ = w.Write([]byte(`[{"id": 42}]`))
				return
			}
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/register"):
			mu.Lock()
			registers++
			code := regStatus
			mu.Unlock()
			w.WriteHeader(code)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	f := fetch.New(fetch.Config{Client: fetch.NewRestyClient(time.Second), Clock: noopClock{}})
	r := NewResolver(f, Config{BaseURL: srv.URL, Token: "tok"}, nil)

	registered := func() int {
		mu.Lock()
		defer mu.Unlock()
		return registers
	}

	id, err := r.Resolve(context.Background(), "São Paulo", "")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, 1, registered())

	_, err = r.Resolve(context.Background(), "Nonexistent City", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, registered())

	mu.Lock()
	regStatus = http.StatusInternalServerError
	mu.Unlock()
	_, err = r.Resolve(context.Background(), "São Paulo", "")
	require.ErrorIs(t, err, ErrRegistrationFailed)
	assert.ErrorIs(t, err, fetch.ErrPermanent)
}
