// Package city maps human city names to provider location ids and makes sure
// an id is registered with the provider before handing it out.
package city

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/i474232898/weather-gateway/internal/fetch"
)

var (
	// ErrNotFound is returned when the provider has no match for a city, or the lookup failed.
	ErrNotFound = errors.New("city not found")
	// ErrRegistrationFailed is returned when lookup succeeded but registration did not.
	ErrRegistrationFailed = errors.New("city registration failed")
	// ErrInvalidName is returned for blank city names.
	ErrInvalidName = errors.New("city name must not be empty")
)

// MaxAttempts is the attempt budget of both the lookup and the registration call.
const MaxAttempts = 3

// Fetcher is the subset of fetch.Fetcher the resolver needs.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request, maxAttempts int) fetch.Outcome
}

// Record is the result of a resolution. Records returned by Resolver always have Registered set.
type Record struct {
	Name       string `json:"name"`
	Country    string `json:"country,omitempty"`
	ProviderID string `json:"provider_id"`
	Registered bool   `json:"registered"`
}

// Candidate is one entry of the provider's lookup response.
type Candidate struct {
	ID      ProviderID `json:"id"`
	Name    string     `json:"name"`
	Country string     `json:"country"`
	Lat     float64    `json:"lat"`
	Lon     float64    `json:"lon"`
}

// ProviderID accepts both numeric and string ids and keeps their textual form.
type ProviderID string

// UnmarshalJSON accepts a JSON string or number. Numbers keep their literal digits.
func (p *ProviderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProviderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("provider id: %w", err)
	}
	*p = ProviderID(n.String())
	return nil
}

// Config holds the provider coordinates used for lookup and registration.
// Country is the default lookup country for callers that pass none.
type Config struct {
	BaseURL string
	Token   string
	Country string
}

// Resolver resolves and registers cities. It keeps no state between calls.
type Resolver struct {
	fetcher Fetcher
	cfg     Config
	log     *zap.SugaredLogger
}

// NewResolver creates a Resolver on top of the given fetcher.
func NewResolver(fetcher Fetcher, cfg Config, log *zap.SugaredLogger) *Resolver {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Resolver{fetcher: fetcher, cfg: cfg, log: log}
}

// Resolve returns the registered provider id for name in country.
func (r *Resolver) Resolve(ctx context.Context, name, country string) (string, error) {
	rec, err := r.ResolveRecord(ctx, name, country)
	if err != nil {
		return "", err
	}
	return rec.ProviderID, nil
}

// ResolveRecord looks name up, registers the first candidate and returns the registered record.
func (r *Resolver) ResolveRecord(ctx context.Context, name, country string) (Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Record{}, ErrInvalidName
	}
	country = r.country(country)

	cand, err := r.Lookup(ctx, name, country)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Name: name, Country: country, ProviderID: string(cand.ID)}
	if err := r.Register(ctx, rec.ProviderID); err != nil {
		return Record{}, err
	}
	rec.Registered = true

	r.log.Debugw("city: resolved", "city", name, "country", country, "provider_id", rec.ProviderID)
	return rec, nil
}

// Lookup returns the provider's first candidate for name. An empty country falls back
// to Config.Country. Any failure maps to ErrNotFound.
func (r *Resolver) Lookup(ctx context.Context, name, country string) (Candidate, error) {
	query := map[string]string{
		"name":  name,
		"token": r.cfg.Token,
	}
	if c := r.country(country); c != "" {
		query["country"] = c
	}

	out := r.fetcher.Fetch(ctx, fetch.Get("city.lookup", r.cfg.BaseURL+"/locations", query), MaxAttempts)
	if !out.OK() {
		return Candidate{}, fmt.Errorf("%w: %q: lookup: %w", ErrNotFound, name, out.Err())
	}

	var candidates []Candidate
	if err := json.Unmarshal(out.Body, &candidates); err != nil {
		return Candidate{}, fmt.Errorf("%w: %q: decode lookup: %v", ErrNotFound, name, err)
	}
	if len(candidates) == 0 || candidates[0].ID == "" {
		return Candidate{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return candidates[0], nil
}

// Register performs the provider's idempotent registration call for id.
func (r *Resolver) Register(ctx context.Context, id string) error {
	u := r.cfg.BaseURL + "/locations/" + url.PathEscape(id) + "/register"
	out := r.fetcher.Fetch(ctx, fetch.Put("city.register", u, map[string]string{"token": r.cfg.Token}), MaxAttempts)
	if !out.OK() {
		return fmt.Errorf("%w: id %s: %w", ErrRegistrationFailed, id, out.Err())
	}
	return nil
}

func (r *Resolver) country(country string) string {
	if c := strings.ToUpper(strings.TrimSpace(country)); c != "" {
		return c
	}
	return r.cfg.Country
}
