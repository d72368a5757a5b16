package weather

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidRange is returned for non-positive hours/days.
	ErrInvalidRange = errors.New("range must be greater than zero")
	// ErrNoProvider is returned when the service was built without a backend.
	ErrNoProvider = errors.New("no weather provider configured")
)

// Service puts one Provider behind the route handlers and records snapshots into a Store.
type Service struct {
	store    Store
	provider Provider
	log      *zap.SugaredLogger
}

// NewService creates a new Service.
func NewService(store Store, provider Provider, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:    store,
		provider: provider,
		log:      log,
	}
}

// ProviderName returns the backend name, or "" when none is configured.
func (s *Service) ProviderName() string {
	if s.provider == nil {
		return ""
	}
	return s.provider.Name()
}

// Current returns the provider's current reading for loc.
func (s *Service) Current(ctx context.Context, loc Location) (Reading, error) {
	if s.provider == nil {
		return Reading{}, ErrNoProvider
	}
	return s.provider.Current(ctx, loc)
}

// Forecast returns an hourly forecast for the next hours.
func (s *Service) Forecast(ctx context.Context, loc Location, hours int) (Forecast, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	if hours <= 0 {
		return nil, fmt.Errorf("hours: %w", ErrInvalidRange)
	}
	return s.provider.Forecast(ctx, loc, hours)
}

// Historical returns hourly readings for the past days.
func (s *Service) Historical(ctx context.Context, loc Location, days int) ([]Reading, error) {
	if s.provider == nil {
		return nil, ErrNoProvider
	}
	if days <= 0 {
		return nil, fmt.Errorf("days: %w", ErrInvalidRange)
	}
	return s.provider.Historical(ctx, loc, days)
}

// RecordCurrent fetches the current reading for loc and stores it as a snapshot.
// On failure the last good snapshot is kept.
func (s *Service) RecordCurrent(ctx context.Context, loc Location) error {
	r, err := s.Current(ctx, loc)
	if err != nil {
		return fmt.Errorf("record %s: %w", loc.Key(), err)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}

	snapshot := WeatherSnapshot{Location: loc, Provider: s.provider.Name(), Reading: r}
	if err := s.store.SaveSnapshot(snapshot); err != nil {
		return fmt.Errorf("save snapshot %s: %w", loc.Key(), err)
	}
	s.log.Debugw("weather: snapshot recorded", "location", loc.Key(), "timestamp", r.Timestamp)
	return nil
}

// TrainingSeries returns one ascending hourly series per location. Stored snapshots are
// preferred; a location with fewer than minSamples stored hours is filled from the
// provider's historical endpoint instead.
func (s *Service) TrainingSeries(ctx context.Context, locs []Location, since time.Time, days, minSamples int) [][]Reading {
	var series [][]Reading
	for _, loc := range locs {
		var readings []Reading
		if snaps, err := s.store.GetRange(loc, since, time.Now().UTC()); err == nil {
			for _, snap := range snaps {
				readings = append(readings, snap.Reading)
			}
			readings = Hourly(readings)
		}

		if len(readings) < minSamples {
			hist, err := s.Historical(ctx, loc, days)
			if err != nil {
				s.log.Warnw("weather: no training data", "location", loc.Key(), "error", err)
				continue
			}
			readings = hist
		}

		sort.Slice(readings, func(i, j int) bool {
			return readings[i].Timestamp.Before(readings[j].Timestamp)
		})
		series = append(series, readings)
	}
	return series
}

// RecentHourly returns up to n ascending hourly readings ending now. Stored snapshots
// are used when they cover n hours, else the provider's last day of history.
func (s *Service) RecentHourly(ctx context.Context, loc Location, n int) ([]Reading, error) {
	now := time.Now().UTC()
	var readings []Reading
	if snaps, err := s.store.GetRange(loc, now.Add(-time.Duration(n)*time.Hour), now); err == nil {
		for _, snap := range snaps {
			readings = append(readings, snap.Reading)
		}
		readings = Hourly(readings)
	}

	if len(readings) < n {
		hist, err := s.Historical(ctx, loc, 1)
		if err != nil {
			return nil, err
		}
		readings = hist
	}

	if len(readings) > n {
		readings = readings[len(readings)-n:]
	}
	return readings, nil
}

// Hourly keeps the last reading of every clock hour, stamped at the top of that hour.
// Input must be ascending.
func Hourly(readings []Reading) []Reading {
	var out []Reading
	for _, r := range readings {
		r.Timestamp = r.Timestamp.UTC().Truncate(time.Hour)
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(r.Timestamp) {
			out[n-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}

// GetLatest delegates to the underlying store.
func (s *Service) GetLatest(loc Location) (WeatherSnapshot, error) {
	return s.store.GetLatest(loc)
}

// GetRange delegates to the underlying store.
func (s *Service) GetRange(loc Location, from, to time.Time) ([]WeatherSnapshot, error) {
	return s.store.GetRange(loc, from, to)
}
