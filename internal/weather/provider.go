package weather

import (
	"context"
	"time"
)

// Provider abstracts a weather backend (random mock, upstream pass-through).
// Series are returned in ascending timestamp order.
type Provider interface {
	Name() string
	Current(ctx context.Context, loc Location) (Reading, error)
	Forecast(ctx context.Context, loc Location, hours int) (Forecast, error)
	Historical(ctx context.Context, loc Location, days int) ([]Reading, error)
}

// Store is the contract the snapshot stores (memory, bbolt) satisfy.
type Store interface {
	SaveSnapshot(snapshot WeatherSnapshot) error
	GetLatest(loc Location) (WeatherSnapshot, error)
	GetRange(loc Location, from, to time.Time) ([]WeatherSnapshot, error)
	Close() error
}
