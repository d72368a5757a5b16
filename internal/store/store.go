// Package store keeps recorded weather snapshots per location.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/i474232898/weather-gateway/internal/weather"
)

var (
	// ErrNotFound is returned when no data is available for a given location.
	ErrNotFound = errors.New("no weather data for location")
)

// Options controls retention. Zero values mean unlimited.
type Options struct {
	MaxHistory int           // max number of snapshots per location
	MaxAge     time.Duration // max age of snapshots
}

// New creates the configured store backend: "memory" (default) or "bbolt".
func New(typ, path string, opts Options) (weather.Store, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "", "memory":
		return NewMemoryStore(opts.MaxHistory, opts.MaxAge), nil
	case "bbolt":
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("bbolt storage requires a path")
		}
		return OpenBolt(path, opts)
	default:
		return nil, fmt.Errorf("unsupported store type %q", typ)
	}
}
