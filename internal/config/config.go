package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/i474232898/weather-gateway/internal/weather"
)

const (
	BackendMock     = "mock"
	BackendUpstream = "upstream"
)

type AppConfig struct {
	AppName     string `mapstructure:"app_name"`
	Port        string `mapstructure:"port"`
	LogLevel    string `mapstructure:"log_level"`
	Backend     string `mapstructure:"weather_backend"`
	DefaultCity string `mapstructure:"default_city"`
	MockSeed    int64  `mapstructure:"mock_seed"`

	// Upstream provider.
	UpstreamBaseURL   string        `mapstructure:"upstream_base_url"`
	UpstreamAPIToken  string        `mapstructure:"upstream_api_token"`
	UpstreamCountry   string        `mapstructure:"upstream_country"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	FetchMaxAttempts  int           `mapstructure:"fetch_max_attempts"`
	UpstreamRateLimit float64       `mapstructure:"upstream_rate_limit"` // requests per second, 0 = unlimited
	BreakerThreshold  uint32        `mapstructure:"breaker_threshold"`   // 0 = disabled
	CityCacheTTL      time.Duration `mapstructure:"city_cache_ttl"`      // 0 = no cache

	// FetchInterval controls how often we record data for each location.
	FetchInterval        time.Duration `mapstructure:"fetch_interval"`
	ModelRetrainInterval time.Duration `mapstructure:"model_retrain_interval"`

	// Locations to track, from comma-separated city and (optional) country lists.
	LocationCities    string             `mapstructure:"weather_location_city"`
	LocationCountries string             `mapstructure:"weather_location_country"`
	Locations         []weather.Location `mapstructure:"-"`

	// Snapshot store.
	StoreType       string        `mapstructure:"store_type"`
	BBoltPath       string        `mapstructure:"bbolt_path"`
	StoreMaxHistory int           `mapstructure:"store_max_history"` // max number of snapshots per location (0 = unlimited)
	StoreMaxAge     time.Duration `mapstructure:"store_max_age"`     // max age of snapshots (0 = unlimited)

	ModelPath string `mapstructure:"model_path"`
}

// Load reads configuration from .env and the environment with sensible defaults.
func Load() (*AppConfig, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("app_name", "weather-gateway")
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("weather_backend", BackendMock)
	v.SetDefault("default_city", "Maceio")
	v.SetDefault("mock_seed", 0)

	v.SetDefault("upstream_base_url", "")
	v.SetDefault("upstream_api_token", "")
	v.SetDefault("upstream_country", "")
	v.SetDefault("http_timeout", "10s")
	v.SetDefault("fetch_max_attempts", 3)
	v.SetDefault("upstream_rate_limit", 0)
	v.SetDefault("breaker_threshold", 5)
	v.SetDefault("city_cache_ttl", "1h")

	v.SetDefault("fetch_interval", "15m")
	v.SetDefault("model_retrain_interval", "1h")
	v.SetDefault("weather_location_city", "")
	v.SetDefault("weather_location_country", "")

	v.SetDefault("store_type", "memory")
	v.SetDefault("bbolt_path", "./data/snapshots.db")
	v.SetDefault("store_max_history", 96) // roughly 24h at 15-minute intervals
	v.SetDefault("store_max_age", "24h")
	v.SetDefault("model_path", "./data/model.json")

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch cfg.Backend {
	case BackendMock:
	case BackendUpstream:
		if cfg.UpstreamBaseURL == "" || cfg.UpstreamAPIToken == "" {
			return nil, fmt.Errorf("upstream backend requires UPSTREAM_BASE_URL and UPSTREAM_API_TOKEN")
		}
	default:
		return nil, fmt.Errorf("invalid WEATHER_BACKEND %q (want %s or %s)", cfg.Backend, BackendMock, BackendUpstream)
	}

	if cfg.FetchMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid FETCH_MAX_ATTEMPTS: must be at least 1")
	}
	if cfg.HTTPTimeout <= 0 {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: must be positive")
	}
	if cfg.FetchInterval <= 0 || cfg.ModelRetrainInterval <= 0 {
		return nil, fmt.Errorf("invalid FETCH_INTERVAL/MODEL_RETRAIN_INTERVAL: must be positive")
	}
	if cfg.UpstreamRateLimit < 0 {
		return nil, fmt.Errorf("invalid UPSTREAM_RATE_LIMIT: must not be negative")
	}
	if strings.TrimSpace(cfg.DefaultCity) == "" {
		return nil, fmt.Errorf("invalid DEFAULT_CITY: must not be empty")
	}

	locs, err := parseLocations(cfg.LocationCities, cfg.LocationCountries)
	if err != nil {
		return nil, err
	}
	cfg.Locations = locs

	return &cfg, nil
}

func parseLocations(city, country string) ([]weather.Location, error) {
	if strings.TrimSpace(city) == "" {
		return nil, nil
	}
	cities := strings.Split(city, ",")

	var countries []string
	if strings.TrimSpace(country) != "" {
		countries = strings.Split(country, ",")
		if len(cities) != len(countries) {
			return nil, fmt.Errorf("number of cities and countries must be the same")
		}
	}

	var locs []weather.Location
	for i := range cities {
		loc := weather.Location{City: strings.TrimSpace(cities[i])}
		if countries != nil {
			loc.Country = strings.TrimSpace(countries[i])
		}
		if loc.City == "" {
			continue
		}
		locs = append(locs, loc)
	}
	return locs, nil
}
