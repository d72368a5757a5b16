package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/weather-gateway/internal/city"
	"github.com/i474232898/weather-gateway/internal/common"
	"github.com/i474232898/weather-gateway/internal/fetch"
	"github.com/i474232898/weather-gateway/internal/weather"
)

// UpstreamConfig holds the provider coordinates for weather pass-through.
type UpstreamConfig struct {
	BaseURL     string
	Token       string
	MaxAttempts int
}

// forgetter is implemented by resolvers that cache ids.
type forgetter interface {
	Forget(name, country string)
}

// UpstreamProvider implements weather.Provider by resolving the city to a registered
// provider id and passing the request through the resilient fetcher.
type UpstreamProvider struct {
	fetcher  city.Fetcher
	resolver city.NameResolver
	cfg      UpstreamConfig
	log      *zap.SugaredLogger
}

func NewUpstreamProvider(fetcher city.Fetcher, resolver city.NameResolver, cfg UpstreamConfig, log *zap.SugaredLogger) *UpstreamProvider {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UpstreamProvider{fetcher: fetcher, resolver: resolver, cfg: cfg, log: log}
}

// CallBudget is the worst-case duration of one upstream call made on a cold cache:
// city lookup, registration, then the weather fetch itself.
func CallBudget(maxAttempts int, callTimeout time.Duration) time.Duration {
	return 2*fetch.Budget(city.MaxAttempts, callTimeout) + fetch.Budget(maxAttempts, callTimeout)
}

func (p *UpstreamProvider) Name() string {
	return "upstream"
}

func (p *UpstreamProvider) Current(ctx context.Context, loc weather.Location) (weather.Reading, error) {
	body, err := p.get(ctx, loc, "weather.current", "current", nil)
	if err != nil {
		return weather.Reading{}, err
	}

	var payload observation
	if err := json.Unmarshal(body, &payload); err != nil {
		return weather.Reading{}, fmt.Errorf("decode current: %w", err)
	}
	return payload.reading(), nil
}

func (p *UpstreamProvider) Forecast(ctx context.Context, loc weather.Location, hours int) (weather.Forecast, error) {
	body, err := p.get(ctx, loc, "weather.forecast", "forecast", map[string]string{"hours": strconv.Itoa(hours)})
	if err != nil {
		return nil, err
	}
	readings, err := decodeSeries(body, hours)
	if err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	return weather.Forecast(readings), nil
}

func (p *UpstreamProvider) Historical(ctx context.Context, loc weather.Location, days int) ([]weather.Reading, error) {
	body, err := p.get(ctx, loc, "weather.history", "history", map[string]string{"days": strconv.Itoa(days)})
	if err != nil {
		return nil, err
	}
	readings, err := decodeSeries(body, days*24)
	if err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return readings, nil
}

// get resolves loc and fetches {base}/locations/{id}/{resource}.
func (p *UpstreamProvider) get(ctx context.Context, loc weather.Location, endpoint, resource string, extra map[string]string) ([]byte, error) {
	id, err := p.resolver.Resolve(ctx, loc.City, loc.Country)
	if err != nil {
		return nil, err
	}

	query := map[string]string{"token": p.cfg.Token}
	for k, v := range extra {
		query[k] = v
	}
	u := p.cfg.BaseURL + "/locations/" + url.PathEscape(id) + "/" + resource

	out := p.fetcher.Fetch(ctx, fetch.Get(endpoint, u, query), p.cfg.MaxAttempts)
	if !out.OK() {
		// The provider forgot the id; drop it so the next call registers again.
		if out.Kind == fetch.KindPermanent && out.StatusCode == http.StatusNotFound {
			if f, ok := p.resolver.(forgetter); ok {
				f.Forget(loc.City, loc.Country)
			}
		}
		return nil, fmt.Errorf("upstream %s for %s: %w", resource, loc.City, out.Err())
	}
	return out.Body, nil
}

// observation is the provider's per-timestamp payload.
type observation struct {
	Dt   int64 `json:"dt"`
	Main struct {
		Temp     float64 `json:"temp"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Rain struct {
		OneH   float64 `json:"1h"`
		ThreeH float64 `json:"3h"`
	} `json:"rain"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
	} `json:"weather"`
}

func (o observation) reading() weather.Reading {
	ts := time.Now().UTC()
	if o.Dt > 0 {
		ts = time.Unix(o.Dt, 0).UTC()
	}

	precip := o.Rain.OneH
	if precip == 0 {
		precip = o.Rain.ThreeH
	}

	var main, desc string
	if len(o.Weather) > 0 {
		main, desc = o.Weather[0].Main, o.Weather[0].Description
	}

	return weather.Reading{
		Timestamp:     ts,
		Temperature:   o.Main.Temp,
		Humidity:      o.Main.Humidity,
		WindSpeed:     o.Wind.Speed,
		Precipitation: precip,
		Condition:     mapCondition(main, desc),
	}
}

// decodeSeries reads {"list": [...]} into ascending readings, keeping at most limit of them.
func decodeSeries(body []byte, limit int) ([]weather.Reading, error) {
	var payload struct {
		List []observation `json:"list"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}

	readings := make([]weather.Reading, 0, len(payload.List))
	for _, o := range payload.List {
		readings = append(readings, o.reading())
	}
	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	if limit > 0 && len(readings) > limit {
		readings = readings[:limit]
	}
	return readings, nil
}

func mapCondition(main, desc string) weather.Condition {
	switch main {
	case "Clear":
		return weather.ConditionClear
	case "Clouds":
		return weather.ConditionCloudy
	case "Rain", "Drizzle":
		return weather.ConditionRain
	case "Snow":
		return weather.ConditionSnow
	case "Thunderstorm":
		return weather.ConditionStorm
	case "Mist", "Fog", "Haze":
		return weather.ConditionMist
	}

	text := strings.ToLower(desc)
	switch {
	case text == "":
		return weather.ConditionUnknown
	case common.HasAny(text, "thunder", "storm"):
		return weather.ConditionStorm
	case common.HasAny(text, "rain", "shower", "drizzle"):
		return weather.ConditionRain
	case common.HasAny(text, "snow", "sleet", "blizzard"):
		return weather.ConditionSnow
	case common.HasAny(text, "mist", "fog", "haze"):
		return weather.ConditionMist
	case common.HasAny(text, "cloud", "overcast"):
		return weather.ConditionCloudy
	case common.HasAny(text, "sunny", "clear"):
		return weather.ConditionClear
	default:
		return weather.ConditionUnknown
	}
}
