package providers

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/i474232898/weather-gateway/internal/weather"
)

// Base values and noise levels of the mock backend.
const (
	mockTemp     = 25.0
	mockHumidity = 60.0
	mockWind     = 10.0
)

// MockProvider generates plausible random readings without any network access.
type MockProvider struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewMockProvider creates a mock backend. A zero seed uses the current time.
func NewMockProvider(seed int64) *MockProvider {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockProvider{
		rng: rand.New(rand.NewSource(seed)),
		now: time.Now,
	}
}

func (p *MockProvider) Name() string {
	return "mock"
}

func (p *MockProvider) Current(_ context.Context, _ weather.Location) (weather.Reading, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.reading(p.now().UTC().Truncate(time.Second),
		mockTemp+p.noise(2),
		mockHumidity+p.noise(5),
		mockWind+p.noise(1),
		p.noise(0.5),
	), nil
}

// Forecast starts from a current reading and adds a diurnal swing plus noise.
func (p *MockProvider) Forecast(ctx context.Context, loc weather.Location, hours int) (weather.Forecast, error) {
	cur, err := p.Current(ctx, loc)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(weather.Forecast, 0, hours)
	for i := 0; i < hours; i++ {
		swing := math.Sin(float64(i)/24*2*math.Pi) * 5
		out = append(out, p.reading(cur.Timestamp.Add(time.Duration(i)*time.Hour),
			cur.Temperature+p.noise(2)+swing,
			cur.Humidity+p.noise(5),
			cur.WindSpeed+p.noise(1),
			cur.Precipitation+p.noise(0.5),
		))
	}
	return out, nil
}

// Historical returns days*24 hourly readings ending at the current hour, oldest first.
func (p *MockProvider) Historical(ctx context.Context, loc weather.Location, days int) ([]weather.Reading, error) {
	cur, err := p.Current(ctx, loc)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	n := days * 24
	end := cur.Timestamp.Truncate(time.Hour)
	out := make([]weather.Reading, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, p.reading(end.Add(-time.Duration(i)*time.Hour),
			cur.Temperature+p.noise(3),
			cur.Humidity+p.noise(8),
			cur.WindSpeed+p.noise(2),
			cur.Precipitation+p.noise(1),
		))
	}
	return out, nil
}

func (p *MockProvider) noise(stddev float64) float64 {
	return p.rng.NormFloat64() * stddev
}

// reading clamps physically impossible values and derives a condition.
func (p *MockProvider) reading(ts time.Time, temp, humidity, wind, precip float64) weather.Reading {
	humidity = math.Min(100, math.Max(0, humidity))
	wind = math.Max(0, wind)
	precip = math.Max(0, precip)

	cond := weather.ConditionClear
	switch {
	case precip > 1:
		cond = weather.ConditionRain
	case humidity > 70:
		cond = weather.ConditionCloudy
	}

	return weather.Reading{
		Timestamp:     ts,
		Temperature:   temp,
		Humidity:      humidity,
		WindSpeed:     wind,
		Precipitation: precip,
		Condition:     cond,
	}
}
