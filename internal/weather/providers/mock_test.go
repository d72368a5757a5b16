package providers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-gateway/internal/weather"
)

func fixedMock(seed int64) *MockProvider {
	p := NewMockProvider(seed)
	p.now = func() time.Time { return time.Date(2026, 3, 10, 14, 30, 0, 0, time.FixedZone("BRT", -3*3600)) }
	return p
}

func TestMockCurrentStaysNearBase(t *testing.T) {
	p := fixedMock(42)
	for i := 0; i < 200; i++ {
		r, err := p.Current(context.Background(), weather.Location{City: "Maceio"})
		require.NoError(t, err)
		assert.InDelta(t, mockTemp, r.Temperature, 10)
		assert.GreaterOrEqual(t, r.Precipitation, 0.0)
		assert.GreaterOrEqual(t, r.WindSpeed, 0.0)
		assert.LessOrEqual(t, r.Humidity, 100.0)
		assert.Equal(t, time.UTC, r.Timestamp.Location())
	}
}

func TestMockForecastIsHourlyAscending(t *testing.T) {
	f, err := fixedMock(1).Forecast(context.Background(), weather.Location{City: "Maceio"}, 24)
	require.NoError(t, err)
	require.Len(t, f, 24)
	for i := 1; i < len(f); i++ {
		assert.Equal(t, time.Hour, f[i].Timestamp.Sub(f[i-1].Timestamp))
	}
}

func TestMockHistoricalEndsAtCurrentHour(t *testing.T) {
	h, err := fixedMock(1).Historical(context.Background(), weather.Location{City: "Maceio"}, 2)
	require.NoError(t, err)
	require.Len(t, h, 48)

	end := time.Date(2026, 3, 10, 17, 0, 0, 0, time.UTC)
	assert.Equal(t, end, h[len(h)-1].Timestamp)
	assert.Equal(t, end.Add(-47*time.Hour), h[0].Timestamp)
	for _, r := range h {
		assert.GreaterOrEqual(t, r.Precipitation, 0.0)
	}
}

func TestMockIsDeterministicPerSeed(t *testing.T) {
	a, _ := fixedMock(7).Current(context.Background(), weather.Location{})
	b, _ := fixedMock(7).Current(context.Background(), weather.Location{})
	assert.Equal(t, a, b)
}
