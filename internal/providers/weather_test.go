package providers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
)

func testWeatherConfig(baseURL string) *config.Config {
	return &config.Config{
		WeatherAPIKey:  "wkey",
		WeatherBaseURL: baseURL,
		WeatherTTL:     30 * time.Minute,
		Region:         config.RegionConfig{MinLat: 18.4088, MinLon: 73.7474, MaxLat: 18.6347, MaxLon: 73.9965},
	}
}

func TestWeatherCurrentNormalizesResponse(t *testing.T) {
	// 2026-08-01 16:30 UTC observed with IST offset (+5:30) gives local hour 22.
	dt := time.Date(2026, 8, 1, 16, 30, 0, 0, time.UTC).Unix()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wkey", r.URL.Query().Get("appid"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"))
		w.Write([]byte(`{"weather":[{"main":"Rain"}],"main":{"temp":27.4},"visibility":4000,` +
			`"dt":` + itoa(dt) + `,"timezone":19800}`))
	}))
	defer srv.Close()

	p := NewWeatherProvider(testClient(), cache.NewMemoryStore(), testWeatherConfig(srv.URL), slog.New(slog.DiscardHandler))
	res := p.Current(context.Background())

	require.True(t, res.OK)
	assert.Equal(t, "rain", res.Weather.Condition)
	assert.Equal(t, 4000.0, res.Weather.VisibilityM)
	assert.Equal(t, 22, res.Weather.LocalHour)
	assert.Equal(t, 27.4, res.Weather.TempC)
}

func TestWeatherCurrentUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewWeatherProvider(testClient(), cache.NewMemoryStore(), testWeatherConfig(srv.URL), slog.New(slog.DiscardHandler))
	res := p.Current(context.Background())

	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Reason)
}

func TestWeatherDefaultsToClearWithoutConditions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"weather":[],"visibility":10000,"dt":1754064000,"timezone":19800}`))
	}))
	defer srv.Close()

	p := NewWeatherProvider(testClient(), cache.NewMemoryStore(), testWeatherConfig(srv.URL), slog.New(slog.DiscardHandler))
	res := p.Current(context.Background())

	require.True(t, res.OK)
	assert.Equal(t, "clear", res.Weather.Condition)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
