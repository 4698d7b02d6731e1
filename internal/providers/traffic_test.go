package providers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
)

func testTrafficConfig(baseURL string) *config.Config {
	return &config.Config{
		TrafficAPIKey:  "test-key",
		TrafficBaseURL: baseURL,
		TrafficTTL:     5 * time.Minute,
	}
}

func TestTrafficFlowNormalizesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		w.Write([]byte(`{"flowSegmentData":{"currentSpeed":22,"freeFlowSpeed":55,"confidence":0.95}}`))
	}))
	defer srv.Close()

	p := NewTrafficProvider(testClient(), cache.NewMemoryStore(), testTrafficConfig(srv.URL), slog.New(slog.DiscardHandler))
	res := p.Flow(context.Background(), geo.Point{Lat: 18.5204, Lon: 73.8567})

	require.True(t, res.OK)
	assert.Equal(t, 22.0, res.Flow.CurrentSpeedKmh)
	assert.Equal(t, 55.0, res.Flow.FreeFlowSpeedKmh)
	assert.Equal(t, 0.95, res.Flow.Confidence)
}

func TestTrafficFlowUnavailableOnProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	p := NewTrafficProvider(testClient(), cache.NewMemoryStore(), testTrafficConfig(srv.URL), slog.New(slog.DiscardHandler))
	res := p.Flow(context.Background(), geo.Point{Lat: 18.5204, Lon: 73.8567})

	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Reason)
}

func TestTrafficFlowServedFromCache(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"flowSegmentData":{"currentSpeed":30,"freeFlowSpeed":60,"confidence":1}}`))
	}))
	defer srv.Close()

	p := NewTrafficProvider(testClient(), cache.NewMemoryStore(), testTrafficConfig(srv.URL), slog.New(slog.DiscardHandler))
	ctx := context.Background()
	pt := geo.Point{Lat: 18.5204, Lon: 73.8567}

	first := p.Flow(ctx, pt)
	second := p.Flow(ctx, pt)

	require.True(t, first.OK)
	require.True(t, second.OK)
	assert.Equal(t, first.Flow, second.Flow)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second read must come from cache")
}

func TestTrafficIncidentsParsesAndCategorizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"incidents":[
			{"geometry":{"type":"Point","coordinates":[73.8567,18.5204]},
			 "properties":{"iconCategory":1,"magnitudeOfDelay":3,"events":[{"description":"Collision"}]}},
			{"geometry":{"type":"LineString","coordinates":[[73.86,18.53],[73.87,18.54]]},
			 "properties":{"iconCategory":9,"magnitudeOfDelay":1,"events":[{"description":"Roadworks"}]}}
		]}`))
	}))
	defer srv.Close()

	p := NewTrafficProvider(testClient(), cache.NewMemoryStore(), testTrafficConfig(srv.URL), slog.New(slog.DiscardHandler))
	res := p.Incidents(context.Background(), geo.BBox{MinLat: 18.4, MinLon: 73.7, MaxLat: 18.6, MaxLon: 74.0})

	require.True(t, res.OK)
	require.Len(t, res.Incidents, 2)

	assert.Equal(t, "accidents", res.Incidents[0].Category)
	assert.Equal(t, 3, res.Incidents[0].Severity)
	assert.InDelta(t, 18.5204, res.Incidents[0].Location.Lat, 1e-9)
	assert.Equal(t, "Collision", res.Incidents[0].Description)

	assert.Equal(t, "road_works", res.Incidents[1].Category)
	assert.InDelta(t, 18.53, res.Incidents[1].Location.Lat, 1e-9)
}

func TestIncidentCategoryMapping(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{1, "accidents"},
		{9, "road_works"},
		{7, "closures"},
		{8, "closures"},
		{2, "weather"},
		{11, "weather"},
		{6, "traffic_jams"},
		{14, "vehicle_hazards"},
		{0, "other"},
		{99, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, incidentCategory(tt.code), "code %d", tt.code)
	}
}
