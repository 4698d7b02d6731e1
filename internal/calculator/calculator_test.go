package calculator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/providers"
	"github.com/sentinelroad/backend/internal/sampler"
	"github.com/sentinelroad/backend/internal/scorer"
)

var calcBBox = geo.BBox{MinLat: 18.4088, MinLon: 73.7474, MaxLat: 18.6347, MaxLon: 73.9965}

func calcConfig() *config.Config {
	return &config.Config{
		Weights: config.WeightConfig{
			Traffic: 0.20, Weather: 0.20, Infrastructure: 0.15,
			POI: 0.15, Incidents: 0.15, Speeding: 0.15,
		},
		InfraRadiusM:  500,
		POIRadiusM:    500,
		IncidentKm:    1.0,
		NightStart:    20,
		NightEnd:      6,
		NightRiskBump: 0.3,
	}
}

func testLocations(n int) []sampler.SampleLocation {
	locs := make([]sampler.SampleLocation, 0, n)
	for i := 0; i < n; i++ {
		locs = append(locs, sampler.SampleLocation{
			Location:    geo.Point{Lat: 18.45 + float64(i)*0.01, Lon: 73.80},
			RoadName:    "Test Road",
			HighwayType: "primary",
		})
	}
	return locs
}

type fakeLocations struct {
	locs []sampler.SampleLocation
	err  error
}

func (f *fakeLocations) Sample(_ context.Context, _ geo.BBox, _ int) ([]sampler.SampleLocation, error) {
	return f.locs, f.err
}

type fakeFlow struct {
	mu      sync.Mutex
	failAt  map[string]bool // location key -> force unavailable
	panicAt map[string]bool
	calls   atomic.Int64

	cancel      context.CancelFunc // when set, cancels after cancelAfter calls
	cancelAfter int64
}

func (f *fakeFlow) Flow(_ context.Context, pt geo.Point) providers.FlowResult {
	n := f.calls.Add(1)
	if f.cancel != nil && n >= f.cancelAfter {
		f.cancel()
	}
	f.mu.Lock()
	fail := f.failAt[pt.Key()]
	panics := f.panicAt[pt.Key()]
	f.mu.Unlock()
	if panics {
		panic("provider decoded garbage")
	}
	if fail {
		return providers.FlowResult{Reason: "forced unavailable"}
	}
	return providers.FlowResult{OK: true, Flow: providers.Flow{
		CurrentSpeedKmh: 30, FreeFlowSpeedKmh: 60, Confidence: 1,
	}}
}

type fakeWeather struct{ res providers.WeatherResult }

func (f *fakeWeather) Current(context.Context) providers.WeatherResult { return f.res }

type fakeInfra struct{ res providers.InfraResult }

func (f *fakeInfra) Snapshot(context.Context, geo.BBox) providers.InfraResult { return f.res }

type fakeIncidents struct{ res providers.IncidentsResult }

func (f *fakeIncidents) Incidents(context.Context, geo.BBox) providers.IncidentsResult {
	return f.res
}

type fakeLimits struct{}

func (fakeLimits) Limit(context.Context, geo.Point) providers.SpeedLimitResult {
	return providers.SpeedLimitResult{OK: true, Known: false}
}

func newTestCalculator(t *testing.T, locs *fakeLocations, flow *fakeFlow, weather providers.WeatherResult, infra providers.InfraResult) (*Calculator, *MemoryHistoryStore) {
	t.Helper()
	cfg := calcConfig()
	store := NewMemoryHistoryStore()
	c := New(Sources{
		Locations: locs,
		Flow:      flow,
		Incidents: &fakeIncidents{},
		Weather:   &fakeWeather{res: weather},
		Infra:     &fakeInfra{res: infra},
		Limits:    fakeLimits{},
	}, scorer.New(scorer.DefaultConfig(cfg)), store, cfg, slog.New(slog.DiscardHandler))
	return c, store
}

func TestWorkerCountClamp(t *testing.T) {
	assert.Equal(t, 4, workerCount(1))
	assert.Equal(t, 4, workerCount(40))
	assert.Equal(t, 10, workerCount(100))
	assert.Equal(t, 15, workerCount(150))
	assert.Equal(t, 20, workerCount(500))
}

func TestCalculateAllLocationsScored(t *testing.T) {
	locs := &fakeLocations{locs: testLocations(12)}
	c, store := newTestCalculator(t, locs, &fakeFlow{},
		providers.WeatherResult{OK: true, Weather: providers.Weather{Condition: "clear", VisibilityM: 10000, LocalHour: 12}},
		providers.InfraResult{OK: true, Snapshot: providers.NewInfraSnapshot(nil)})

	res, err := c.Calculate(context.Background(), calcBBox, 150)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.Records, 12)
	assert.Zero(t, res.Skipped)

	for _, r := range res.Records {
		assert.Equal(t, res.PassID, r.PassID)
		assert.NotEmpty(t, r.ID)
		assert.InDelta(t, 0.5, r.Components.Traffic, 1e-9)
		assert.False(t, r.ComputedAt.IsZero())
	}

	persisted, err := store.LatestPass(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 12)
}

func TestCalculateOneFailingLocationIsSkippedNotFatal(t *testing.T) {
	locations := testLocations(10)
	flow := &fakeFlow{failAt: map[string]bool{locations[3].Location.Key(): true}}
	// All region-level signals out too, so the failing location has nothing.
	c, _ := newTestCalculator(t, &fakeLocations{locs: locations}, flow,
		providers.WeatherResult{}, providers.InfraResult{})

	res, err := c.Calculate(context.Background(), calcBBox, 150)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	assert.Len(t, res.Records, 9)
	assert.Equal(t, 1, res.Skipped)
	for _, r := range res.Records {
		assert.NotEqual(t, locations[3].Location.Key(), r.Location.Key())
	}
}

func TestCalculatePanicInOneLocationIsContained(t *testing.T) {
	locations := testLocations(8)
	flow := &fakeFlow{panicAt: map[string]bool{locations[0].Location.Key(): true}}
	c, _ := newTestCalculator(t, &fakeLocations{locs: locations}, flow,
		providers.WeatherResult{}, providers.InfraResult{})

	res, err := c.Calculate(context.Background(), calcBBox, 150)
	require.NoError(t, err)

	assert.Equal(t, StatusPartial, res.Status)
	assert.Len(t, res.Records, 7)
	assert.Equal(t, 1, res.Skipped)
}

func TestCalculateInvalidInputRejected(t *testing.T) {
	locs := &fakeLocations{err: sampler.ErrInvalidInput}
	c, _ := newTestCalculator(t, locs, &fakeFlow{},
		providers.WeatherResult{}, providers.InfraResult{})

	_, err := c.Calculate(context.Background(), calcBBox, -1)
	assert.ErrorIs(t, err, sampler.ErrInvalidInput)
}

func TestCalculateCancellationKeepsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	locations := testLocations(40)
	flow := &fakeFlow{cancel: cancel, cancelAfter: 5}

	c, _ := newTestCalculator(t, &fakeLocations{locs: locations}, flow,
		providers.WeatherResult{}, providers.InfraResult{})

	res, err := c.Calculate(ctx, calcBBox, 150)
	require.NoError(t, err, "cancellation is not an error, partials stay valid")

	assert.Equal(t, StatusPartial, res.Status)
	assert.NotEmpty(t, res.Records, "work done before cancellation is kept")
	assert.Less(t, len(res.Records), 40)
	assert.Equal(t, 40-len(res.Records), res.Skipped)
}

func TestCalculateProgressReporting(t *testing.T) {
	locations := testLocations(10)
	c, _ := newTestCalculator(t, &fakeLocations{locs: locations}, &fakeFlow{},
		providers.WeatherResult{}, providers.InfraResult{})

	var mu sync.Mutex
	var last Progress
	calls := 0
	c.OnProgress(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		last = p
	})

	res, err := c.Calculate(context.Background(), calcBBox, 150)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, calls, "one progress event per location")
	assert.Equal(t, res.PassID, last.PassID)
	assert.Equal(t, 10, last.Total)
	assert.Equal(t, 10, last.Completed+last.Skipped)
}

func TestCalculateKnownWayLimitSkipsProviderLookup(t *testing.T) {
	locations := testLocations(1)
	locations[0].SpeedLimitKmh = 50

	c, _ := newTestCalculator(t, &fakeLocations{locs: locations}, &fakeFlow{},
		providers.WeatherResult{}, providers.InfraResult{})

	res, err := c.Calculate(context.Background(), calcBBox, 150)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, 50, res.Records[0].SpeedLimitKmh)
}

func TestCalculateIncidentsFeedIntoScoring(t *testing.T) {
	locations := testLocations(1)
	cfg := calcConfig()
	store := NewMemoryHistoryStore()
	c := New(Sources{
		Locations: &fakeLocations{locs: locations},
		Flow:      &fakeFlow{},
		Incidents: &fakeIncidents{res: providers.IncidentsResult{OK: true, Incidents: []providers.TrafficIncident{
			{Location: locations[0].Location, Category: "accidents", Severity: 3},
		}}},
		Weather: &fakeWeather{},
		Infra:   &fakeInfra{},
		Limits:  fakeLimits{},
	}, scorer.New(scorer.DefaultConfig(cfg)), store, cfg, slog.New(slog.DiscardHandler))

	res, err := c.Calculate(context.Background(), calcBBox, 150)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	// Official incident, high priority (severity 3), zero distance: 1.0*0.7*1.
	assert.InDelta(t, 0.7, res.Records[0].Components.Incidents, 1e-9)
}

func TestSeverityPriorityMapping(t *testing.T) {
	assert.Equal(t, "high", severityPriority(3))
	assert.Equal(t, "medium", severityPriority(2))
	assert.Equal(t, "medium", severityPriority(4))
	assert.Equal(t, "low", severityPriority(0))
	assert.Equal(t, "low", severityPriority(1))
}
