package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/providers"
)

func testAppConfig() *config.Config {
	return &config.Config{
		Weights: config.WeightConfig{
			Traffic: 0.20, Weather: 0.20, Infrastructure: 0.15,
			POI: 0.15, Incidents: 0.15, Speeding: 0.15,
		},
		POIRadiusM:    500,
		IncidentKm:    1.0,
		NightStart:    20,
		NightEnd:      6,
		NightRiskBump: 0.3,
	}
}

func newTestScorer() *Scorer {
	return New(DefaultConfig(testAppConfig()))
}

func okFlow(current, freeFlow float64) providers.FlowResult {
	return providers.FlowResult{OK: true, Flow: providers.Flow{
		CurrentSpeedKmh: current, FreeFlowSpeedKmh: freeFlow, Confidence: 1,
	}}
}

func okWeather(condition string, visibilityM float64, hour int) providers.WeatherResult {
	return providers.WeatherResult{OK: true, Weather: providers.Weather{
		Condition: condition, VisibilityM: visibilityM, LocalHour: hour,
	}}
}

func TestTrafficComponentRelativeSlowdown(t *testing.T) {
	s := newTestScorer()

	res := s.Score(Input{Flow: okFlow(15, 60)})
	assert.InDelta(t, 0.75, res.Components.Traffic, 1e-9)
}

func TestTrafficComponentCrawlFloor(t *testing.T) {
	s := newTestScorer()

	// 8 of 20 km/h is only 0.6 slowdown, but a crawl floors at 0.7.
	res := s.Score(Input{Flow: okFlow(8, 20)})
	assert.InDelta(t, 0.7, res.Components.Traffic, 1e-9)
}

func TestTrafficComponentUnavailableScoresZero(t *testing.T) {
	s := newTestScorer()

	res := s.Score(Input{
		Flow:    providers.FlowResult{Reason: "provider down"},
		Weather: okWeather("rain", 10000, 12),
	})
	assert.Zero(t, res.Components.Traffic)
	assert.Greater(t, res.Score, 0.0, "composite still computed from remaining signals")
}

func TestTrafficComponentZeroFreeFlow(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Input{Flow: okFlow(0, 0)})
	assert.Zero(t, res.Components.Traffic)
}

func TestWeatherComponentBands(t *testing.T) {
	s := newTestScorer()

	tests := []struct {
		name    string
		weather providers.WeatherResult
		want    float64
	}{
		{"clear day", okWeather("clear", 10000, 12), 0.0},
		{"rain day", okWeather("rain", 10000, 12), 0.7},
		{"rain with poor visibility", okWeather("rain", 800, 12), 1.0}, // 0.7+0.4 capped
		{"clear with medium visibility", okWeather("clear", 3000, 12), 0.2},
		{"clear at night", okWeather("clear", 10000, 23), 0.3},
		{"clear early morning", okWeather("clear", 10000, 5), 0.3},
		{"clear at night boundary", okWeather("clear", 10000, 20), 0.3},
		{"clear just before night", okWeather("clear", 10000, 19), 0.0},
		{"unknown condition", okWeather("sandstorm", 10000, 12), 0.2},
		{"unavailable", providers.WeatherResult{}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(Input{Weather: tt.weather})
			assert.InDelta(t, tt.want, res.Components.Weather, 1e-9)
		})
	}
}

func TestNightWindowNotWrappingMidnight(t *testing.T) {
	appCfg := testAppConfig()
	appCfg.NightStart = 0
	appCfg.NightEnd = 6
	s := New(DefaultConfig(appCfg))

	noon := s.Score(Input{Weather: okWeather("clear", 10000, 12)})
	assert.Zero(t, noon.Components.Weather, "noon is outside a 0-6 window")

	predawn := s.Score(Input{Weather: okWeather("clear", 10000, 3)})
	assert.InDelta(t, 0.3, predawn.Components.Weather, 1e-9)

	boundary := s.Score(Input{Weather: okWeather("clear", 10000, 6)})
	assert.Zero(t, boundary.Components.Weather, "window end is exclusive")
}

func TestInfrastructureComponentPenalties(t *testing.T) {
	s := newTestScorer()

	tests := []struct {
		name   string
		counts providers.InfraCounts
		want   float64
	}{
		{"signals present, nothing else", providers.InfraCounts{Signals: 2}, 0.0},
		{"no signal", providers.InfraCounts{}, 0.3},
		{"no signal and unlit", providers.InfraCounts{UnlitRoads: 1}, 0.8},
		{"complex junction", providers.InfraCounts{Signals: 1, Junctions: 3}, 0.4},
		{"everything", providers.InfraCounts{Junctions: 5, UnlitRoads: 2, Crossings: 4}, 1.0}, // 0.3+0.4+0.5+0.2 capped
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(Input{InfraOK: true, Infra: tt.counts})
			assert.InDelta(t, tt.want, res.Components.Infrastructure, 1e-9)
		})
	}
}

func TestInfrastructureUnavailableScoresZero(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Input{InfraOK: false, Infra: providers.InfraCounts{UnlitRoads: 5}})
	assert.Zero(t, res.Components.Infrastructure)
}

func TestPOIComponentSignedWeightsAndDecay(t *testing.T) {
	s := newTestScorer()

	// School at the exact location: full 0.15. Hospital next door: -0.10.
	res := s.Score(Input{
		POIsOK:  true,
		Weather: okWeather("clear", 10000, 12),
		POIs: []providers.NearbyPOI{
			{Category: "school", DistanceM: 0},
			{Category: "hospital", DistanceM: 0},
		},
	})
	assert.InDelta(t, 0.05, res.Components.POI, 1e-9)
}

func TestPOIComponentDistanceDecayFloor(t *testing.T) {
	s := newTestScorer()

	// A bar at 450 of 500m would decay to 0.1, but decay floors at 0.3.
	res := s.Score(Input{
		POIsOK:  true,
		Weather: okWeather("clear", 10000, 12),
		POIs:    []providers.NearbyPOI{{Category: "bar", DistanceM: 450}},
	})
	assert.InDelta(t, 0.20*0.3, res.Components.POI, 1e-9)
}

func TestPOIComponentShoppingOnlyAtPeak(t *testing.T) {
	s := newTestScorer()
	pois := []providers.NearbyPOI{{Category: "shopping", DistanceM: 0}}

	offPeak := s.Score(Input{POIsOK: true, Weather: okWeather("clear", 10000, 8), POIs: pois})
	assert.Zero(t, offPeak.Components.POI)

	peak := s.Score(Input{POIsOK: true, Weather: okWeather("clear", 10000, 13), POIs: pois})
	assert.InDelta(t, 0.10, peak.Components.POI, 1e-9)
}

func TestIncidentsComponentTrustAndSeverity(t *testing.T) {
	s := newTestScorer()

	res := s.Score(Input{Incidents: []NearbyIncident{
		{Source: "official", Priority: "critical", DistanceKm: 0},
	}})
	assert.InDelta(t, 1.0, res.Components.Incidents, 1e-9)

	res = s.Score(Input{Incidents: []NearbyIncident{
		{Source: "news", Confidence: 0.5, Priority: "high", DistanceKm: 0},
	}})
	// 0.5*0.8 trust, 0.7 severity, decay 1.
	assert.InDelta(t, 0.28, res.Components.Incidents, 1e-9)
}

func TestIncidentsComponentIgnoresOutOfRadius(t *testing.T) {
	s := newTestScorer()
	res := s.Score(Input{Incidents: []NearbyIncident{
		{Source: "official", Priority: "critical", DistanceKm: 2.5},
	}})
	assert.Zero(t, res.Components.Incidents)
}

func TestSpeedingComponentBands(t *testing.T) {
	s := newTestScorer()

	tests := []struct {
		name    string
		current float64
		limit   providers.SpeedLimitResult
		want    float64
	}{
		{"critical band", 80, knownLimit(50), 1.0}, // ratio 0.6
		{"high band", 67, knownLimit(50), 0.7},     // ratio 0.34
		{"moderate band", 57, knownLimit(50), 0.4}, // ratio 0.14
		{"marginal", 52, knownLimit(50), 0.0},      // ratio 0.04
		{"at limit", 50, knownLimit(50), 0.0},
		{"under limit", 40, knownLimit(50), 0.0},
		{"unknown limit", 120, providers.SpeedLimitResult{OK: true, Known: false}, 0.0},
		{"provider unavailable", 120, providers.SpeedLimitResult{}, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := s.Score(Input{Flow: okFlow(tt.current, 100), SpeedLimit: tt.limit})
			assert.InDelta(t, tt.want, res.Components.Speeding, 1e-9)
		})
	}
}

func knownLimit(kmh int) providers.SpeedLimitResult {
	return providers.SpeedLimitResult{OK: true, Known: true, LimitKmh: kmh}
}

func TestTrustWeightClampsConfidence(t *testing.T) {
	assert.InDelta(t, 0.8, TrustWeight("news", false, 1.7), 1e-9, "confidence above 1 clamps")
	assert.InDelta(t, 0.0, TrustWeight("news", false, -0.2), 1e-9)
	assert.InDelta(t, 1.0, TrustWeight("official", false, 0), 1e-9)
	assert.InDelta(t, 0.7, TrustWeight("user_report", true, 0), 1e-9)
	assert.InDelta(t, 0.4, TrustWeight("user_report", false, 0), 1e-9)
}

func TestCompositeMatchesWeightedSum(t *testing.T) {
	s := newTestScorer()

	res := s.Score(Input{
		Flow:       okFlow(15, 60), // traffic 0.75
		Weather:    okWeather("rain", 10000, 12),
		InfraOK:    true,
		Infra:      providers.InfraCounts{}, // 0.3 no-signal penalty
		SpeedLimit: knownLimit(50),          // speed 15 under limit: 0
	})

	want := 100 * (0.20*0.75 + 0.20*0.7 + 0.15*0.3)
	assert.InDelta(t, want, res.Score, 1e-9)
	assert.Equal(t, LevelMedium, res.Level)
}

func TestAllComponentsClamped(t *testing.T) {
	s := newTestScorer()

	res := s.Score(Input{
		Flow:    okFlow(0, 100),
		Weather: okWeather("thunderstorm", 500, 23),
		InfraOK: true,
		Infra:   providers.InfraCounts{Junctions: 10, UnlitRoads: 3, Crossings: 9},
		POIsOK:  true,
		POIs: []providers.NearbyPOI{
			{Category: "bar", DistanceM: 0}, {Category: "bar", DistanceM: 0},
			{Category: "bar", DistanceM: 0}, {Category: "bar", DistanceM: 0},
			{Category: "bar", DistanceM: 0}, {Category: "bar", DistanceM: 0},
		},
		Incidents: []NearbyIncident{
			{Source: "official", Priority: "critical", DistanceKm: 0},
			{Source: "official", Priority: "critical", DistanceKm: 0},
		},
		SpeedLimit: knownLimit(50),
	})

	for _, c := range []float64{
		res.Components.Traffic, res.Components.Weather, res.Components.Infrastructure,
		res.Components.POI, res.Components.Incidents, res.Components.Speeding,
	} {
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
	require.LessOrEqual(t, res.Score, 100.0)
	require.GreaterOrEqual(t, res.Score, 0.0)
}

func TestLevelThresholds(t *testing.T) {
	tests := []struct {
		score float64
		want  Level
	}{
		{0, LevelLow},
		{29.999, LevelLow},
		{30, LevelMedium},
		{59.999, LevelMedium},
		{60, LevelHigh},
		{79.999, LevelHigh},
		{80, LevelCritical},
		{100, LevelCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.score), "score %.3f", tt.score)
	}
}
