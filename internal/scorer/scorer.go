// Package scorer computes the six-component composite risk score for one
// sample location. Pure functions, no I/O: every missing or invalid signal
// degrades its component to zero instead of failing the calculation.
package scorer

import (
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/providers"
)

// Level classifies a composite score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// LevelFor maps a 0-100 composite score to its level.
func LevelFor(score float64) Level {
	switch {
	case score >= 80:
		return LevelCritical
	case score >= 60:
		return LevelHigh
	case score >= 30:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Components are the six sub-scores, each clamped to [0, 1].
type Components struct {
	Traffic        float64 `json:"traffic"`
	Weather        float64 `json:"weather"`
	Infrastructure float64 `json:"infrastructure"`
	POI            float64 `json:"poi"`
	Incidents      float64 `json:"incidents"`
	Speeding       float64 `json:"speeding"`
}

// NearbyIncident is an incident within the scoring radius of a location.
type NearbyIncident struct {
	Source     string // official, news, user_report
	Verified   bool   // user reports only
	Confidence float64
	Priority   string // low, medium, high, critical
	DistanceKm float64
}

// Input carries every fetched signal for one location. Tagged results with
// OK=false contribute zero to their component.
type Input struct {
	Flow       providers.FlowResult
	Weather    providers.WeatherResult
	InfraOK    bool
	Infra      providers.InfraCounts
	POIsOK     bool
	POIs       []providers.NearbyPOI
	Incidents  []NearbyIncident
	SpeedLimit providers.SpeedLimitResult
}

// Result is the scored outcome for one location.
type Result struct {
	Components Components `json:"components"`
	Score      float64    `json:"score"` // 0-100
	Level      Level      `json:"level"`
}

// Config holds every scoring constant. All values are configuration rather
// than hard-coded at use sites because the empirical tables vary between
// deployments.
type Config struct {
	Weights config.WeightConfig

	// Weather
	ConditionRisk        map[string]float64
	DefaultConditionRisk float64
	VisibilityLowM       float64 // below this, the larger visibility bump
	VisibilityMidM       float64
	VisibilityLowRisk    float64
	VisibilityMidRisk    float64
	NightStart           int // local hour, inclusive
	NightEnd             int // local hour, exclusive
	NightRiskBump        float64

	// Traffic
	SlowSpeedKmh   float64 // below this, crawl traffic floors the component
	SlowSpeedFloor float64

	// Infrastructure penalties
	NoSignalPenalty   float64
	JunctionPenalty   float64
	JunctionThreshold int
	UnlitPenalty      float64
	CrossingPenalty   float64
	CrossingThreshold int

	// POI
	POIWeights map[string]float64 // signed; hospitals reduce risk
	POIRadiusM float64
	PeakStart  int // shopping/dining congestion window, local hours
	PeakEnd    int

	// Incidents
	PriorityWeights map[string]float64
	IncidentKm      float64

	MinDistanceDecay float64
}

// DefaultConfig builds the scoring tables with reference values, taking
// weights, radii, and the night window from the application config.
func DefaultConfig(app *config.Config) Config {
	return Config{
		Weights: app.Weights,
		ConditionRisk: map[string]float64{
			"thunderstorm": 0.9,
			"snow":         0.8,
			"fog":          0.8,
			"rain":         0.7,
			"smoke":        0.7,
			"mist":         0.6,
			"dust":         0.6,
			"drizzle":      0.5,
			"haze":         0.5,
			"clouds":       0.2,
			"clear":        0.0,
		},
		DefaultConditionRisk: 0.2,
		VisibilityLowM:       1000,
		VisibilityMidM:       5000,
		VisibilityLowRisk:    0.4,
		VisibilityMidRisk:    0.2,
		NightStart:           app.NightStart,
		NightEnd:             app.NightEnd,
		NightRiskBump:        app.NightRiskBump,

		SlowSpeedKmh:   10,
		SlowSpeedFloor: 0.7,

		NoSignalPenalty:   0.3,
		JunctionPenalty:   0.4,
		JunctionThreshold: 2,
		UnlitPenalty:      0.5,
		CrossingPenalty:   0.2,
		CrossingThreshold: 3,

		POIWeights: map[string]float64{
			"school":     0.15,
			"bar":        0.20,
			"bus_stop":   0.10,
			"shopping":   0.10,
			"restaurant": 0.10,
			"fuel":       0.05,
			"hospital":   -0.10,
		},
		POIRadiusM: app.POIRadiusM,
		PeakStart:  11,
		PeakEnd:    21,

		PriorityWeights: map[string]float64{
			"low":      0.2,
			"medium":   0.4,
			"high":     0.7,
			"critical": 1.0,
		},
		IncidentKm: app.IncidentKm,

		MinDistanceDecay: 0.3,
	}
}

// Scorer evaluates inputs against one Config.
type Scorer struct {
	cfg Config
}

func New(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes all components and the weighted composite.
func (s *Scorer) Score(in Input) Result {
	c := Components{
		Traffic:        s.trafficComponent(in.Flow),
		Weather:        s.weatherComponent(in.Weather),
		Infrastructure: s.infrastructureComponent(in.InfraOK, in.Infra),
		POI:            s.poiComponent(in.POIsOK, in.POIs, in.Weather),
		Incidents:      s.incidentsComponent(in.Incidents),
		Speeding:       s.speedingComponent(in.Flow, in.SpeedLimit),
	}

	w := s.cfg.Weights
	score := 100 * (w.Traffic*c.Traffic +
		w.Weather*c.Weather +
		w.Infrastructure*c.Infrastructure +
		w.POI*c.POI +
		w.Incidents*c.Incidents +
		w.Speeding*c.Speeding)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	return Result{Components: c, Score: score, Level: LevelFor(score)}
}

// trafficComponent measures relative slowdown against free flow. A crawl
// below SlowSpeedKmh floors the component regardless of the ratio.
func (s *Scorer) trafficComponent(flow providers.FlowResult) float64 {
	if !flow.OK || flow.Flow.FreeFlowSpeedKmh <= 0 {
		return 0
	}
	anomaly := geo.Clamp01(1 - flow.Flow.CurrentSpeedKmh/flow.Flow.FreeFlowSpeedKmh)
	if flow.Flow.CurrentSpeedKmh < s.cfg.SlowSpeedKmh && anomaly < s.cfg.SlowSpeedFloor {
		anomaly = s.cfg.SlowSpeedFloor
	}
	return anomaly
}

// weatherComponent sums the condition band, a visibility increment, and a
// night-hours increment, capped at 1.
func (s *Scorer) weatherComponent(w providers.WeatherResult) float64 {
	if !w.OK {
		return 0
	}
	risk, ok := s.cfg.ConditionRisk[w.Weather.Condition]
	if !ok {
		risk = s.cfg.DefaultConditionRisk
	}
	switch {
	case w.Weather.VisibilityM > 0 && w.Weather.VisibilityM < s.cfg.VisibilityLowM:
		risk += s.cfg.VisibilityLowRisk
	case w.Weather.VisibilityM > 0 && w.Weather.VisibilityM < s.cfg.VisibilityMidM:
		risk += s.cfg.VisibilityMidRisk
	}
	if s.isNight(w.Weather.LocalHour) {
		risk += s.cfg.NightRiskBump
	}
	return geo.Clamp01(risk)
}

// isNight handles both wrapping windows (22..5) and plain ones (0..6).
func (s *Scorer) isNight(hour int) bool {
	if s.cfg.NightStart < s.cfg.NightEnd {
		return hour >= s.cfg.NightStart && hour < s.cfg.NightEnd
	}
	return hour >= s.cfg.NightStart || hour < s.cfg.NightEnd
}

// infrastructureComponent applies threshold penalties for missing signals,
// complex junctions, unlit segments, and crossing density, capped at 1.
func (s *Scorer) infrastructureComponent(ok bool, counts providers.InfraCounts) float64 {
	if !ok {
		return 0
	}
	risk := 0.0
	if counts.Signals == 0 {
		risk += s.cfg.NoSignalPenalty
	}
	if counts.Junctions > s.cfg.JunctionThreshold {
		risk += s.cfg.JunctionPenalty
	}
	if counts.UnlitRoads > 0 {
		risk += s.cfg.UnlitPenalty
	}
	if counts.Crossings > s.cfg.CrossingThreshold {
		risk += s.cfg.CrossingPenalty
	}
	return geo.Clamp01(risk)
}

// poiComponent sums signed category weights with distance decay. Shopping
// and dining only contribute during peak local hours.
func (s *Scorer) poiComponent(ok bool, pois []providers.NearbyPOI, w providers.WeatherResult) float64 {
	if !ok || s.cfg.POIRadiusM <= 0 {
		return 0
	}
	hour := -1
	if w.OK {
		hour = w.Weather.LocalHour
	}
	peak := hour >= s.cfg.PeakStart && hour <= s.cfg.PeakEnd

	risk := 0.0
	for _, poi := range pois {
		weight, known := s.cfg.POIWeights[poi.Category]
		if !known || poi.DistanceM > s.cfg.POIRadiusM {
			continue
		}
		if (poi.Category == "shopping" || poi.Category == "restaurant") && !peak {
			continue
		}
		risk += weight * s.decay(poi.DistanceM/s.cfg.POIRadiusM)
	}
	return geo.Clamp01(risk)
}

// incidentsComponent sums trust-weighted, severity-weighted contributions
// with distance decay, capped at 1.
func (s *Scorer) incidentsComponent(incidents []NearbyIncident) float64 {
	if s.cfg.IncidentKm <= 0 {
		return 0
	}
	risk := 0.0
	for _, in := range incidents {
		if in.DistanceKm > s.cfg.IncidentKm {
			continue
		}
		severity, known := s.cfg.PriorityWeights[in.Priority]
		if !known {
			severity = s.cfg.PriorityWeights["medium"]
		}
		risk += TrustWeight(in.Source, in.Verified, in.Confidence) *
			severity * s.decay(in.DistanceKm/s.cfg.IncidentKm)
	}
	return geo.Clamp01(risk)
}

// speedingComponent is a step function of how far current speed exceeds
// the posted limit. Unknown limits carry no penalty.
func (s *Scorer) speedingComponent(flow providers.FlowResult, limit providers.SpeedLimitResult) float64 {
	if !flow.OK || !limit.OK || !limit.Known || limit.LimitKmh <= 0 {
		return 0
	}
	current := flow.Flow.CurrentSpeedKmh
	posted := float64(limit.LimitKmh)
	if current <= posted {
		return 0
	}
	ratio := (current - posted) / posted
	switch {
	case ratio >= 0.5:
		return 1.0
	case ratio >= 0.3:
		return 0.7
	case ratio >= 0.1:
		return 0.4
	default:
		return 0
	}
}

func (s *Scorer) decay(normalized float64) float64 {
	d := 1 - normalized
	if d < s.cfg.MinDistanceDecay {
		return s.cfg.MinDistanceDecay
	}
	return d
}

// TrustWeight expresses how much a report's origin should influence risk
// relative to an official report. Confidence is clamped before the news
// multiplier because upstream extraction is not guaranteed bounded.
func TrustWeight(source string, verified bool, confidence float64) float64 {
	switch source {
	case "official":
		return 1.0
	case "news":
		return geo.Clamp01(confidence) * 0.8
	case "user_report":
		if verified {
			return 0.7
		}
		return 0.4
	default:
		return 0.4
	}
}
