// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled when empty
	RateLimitRPM int    // API rate limit, requests per minute per client

	// Provider settings
	TrafficAPIKey     string
	TrafficBaseURL    string
	WeatherAPIKey     string
	WeatherBaseURL    string
	OverpassEndpoints []string // ordered fallback chain
	GeocodeBaseURL    string
	GeocodeInterval   time.Duration // minimum delay between geocoding calls
	HTTPTimeout       time.Duration

	// Optional LLM classifier (pluggable incident categorization strategy)
	LLMAPIURL string
	LLMAPIKey string

	// Monitored region
	Region     RegionConfig
	RegionBias string // appended to geocoding queries, e.g. "Pune, Maharashtra, India"

	// Cache TTLs per logical source
	TrafficTTL time.Duration
	WeatherTTL time.Duration
	InfraTTL   time.Duration

	// Road network sampling
	SampleSpacingM  float64
	MaxSamplePoints int
	RoadClasses     []string
	// FixedSamplePoints seed a pass when both the road graph and the grid
	// fallback are unwanted; "lat,lon;lat,lon" pairs, usually empty.
	FixedSamplePoints [][2]float64

	// Risk scoring
	Weights       WeightConfig
	InfraRadiusM  float64
	POIRadiusM    float64
	IncidentKm    float64
	NightStart    int // local hour, inclusive
	NightEnd      int // local hour, exclusive
	NightRiskBump float64

	// Incident deduplication
	DedupWindow time.Duration
	DedupMeters float64

	// Spatial clustering
	ClusterEpsKm      float64
	ClusterMinSamples int
	TopClusters       int
}

// RegionConfig bounds the monitored metropolitan area.
type RegionConfig struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// WeightConfig holds the composite risk weights. Must sum to 1.
type WeightConfig struct {
	Traffic        float64
	Weather        float64
	Infrastructure float64
	POI            float64
	Incidents      float64
	Speeding       float64
}

// Sum returns the total of all weights.
func (w WeightConfig) Sum() float64 {
	return w.Traffic + w.Weather + w.Infrastructure + w.POI + w.Incidents + w.Speeding
}

// Defaults. The region defaults cover Pune; override per deployment.
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 120
	DefaultTrafficURL   = "https://api.tomtom.com/traffic/services"
	DefaultWeatherURL   = "https://api.openweathermap.org/data/2.5"
	DefaultGeocodeURL   = "https://nominatim.openstreetmap.org"
	DefaultRegionBias   = "Pune, Maharashtra, India"
	DefaultSpacingM     = 500
	DefaultMaxPoints    = 150
	DefaultInfraRadiusM = 500
	DefaultPOIRadiusM   = 500
	DefaultIncidentKm   = 1.0
)

// DefaultOverpassEndpoints is the ordered Overpass fallback chain.
var DefaultOverpassEndpoints = []string{
	"https://overpass-api.de/api/interpreter",
	"https://overpass.kumi.systems/api/interpreter",
	"https://overpass.openstreetmap.ru/api/interpreter",
}

// DefaultRoadClasses are the arterial highway classes sampled for risk.
// Residential and service roads are excluded to bound query volume.
var DefaultRoadClasses = []string{
	"motorway", "motorway_link",
	"trunk", "trunk_link",
	"primary", "primary_link",
	"secondary", "secondary_link",
}

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM: getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),

		TrafficAPIKey:     os.Getenv("TRAFFIC_API_KEY"),
		TrafficBaseURL:    getEnv("TRAFFIC_BASE_URL", DefaultTrafficURL),
		WeatherAPIKey:     os.Getenv("WEATHER_API_KEY"),
		WeatherBaseURL:    getEnv("WEATHER_BASE_URL", DefaultWeatherURL),
		OverpassEndpoints: getEnvList("OVERPASS_ENDPOINTS", DefaultOverpassEndpoints),
		GeocodeBaseURL:    getEnv("GEOCODE_BASE_URL", DefaultGeocodeURL),
		GeocodeInterval:   getEnvDuration("GEOCODE_INTERVAL", 200*time.Millisecond),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", 20*time.Second),

		LLMAPIURL: os.Getenv("LLM_API_URL"),
		LLMAPIKey: os.Getenv("LLM_API_KEY"),

		Region: RegionConfig{
			MinLat: getEnvFloat("REGION_MIN_LAT", 18.4088),
			MinLon: getEnvFloat("REGION_MIN_LON", 73.7474),
			MaxLat: getEnvFloat("REGION_MAX_LAT", 18.6347),
			MaxLon: getEnvFloat("REGION_MAX_LON", 73.9965),
		},
		RegionBias: getEnv("REGION_BIAS", DefaultRegionBias),

		TrafficTTL: getEnvDuration("CACHE_TTL_TRAFFIC", 5*time.Minute),
		WeatherTTL: getEnvDuration("CACHE_TTL_WEATHER", 30*time.Minute),
		InfraTTL:   getEnvDuration("CACHE_TTL_INFRA", 24*time.Hour),

		SampleSpacingM:    getEnvFloat("SAMPLE_SPACING_M", DefaultSpacingM),
		MaxSamplePoints:   getEnvInt("MAX_SAMPLE_POINTS", DefaultMaxPoints),
		RoadClasses:       getEnvList("ROAD_CLASSES", DefaultRoadClasses),
		FixedSamplePoints: getEnvPoints("FIXED_SAMPLE_POINTS"),

		Weights: WeightConfig{
			Traffic:        getEnvFloat("WEIGHT_TRAFFIC", 0.20),
			Weather:        getEnvFloat("WEIGHT_WEATHER", 0.20),
			Infrastructure: getEnvFloat("WEIGHT_INFRASTRUCTURE", 0.15),
			POI:            getEnvFloat("WEIGHT_POI", 0.15),
			Incidents:      getEnvFloat("WEIGHT_INCIDENTS", 0.15),
			Speeding:       getEnvFloat("WEIGHT_SPEEDING", 0.15),
		},
		InfraRadiusM:  getEnvFloat("INFRA_RADIUS_M", DefaultInfraRadiusM),
		POIRadiusM:    getEnvFloat("POI_RADIUS_M", DefaultPOIRadiusM),
		IncidentKm:    getEnvFloat("INCIDENT_RADIUS_KM", DefaultIncidentKm),
		NightStart:    getEnvInt("NIGHT_START_HOUR", 20),
		NightEnd:      getEnvInt("NIGHT_END_HOUR", 6),
		NightRiskBump: getEnvFloat("NIGHT_RISK_BUMP", 0.3),

		DedupWindow: getEnvDuration("DEDUP_WINDOW", 30*time.Minute),
		DedupMeters: getEnvFloat("DEDUP_METERS", 100),

		ClusterEpsKm:      getEnvFloat("CLUSTER_EPS_KM", 0.5),
		ClusterMinSamples: getEnvInt("CLUSTER_MIN_SAMPLES", 2),
		TopClusters:       getEnvInt("TOP_CLUSTERS", 5),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Region.MinLat >= c.Region.MaxLat || c.Region.MinLon >= c.Region.MaxLon {
		return fmt.Errorf("region bounds are inverted or degenerate")
	}
	if math.Abs(c.Weights.Sum()-1.0) > 1e-6 {
		return fmt.Errorf("risk weights must sum to 1.0, got %.4f", c.Weights.Sum())
	}
	if c.SampleSpacingM <= 0 {
		return fmt.Errorf("SAMPLE_SPACING_M must be positive")
	}
	if c.MaxSamplePoints <= 0 {
		return fmt.Errorf("MAX_SAMPLE_POINTS must be positive")
	}
	if c.ClusterEpsKm <= 0 || c.ClusterMinSamples < 1 {
		return fmt.Errorf("invalid clustering parameters (eps %.2f, min samples %d)",
			c.ClusterEpsKm, c.ClusterMinSamples)
	}
	if len(c.OverpassEndpoints) == 0 {
		return fmt.Errorf("at least one Overpass endpoint is required")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvPoints parses "lat,lon;lat,lon" pairs. Malformed pairs are skipped.
func getEnvPoints(key string) [][2]float64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var points [][2]float64
	for _, pair := range strings.Split(value, ";") {
		parts := strings.Split(strings.TrimSpace(pair), ",")
		if len(parts) != 2 {
			continue
		}
		lat, latErr := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if latErr != nil || lonErr != nil {
			continue
		}
		points = append(points, [2]float64{lat, lon})
	}
	return points
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
