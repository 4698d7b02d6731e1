// Package sampler turns the region's drivable road graph into a bounded,
// evenly spaced set of sample locations for risk scoring.
//
// Sampling is restricted to arterial highway classes to bound volume. The
// output ordering is deterministic for a given road graph and parameters,
// so consecutive calculation passes score the same coordinates and trend
// comparisons stay meaningful.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/providers"
)

// ErrInvalidInput marks malformed region bounds or non-positive parameters.
// Not retryable; rejected at this boundary before any network call.
var ErrInvalidInput = errors.New("invalid sampling input")

// SampleLocation is one point on the road network chosen to represent a
// nearby segment. Immutable once sampled.
type SampleLocation struct {
	Location      geo.Point `json:"location"`
	RoadName      string    `json:"road_name,omitempty"`
	HighwayType   string    `json:"highway_type,omitempty"`
	Lit           string    `json:"lit,omitempty"`
	SpeedLimitKmh int       `json:"speed_limit_kmh,omitempty"` // 0 when untagged
}

// RoadSource fetches the road graph for a bounding box.
type RoadSource interface {
	Ways(ctx context.Context, bbox geo.BBox, classes []string) ([]providers.Way, error)
}

// Sampler produces sample locations from a RoadSource with grid and fixed
// point fallbacks.
type Sampler struct {
	roads    RoadSource
	classes  []string
	spacingM float64
	fixed    []geo.Point
	log      *slog.Logger
}

func New(roads RoadSource, cfg *config.Config, log *slog.Logger) *Sampler {
	fixed := make([]geo.Point, 0, len(cfg.FixedSamplePoints))
	for _, p := range cfg.FixedSamplePoints {
		pt := geo.Point{Lat: p[0], Lon: p[1]}
		if pt.Valid() {
			fixed = append(fixed, pt)
		}
	}
	return &Sampler{
		roads:    roads,
		classes:  cfg.RoadClasses,
		spacingM: cfg.SampleSpacingM,
		fixed:    fixed,
		log:      logging.Component(log, "sampler"),
	}
}

// Sample returns at most maxPoints locations inside bbox. When the road
// graph is unavailable it falls back to configured fixed points, then to a
// uniform grid, so a calculation pass degrades rather than halts.
func (s *Sampler) Sample(ctx context.Context, bbox geo.BBox, maxPoints int) ([]SampleLocation, error) {
	if !bbox.Valid() {
		return nil, fmt.Errorf("%w: bbox (%f,%f)-(%f,%f)",
			ErrInvalidInput, bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)
	}
	if maxPoints <= 0 {
		return nil, fmt.Errorf("%w: max points %d", ErrInvalidInput, maxPoints)
	}
	if s.spacingM <= 0 {
		return nil, fmt.Errorf("%w: spacing %.1f m", ErrInvalidInput, s.spacingM)
	}

	ways, err := s.roads.Ways(ctx, bbox, s.classes)
	if err != nil {
		if len(s.fixed) > 0 {
			s.log.WarnContext(ctx, "road graph unavailable, using fixed sample points",
				"error", err, "points", len(s.fixed))
			return s.fixedLocations(maxPoints), nil
		}
		s.log.WarnContext(ctx, "road graph unavailable, using grid fallback", "error", err)
		return GridLocations(bbox, maxPoints), nil
	}
	if len(ways) == 0 {
		s.log.WarnContext(ctx, "road graph empty, using grid fallback")
		return GridLocations(bbox, maxPoints), nil
	}

	locations := s.walkWays(ways)
	if len(locations) > maxPoints {
		locations = prioritize(locations, maxPoints)
	}
	s.log.InfoContext(ctx, "sampled road network",
		"ways", len(ways), "locations", len(locations))
	return locations, nil
}

// walkWays places a sample every spacingM meters along each way's
// geometry. Ways shorter than half the spacing contribute their midpoint.
// Ways are visited in a sorted order so output is stable across runs.
func (s *Sampler) walkWays(ways []providers.Way) []SampleLocation {
	sorted := make([]providers.Way, len(ways))
	copy(sorted, ways)
	sort.Slice(sorted, func(i, j int) bool {
		ri, rj := classRank(sorted[i].Class), classRank(sorted[j].Class)
		if ri != rj {
			return ri < rj
		}
		return sorted[i].ID < sorted[j].ID
	})

	var locations []SampleLocation
	for _, way := range sorted {
		length := polylineLengthM(way.Points)
		if length < s.spacingM*0.5 {
			locations = append(locations, sampleAt(way, interpolate(way.Points, length/2)))
			continue
		}
		for d := 0.0; d <= length; d += s.spacingM {
			locations = append(locations, sampleAt(way, interpolate(way.Points, d)))
		}
	}
	return locations
}

func sampleAt(way providers.Way, pt geo.Point) SampleLocation {
	return SampleLocation{
		Location:      pt,
		RoadName:      way.Name,
		HighwayType:   way.Class,
		Lit:           way.Lit,
		SpeedLimitKmh: way.MaxSpeedKmh,
	}
}

func (s *Sampler) fixedLocations(maxPoints int) []SampleLocation {
	n := len(s.fixed)
	if n > maxPoints {
		n = maxPoints
	}
	locations := make([]SampleLocation, 0, n)
	for _, pt := range s.fixed[:n] {
		locations = append(locations, SampleLocation{
			Location:    pt,
			RoadName:    "Fixed Sample",
			HighwayType: "fixed",
		})
	}
	return locations
}

// GridLocations synthesizes a uniform lattice across bbox at the density
// maxPoints implies. Used when no road graph can be fetched.
func GridLocations(bbox geo.BBox, maxPoints int) []SampleLocation {
	gridSize := int(math.Sqrt(float64(maxPoints)))
	if gridSize < 1 {
		gridSize = 1
	}
	latStep := (bbox.MaxLat - bbox.MinLat) / float64(gridSize+1)
	lonStep := (bbox.MaxLon - bbox.MinLon) / float64(gridSize+1)

	locations := make([]SampleLocation, 0, gridSize*gridSize)
	for i := 1; i <= gridSize; i++ {
		for j := 1; j <= gridSize; j++ {
			locations = append(locations, SampleLocation{
				Location: geo.Point{
					Lat: bbox.MinLat + float64(i)*latStep,
					Lon: bbox.MinLon + float64(j)*lonStep,
				},
				RoadName:    "Grid Sample",
				HighwayType: "grid",
			})
			if len(locations) >= maxPoints {
				return locations
			}
		}
	}
	return locations
}

// prioritize keeps the maxPoints samples on the most important road
// classes. The sort is stable so relative order within a class survives.
func prioritize(locations []SampleLocation, maxPoints int) []SampleLocation {
	out := make([]SampleLocation, len(locations))
	copy(out, locations)
	sort.SliceStable(out, func(i, j int) bool {
		return classRank(out[i].HighwayType) < classRank(out[j].HighwayType)
	})
	return out[:maxPoints]
}

func classRank(class string) int {
	switch class {
	case "motorway", "motorway_link":
		return 1
	case "trunk", "trunk_link":
		return 2
	case "primary", "primary_link":
		return 3
	case "secondary", "secondary_link":
		return 4
	default:
		return 999
	}
}

// polylineLengthM returns the haversine length of a way geometry in meters.
func polylineLengthM(points []geo.Point) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += geo.DistanceM(points[i-1], points[i])
	}
	return total
}

// interpolate returns the point at distance d meters along the polyline,
// clamping to the endpoints.
func interpolate(points []geo.Point, d float64) geo.Point {
	if len(points) == 0 {
		return geo.Point{}
	}
	if d <= 0 {
		return points[0]
	}
	walked := 0.0
	for i := 1; i < len(points); i++ {
		seg := geo.DistanceM(points[i-1], points[i])
		if seg <= 0 {
			continue
		}
		if walked+seg >= d {
			t := (d - walked) / seg
			return geo.Point{
				Lat: points[i-1].Lat + t*(points[i].Lat-points[i-1].Lat),
				Lon: points[i-1].Lon + t*(points[i].Lon-points[i-1].Lon),
			}
		}
		walked += seg
	}
	return points[len(points)-1]
}
