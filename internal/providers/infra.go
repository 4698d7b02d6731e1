package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
)

// Feature kinds returned by the infrastructure query.
const (
	KindSignal    = "signal"
	KindJunction  = "junction"
	KindCrossing  = "crossing"
	KindUnlitRoad = "unlit_road"
	KindPOI       = "poi"
)

// InfraFeature is one normalized infrastructure or POI element.
type InfraFeature struct {
	Location geo.Point `json:"location"`
	Kind     string    `json:"kind"`
	Category string    `json:"category,omitempty"` // set when Kind is poi
	Name     string    `json:"name,omitempty"`
	WayID    int64     `json:"way_id,omitempty"` // set for unlit road vertices
}

// InfraCounts are the per-point infrastructure counts fed to the scorer.
type InfraCounts struct {
	Signals    int
	Junctions  int
	Crossings  int
	UnlitRoads int
}

// NearbyPOI is a POI within the scoring radius of a sample point.
type NearbyPOI struct {
	Category  string
	Name      string
	DistanceM float64
}

// InfraSnapshot holds one bbox worth of infrastructure features behind an
// R-tree so per-point filtering stays cheap. One Overpass query serves the
// whole calculation pass; per-point lookups never hit the network.
type InfraSnapshot struct {
	Features []InfraFeature
	tree     *rtreego.Rtree
}

// InfraResult is the tagged outcome of an infrastructure fetch.
type InfraResult struct {
	OK       bool
	Reason   string
	Snapshot *InfraSnapshot
}

// InfraProvider fetches infrastructure and POI features from Overpass with
// an ordered endpoint fallback chain.
type InfraProvider struct {
	client    *Client
	store     cache.Store
	endpoints []string
	ttl       time.Duration
	log       *slog.Logger
}

func NewInfraProvider(client *Client, store cache.Store, cfg *config.Config, log *slog.Logger) *InfraProvider {
	return &InfraProvider{
		client:    client,
		store:     store,
		endpoints: cfg.OverpassEndpoints,
		ttl:       cfg.InfraTTL,
		log:       logging.Component(log, "infra"),
	}
}

// Snapshot returns all infrastructure and POI features inside bbox as one
// batched query, cache-first.
func (p *InfraProvider) Snapshot(ctx context.Context, bbox geo.BBox) InfraResult {
	key := cache.Key("infra", bbox.Key())
	if payload, err := p.store.Get(ctx, key); err == nil {
		var features []InfraFeature
		if json.Unmarshal(payload, &features) == nil {
			return InfraResult{OK: true, Snapshot: NewInfraSnapshot(features)}
		}
	}

	query := fmt.Sprintf(`[out:json][timeout:30];
(
  node["highway"="traffic_signals"](%[1]f,%[2]f,%[3]f,%[4]f);
  node["junction"](%[1]f,%[2]f,%[3]f,%[4]f);
  node["highway"="crossing"](%[1]f,%[2]f,%[3]f,%[4]f);
  way["highway"]["lit"="no"](%[1]f,%[2]f,%[3]f,%[4]f);
  node["amenity"~"^(school|college|hospital|bar|pub|restaurant|fuel)$"](%[1]f,%[2]f,%[3]f,%[4]f);
  node["highway"="bus_stop"](%[1]f,%[2]f,%[3]f,%[4]f);
  node["shop"="mall"](%[1]f,%[2]f,%[3]f,%[4]f);
);
out geom;`, bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)

	resp, err := queryOverpass(ctx, p.client, p.endpoints, query)
	if err != nil {
		return InfraResult{Reason: err.Error()}
	}

	features := parseInfraFeatures(resp.Elements)
	if payload, err := json.Marshal(features); err == nil {
		if err := p.store.Put(ctx, key, payload, p.ttl); err != nil {
			p.log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
		}
	}
	return InfraResult{OK: true, Snapshot: NewInfraSnapshot(features)}
}

func parseInfraFeatures(elements []overpassElement) []InfraFeature {
	features := make([]InfraFeature, 0, len(elements))
	for _, el := range elements {
		switch el.Type {
		case "node":
			pt := geo.Point{Lat: el.Lat, Lon: el.Lon}
			if !pt.Valid() {
				continue
			}
			if f, ok := classifyNode(pt, el.Tags); ok {
				features = append(features, f)
			}
		case "way":
			if el.Tags["lit"] != "no" {
				continue
			}
			// Index every vertex so proximity search finds the whole
			// segment; counts dedup by way ID.
			for _, g := range el.Geometry {
				pt := geo.Point{Lat: g.Lat, Lon: g.Lon}
				if !pt.Valid() {
					continue
				}
				features = append(features, InfraFeature{
					Location: pt,
					Kind:     KindUnlitRoad,
					Name:     el.Tags["name"],
					WayID:    el.ID,
				})
			}
		}
	}
	return features
}

func classifyNode(pt geo.Point, tags map[string]string) (InfraFeature, bool) {
	switch {
	case tags["highway"] == "traffic_signals":
		return InfraFeature{Location: pt, Kind: KindSignal}, true
	case tags["junction"] != "":
		return InfraFeature{Location: pt, Kind: KindJunction}, true
	case tags["highway"] == "crossing":
		return InfraFeature{Location: pt, Kind: KindCrossing}, true
	case tags["highway"] == "bus_stop":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "bus_stop", Name: tags["name"]}, true
	case tags["shop"] == "mall":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "shopping", Name: tags["name"]}, true
	}
	switch tags["amenity"] {
	case "school", "college":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "school", Name: tags["name"]}, true
	case "hospital":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "hospital", Name: tags["name"]}, true
	case "bar", "pub":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "bar", Name: tags["name"]}, true
	case "restaurant":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "restaurant", Name: tags["name"]}, true
	case "fuel":
		return InfraFeature{Location: pt, Kind: KindPOI, Category: "fuel", Name: tags["name"]}, true
	}
	return InfraFeature{}, false
}

type featureItem struct {
	feature InfraFeature
	rect    rtreego.Rect
}

func (f *featureItem) Bounds() rtreego.Rect { return f.rect }

// NewInfraSnapshot indexes features into an R-tree keyed by (lon, lat).
func NewInfraSnapshot(features []InfraFeature) *InfraSnapshot {
	tree := rtreego.NewTree(2, 25, 50)
	for i := range features {
		f := features[i]
		rect := rtreego.Point{f.Location.Lon, f.Location.Lat}.ToRect(1e-6)
		tree.Insert(&featureItem{feature: f, rect: rect})
	}
	return &InfraSnapshot{Features: features, tree: tree}
}

// near returns all features within radiusM of p, using a degree-box R-tree
// search refined by exact haversine distance.
func (s *InfraSnapshot) near(p geo.Point, radiusM float64) []InfraFeature {
	latDelta := radiusM / 111000.0
	lonDelta := radiusM / (111000.0 * math.Max(0.1, math.Cos(p.Lat*math.Pi/180)))
	rect, err := rtreego.NewRect(
		rtreego.Point{p.Lon - lonDelta, p.Lat - latDelta},
		[]float64{2 * lonDelta, 2 * latDelta},
	)
	if err != nil {
		return nil
	}

	matches := s.tree.SearchIntersect(rect)
	out := make([]InfraFeature, 0, len(matches))
	for _, m := range matches {
		f := m.(*featureItem).feature
		if geo.DistanceM(p, f.Location) <= radiusM {
			out = append(out, f)
		}
	}
	return out
}

// CountsNear returns infrastructure counts within radiusM of p. Unlit road
// segments are counted once per way regardless of vertex count.
func (s *InfraSnapshot) CountsNear(p geo.Point, radiusM float64) InfraCounts {
	var counts InfraCounts
	unlitWays := make(map[int64]struct{})
	for _, f := range s.near(p, radiusM) {
		switch f.Kind {
		case KindSignal:
			counts.Signals++
		case KindJunction:
			counts.Junctions++
		case KindCrossing:
			counts.Crossings++
		case KindUnlitRoad:
			unlitWays[f.WayID] = struct{}{}
		}
	}
	counts.UnlitRoads = len(unlitWays)
	return counts
}

// POIsNear returns POIs within radiusM of p with exact distances.
func (s *InfraSnapshot) POIsNear(p geo.Point, radiusM float64) []NearbyPOI {
	var pois []NearbyPOI
	for _, f := range s.near(p, radiusM) {
		if f.Kind != KindPOI {
			continue
		}
		pois = append(pois, NearbyPOI{
			Category:  f.Category,
			Name:      f.Name,
			DistanceM: geo.DistanceM(p, f.Location),
		})
	}
	return pois
}
