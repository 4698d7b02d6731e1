package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
)

// Way is one drivable road segment with its geometry and metadata.
type Way struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Class       string      `json:"class"` // highway tag, e.g. primary
	Lit         string      `json:"lit"`   // yes, no, or empty when untagged
	MaxSpeedKmh int         `json:"max_speed_kmh"` // 0 when untagged
	Points      []geo.Point `json:"points"`
}

// RoadGraphProvider fetches the arterial road graph for a bounding box from
// Overpass with the endpoint fallback chain. When every endpoint fails the
// sampler falls back to a synthesized grid.
type RoadGraphProvider struct {
	client    *Client
	store     cache.Store
	endpoints []string
	ttl       time.Duration
	log       *slog.Logger
}

func NewRoadGraphProvider(client *Client, store cache.Store, cfg *config.Config, log *slog.Logger) *RoadGraphProvider {
	return &RoadGraphProvider{
		client:    client,
		store:     store,
		endpoints: cfg.OverpassEndpoints,
		ttl:       cfg.InfraTTL,
		log:       logging.Component(log, "roadgraph"),
	}
}

// Ways returns all ways of the given highway classes inside bbox,
// cache-first. Returns an error wrapping ErrUnavailable when every
// endpoint in the chain fails.
func (p *RoadGraphProvider) Ways(ctx context.Context, bbox geo.BBox, classes []string) ([]Way, error) {
	key := cache.Key("roadgraph", bbox.Key()+"|"+strings.Join(classes, ","))
	if payload, err := p.store.Get(ctx, key); err == nil {
		var ways []Way
		if json.Unmarshal(payload, &ways) == nil {
			return ways, nil
		}
	}

	query := fmt.Sprintf(`[out:json][timeout:25];
(
  way["highway"~"^(%s)$"](%f,%f,%f,%f);
);
out geom;`, strings.Join(classes, "|"), bbox.MinLat, bbox.MinLon, bbox.MaxLat, bbox.MaxLon)

	resp, err := queryOverpass(ctx, p.client, p.endpoints, query)
	if err != nil {
		return nil, fmt.Errorf("road graph fetch: %w", err)
	}

	ways := make([]Way, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		if el.Type != "way" || len(el.Geometry) < 2 {
			continue
		}
		points := make([]geo.Point, 0, len(el.Geometry))
		for _, g := range el.Geometry {
			pt := geo.Point{Lat: g.Lat, Lon: g.Lon}
			if pt.Valid() {
				points = append(points, pt)
			}
		}
		if len(points) < 2 {
			continue
		}
		ways = append(ways, Way{
			ID:          el.ID,
			Name:        el.Tags["name"],
			Class:       el.Tags["highway"],
			Lit:         el.Tags["lit"],
			MaxSpeedKmh: parseMaxSpeed(el.Tags["maxspeed"]),
			Points:      points,
		})
	}

	if payload, err := json.Marshal(ways); err == nil {
		if err := p.store.Put(ctx, key, payload, p.ttl); err != nil {
			p.log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
		}
	}
	return ways, nil
}

// parseMaxSpeed handles "50" and "50 km/h"; mph and other units read as
// untagged since the region under watch posts limits in km/h.
func parseMaxSpeed(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if strings.Contains(strings.ToLower(raw), "mph") {
		return 0
	}
	fields := strings.Fields(raw)
	v, err := strconv.Atoi(fields[0])
	if err != nil || v <= 0 {
		return 0
	}
	return v
}
