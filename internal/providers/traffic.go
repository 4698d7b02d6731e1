package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
)

// Flow is a normalized traffic flow reading for one point.
type Flow struct {
	CurrentSpeedKmh  float64 `json:"current_speed_kmh"`
	FreeFlowSpeedKmh float64 `json:"free_flow_speed_kmh"`
	Confidence       float64 `json:"confidence"`
}

// FlowResult is the tagged outcome of a flow fetch. When OK is false the
// traffic and speeding components score zero.
type FlowResult struct {
	OK     bool
	Reason string
	Flow   Flow
}

// TrafficIncident is a normalized provider-reported incident.
type TrafficIncident struct {
	Location    geo.Point `json:"location"`
	Category    string    `json:"category"`
	Severity    int       `json:"severity"`
	Description string    `json:"description"`
	ReportedAt  time.Time `json:"reported_at"`
}

// IncidentsResult is the tagged outcome of a bbox incident fetch.
type IncidentsResult struct {
	OK        bool
	Reason    string
	Incidents []TrafficIncident
}

// TrafficProvider fetches flow and incident data from a TomTom-shaped API.
type TrafficProvider struct {
	client  *Client
	store   cache.Store
	apiKey  string
	baseURL string
	ttl     time.Duration
	log     *slog.Logger
}

func NewTrafficProvider(client *Client, store cache.Store, cfg *config.Config, log *slog.Logger) *TrafficProvider {
	return &TrafficProvider{
		client:  client,
		store:   store,
		apiKey:  cfg.TrafficAPIKey,
		baseURL: cfg.TrafficBaseURL,
		ttl:     cfg.TrafficTTL,
		log:     logging.Component(log, "traffic"),
	}
}

type flowSegmentResponse struct {
	FlowSegmentData struct {
		CurrentSpeed  float64 `json:"currentSpeed"`
		FreeFlowSpeed float64 `json:"freeFlowSpeed"`
		Confidence    float64 `json:"confidence"`
	} `json:"flowSegmentData"`
}

// Flow returns the current and free-flow speeds at a point, cache-first.
func (p *TrafficProvider) Flow(ctx context.Context, pt geo.Point) FlowResult {
	key := cache.Key("traffic", pt.Key())
	if payload, err := p.store.Get(ctx, key); err == nil {
		var f Flow
		if json.Unmarshal(payload, &f) == nil {
			return FlowResult{OK: true, Flow: f}
		}
	}

	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("point", fmt.Sprintf("%f,%f", pt.Lat, pt.Lon))

	var resp flowSegmentResponse
	reqURL := p.baseURL + "/4/flowSegmentData/absolute/15/json"
	if err := p.client.GetJSON(ctx, "traffic", reqURL, params, &resp); err != nil {
		return FlowResult{Reason: err.Error()}
	}

	f := Flow{
		CurrentSpeedKmh:  resp.FlowSegmentData.CurrentSpeed,
		FreeFlowSpeedKmh: resp.FlowSegmentData.FreeFlowSpeed,
		Confidence:       resp.FlowSegmentData.Confidence,
	}
	p.writeThrough(ctx, key, f)
	return FlowResult{OK: true, Flow: f}
}

type incidentDetailsResponse struct {
	Incidents []struct {
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			IconCategory     int       `json:"iconCategory"`
			MagnitudeOfDelay int       `json:"magnitudeOfDelay"`
			StartTime        time.Time `json:"startTime"`
			Events           []struct {
				Description string `json:"description"`
			} `json:"events"`
		} `json:"properties"`
	} `json:"incidents"`
}

// Incidents returns provider incidents inside a bounding box, cache-first.
func (p *TrafficProvider) Incidents(ctx context.Context, bbox geo.BBox) IncidentsResult {
	key := cache.Key("traffic_incidents", bbox.Key())
	if payload, err := p.store.Get(ctx, key); err == nil {
		var cached []TrafficIncident
		if json.Unmarshal(payload, &cached) == nil {
			return IncidentsResult{OK: true, Incidents: cached}
		}
	}

	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("bbox", fmt.Sprintf("%f,%f,%f,%f", bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat))
	params.Set("fields", "{incidents{type,geometry{type,coordinates},properties{iconCategory,magnitudeOfDelay,startTime,events{description}}}}")

	var resp incidentDetailsResponse
	reqURL := p.baseURL + "/5/incidentDetails"
	if err := p.client.GetJSON(ctx, "traffic", reqURL, params, &resp); err != nil {
		return IncidentsResult{Reason: err.Error()}
	}

	incidents := make([]TrafficIncident, 0, len(resp.Incidents))
	for _, in := range resp.Incidents {
		pt, ok := decodeGeometryPoint(in.Geometry.Type, in.Geometry.Coordinates)
		if !ok {
			continue
		}
		desc := ""
		if len(in.Properties.Events) > 0 {
			desc = in.Properties.Events[0].Description
		}
		incidents = append(incidents, TrafficIncident{
			Location:    pt,
			Category:    incidentCategory(in.Properties.IconCategory),
			Severity:    in.Properties.MagnitudeOfDelay,
			Description: desc,
			ReportedAt:  in.Properties.StartTime,
		})
	}

	p.writeThrough(ctx, key, incidents)
	return IncidentsResult{OK: true, Incidents: incidents}
}

func (p *TrafficProvider) writeThrough(ctx context.Context, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := p.store.Put(ctx, key, payload, p.ttl); err != nil {
		p.log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
}

// decodeGeometryPoint extracts the first coordinate pair from a GeoJSON
// Point or LineString geometry. Coordinates arrive as [lon, lat].
func decodeGeometryPoint(geomType string, raw json.RawMessage) (geo.Point, bool) {
	switch geomType {
	case "Point":
		var c [2]float64
		if json.Unmarshal(raw, &c) != nil {
			return geo.Point{}, false
		}
		return geo.Point{Lat: c[1], Lon: c[0]}, true
	case "LineString", "MultiPoint":
		var cs [][2]float64
		if json.Unmarshal(raw, &cs) != nil || len(cs) == 0 {
			return geo.Point{}, false
		}
		return geo.Point{Lat: cs[0][1], Lon: cs[0][0]}, true
	default:
		return geo.Point{}, false
	}
}

// incidentCategory maps provider icon category codes to internal categories.
func incidentCategory(iconCategory int) string {
	switch iconCategory {
	case 1:
		return "accidents"
	case 9:
		return "road_works"
	case 7, 8:
		return "closures"
	case 2, 4, 5, 10, 11:
		return "weather"
	case 6:
		return "traffic_jams"
	case 3, 14:
		return "vehicle_hazards"
	default:
		return "other"
	}
}
