package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
)

// SpeedLimitResult is the tagged outcome of a speed limit lookup. Known is
// false when the provider answered but has no posted limit for the road;
// no speeding penalty applies in that case.
type SpeedLimitResult struct {
	OK       bool
	Reason   string
	Known    bool
	LimitKmh int
	RoadName string
}

// SpeedLimitProvider resolves posted speed limits via reverse geocoding.
type SpeedLimitProvider struct {
	client  *Client
	store   cache.Store
	apiKey  string
	baseURL string
	ttl     time.Duration
	log     *slog.Logger
}

func NewSpeedLimitProvider(client *Client, store cache.Store, cfg *config.Config, log *slog.Logger) *SpeedLimitProvider {
	return &SpeedLimitProvider{
		client:  client,
		store:   store,
		apiKey:  cfg.TrafficAPIKey,
		baseURL: strings.TrimSuffix(cfg.TrafficBaseURL, "/traffic/services"),
		ttl:     cfg.InfraTTL, // posted limits change on infrastructure timescales
		log:     logging.Component(log, "speedlimit"),
	}
}

type reverseGeocodeResponse struct {
	Addresses []struct {
		Address struct {
			SpeedLimit string `json:"speedLimit"`
			Street     string `json:"street"`
		} `json:"address"`
	} `json:"addresses"`
}

type cachedLimit struct {
	Known    bool   `json:"known"`
	LimitKmh int    `json:"limit_kmh"`
	RoadName string `json:"road_name,omitempty"`
}

// Limit returns the posted limit at a point, cache-first. Absent limits are
// cached too so unknown roads do not refetch every pass.
func (p *SpeedLimitProvider) Limit(ctx context.Context, pt geo.Point) SpeedLimitResult {
	key := cache.Key("speedlimit", pt.Key())
	if payload, err := p.store.Get(ctx, key); err == nil {
		var c cachedLimit
		if json.Unmarshal(payload, &c) == nil {
			return SpeedLimitResult{OK: true, Known: c.Known, LimitKmh: c.LimitKmh, RoadName: c.RoadName}
		}
	}

	params := url.Values{}
	params.Set("key", p.apiKey)
	params.Set("returnSpeedLimit", "true")

	var resp reverseGeocodeResponse
	reqURL := fmt.Sprintf("%s/search/2/reverseGeocode/%f,%f.json", p.baseURL, pt.Lat, pt.Lon)
	if err := p.client.GetJSON(ctx, "speedlimit", reqURL, params, &resp); err != nil {
		return SpeedLimitResult{Reason: err.Error()}
	}

	result := SpeedLimitResult{OK: true}
	if len(resp.Addresses) > 0 {
		addr := resp.Addresses[0].Address
		result.RoadName = addr.Street
		if kmh, ok := parseSpeedLimit(addr.SpeedLimit); ok {
			result.Known = true
			result.LimitKmh = kmh
		}
	}

	if payload, err := json.Marshal(cachedLimit{
		Known: result.Known, LimitKmh: result.LimitKmh, RoadName: result.RoadName,
	}); err == nil {
		if err := p.store.Put(ctx, key, payload, p.ttl); err != nil {
			p.log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
		}
	}
	return result
}

// parseSpeedLimit handles "50", "50 km/h", and "50.00 KMH" formats.
func parseSpeedLimit(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	fields := strings.Fields(raw)
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return int(v), true
}
