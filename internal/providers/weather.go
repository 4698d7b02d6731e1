package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/sentinelroad/backend/internal/cache"
	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
)

// Weather is a normalized region-level weather reading.
type Weather struct {
	Condition   string  `json:"condition"`
	VisibilityM float64 `json:"visibility_m"`
	LocalHour   int     `json:"local_hour"`
	TempC       float64 `json:"temp_c"`
}

// WeatherResult is the tagged outcome of a weather fetch.
type WeatherResult struct {
	OK      bool
	Reason  string
	Weather Weather
}

// WeatherProvider fetches current conditions for the region center.
// Weather is fetched once per region, not per sample point.
type WeatherProvider struct {
	client  *Client
	store   cache.Store
	apiKey  string
	baseURL string
	center  geo.Point
	ttl     time.Duration
	log     *slog.Logger
}

func NewWeatherProvider(client *Client, store cache.Store, cfg *config.Config, log *slog.Logger) *WeatherProvider {
	region := geo.BBox{
		MinLat: cfg.Region.MinLat, MinLon: cfg.Region.MinLon,
		MaxLat: cfg.Region.MaxLat, MaxLon: cfg.Region.MaxLon,
	}
	return &WeatherProvider{
		client:  client,
		store:   store,
		apiKey:  cfg.WeatherAPIKey,
		baseURL: cfg.WeatherBaseURL,
		center:  region.Center(),
		ttl:     cfg.WeatherTTL,
		log:     logging.Component(log, "weather"),
	}
}

type weatherResponse struct {
	Weather []struct {
		Main string `json:"main"`
	} `json:"weather"`
	Main struct {
		Temp float64 `json:"temp"`
	} `json:"main"`
	Visibility float64 `json:"visibility"`
	Dt         int64   `json:"dt"`
	Timezone   int64   `json:"timezone"`
}

// Current returns the current conditions at the region center, cache-first.
func (p *WeatherProvider) Current(ctx context.Context) WeatherResult {
	key := cache.Key("weather", p.center.Key())
	if payload, err := p.store.Get(ctx, key); err == nil {
		var w Weather
		if json.Unmarshal(payload, &w) == nil {
			return WeatherResult{OK: true, Weather: w}
		}
	}

	params := url.Values{}
	params.Set("lat", fmt.Sprintf("%f", p.center.Lat))
	params.Set("lon", fmt.Sprintf("%f", p.center.Lon))
	params.Set("appid", p.apiKey)
	params.Set("units", "metric")

	var resp weatherResponse
	if err := p.client.GetJSON(ctx, "weather", p.baseURL+"/weather", params, &resp); err != nil {
		return WeatherResult{Reason: err.Error()}
	}

	condition := "clear"
	if len(resp.Weather) > 0 {
		condition = strings.ToLower(resp.Weather[0].Main)
	}
	observed := time.Unix(resp.Dt, 0).UTC()
	local := observed.Add(time.Duration(resp.Timezone) * time.Second)

	w := Weather{
		Condition:   condition,
		VisibilityM: resp.Visibility,
		LocalHour:   local.Hour(),
		TempC:       resp.Main.Temp,
	}

	if payload, err := json.Marshal(w); err == nil {
		if err := p.store.Put(ctx, key, payload, p.ttl); err != nil {
			p.log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
		}
	}
	return WeatherResult{OK: true, Weather: w}
}
