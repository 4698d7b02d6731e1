package providers

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/metrics"
	"github.com/sentinelroad/backend/internal/ratelimit"
)

// Geocoder resolves free-text locations to coordinates with a regional
// bias. Calls are serialized through a pacer because the upstream service
// does not tolerate concurrent high-volume use.
type Geocoder struct {
	client  *Client
	baseURL string
	bias    string
	region  geo.BBox
	pacer   *ratelimit.Pacer
	log     *slog.Logger
}

func NewGeocoder(client *Client, cfg *config.Config, pacer *ratelimit.Pacer, log *slog.Logger) *Geocoder {
	return &Geocoder{
		client:  client,
		baseURL: cfg.GeocodeBaseURL,
		bias:    cfg.RegionBias,
		region: geo.BBox{
			MinLat: cfg.Region.MinLat, MinLon: cfg.Region.MinLon,
			MaxLat: cfg.Region.MaxLat, MaxLon: cfg.Region.MaxLon,
		},
		pacer: pacer,
		log:   logging.Component(log, "geocoder"),
	}
}

type geocodeResponse []struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves text to a point inside the monitored region. The second
// return is false when the text did not resolve or resolved outside the
// region; err is non-nil only for provider failures.
func (g *Geocoder) Geocode(ctx context.Context, text string) (geo.Point, bool, error) {
	if text == "" {
		metrics.GeocodeRequestsTotal.WithLabelValues("miss").Inc()
		return geo.Point{}, false, nil
	}
	if err := g.pacer.Wait(ctx); err != nil {
		return geo.Point{}, false, err
	}

	query := text
	if g.bias != "" {
		query = text + ", " + g.bias
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")

	var resp geocodeResponse
	if err := g.client.GetJSON(ctx, "geocode", g.baseURL+"/search", params, &resp); err != nil {
		metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return geo.Point{}, false, err
	}
	if len(resp) == 0 {
		metrics.GeocodeRequestsTotal.WithLabelValues("miss").Inc()
		return geo.Point{}, false, nil
	}

	lat, latErr := strconv.ParseFloat(resp[0].Lat, 64)
	lon, lonErr := strconv.ParseFloat(resp[0].Lon, 64)
	if latErr != nil || lonErr != nil {
		metrics.GeocodeRequestsTotal.WithLabelValues("miss").Inc()
		return geo.Point{}, false, nil
	}

	pt := geo.Point{Lat: lat, Lon: lon}
	if !g.region.Contains(pt) {
		// A biased query can still resolve to a same-named place elsewhere.
		g.log.DebugContext(ctx, "geocode result outside region",
			"text", text, "lat", lat, "lon", lon)
		metrics.GeocodeRequestsTotal.WithLabelValues("miss").Inc()
		return geo.Point{}, false, nil
	}

	metrics.GeocodeRequestsTotal.WithLabelValues("ok").Inc()
	return pt, true, nil
}
