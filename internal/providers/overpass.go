package providers

import (
	"context"
	"fmt"
	"net/url"
)

// overpassElement is one node or way from an Overpass reply.
type overpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Tags     map[string]string `json:"tags"`
	Geometry []struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"geometry"`
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

// queryOverpass runs an Overpass QL query against an ordered endpoint chain,
// returning the first successful reply. All endpoints failing reads as one
// unavailable provider.
func queryOverpass(ctx context.Context, client *Client, endpoints []string, query string) (*overpassResponse, error) {
	var lastErr error
	for _, endpoint := range endpoints {
		form := url.Values{}
		form.Set("data", query)

		var resp overpassResponse
		if err := client.PostFormJSON(ctx, providerName(endpoint), endpoint, form, &resp); err != nil {
			lastErr = err
			continue
		}
		return &resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no overpass endpoints configured: %w", ErrUnavailable)
	}
	return nil, lastErr
}

// providerName labels metrics and breaker state per endpoint host so one
// failing mirror does not open the circuit for the others.
func providerName(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "overpass"
	}
	return "overpass:" + u.Host
}
