// Package calculator orchestrates sampling, signal fetching, and scoring
// across all sample locations of a calculation pass.
//
// Each pass moves PENDING -> RUNNING -> COMPLETED or PARTIAL. Locations are
// scored concurrently by a bounded worker pool with per-location fault
// isolation: one location failing or panicking is recorded as a skip and
// never aborts the others. Cancelling the context keeps the records scored
// so far and finishes the pass as PARTIAL.
package calculator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/idgen"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/metrics"
	"github.com/sentinelroad/backend/internal/providers"
	"github.com/sentinelroad/backend/internal/sampler"
	"github.com/sentinelroad/backend/internal/scorer"
	"github.com/sentinelroad/backend/internal/traces"
)

// Worker pool bounds. The pool scales with location count but stays inside
// these limits so a small pass is not over-parallelized and a large one
// does not stampede the providers.
const (
	minWorkers         = 4
	maxWorkers         = 20
	locationsPerWorker = 10
)

// Signal source interfaces, satisfied by internal/providers and by test
// fakes.
type (
	FlowSource interface {
		Flow(ctx context.Context, pt geo.Point) providers.FlowResult
	}
	IncidentSource interface {
		Incidents(ctx context.Context, bbox geo.BBox) providers.IncidentsResult
	}
	WeatherSource interface {
		Current(ctx context.Context) providers.WeatherResult
	}
	InfraSource interface {
		Snapshot(ctx context.Context, bbox geo.BBox) providers.InfraResult
	}
	LimitSource interface {
		Limit(ctx context.Context, pt geo.Point) providers.SpeedLimitResult
	}
	LocationSource interface {
		Sample(ctx context.Context, bbox geo.BBox, maxPoints int) ([]sampler.SampleLocation, error)
	}
)

// IncidentPoint is a normalized incident report fed into per-location
// scoring alongside provider-reported incidents.
type IncidentPoint struct {
	Location   geo.Point
	Source     string
	Verified   bool
	Confidence float64
	Priority   string
}

// IncidentFeed supplies stored incident reports with valid coordinates.
type IncidentFeed interface {
	RecentPoints(ctx context.Context) ([]IncidentPoint, error)
}

// Sources bundles everything a pass reads from.
type Sources struct {
	Locations LocationSource
	Flow      FlowSource
	Incidents IncidentSource
	Weather   WeatherSource
	Infra     InfraSource
	Limits    LimitSource
	Reports   IncidentFeed // optional
}

// Calculator runs calculation passes and appends results to history.
type Calculator struct {
	sources Sources
	scorer  *scorer.Scorer
	history HistoryStore
	cfg     *config.Config
	log     *slog.Logger

	onProgress func(Progress) // optional, called from worker goroutines
}

func New(sources Sources, sc *scorer.Scorer, history HistoryStore, cfg *config.Config, log *slog.Logger) *Calculator {
	return &Calculator{
		sources: sources,
		scorer:  sc,
		history: history,
		cfg:     cfg,
		log:     logging.Component(log, "calculator"),
	}
}

// OnProgress registers a callback invoked after every scored or skipped
// location. The callback must be safe for concurrent use.
func (c *Calculator) OnProgress(fn func(Progress)) {
	c.onProgress = fn
}

func workerCount(locations int) int {
	n := locations / locationsPerWorker
	if n < minWorkers {
		n = minWorkers
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// Calculate runs one pass over the region. Invalid input is rejected
// before any fetch; provider outages degrade components rather than
// failing the pass.
func (c *Calculator) Calculate(ctx context.Context, bbox geo.BBox, maxPoints int) (*PassResult, error) {
	pass := newPass()
	ctx, span := traces.StartSpan(ctx, "risk.calculate", traces.PassID(pass.ID))
	defer span.End()

	locations, err := c.sources.Locations.Sample(ctx, bbox, maxPoints)
	if err != nil {
		return nil, fmt.Errorf("sampling: %w", err)
	}
	pass.start(len(locations))
	span.SetAttributes(traces.LocationCount(len(locations)))
	c.log.InfoContext(ctx, "pass started",
		"pass_id", pass.ID, "locations", len(locations), "workers", workerCount(len(locations)))

	started := time.Now()

	// Region-level signals are fetched once and shared by every worker.
	weather := c.sources.Weather.Current(ctx)
	infra := c.sources.Infra.Snapshot(ctx, bbox)
	reports := c.collectIncidents(ctx, bbox)

	records := c.runWorkers(ctx, pass, locations, weather, infra, reports)

	cancelled := ctx.Err() != nil
	result := pass.finish(records, cancelled)
	span.SetAttributes(traces.SkippedCount(result.Skipped))

	metrics.RiskPassesTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.RiskPassDuration.Observe(time.Since(started).Seconds())
	metrics.LocationsScoredTotal.Add(float64(len(result.Records)))
	metrics.LocationsSkippedTotal.Add(float64(result.Skipped))

	if len(result.Records) > 0 {
		// Persistence is best-effort: the caller still gets the records.
		if err := c.history.InsertBatch(context.WithoutCancel(ctx), result.Records); err != nil {
			c.log.ErrorContext(ctx, "history insert failed",
				"pass_id", pass.ID, "error", err)
		}
	}

	c.log.InfoContext(ctx, "pass finished",
		"pass_id", pass.ID, "status", result.Status,
		"scored", len(result.Records), "skipped", result.Skipped,
		"duration", time.Since(started))
	return result, nil
}

func (c *Calculator) runWorkers(
	ctx context.Context,
	pass *Pass,
	locations []sampler.SampleLocation,
	weather providers.WeatherResult,
	infra providers.InfraResult,
	reports []scorerFeedItem,
) []RiskRecord {
	jobs := make(chan sampler.SampleLocation)
	results := make(chan RiskRecord, len(locations))

	var wg sync.WaitGroup
	for i := 0; i < workerCount(len(locations)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for loc := range jobs {
				if record, ok := c.scoreLocation(ctx, pass, loc, weather, infra, reports); ok {
					results <- record
				}
			}
		}()
	}

dispatch:
	for _, loc := range locations {
		select {
		case jobs <- loc:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	records := make([]RiskRecord, 0, len(locations))
	for r := range results {
		records = append(records, r)
	}
	return records
}

// scoreLocation fetches per-point signals and scores one location. Any
// panic is contained here and recorded as a skip.
func (c *Calculator) scoreLocation(
	ctx context.Context,
	pass *Pass,
	loc sampler.SampleLocation,
	weather providers.WeatherResult,
	infra providers.InfraResult,
	reports []scorerFeedItem,
) (record RiskRecord, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			pass.skip()
			c.notifyProgress(pass)
			c.log.ErrorContext(ctx, "location scoring panicked",
				"pass_id", pass.ID, "lat", loc.Location.Lat, "lon", loc.Location.Lon,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	if ctx.Err() != nil {
		pass.skip()
		c.notifyProgress(pass)
		return RiskRecord{}, false
	}

	flow := c.sources.Flow.Flow(ctx, loc.Location)
	limit := c.limitFor(ctx, loc, flow)

	in := scorer.Input{
		Flow:       flow,
		Weather:    weather,
		SpeedLimit: limit,
		Incidents:  nearbyIncidents(loc.Location, reports, c.cfg.IncidentKm),
	}
	if infra.OK {
		in.InfraOK = true
		in.Infra = infra.Snapshot.CountsNear(loc.Location, c.cfg.InfraRadiusM)
		in.POIsOK = true
		in.POIs = infra.Snapshot.POIsNear(loc.Location, c.cfg.POIRadiusM)
	}

	// Every component degrades to zero when all signals are out; a record
	// is only a skip when nothing at all was reachable for the location.
	if !flow.OK && !weather.OK && !infra.OK && len(in.Incidents) == 0 {
		pass.skip()
		c.notifyProgress(pass)
		c.log.WarnContext(ctx, "location skipped, no signal available",
			"pass_id", pass.ID, "lat", loc.Location.Lat, "lon", loc.Location.Lon,
			"reason", flow.Reason)
		return RiskRecord{}, false
	}

	res := c.scorer.Score(in)
	record = RiskRecord{
		ID:            idgen.WithPrefix("risk_"),
		PassID:        pass.ID,
		Location:      loc.Location,
		Score:         res.Score,
		Level:         res.Level,
		Components:    res.Components,
		RoadName:      loc.RoadName,
		HighwayType:   loc.HighwayType,
		SpeedLimitKmh: speedLimitValue(limit, loc),
		ComputedAt:    time.Now().UTC(),
	}
	pass.complete()
	c.notifyProgress(pass)
	return record, true
}

// limitFor prefers the road graph's tagged limit and only asks the
// provider when the tag is missing and there is a flow reading to compare.
func (c *Calculator) limitFor(ctx context.Context, loc sampler.SampleLocation, flow providers.FlowResult) providers.SpeedLimitResult {
	if loc.SpeedLimitKmh > 0 {
		return providers.SpeedLimitResult{OK: true, Known: true, LimitKmh: loc.SpeedLimitKmh, RoadName: loc.RoadName}
	}
	if !flow.OK {
		return providers.SpeedLimitResult{OK: true, Known: false}
	}
	return c.sources.Limits.Limit(ctx, loc.Location)
}

func speedLimitValue(limit providers.SpeedLimitResult, loc sampler.SampleLocation) int {
	if limit.OK && limit.Known {
		return limit.LimitKmh
	}
	return loc.SpeedLimitKmh
}

func (c *Calculator) notifyProgress(pass *Pass) {
	if c.onProgress != nil {
		c.onProgress(pass.Progress())
	}
}

// scorerFeedItem pairs an incident's location with its scoring fields.
type scorerFeedItem struct {
	location geo.Point
	incident scorer.NearbyIncident
}

// collectIncidents merges provider-reported incidents with stored reports.
func (c *Calculator) collectIncidents(ctx context.Context, bbox geo.BBox) []scorerFeedItem {
	var items []scorerFeedItem

	if res := c.sources.Incidents.Incidents(ctx, bbox); res.OK {
		for _, in := range res.Incidents {
			items = append(items, scorerFeedItem{
				location: in.Location,
				incident: scorer.NearbyIncident{
					Source:   "official",
					Priority: severityPriority(in.Severity),
				},
			})
		}
	}

	if c.sources.Reports != nil {
		points, err := c.sources.Reports.RecentPoints(ctx)
		if err != nil {
			c.log.WarnContext(ctx, "incident feed unavailable", "error", err)
		}
		for _, p := range points {
			items = append(items, scorerFeedItem{
				location: p.Location,
				incident: scorer.NearbyIncident{
					Source:     p.Source,
					Verified:   p.Verified,
					Confidence: p.Confidence,
					Priority:   p.Priority,
				},
			})
		}
	}
	return items
}

func nearbyIncidents(pt geo.Point, items []scorerFeedItem, radiusKm float64) []scorer.NearbyIncident {
	var out []scorer.NearbyIncident
	for _, item := range items {
		d := geo.DistanceKm(pt, item.location)
		if d > radiusKm {
			continue
		}
		in := item.incident
		in.DistanceKm = d
		out = append(out, in)
	}
	return out
}

// severityPriority maps provider delay magnitude (0-4) to a priority.
func severityPriority(severity int) string {
	switch severity {
	case 3:
		return "high"
	case 2, 4:
		return "medium"
	default:
		return "low"
	}
}

func newPass() *Pass {
	return &Pass{ID: idgen.WithPrefix("pass_"), status: StatusPending}
}
