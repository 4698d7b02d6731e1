package incidents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/idgen"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/metrics"
	"github.com/sentinelroad/backend/internal/traces"
)

// Geocoder resolves free-text locations to points, region-biased.
// Satisfied by providers.Geocoder.
type Geocoder interface {
	Geocode(ctx context.Context, text string) (geo.Point, bool, error)
}

// Stats counts what happened to one processed batch.
type Stats struct {
	Fetched         int `json:"fetched"`
	Validated       int `json:"validated"`
	Rejected        int `json:"rejected"`
	GeocodeFailures int `json:"geocode_failures"`
	Duplicates      int `json:"duplicates"`
	Stored          int `json:"stored"`
}

// Result is the outcome of Process: the incidents that survived the
// pipeline plus batch statistics.
type Result struct {
	Incidents []Incident `json:"incidents"`
	Stats     Stats      `json:"stats"`
}

// Normalizer runs the intake pipeline: validate, categorize, repair
// coordinates by geocoding, deduplicate against stored incidents, store.
// Geocoding is sequential; the provider's pacer enforces the call spacing.
type Normalizer struct {
	classifier Classifier
	geocoder   Geocoder // optional
	store      Store
	region     geo.BBox
	dedup      DedupParams
	log        *slog.Logger
	now        func() time.Time
}

func NewNormalizer(classifier Classifier, geocoder Geocoder, store Store, cfg *config.Config, log *slog.Logger) *Normalizer {
	return &Normalizer{
		classifier: classifier,
		geocoder:   geocoder,
		store:      store,
		region: geo.BBox{
			MinLat: cfg.Region.MinLat, MinLon: cfg.Region.MinLon,
			MaxLat: cfg.Region.MaxLat, MaxLon: cfg.Region.MaxLon,
		},
		dedup: DedupParams{Window: cfg.DedupWindow, RadiusM: cfg.DedupMeters},
		log:   logging.Component(log, "incidents"),
		now:   time.Now,
	}
}

// Process runs one batch through the pipeline. Rejected records and
// near-duplicates are dropped; everything else is upserted. The store
// itself failing is the only error.
func (n *Normalizer) Process(ctx context.Context, batch []Incident) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "incidents.normalize", traces.IncidentCount(len(batch)))
	defer span.End()

	stats := Stats{Fetched: len(batch)}
	accepted := make([]Incident, 0, len(batch))

	for i := range batch {
		in := batch[i]
		n.applyDefaults(&in)

		if err := in.Validate(n.region); err != nil {
			stats.Rejected++
			n.log.WarnContext(ctx, "incident rejected",
				"title", in.Title, "source", in.Source, "error", err)
			continue
		}
		stats.Validated++

		if in.Category == "" {
			in.Category = n.classifier.Classify(ctx, in.Title, in.LocationText)
		}

		n.repairCoordinates(ctx, &in, &stats)
		accepted = append(accepted, in)
	}

	stored, err := n.storeDeduplicated(ctx, accepted, &stats)
	if err != nil {
		return nil, err
	}

	n.log.InfoContext(ctx, "batch processed",
		"fetched", stats.Fetched, "validated", stats.Validated,
		"rejected", stats.Rejected, "duplicates", stats.Duplicates,
		"geocode_failures", stats.GeocodeFailures, "stored", stats.Stored)
	return &Result{Incidents: stored, Stats: stats}, nil
}

func (n *Normalizer) applyDefaults(in *Incident) {
	if in.ID == "" {
		in.ID = idgen.WithPrefix("inc_")
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = n.now().UTC()
	}
	if in.Status == "" {
		in.Status = StatusUnassigned
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	// Official reports carry full confidence implicitly.
	if in.Source == SourceOfficial && in.Confidence == 0 {
		in.Confidence = 1
	}
}

// repairCoordinates geocodes incidents that arrived without a location.
// Failures keep the record with null coordinates: it is excluded from
// clustering but still listed textually.
func (n *Normalizer) repairCoordinates(ctx context.Context, in *Incident, stats *Stats) {
	if _, ok := in.Coordinates(); ok || n.geocoder == nil || in.LocationText == "" {
		return
	}
	pt, found, err := n.geocoder.Geocode(ctx, in.LocationText)
	if err != nil || !found {
		stats.GeocodeFailures++
		if err != nil {
			n.log.WarnContext(ctx, "geocoding failed",
				"location_text", in.LocationText, "error", err)
		}
		return
	}
	in.SetCoordinates(pt)
}

// storeDeduplicated merges the accepted batch against incidents already
// stored, keeping higher-trust members of each near-duplicate group.
// Duplicate resolution runs both ways: a lower-trust newcomer is dropped,
// and a stored record displaced by a higher-trust newcomer is marked
// superseded so it leaves listings and clustering input.
func (n *Normalizer) storeDeduplicated(ctx context.Context, accepted []Incident, stats *Stats) ([]Incident, error) {
	existing, err := n.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing stored incidents: %w", err)
	}
	existingIDs := make(map[string]bool, len(existing))
	for _, in := range existing {
		existingIDs[in.ID] = true
	}

	kept := Deduplicate(append(existing, accepted...), n.dedup)
	keptIDs := make(map[string]bool, len(kept))
	for _, in := range kept {
		keptIDs[in.ID] = true
	}

	fresh := make([]Incident, 0, len(accepted))
	for _, in := range kept {
		if !existingIDs[in.ID] {
			fresh = append(fresh, in)
		}
	}

	var displaced []Incident
	for _, in := range existing {
		if !keptIDs[in.ID] {
			in.Status = StatusSuperseded
			displaced = append(displaced, in)
		}
	}

	stats.Duplicates = len(accepted) - len(fresh)
	metrics.IncidentDuplicatesTotal.Add(float64(stats.Duplicates))

	if len(fresh)+len(displaced) > 0 {
		batch := make([]Incident, 0, len(fresh)+len(displaced))
		batch = append(batch, fresh...)
		batch = append(batch, displaced...)
		if err := n.store.UpsertBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("storing incidents: %w", err)
		}
	}
	if len(displaced) > 0 {
		n.log.InfoContext(ctx, "stored incidents superseded", "count", len(displaced))
	}
	stats.Stored = len(fresh)
	for _, in := range fresh {
		metrics.IncidentsNormalizedTotal.WithLabelValues(in.Category).Inc()
	}
	return fresh, nil
}

// IsInvalid reports whether err came from record validation.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }
