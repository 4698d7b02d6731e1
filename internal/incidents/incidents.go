// Package incidents normalizes raw incident reports from the official
// feed, the news pipeline, and user submissions into validated, categorized,
// deduplicated records ready for clustering and risk scoring.
package incidents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sentinelroad/backend/internal/geo"
)

// ErrInvalid marks a record rejected by validation.
var ErrInvalid = errors.New("invalid incident")

// Source identifies where a report came from.
type Source string

const (
	SourceOfficial   Source = "official"
	SourceNews       Source = "news"
	SourceUserReport Source = "user_report"
)

// Status is the assignment lifecycle state. Transitions happen in the
// assignment workflow; the normalizer creates unassigned records and
// retires stored records displaced by a higher-trust near-duplicate.
type Status string

const (
	StatusUnassigned Status = "unassigned"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	// StatusSuperseded marks a stored record displaced by a higher-trust
	// near-duplicate. Superseded records are excluded from listings and
	// from clustering input.
	StatusSuperseded Status = "superseded"
)

// Priority of an individual incident.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Derived categories, in rule priority order.
const (
	CategoryAccidents = "accidents"
	CategoryRoadWorks = "road_works"
	CategoryClosures  = "closures"
	CategoryWeather   = "weather"
	CategoryProtests  = "protests"
	CategoryOther     = "other"
)

// Incident is one normalized report. Records are never deleted; missing
// coordinates may be filled in later by geocoding repair, and status moves
// through the assignment workflow.
type Incident struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	LocationText string     `json:"location_text,omitempty"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	Source       Source     `json:"source"`
	Category     string     `json:"category"`
	Priority     Priority   `json:"priority"`
	Confidence   float64    `json:"confidence"`
	Verified     bool       `json:"verified"`
	OccurredAt   *time.Time `json:"occurred_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       Status     `json:"status"`
}

// Coordinates returns the incident's location when both halves are set.
func (in *Incident) Coordinates() (geo.Point, bool) {
	if in.Latitude == nil || in.Longitude == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *in.Latitude, Lon: *in.Longitude}, true
}

// SetCoordinates fills in a geocoded location.
func (in *Incident) SetCoordinates(pt geo.Point) {
	lat, lon := pt.Lat, pt.Lon
	in.Latitude = &lat
	in.Longitude = &lon
}

// EffectiveTime is the timestamp used for near-duplicate detection:
// when the incident occurred if known, otherwise when we recorded it.
func (in *Incident) EffectiveTime() time.Time {
	if in.OccurredAt != nil {
		return *in.OccurredAt
	}
	return in.CreatedAt
}

// TrustRank orders sources for duplicate resolution. Higher wins.
func (in *Incident) TrustRank() int {
	switch in.Source {
	case SourceOfficial:
		return 4
	case SourceNews:
		return 3
	case SourceUserReport:
		if in.Verified {
			return 2
		}
		return 1
	default:
		return 0
	}
}

// Validate rejects records that cannot be placed or trusted: short titles,
// URL-shaped location text, unpaired or out-of-region coordinates, and
// unknown sources. A record with coordinates may omit location text.
func (in *Incident) Validate(region geo.BBox) error {
	if len(strings.TrimSpace(in.Title)) < 3 {
		return fmt.Errorf("%w: title too short", ErrInvalid)
	}

	text := strings.TrimSpace(in.LocationText)
	if strings.HasPrefix(text, "http://") || strings.HasPrefix(text, "https://") {
		return fmt.Errorf("%w: location text is a URL", ErrInvalid)
	}

	if (in.Latitude == nil) != (in.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be paired", ErrInvalid)
	}
	if pt, ok := in.Coordinates(); ok {
		if !pt.Valid() {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalid)
		}
		if !region.Contains(pt) {
			return fmt.Errorf("%w: coordinates outside monitored region", ErrInvalid)
		}
	} else if text == "" {
		return fmt.Errorf("%w: no location text and no coordinates", ErrInvalid)
	}

	switch in.Source {
	case SourceOfficial, SourceNews, SourceUserReport:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, in.Source)
	}

	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalid, in.Confidence)
	}
	return nil
}
