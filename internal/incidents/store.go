package incidents

import "context"

// Store persists incidents. Upserts are keyed by incident ID so that
// geocoding repair and status transitions can rewrite a record in place.
type Store interface {
	Upsert(ctx context.Context, in Incident) error
	UpsertBatch(ctx context.Context, batch []Incident) error
	// List returns stored incidents, oldest first. Superseded records
	// are excluded.
	List(ctx context.Context) ([]Incident, error)
	// Located returns only non-superseded incidents with coordinates,
	// oldest first.
	Located(ctx context.Context) ([]Incident, error)
}
