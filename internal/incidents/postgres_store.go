package incidents

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists incidents in the incidents table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const upsertIncidentSQL = `
	INSERT INTO incidents (
		id, title, location_text, lat, lon, source, category,
		priority, confidence, verified, occurred_at, created_at, status
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (id) DO UPDATE SET
		title = EXCLUDED.title,
		location_text = EXCLUDED.location_text,
		lat = EXCLUDED.lat,
		lon = EXCLUDED.lon,
		category = EXCLUDED.category,
		priority = EXCLUDED.priority,
		confidence = EXCLUDED.confidence,
		verified = EXCLUDED.verified,
		occurred_at = EXCLUDED.occurred_at,
		status = EXCLUDED.status`

func (s *PostgresStore) Upsert(ctx context.Context, in Incident) error {
	_, err := s.db.ExecContext(ctx, upsertIncidentSQL, upsertArgs(in)...)
	if err != nil {
		return fmt.Errorf("upserting incident %s: %w", in.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpsertBatch(ctx context.Context, batch []Incident) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertIncidentSQL)
	if err != nil {
		return fmt.Errorf("preparing upsert: %w", err)
	}
	defer stmt.Close()

	for _, in := range batch {
		if _, err := stmt.ExecContext(ctx, upsertArgs(in)...); err != nil {
			return fmt.Errorf("upserting incident %s: %w", in.ID, err)
		}
	}
	return tx.Commit()
}

func upsertArgs(in Incident) []any {
	return []any{
		in.ID, in.Title, nullString(in.LocationText),
		nullFloat(in.Latitude), nullFloat(in.Longitude),
		string(in.Source), in.Category, string(in.Priority),
		in.Confidence, in.Verified, nullTime(in.OccurredAt),
		in.CreatedAt, string(in.Status),
	}
}

const selectIncidentSQL = `
	SELECT id, title, location_text, lat, lon, source, category,
	       priority, confidence, verified, occurred_at, created_at, status
	FROM incidents`

func (s *PostgresStore) List(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		selectIncidentSQL+` WHERE status <> 'superseded' ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *PostgresStore) Located(ctx context.Context) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		selectIncidentSQL+` WHERE status <> 'superseded'
		  AND lat IS NOT NULL AND lon IS NOT NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing located incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		var (
			in           Incident
			locationText sql.NullString
			lat, lon     sql.NullFloat64
			occurredAt   sql.NullTime
		)
		if err := rows.Scan(
			&in.ID, &in.Title, &locationText, &lat, &lon,
			&in.Source, &in.Category, &in.Priority,
			&in.Confidence, &in.Verified, &occurredAt,
			&in.CreatedAt, &in.Status,
		); err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		in.LocationText = locationText.String
		if lat.Valid && lon.Valid {
			in.Latitude = &lat.Float64
			in.Longitude = &lon.Float64
		}
		if occurredAt.Valid {
			t := occurredAt.Time
			in.OccurredAt = &t
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
