package calculator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/scorer"
)

// PostgresHistoryStore implements HistoryStore with PostgreSQL.
type PostgresHistoryStore struct {
	db *sql.DB
}

func NewPostgresHistoryStore(db *sql.DB) *PostgresHistoryStore {
	return &PostgresHistoryStore{db: db}
}

func (s *PostgresHistoryStore) InsertBatch(ctx context.Context, records []RiskRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO risk_records
			(id, pass_id, location_key, lat, lon, risk_score, risk_level,
			 components, road_name, highway_type, speed_limit_kmh, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		components, err := json.Marshal(r.Components)
		if err != nil {
			return fmt.Errorf("marshal components: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.PassID, r.Location.Key(), r.Location.Lat, r.Location.Lon,
			r.Score, string(r.Level), components,
			nullString(r.RoadName), nullString(r.HighwayType),
			nullInt(r.SpeedLimitKmh), r.ComputedAt,
		); err != nil {
			return fmt.Errorf("insert record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresHistoryStore) LatestPass(ctx context.Context) ([]RiskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pass_id, lat, lon, risk_score, risk_level, components,
		       road_name, highway_type, speed_limit_kmh, computed_at
		FROM risk_records
		WHERE pass_id = (
			SELECT pass_id FROM risk_records ORDER BY computed_at DESC LIMIT 1
		)`)
	if err != nil {
		return nil, fmt.Errorf("query latest pass: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresHistoryStore) LocationHistory(ctx context.Context, pt geo.Point, limit int) ([]RiskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pass_id, lat, lon, risk_score, risk_level, components,
		       road_name, highway_type, speed_limit_kmh, computed_at
		FROM risk_records
		WHERE location_key = $1
		ORDER BY computed_at DESC
		LIMIT $2`, pt.Key(), limit)
	if err != nil {
		return nil, fmt.Errorf("query location history: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]RiskRecord, error) {
	var out []RiskRecord
	for rows.Next() {
		var (
			r          RiskRecord
			level      string
			components []byte
			roadName   sql.NullString
			highway    sql.NullString
			limit      sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.PassID, &r.Location.Lat, &r.Location.Lon,
			&r.Score, &level, &components, &roadName, &highway, &limit,
			&r.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Level = scorer.Level(level)
		if err := json.Unmarshal(components, &r.Components); err != nil {
			return nil, fmt.Errorf("unmarshal components: %w", err)
		}
		r.RoadName = roadName.String
		r.HighwayType = highway.String
		r.SpeedLimitKmh = int(limit.Int64)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
