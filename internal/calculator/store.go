package calculator

import (
	"context"

	"github.com/sentinelroad/backend/internal/geo"
)

// HistoryStore is the append-only risk record history. Records are never
// updated in place; trend queries read back across passes.
type HistoryStore interface {
	// InsertBatch appends all records of one pass.
	InsertBatch(ctx context.Context, records []RiskRecord) error
	// LatestPass returns every record of the most recently written pass.
	LatestPass(ctx context.Context) ([]RiskRecord, error)
	// LocationHistory returns up to limit records for a coordinate
	// (rounded key match), newest first.
	LocationHistory(ctx context.Context, pt geo.Point, limit int) ([]RiskRecord, error)
}
