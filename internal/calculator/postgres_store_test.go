package calculator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/scorer"
	"github.com/sentinelroad/backend/internal/testutil"
)

func TestPostgresHistoryRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresHistoryStore(db)
	ctx := context.Background()
	pt := geo.Point{Lat: 18.5204, Lon: 73.8567}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	first := RiskRecord{
		ID: "risk_1", PassID: "pass_1", Location: pt,
		Score: 42.5, Level: scorer.LevelMedium,
		Components:  scorer.Components{Traffic: 0.5, Weather: 0.2},
		RoadName:    "JM Road", HighwayType: "primary", SpeedLimitKmh: 50,
		ComputedAt: base,
	}
	require.NoError(t, store.InsertBatch(ctx, []RiskRecord{first}))
	require.NoError(t, store.InsertBatch(ctx, []RiskRecord{{
		ID: "risk_2", PassID: "pass_2", Location: pt,
		Score: 61.0, Level: scorer.LevelHigh,
		Components: scorer.Components{Traffic: 0.7},
		ComputedAt: base.Add(time.Hour),
	}}))

	latest, err := store.LatestPass(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "pass_2", latest[0].PassID)
	assert.InDelta(t, 0.7, latest[0].Components.Traffic, 1e-9)

	history, err := store.LocationHistory(ctx, pt, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "risk_2", history[0].ID, "newest first")
	assert.Equal(t, "JM Road", history[1].RoadName)
	assert.Equal(t, 50, history[1].SpeedLimitKmh)
}

func TestPostgresHistoryLocationHistoryLimit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresHistoryStore(db)
	ctx := context.Background()
	pt := geo.Point{Lat: 18.5204, Lon: 73.8567}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	var batch []RiskRecord
	for i := 0; i < 5; i++ {
		batch = append(batch, RiskRecord{
			ID: "risk_" + string(rune('a'+i)), PassID: "pass_1", Location: pt,
			Score: float64(10 * i), Level: scorer.LevelLow,
			ComputedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.InsertBatch(ctx, batch))

	history, err := store.LocationHistory(ctx, pt, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.InDelta(t, 40, history[0].Score, 1e-9)
	assert.InDelta(t, 30, history[1].Score, 1e-9)
}
