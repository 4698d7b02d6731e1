package incidents

import (
	"context"

	"github.com/sentinelroad/backend/internal/calculator"
)

// Feed exposes stored, located incidents to the risk calculator.
type Feed struct {
	store Store
}

func NewFeed(store Store) *Feed {
	return &Feed{store: store}
}

func (f *Feed) RecentPoints(ctx context.Context) ([]calculator.IncidentPoint, error) {
	located, err := f.store.Located(ctx)
	if err != nil {
		return nil, err
	}
	points := make([]calculator.IncidentPoint, 0, len(located))
	for i := range located {
		in := &located[i]
		pt, _ := in.Coordinates()
		points = append(points, calculator.IncidentPoint{
			Location:   pt,
			Source:     string(in.Source),
			Verified:   in.Verified,
			Confidence: in.Confidence,
			Priority:   string(in.Priority),
		})
	}
	return points, nil
}
