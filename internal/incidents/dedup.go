package incidents

import (
	"sort"
	"time"

	"github.com/sentinelroad/backend/internal/geo"
)

// DedupParams bound what counts as a near-duplicate pair.
type DedupParams struct {
	Window  time.Duration
	RadiusM float64
}

// Deduplicate keeps the most trustworthy member of every near-duplicate
// group. Two incidents are near-duplicates when their categories match,
// their timestamps fall within the window, and their coordinates are
// within radiusM. Incidents without coordinates are never merged.
//
// The result is deterministic and the operation is idempotent: running it
// on an already-deduplicated set removes nothing further.
func Deduplicate(incidents []Incident, params DedupParams) []Incident {
	ranked := make([]Incident, len(incidents))
	copy(ranked, incidents)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].TrustRank() != ranked[j].TrustRank() {
			return ranked[i].TrustRank() > ranked[j].TrustRank()
		}
		return ranked[i].Confidence > ranked[j].Confidence
	})

	kept := make([]Incident, 0, len(ranked))
	for _, in := range ranked {
		dup := false
		for i := range kept {
			if nearDuplicate(&kept[i], &in, params) {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, in)
		}
	}
	return kept
}

func nearDuplicate(a, b *Incident, params DedupParams) bool {
	if a.Category != b.Category {
		return false
	}
	pa, okA := a.Coordinates()
	pb, okB := b.Coordinates()
	if !okA || !okB {
		return false
	}
	dt := a.EffectiveTime().Sub(b.EffectiveTime())
	if dt < 0 {
		dt = -dt
	}
	if dt > params.Window {
		return false
	}
	return geo.DistanceM(pa, pb) <= params.RadiusM
}
