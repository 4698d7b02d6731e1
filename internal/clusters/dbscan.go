package clusters

import (
	"math"

	"github.com/dhconnelly/rtreego"

	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/incidents"
)

// Point labels. Cluster members get a label >= 0.
const (
	unvisited = -2
	noise     = -1
)

type pointItem struct {
	index    int
	location geo.Point
	rect     rtreego.Rect
}

func (p *pointItem) Bounds() rtreego.Rect { return p.rect }

// dbscan labels each located incident with a cluster id or noise. Two
// incidents belong to the same cluster when reachable through a chain of
// neighbors each within epsKm; points with fewer than minSamples
// neighbors (including themselves) that are not reachable from a core
// point stay noise.
func dbscan(located []incidents.Incident, epsKm float64, minSamples int) (labels []int, clusterCount int) {
	labels = make([]int, len(located))
	for i := range labels {
		labels[i] = unvisited
	}
	if len(located) == 0 || minSamples <= 0 {
		for i := range labels {
			labels[i] = noise
		}
		return labels, 0
	}

	tree := rtreego.NewTree(2, 25, 50)
	items := make([]*pointItem, len(located))
	for i := range located {
		pt, _ := located[i].Coordinates()
		items[i] = &pointItem{
			index:    i,
			location: pt,
			rect:     rtreego.Point{pt.Lon, pt.Lat}.ToRect(1e-6),
		}
		tree.Insert(items[i])
	}

	next := 0
	for i := range located {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(tree, items[i].location, epsKm)
		if len(neighbors) < minSamples {
			labels[i] = noise
			continue
		}

		labels[i] = next
		// Seed set grows as new core points are found; already-labeled
		// noise points are claimed as border members.
		for q := 0; q < len(neighbors); q++ {
			j := neighbors[q]
			if labels[j] == noise {
				labels[j] = next
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = next
			more := regionQuery(tree, items[j].location, epsKm)
			if len(more) >= minSamples {
				neighbors = append(neighbors, more...)
			}
		}
		next++
	}
	return labels, next
}

// regionQuery returns the indexes of all points within epsKm of p,
// including p itself. The R-tree narrows candidates to a degree box; the
// exact haversine distance decides membership.
func regionQuery(tree *rtreego.Rtree, p geo.Point, epsKm float64) []int {
	latDelta := epsKm / 111.0
	lonDelta := epsKm / (111.0 * math.Max(0.1, math.Cos(p.Lat*math.Pi/180)))
	rect, err := rtreego.NewRect(
		rtreego.Point{p.Lon - lonDelta, p.Lat - latDelta},
		[]float64{2 * lonDelta, 2 * latDelta},
	)
	if err != nil {
		return nil
	}

	var out []int
	for _, m := range tree.SearchIntersect(rect) {
		item := m.(*pointItem)
		if geo.DistanceKm(p, item.location) <= epsKm {
			out = append(out, item.index)
		}
	}
	return out
}
