// Package clusters surfaces high-risk zones by density-clustering located
// incidents. Every analysis runs from scratch over the current incident
// set; clusters are a derived view and are never persisted.
package clusters

import (
	"context"
	"log/slog"
	"sort"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/geo"
	"github.com/sentinelroad/backend/internal/incidents"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/metrics"
	"github.com/sentinelroad/backend/internal/traces"
)

// Params bound the DBSCAN run and the summary size.
type Params struct {
	EpsKm      float64 // neighbor chain radius
	MinSamples int     // minimum members to form a cluster
	TopN       int     // summary truncation
}

func ParamsFrom(cfg *config.Config) Params {
	return Params{
		EpsKm:      cfg.ClusterEpsKm,
		MinSamples: cfg.ClusterMinSamples,
		TopN:       cfg.TopClusters,
	}
}

// Cluster is one high-risk zone.
type Cluster struct {
	ID         int            `json:"cluster_id"`
	Centroid   geo.Point      `json:"centroid"`
	Size       int            `json:"size"`
	MemberIDs  []string       `json:"member_incident_ids"`
	Categories map[string]int `json:"categories"`
	Sources    map[string]int `json:"sources"`
	Priorities map[string]int `json:"priorities"`
	RiskLevel  string         `json:"risk_level"`
}

// Distribution counts incidents across categories, sources, and
// priorities. Covers the whole input set, not just clustered points.
type Distribution struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	BySource   map[string]int `json:"by_source"`
	ByPriority map[string]int `json:"by_priority"`
}

// HeatmapPoint weights a located incident for map rendering.
type HeatmapPoint struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	Weight float64 `json:"weight"`
}

// Analysis is the full output of one run.
type Analysis struct {
	Clusters     []Cluster      `json:"clusters"` // all, largest first
	Top          []Cluster      `json:"top"`      // truncated summary view
	NoisePoints  int            `json:"noise_points"`
	Distribution Distribution   `json:"distribution"`
	Heatmap      []HeatmapPoint `json:"heatmap"`
}

// Analyzer runs cluster analyses over incident sets.
type Analyzer struct {
	params Params
	log    *slog.Logger
}

func New(params Params, log *slog.Logger) *Analyzer {
	return &Analyzer{params: params, log: logging.Component(log, "clusters")}
}

// Analyze clusters the located incidents in the set. Incidents without
// coordinates contribute to the distribution but not to clusters or the
// heatmap.
func (a *Analyzer) Analyze(ctx context.Context, set []incidents.Incident) *Analysis {
	ctx, span := traces.StartSpan(ctx, "clusters.analyze", traces.IncidentCount(len(set)))
	defer span.End()

	located := make([]incidents.Incident, 0, len(set))
	for i := range set {
		if _, ok := set[i].Coordinates(); ok {
			located = append(located, set[i])
		}
	}

	labels, clusterCount := dbscan(located, a.params.EpsKm, a.params.MinSamples)

	out := &Analysis{
		Clusters:     buildClusters(located, labels, clusterCount),
		Distribution: distribution(set),
		Heatmap:      heatmap(located),
	}
	for _, l := range labels {
		if l == noise {
			out.NoisePoints++
		}
	}

	sort.SliceStable(out.Clusters, func(i, j int) bool {
		return out.Clusters[i].Size > out.Clusters[j].Size
	})
	for i := range out.Clusters {
		out.Clusters[i].ID = i
	}
	out.Top = out.Clusters
	if a.params.TopN > 0 && len(out.Top) > a.params.TopN {
		out.Top = out.Top[:a.params.TopN]
	}

	span.SetAttributes(traces.ClusterCount(len(out.Clusters)))
	metrics.ClustersFound.Set(float64(len(out.Clusters)))
	a.log.InfoContext(ctx, "analysis complete",
		"incidents", len(set), "located", len(located),
		"clusters", len(out.Clusters), "noise", out.NoisePoints)
	return out
}

func buildClusters(located []incidents.Incident, labels []int, clusterCount int) []Cluster {
	clusters := make([]Cluster, 0, clusterCount)
	for c := 0; c < clusterCount; c++ {
		cl := Cluster{
			Categories: make(map[string]int),
			Sources:    make(map[string]int),
			Priorities: make(map[string]int),
		}
		var sumLat, sumLon float64
		highPriority := 0
		maxPriority := incidents.PriorityLow

		for i := range located {
			if labels[i] != c {
				continue
			}
			in := &located[i]
			pt, _ := in.Coordinates()
			sumLat += pt.Lat
			sumLon += pt.Lon
			cl.Size++
			cl.MemberIDs = append(cl.MemberIDs, in.ID)
			cl.Categories[in.Category]++
			cl.Sources[string(in.Source)]++
			cl.Priorities[string(in.Priority)]++
			if in.Priority == incidents.PriorityHigh || in.Priority == incidents.PriorityCritical {
				highPriority++
			}
			if priorityRank(in.Priority) > priorityRank(maxPriority) {
				maxPriority = in.Priority
			}
		}

		cl.Centroid = geo.Point{Lat: sumLat / float64(cl.Size), Lon: sumLon / float64(cl.Size)}
		cl.RiskLevel = clusterRiskLevel(cl.Size, highPriority, maxPriority)
		clusters = append(clusters, cl)
	}
	return clusters
}

// clusterRiskLevel escalates with cluster size and the count of
// individually severe members, falling back to the worst member priority.
func clusterRiskLevel(size, highPriority int, maxPriority incidents.Priority) string {
	switch {
	case size >= 5 || highPriority >= 3:
		return "critical"
	case size >= 3 || highPriority >= 2:
		return "high"
	case size >= 2:
		return "medium"
	default:
		return string(maxPriority)
	}
}

func priorityRank(p incidents.Priority) int {
	switch p {
	case incidents.PriorityCritical:
		return 4
	case incidents.PriorityHigh:
		return 3
	case incidents.PriorityMedium:
		return 2
	case incidents.PriorityLow:
		return 1
	default:
		return 0
	}
}

func distribution(set []incidents.Incident) Distribution {
	d := Distribution{
		Total:      len(set),
		ByCategory: make(map[string]int),
		BySource:   make(map[string]int),
		ByPriority: make(map[string]int),
	}
	for i := range set {
		d.ByCategory[set[i].Category]++
		d.BySource[string(set[i].Source)]++
		d.ByPriority[string(set[i].Priority)]++
	}
	return d
}

// Heatmap weights by priority so severe incidents render hotter.
var heatmapWeights = map[incidents.Priority]float64{
	incidents.PriorityLow:      2,
	incidents.PriorityMedium:   3,
	incidents.PriorityHigh:     4,
	incidents.PriorityCritical: 5,
}

func heatmap(located []incidents.Incident) []HeatmapPoint {
	points := make([]HeatmapPoint, 0, len(located))
	for i := range located {
		pt, _ := located[i].Coordinates()
		w, ok := heatmapWeights[located[i].Priority]
		if !ok {
			w = heatmapWeights[incidents.PriorityMedium]
		}
		points = append(points, HeatmapPoint{Lat: pt.Lat, Lon: pt.Lon, Weight: w})
	}
	return points
}
