// Package geo provides the shared coordinate primitives used across the
// risk pipeline: points, bounding boxes, and haversine distances.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean earth radius used for haversine distances.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the point lies within WGS84 bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

// Key returns a stable cache-key fragment for the point. Coordinates are
// rounded to 4 decimal places (~11m) so that nearby lookups share entries.
func (p Point) Key() string {
	return fmt.Sprintf("%.4f,%.4f", p.Lat, p.Lon)
}

// BBox is a geographic bounding box.
type BBox struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// Valid reports whether the box is well-formed and within WGS84 bounds.
func (b BBox) Valid() bool {
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return false
	}
	return Point{Lat: b.MinLat, Lon: b.MinLon}.Valid() && Point{Lat: b.MaxLat, Lon: b.MaxLon}.Valid()
}

// Contains reports whether p lies inside the box.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// Center returns the midpoint of the box.
func (b BBox) Center() Point {
	return Point{Lat: (b.MinLat + b.MaxLat) / 2, Lon: (b.MinLon + b.MaxLon) / 2}
}

// Key returns a stable cache-key fragment for the box.
func (b BBox) Key() string {
	return fmt.Sprintf("%.4f,%.4f,%.4f,%.4f", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// BBoxAround builds a bounding box of the given radius centered on p.
// Longitude spread widens toward the poles.
func BBoxAround(p Point, radiusKm float64) BBox {
	latDelta := radiusKm / 111.0
	cosLat := math.Cos(p.Lat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lonDelta := radiusKm / (111.0 * cosLat)
	return BBox{
		MinLat: p.Lat - latDelta,
		MinLon: p.Lon - lonDelta,
		MaxLat: p.Lat + latDelta,
		MaxLon: p.Lon + lonDelta,
	}
}

// DistanceKm returns the haversine distance between two points in kilometers.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusKm * 2 * math.Asin(math.Sqrt(h))
}

// DistanceM returns the haversine distance between two points in meters.
func DistanceM(a, b Point) float64 {
	return DistanceKm(a, b) * 1000
}

// Clamp01 clamps v to [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
