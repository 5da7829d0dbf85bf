package models

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Polygon is a zone boundary: a farm or a task field. The ring is closed implicitly.
type Polygon struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Ring []GeoPoint `json:"ring"`

	shape *shape
}

// shape is the orb form of a ring, built once by Prepared
type shape struct {
	polygon orb.Polygon
	bound   orb.Bound
}

// Prepared returns a copy of the polygon with its orb shape built, so
// Contains does no per-fix conversion. The receiver is left untouched and the
// copy must not have its Ring modified afterwards.
func (p *Polygon) Prepared() *Polygon {
	if p == nil || p.shape != nil {
		return p
	}
	out := *p
	if !p.IsEmpty() {
		poly := p.orb()
		out.shape = &shape{polygon: poly, bound: poly.Bound()}
	}
	return &out
}

// IsPrepared reports whether Contains runs on a prebuilt shape
func (p *Polygon) IsPrepared() bool {
	return p != nil && p.shape != nil
}

// IsEmpty reports polygons that cannot contain anything
func (p *Polygon) IsEmpty() bool {
	return p == nil || len(p.Ring) < 3
}

// Contains reports whether point lies inside the polygon
func (p *Polygon) Contains(point GeoPoint) bool {
	if p.IsEmpty() {
		return false
	}
	pt := orb.Point{point.Longitude, point.Latitude}
	if p.shape != nil {
		if !p.shape.bound.Contains(pt) {
			return false
		}
		return planar.PolygonContains(p.shape.polygon, pt)
	}

	poly := p.orb()
	if !poly.Bound().Contains(pt) {
		return false
	}
	return planar.PolygonContains(poly, pt)
}

// Bound returns the south-west and north-east corners of the polygon
func (p *Polygon) Bound() (sw, ne GeoPoint) {
	if p.IsEmpty() {
		return GeoPoint{}, GeoPoint{}
	}
	var b orb.Bound
	if p.shape != nil {
		b = p.shape.bound
	} else {
		b = p.orb().Bound()
	}
	return GeoPoint{Latitude: b.Min.Lat(), Longitude: b.Min.Lon()},
		GeoPoint{Latitude: b.Max.Lat(), Longitude: b.Max.Lon()}
}

// orb converts the ring to an orb polygon, closing it if needed
func (p *Polygon) orb() orb.Polygon {
	ring := make(orb.Ring, 0, len(p.Ring)+1)
	for _, v := range p.Ring {
		ring = append(ring, orb.Point{v.Longitude, v.Latitude})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}

// PointInPolygon is the package-level containment primitive.
func PointInPolygon(point GeoPoint, polygon *Polygon) bool {
	return polygon.Contains(point)
}
