package parcel

import (
	"fmt"
	"strings"

	"github.com/twpayne/go-geos"
)

type Preparer struct {
	srid       int
	maxParcels int
}

func NewPreparer(srid, maxParcels int) *Preparer {
	if maxParcels <= 0 {
		maxParcels = 20
	}
	return &Preparer{srid: srid, maxParcels: maxParcels}
}

// Prepare parses, repairs and unions the inputs. The result must be one polygon.
func (p *Preparer) Prepare(inputs []Input) (*Parcel, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInput
	}
	if len(inputs) > p.maxParcels {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyParcels, len(inputs), p.maxParcels)
	}

	parts := make([]*geos.Geom, 0, len(inputs))
	repaired := false
	for i, in := range inputs {
		g, err := parse(in)
		if err != nil {
			return nil, fmt.Errorf("parcel %s: %w", refOf(in, i), err)
		}
		if !g.IsValid() {
			g, err = Repair(g)
			if err != nil {
				return nil, fmt.Errorf("parcel %s: %w", refOf(in, i), err)
			}
			repaired = true
		}
		if g.IsEmpty() {
			return nil, fmt.Errorf("parcel %s: %w", refOf(in, i), ErrEmptyGeometry)
		}
		parts = append(parts, g)
	}

	union := parts[0]
	if len(parts) > 1 {
		union = unionAll(parts)
	}
	polys := polygonParts(union)
	switch len(polys) {
	case 0:
		return nil, ErrEmptyGeometry
	case 1:
	default:
		return nil, &NonContiguousError{Units: units(polys, inputs, parts)}
	}

	g := polys[0].Clone().SetSRID(p.srid)
	return &Parcel{
		geom:     g,
		wkb:      g.ToWKB(),
		Area:     g.Area(),
		SRID:     p.srid,
		Count:    len(inputs),
		Repaired: repaired,
	}, nil
}

// Repair rebuilds a valid polygonal geometry from the exterior rings of the
// polygonal part of g, then unions the pieces.
func Repair(g *geos.Geom) (*geos.Geom, error) {
	valid := g.MakeValid()
	polys := polygonParts(valid)
	areas := make([]*geos.Geom, 0, len(polys))
	for _, poly := range polys {
		a := poly.ExteriorRing().BuildArea()
		if a == nil || a.IsEmpty() {
			continue
		}
		areas = append(areas, a)
	}
	if len(areas) == 0 {
		return nil, ErrEmptyGeometry
	}
	return unionAll(areas), nil
}

func parse(in Input) (*geos.Geom, error) {
	switch {
	case strings.TrimSpace(in.WKT) != "":
		g, err := geos.NewGeomFromWKT(in.WKT)
		if err != nil {
			return nil, fmt.Errorf("%w: parse wkt: %w", ErrInvalidInput, err)
		}
		return g, nil
	case strings.TrimSpace(in.GeoJSON) != "":
		g, err := geos.NewGeomFromGeoJSON(in.GeoJSON)
		if err != nil {
			return nil, fmt.Errorf("%w: parse geojson: %w", ErrInvalidInput, err)
		}
		return g, nil
	default:
		return nil, ErrNoInput
	}
}

func unionAll(gs []*geos.Geom) *geos.Geom {
	clones := make([]*geos.Geom, len(gs))
	for i, g := range gs {
		clones[i] = g.Clone()
	}
	return geos.NewCollection(geos.TypeIDGeometryCollection, clones).UnaryUnion()
}

// polygonParts flattens g into its non-empty polygons.
func polygonParts(g *geos.Geom) []*geos.Geom {
	if g == nil || g.IsEmpty() {
		return nil
	}
	switch g.TypeID() {
	case geos.TypeIDPolygon:
		return []*geos.Geom{g}
	case geos.TypeIDMultiPolygon, geos.TypeIDGeometryCollection:
		var out []*geos.Geom
		for i := 0; i < g.NumGeometries(); i++ {
			out = append(out, polygonParts(g.Geometry(i))...)
		}
		return out
	default:
		return nil
	}
}

// units lists, per part of the union, the inputs overlapping it. A repaired
// input that split into several parts is listed under each of them.
func units(polys []*geos.Geom, inputs []Input, parts []*geos.Geom) [][]string {
	out := make([][]string, len(polys))
	for i, part := range parts {
		for u, poly := range polys {
			if overlaps(poly, part) {
				out[u] = append(out[u], refOf(inputs[i], i))
			}
		}
	}
	return out
}

// overlaps ignores contact along a shared edge or at a single vertex.
func overlaps(a, b *geos.Geom) bool {
	if !a.Intersects(b) {
		return false
	}
	return a.Intersection(b).Area() > 0
}

func refOf(in Input, i int) string {
	if in.Ref != "" {
		return in.Ref
	}
	return fmt.Sprintf("#%d", i+1)
}
