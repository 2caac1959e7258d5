// Package mapper converts WGS84 geometries into H3 cell covers.
package mapper

import (
	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

// Interface returns every cell a geometry may touch. Covers are conservative:
// two geometries that overlap always share at least one cell.
type Interface interface {
	CellsForBBox(bb model.BBox, res int) (model.Cells, error)
	CellsForPolygon(poly model.Polygon, res int) (model.Cells, error)
}
