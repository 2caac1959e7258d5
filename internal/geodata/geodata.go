// Package geodata defines the contract between the intersection executor and
// the spatial database holding the regulatory layers.
package geodata

import (
	"context"
	"errors"

	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

// ErrLayerNotFound is returned when the layer's table does not exist.
var ErrLayerNotFound = errors.New("layer table not found")

// Geometry is the prepared parcel as sent to the backend.
type Geometry struct {
	WKB  []byte
	SRID int
}

// Field is one raw column value with the backend's type name for it.
type Field struct {
	Name   string
	DBType string
	Value  any
}

// Row is one intersected entity (or dissolved group). Fields follow the
// plan's retained attribute order.
type Row struct {
	Fields []Field
	Area   Field
}

type Backend interface {
	Intersect(ctx context.Context, plan planner.Plan, parcel Geometry) ([]Row, error)
}

// Footprinter returns the parcel outline as a WGS84 GeoJSON geometry.
type Footprinter interface {
	FootprintGeoJSON(ctx context.Context, parcel Geometry) (string, error)
}
