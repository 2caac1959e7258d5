// Package parcel turns one or more cadastral geometries into the single
// contiguous polygon a regulatory report is computed against.
package parcel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/twpayne/go-geos"
)

var (
	ErrNoInput        = errors.New("no parcel geometry supplied")
	ErrInvalidInput   = errors.New("unreadable parcel geometry")
	ErrTooManyParcels = errors.New("too many parcels")
	ErrEmptyGeometry  = errors.New("parcel geometry has no polygonal area")
	ErrNonContiguous  = errors.New("parcels do not form a single contiguous unit")
)

// Input is one parcel geometry as WKT or GeoJSON. Ref identifies it in errors.
type Input struct {
	Ref     string `json:"ref,omitempty"`
	WKT     string `json:"wkt,omitempty"`
	GeoJSON string `json:"geojson,omitempty"`
}

// NonContiguousError lists the property units found when the union is multi-part.
// Each unit holds the refs of the input parcels whose interior point it contains.
type NonContiguousError struct {
	Units [][]string
}

func (e *NonContiguousError) Error() string {
	parts := make([]string, 0, len(e.Units))
	for _, u := range e.Units {
		parts = append(parts, "["+strings.Join(u, ",")+"]")
	}
	return fmt.Sprintf("%s: %d units %s", ErrNonContiguous, len(e.Units), strings.Join(parts, " "))
}

func (e *NonContiguousError) Unwrap() error { return ErrNonContiguous }

// Parcel is the prepared, immutable reference geometry.
type Parcel struct {
	geom     *geos.Geom
	wkb      []byte
	Area     float64
	SRID     int
	Count    int
	Repaired bool
}

func (p *Parcel) WKB() []byte { return p.wkb }

func (p *Parcel) WKT() string { return p.geom.ToWKT() }

// Geom exposes the prepared geometry. Callers must not mutate it.
func (p *Parcel) Geom() *geos.Geom { return p.geom }

// Hash is a stable fingerprint of the prepared geometry.
func (p *Parcel) Hash() string {
	return fmt.Sprintf("%016x", xxhash.Sum64(p.wkb))
}
