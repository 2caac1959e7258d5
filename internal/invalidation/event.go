// Package invalidation defines layer-update events: a regulatory layer
// changed somewhere inside a WGS84 footprint.
package invalidation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
	"github.com/mohammed-shakir/parcel-intersections/internal/mapper"
)

const SRIDWGS84 = "EPSG:4326"

var ErrInvalidEvent = errors.New("invalid layer update event")

type Event struct {
	Version  int             `json:"version"`
	Op       string          `json:"op"`
	Layer    string          `json:"layer"`
	TS       time.Time       `json:"ts"`
	Source   string          `json:"source,omitempty"`
	BBox     *BBox           `json:"bbox,omitempty"`
	Geometry json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

// Decode parses and validates one event payload.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (e Event) Validate() error {
	if err := e.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return nil
}

func (e Event) validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "invalidate":
	default:
		return errors.New("op must be insert|update|delete|invalidate")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return errors.New("layer is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := len(e.Geometry) > 0
	if hasBBox == hasGeom {
		return errors.New("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		bb := *e.BBox
		if bb.SRID != SRIDWGS84 {
			return fmt.Errorf("bbox.srid must be %s", SRIDWGS84)
		}
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return errors.New("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return errors.New("bbox latitude out of range")
		}
		if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
			return errors.New("bbox must satisfy x2>x1 and y2>y1")
		}
		return nil
	}
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(e.Geometry, &hdr); err != nil {
		return fmt.Errorf("geometry parse: %w", err)
	}
	if hdr.Type != "Polygon" && hdr.Type != "MultiPolygon" {
		return errors.New("geometry.type must be Polygon or MultiPolygon")
	}
	return nil
}

// Cells maps the event footprint to the H3 cells it may touch.
func (e Event) Cells(m mapper.Interface, res int) (model.Cells, error) {
	if e.BBox != nil {
		b := model.BBox{X1: e.BBox.X1, Y1: e.BBox.Y1, X2: e.BBox.X2, Y2: e.BBox.Y2, SRID: e.BBox.SRID}
		cells, err := m.CellsForBBox(b, res)
		if err != nil {
			return nil, fmt.Errorf("cells for bbox: %w", err)
		}
		return cells, nil
	}
	cells, err := m.CellsForPolygon(model.Polygon{GeoJSON: string(e.Geometry)}, res)
	if err != nil {
		return nil, fmt.Errorf("cells for geometry: %w", err)
	}
	return cells, nil
}
