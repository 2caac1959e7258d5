package h3mapper

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	h3 "github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

// average hexagon edge length in km per resolution
var edgeKm = [16]float64{
	1281.256011, 483.0568391, 182.5129565, 68.97922179,
	26.07175968, 9.854090990, 3.724532667, 1.406475763,
	0.531414010, 0.200786148, 0.075863783, 0.028663897,
	0.010830188, 0.004092010, 0.001546100, 0.000584169,
}

const kmPerDegree = 111.32

type Mapper struct{}

func New() *Mapper { return &Mapper{} }

func (m *Mapper) CellsForBBox(bb model.BBox, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}
	if bb.X2 < bb.X1 || bb.Y2 < bb.Y1 {
		return nil, fmt.Errorf("inverted bbox %s", bb)
	}
	outer := h3.GeoLoop{
		{Lat: bb.Y1, Lng: bb.X1},
		{Lat: bb.Y1, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X2},
		{Lat: bb.Y2, Lng: bb.X1},
	}
	c := newCover()
	if err := c.add(outer, nil, res); err != nil {
		return nil, err
	}
	return c.cells(), nil
}

func (m *Mapper) CellsForPolygon(poly model.Polygon, res int) (model.Cells, error) {
	if err := validateRes(res); err != nil {
		return nil, err
	}

	var hdr struct {
		Type        string          `json:"type"`
		Coordinates json.RawMessage `json:"coordinates"`
	}
	if err := json.Unmarshal([]byte(poly.GeoJSON), &hdr); err != nil {
		return nil, fmt.Errorf("parse geojson: %w", err)
	}

	var polys [][][][]float64 // [poly][ring][i][lon,lat]
	switch hdr.Type {
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(hdr.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("parse polygon coords: %w", err)
		}
		polys = [][][][]float64{rings}
	case "MultiPolygon":
		if err := json.Unmarshal(hdr.Coordinates, &polys); err != nil {
			return nil, fmt.Errorf("parse multipolygon coords: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported GeoJSON type: %s", hdr.Type)
	}
	if len(polys) == 0 {
		return nil, errors.New("empty geometry")
	}

	c := newCover()
	for pi, rings := range polys {
		if len(rings) == 0 {
			return nil, fmt.Errorf("polygon %d is empty", pi)
		}
		outer := toLoop(rings[0])
		if len(outer) < 3 {
			return nil, fmt.Errorf("polygon %d outer ring has < 3 distinct vertices", pi)
		}
		var holes []h3.GeoLoop
		for i := 1; i < len(rings); i++ {
			h := toLoop(rings[i])
			if len(h) < 3 {
				return nil, fmt.Errorf("polygon %d hole %d has < 3 distinct vertices", pi, i-1)
			}
			holes = append(holes, h)
		}
		if err := c.add(outer, holes, res); err != nil {
			return nil, err
		}
	}
	return c.cells(), nil
}

// --- helpers ---

func validateRes(res int) error {
	if res < 0 || res > 15 {
		return fmt.Errorf("invalid H3 resolution %d (must be 0..15)", res)
	}
	return nil
}

// Convert a GeoJSON ring [[lon,lat], ...] to an h3.GeoLoop (in degrees).
// If the ring is explicitly closed (last == first), drop the trailing duplicate.
func toLoop(coords [][]float64) h3.GeoLoop {
	loop := make(h3.GeoLoop, 0, len(coords))
	for _, xy := range coords {
		if len(xy) < 2 {
			continue
		}
		loop = append(loop, h3.LatLng{Lat: xy[1], Lng: xy[0]})
	}
	if len(loop) >= 2 {
		last := loop[len(loop)-1]
		first := loop[0]
		if last.Lat == first.Lat && last.Lng == first.Lng {
			loop = loop[:len(loop)-1]
		}
	}
	return loop
}

type cover struct {
	seen map[h3.Cell]struct{}
}

func newCover() *cover { return &cover{seen: make(map[h3.Cell]struct{})} }

// add unions the centroid polyfill with a one-ring buffer around every cell
// the outer boundary passes through. Parcels smaller than a cell have an
// empty polyfill and are covered by the boundary alone.
func (c *cover) add(outer h3.GeoLoop, holes []h3.GeoLoop, res int) error {
	filled, err := h3.PolygonToCells(h3.GeoPolygon{GeoLoop: outer, Holes: holes}, res)
	if err != nil {
		return fmt.Errorf("h3 polyfill: %w", err)
	}
	for _, cell := range filled {
		c.seen[cell] = struct{}{}
	}

	step := edgeKm[res] / kmPerDegree / 2
	boundary := make(map[h3.Cell]struct{})
	for i := range outer {
		a, b := outer[i], outer[(i+1)%len(outer)]
		n := int(math.Ceil(math.Hypot(b.Lat-a.Lat, b.Lng-a.Lng) / step))
		n = max(n, 1)
		for k := range n {
			f := float64(k) / float64(n)
			ll := h3.LatLng{Lat: a.Lat + f*(b.Lat-a.Lat), Lng: a.Lng + f*(b.Lng-a.Lng)}
			cell, err := h3.LatLngToCell(ll, res)
			if err != nil {
				return fmt.Errorf("h3 cell for %v: %w", ll, err)
			}
			boundary[cell] = struct{}{}
		}
	}
	for cell := range boundary {
		ring, err := h3.GridDisk(cell, 1)
		if err != nil {
			return fmt.Errorf("h3 grid disk: %w", err)
		}
		for _, r := range ring {
			c.seen[r] = struct{}{}
		}
	}
	return nil
}

// cells returns the cover sorted for determinism.
func (c *cover) cells() model.Cells {
	out := make([]string, 0, len(c.seen))
	for cell := range c.seen {
		out = append(out, cell.String())
	}
	sort.Strings(out)
	return out
}
