// Package aggregate turns raw per-layer intersection objects into normalized
// layer results: percentages, filtering, zoning thresholds and rebalancing.
package aggregate

import (
	"fmt"
	"math"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

// DefaultMinPct is the zoning threshold used when a request does not set one.
const DefaultMinPct = 1.0

// Outcome classifies how a layer ends up in the report.
type Outcome int

const (
	// OutcomeKept is a layer with at least one surviving object.
	OutcomeKept Outcome = iota
	// OutcomeEmpty is a layer kept as an explicit empty result.
	OutcomeEmpty
	// OutcomeDropped is a zoning layer without survivors; it is left out of the report.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeKept:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Layer is the normalized outcome for one catalog entry.
type Layer struct {
	Result   model.LayerIntersectionResult
	Outcome  Outcome
	Warnings []string
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Percentage is round2(100 * area / ref), 0 for a zero reference.
func Percentage(area, ref float64) float64 {
	if ref <= 0 {
		return 0
	}
	return Round2(100 * area / ref)
}

// Normalize applies, in order: percentage computation with clamping, the
// general area filter, and for zoning layers the minPct threshold followed by
// rebalancing over the surviving surface. Presence-only zoning layers are not
// rebalanced. objs are not modified.
func Normalize(entry model.LayerCatalogEntry, objs []model.IntersectionObject, refArea, minPct float64) Layer {
	out := Layer{Result: model.LayerIntersectionResult{Entry: entry}}
	presenceOnly := entry.GeometryKind.PresenceOnly()

	kept := make([]model.IntersectionObject, 0, len(objs))
	for _, o := range objs {
		area := o.IntersectedArea
		pct := Percentage(area, refArea)
		if pct > 100 {
			out.Warnings = append(out.Warnings,
				fmt.Sprintf("layer %s: percentage %.2f clamped to 100", entry.Identifier, pct))
			pct = 100
		}
		area = clampArea(area, refArea)
		if area <= 0 && !presenceOnly {
			continue
		}
		o.IntersectedArea = area
		o.Percentage = ptr(pct)
		kept = append(kept, o)
	}

	if entry.Zoning {
		kept = threshold(kept, minPct)
		if len(kept) == 0 {
			out.Outcome = OutcomeDropped
			return out
		}
		if !presenceOnly {
			rebalance(kept)
		}
	}

	if len(kept) == 0 {
		out.Outcome = OutcomeEmpty
		out.Result.Objects = []model.IntersectionObject{}
		return out
	}

	var surface float64
	for _, o := range kept {
		surface += o.IntersectedArea
	}
	out.Outcome = OutcomeKept
	out.Result.Objects = kept
	out.Result.AggregateSurface = surface
	pct := Percentage(surface, refArea)
	if pct > 100 {
		// overlapping entities of one layer
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("layer %s: percentage %.2f clamped to 100", entry.Identifier, pct))
		pct = 100
	}
	out.Result.AggregatePercentage = pct
	return out
}

// threshold drops objects whose rounded share of the parcel is below minPct.
func threshold(objs []model.IntersectionObject, minPct float64) []model.IntersectionObject {
	out := objs[:0]
	for _, o := range objs {
		if *o.Percentage < minPct {
			continue
		}
		out = append(out, o)
	}
	return out
}

// rebalance rewrites percentages relative to the surviving surface so that
// they sum to exactly 100.00. The rounding remainder goes to the largest
// object, the earliest one on ties.
func rebalance(objs []model.IntersectionObject) {
	var total float64
	for _, o := range objs {
		total += o.IntersectedArea
	}
	if total <= 0 {
		for i := range objs {
			objs[i].Percentage = ptr(0)
		}
		return
	}

	var sum float64
	largest := 0
	for i, o := range objs {
		p := Round2(100 * o.IntersectedArea / total)
		objs[i].Percentage = ptr(p)
		sum += p
		if o.IntersectedArea > objs[largest].IntersectedArea {
			largest = i
		}
	}

	if rem := Round2(100 - sum); rem != 0 {
		p := Round2(*objs[largest].Percentage + rem)
		objs[largest].Percentage = ptr(clamp(p, 0, 100))
	}
}

func clampArea(area, ref float64) float64 {
	if area < 0 || math.IsNaN(area) {
		return 0
	}
	if ref > 0 && area > ref {
		return ref
	}
	return area
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func ptr(v float64) *float64 { return &v }
