// Package report merges normalized layer results into a RegulatoryReport and
// encodes it deterministically.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mohammed-shakir/parcel-intersections/internal/aggregate"
	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

// Assemble keeps catalog order, omits dropped layers and collects warnings
// with the skipped catalog entries first.
func Assemble(refArea float64, layers []aggregate.Layer, skipped []string) model.RegulatoryReport {
	rep := model.RegulatoryReport{
		ParcelReferenceArea: aggregate.Round2(refArea),
		Layers:              make([]model.LayerIntersectionResult, 0, len(layers)),
	}
	for _, id := range skipped {
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("layer %s: invalid catalog entry", id))
	}
	for _, l := range layers {
		rep.Warnings = append(rep.Warnings, l.Warnings...)
		if l.Outcome == aggregate.OutcomeDropped {
			continue
		}
		rep.Layers = append(rep.Layers, l.Result)
	}
	return rep
}

// Encode returns the canonical JSON form. Equal reports encode to equal bytes.
func Encode(r model.RegulatoryReport) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return b, nil
}

// Write encodes r to w, indented when pretty is set.
func Write(w io.Writer, r model.RegulatoryReport, pretty bool) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if pretty {
		if err := json.Indent(&buf, b, "", "  "); err != nil {
			return fmt.Errorf("indent report: %w", err)
		}
	} else {
		buf.Write(b)
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(w)
	return err
}
