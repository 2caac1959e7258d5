package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Attribute is one retained attribute value. Value holds only canonical
// kinds: nil, float64, bool or string.
type Attribute struct {
	Name  string
	Value any
}

type Attributes []Attribute

func (a Attributes) Get(name string) (any, bool) {
	for _, at := range a {
		if at.Name == name {
			return at.Value, true
		}
	}
	return nil, false
}

// IntersectionObject is one surviving entity of a layer.
type IntersectionObject struct {
	Attributes      Attributes
	IntersectedArea float64
	Percentage      *float64 // nil until normalized
}

// MarshalJSON writes attributes in retained order followed by area and percentage.
func (o IntersectionObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for _, at := range o.Attributes {
		if err := writeField(&buf, at.Name, at.Value); err != nil {
			return nil, err
		}
		buf.WriteByte(',')
	}
	if err := writeField(&buf, "intersectedArea", o.IntersectedArea); err != nil {
		return nil, err
	}
	buf.WriteByte(',')
	if err := writeField(&buf, "percentage", o.Percentage); err != nil {
		return nil, err
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// LayerIntersectionResult holds the surviving objects of one layer.
type LayerIntersectionResult struct {
	Entry               LayerCatalogEntry
	Objects             []IntersectionObject
	AggregateSurface    float64
	AggregatePercentage float64
}

func (r LayerIntersectionResult) MarshalJSON() ([]byte, error) {
	objs := r.Objects
	if objs == nil {
		objs = []IntersectionObject{}
	}
	out := struct {
		DisplayName         string               `json:"displayName"`
		Category            string               `json:"category"`
		AggregateSurface    float64              `json:"aggregateSurface"`
		AggregatePercentage float64              `json:"aggregatePercentage"`
		Objects             []IntersectionObject `json:"objects"`
	}{
		DisplayName:         r.Entry.DisplayName,
		Category:            r.Entry.Category,
		AggregateSurface:    r.AggregateSurface,
		AggregatePercentage: r.AggregatePercentage,
		Objects:             objs,
	}
	return json.Marshal(out)
}

// RegulatoryReport is the final per-parcel result. Layers keep catalog order.
type RegulatoryReport struct {
	ParcelReferenceArea float64
	Layers              []LayerIntersectionResult
	Warnings            []string
}

// Layer looks up a layer result by catalog identifier.
func (r RegulatoryReport) Layer(id string) (LayerIntersectionResult, bool) {
	for _, l := range r.Layers {
		if l.Entry.Identifier == id {
			return l, true
		}
	}
	return LayerIntersectionResult{}, false
}

func (r RegulatoryReport) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if err := writeField(&buf, "parcelReferenceArea", r.ParcelReferenceArea); err != nil {
		return nil, err
	}
	buf.WriteString(`,"layers":{`)
	for i, l := range r.Layers {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeField(&buf, l.Entry.Identifier, l); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	if len(r.Warnings) > 0 {
		buf.WriteByte(',')
		if err := writeField(&buf, "warnings", r.Warnings); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, key string, v any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode key %q: %w", key, err)
	}
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(val)
	return nil
}
