package model

import (
	"fmt"
	"strings"
)

type GeometryKind string

const (
	KindSurfacic GeometryKind = "surfacic"
	KindLinear   GeometryKind = "linear"
	KindPunctual GeometryKind = "punctual"
)

// PresenceOnly reports whether an intersection registers presence rather than surface.
func (k GeometryKind) PresenceOnly() bool {
	return k == KindLinear || k == KindPunctual
}

// ParseGeometryKind accepts the canonical names and the legacy catalog spellings.
// An empty value defaults to surfacic.
func ParseGeometryKind(s string) (GeometryKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "surfacic", "surfacique", "polygon":
		return KindSurfacic, nil
	case "linear", "lineaire", "linéaire", "line":
		return KindLinear, nil
	case "punctual", "ponctuel", "ponctuelle", "point":
		return KindPunctual, nil
	default:
		return "", fmt.Errorf("unknown geometry kind %q", s)
	}
}

// LayerCatalogEntry describes how one regulatory layer is queried and aggregated.
type LayerCatalogEntry struct {
	Identifier         string       `json:"identifier" validate:"required"`
	DisplayName        string       `json:"displayName"`
	Category           string       `json:"category"`
	GeometryKind       GeometryKind `json:"geometryKind" validate:"oneof=surfacic linear punctual"`
	RetainedAttributes []string     `json:"retainedAttributes" validate:"required,min=1,dive,required"`
	GroupByKeys        []string     `json:"groupByKeys,omitempty" validate:"dive,required"`
	Zoning             bool         `json:"zoning,omitempty"`
}

// Dissolve reports whether entities are merged by group keys before intersecting.
func (e LayerCatalogEntry) Dissolve() bool { return len(e.GroupByKeys) > 0 }
