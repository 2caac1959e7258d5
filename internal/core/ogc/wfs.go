// Package ogc builds WFS GetFeature requests for the cadastral parcel service.
package ogc

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultTypeName = "CADASTRALPARCELS.PARCELLAIRE_EXPRESS:parcelle"
	DefaultSRS      = "EPSG:2154"
)

// ParcelRef is a cadastral reference inside one commune.
type ParcelRef struct {
	Section string `json:"section"`
	Numero  string `json:"numero"`
}

func (r ParcelRef) String() string { return r.Section + " " + r.Numero }

func OWSEndpoint(base string) string {
	return strings.TrimRight(base, "/") + "/ows"
}

// BuildCadastreParams selects every requested parcel of one commune in a
// single GetFeature call.
func BuildCadastreParams(typeName, srs, insee string, refs []ParcelRef) url.Values {
	if strings.TrimSpace(typeName) == "" {
		typeName = DefaultTypeName
	}
	if strings.TrimSpace(srs) == "" {
		srs = DefaultSRS
	}
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", typeName)
	params.Set("srsName", srs)
	params.Set("outputFormat", "application/json")
	params.Set("cql_filter", ParcelFilter(insee, refs))
	return params
}

// ParcelFilter renders code_insee='..' AND ((section='..' AND numero='..') OR ...).
func ParcelFilter(insee string, refs []ParcelRef) string {
	cql := fmt.Sprintf("code_insee=%s", quote(insee))
	if len(refs) == 0 {
		return cql
	}
	ors := make([]string, 0, len(refs))
	for _, r := range refs {
		ors = append(ors, fmt.Sprintf("(section=%s AND numero=%s)", quote(r.Section), quote(r.Numero)))
	}
	return fmt.Sprintf("%s AND (%s)", cql, strings.Join(ors, " OR "))
}

// CQL string literal, single quotes doubled
func quote(s string) string {
	return "'" + strings.ReplaceAll(strings.TrimSpace(s), "'", "''") + "'"
}
