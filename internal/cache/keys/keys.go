// Package keys builds the Redis keys of the report cache.
package keys

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

const (
	reportPrefix    = "report"
	cellIndexPrefix = "cellidx"
)

// ReportKey identifies one computed report: the prepared parcel geometry,
// the catalog it was computed against and the zoning threshold.
func ReportKey(parcelHash, catalogFingerprint string, minPct float64) string {
	pct := strconv.FormatFloat(minPct, 'f', 2, 64)
	return fmt.Sprintf("%s:%s:%s:p=%s",
		reportPrefix,
		sanitizeForKey(strings.TrimSpace(parcelHash)),
		sanitizeForKey(strings.TrimSpace(catalogFingerprint)),
		pct)
}

// CellIndexKey is the set of report keys whose parcel footprint touches cell.
func CellIndexKey(res int, cell string) string {
	return fmt.Sprintf("%s:%d:%s", cellIndexPrefix, res, sanitizeForKey(strings.TrimSpace(cell)))
}

// CellIndexKeys maps cells to their index keys, preserving order.
func CellIndexKeys(res int, cells []string) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, CellIndexKey(res, c))
	}
	return out
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// separators and non-ASCII runes collapse to '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
