package executor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/parcel-intersections/internal/geodata"
)

// Coerce maps a backend value to one of the canonical report kinds:
// nil, float64, bool or string. Dates become YYYY-MM-DD, timestamps RFC 3339.
// Values of any other kind fall back to their string form.
func Coerce(dbType string, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case bool:
		return t
	case time.Time:
		return isoTime(dbType, t)
	case string:
		return coerceText(dbType, t)
	case []byte:
		return coerceText(dbType, string(t))
	case fmt.Stringer:
		return coerceText(dbType, t.String())
	default:
		return fmt.Sprint(t)
	}
}

// Area extracts the intersected surface; unusable values count as zero.
func Area(f geodata.Field) float64 {
	switch v := Coerce(numericHint(f.DBType), f.Value).(type) {
	case float64:
		return v
	case string:
		if x, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(x) && !math.IsInf(x, 0) {
			return x
		}
	}
	return 0
}

func numericHint(dbType string) string {
	if dbType == "" {
		return "NUMERIC"
	}
	return dbType
}

func finite(x float64) any {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil
	}
	return x
}

func coerceText(dbType, s string) any {
	if isNumericType(dbType) {
		if x, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return finite(x)
		}
	}
	return s
}

func isoTime(dbType string, t time.Time) string {
	switch strings.ToUpper(dbType) {
	case "DATE":
		return t.Format(time.DateOnly)
	case "TIMESTAMP", "TIMESTAMPTZ":
		return t.Format(time.RFC3339)
	}
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}

func isNumericType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "NUMERIC", "DECIMAL", "FLOAT4", "FLOAT8", "INT2", "INT4", "INT8", "REAL", "DOUBLE PRECISION":
		return true
	default:
		return false
	}
}
