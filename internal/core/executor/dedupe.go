package executor

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

// Dedupe drops exact duplicates keeping first occurrences in order. Two objects
// are duplicates when every attribute and the area are equal.
func Dedupe(objs []model.IntersectionObject) ([]model.IntersectionObject, int) {
	if len(objs) < 2 {
		return objs, 0
	}
	seen := make(map[string]struct{}, len(objs))
	out := make([]model.IntersectionObject, 0, len(objs))
	for _, o := range objs {
		k := tupleKey(o)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, o)
	}
	return out, len(objs) - len(out)
}

// tupleKey encodes the object's fields sorted by name.
func tupleKey(o model.IntersectionObject) string {
	attrs := slices.Clone(o.Attributes)
	slices.SortStableFunc(attrs, func(a, b model.Attribute) int { return strings.Compare(a.Name, b.Name) })

	var sb strings.Builder
	for _, a := range attrs {
		sb.WriteString(strconv.Quote(a.Name))
		sb.WriteByte('=')
		v, err := json.Marshal(a.Value)
		if err != nil {
			v = []byte(strconv.Quote(err.Error()))
		}
		sb.Write(v)
		sb.WriteByte(';')
	}
	sb.WriteString("area=")
	sb.WriteString(strconv.FormatFloat(o.IntersectedArea, 'g', -1, 64))
	return sb.String()
}
