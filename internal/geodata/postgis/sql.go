package postgis

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/mohammed-shakir/parcel-intersections/internal/planner"
)

const areaColumn = "__intersected_area"

const parcelCTE = `p AS (SELECT ST_SetSRID(ST_GeomFromWKB($1), $2) AS g)`

// tableName resolves a layer identifier to a sanitized, schema-qualified name.
func tableName(defaultSchema, layer string) string {
	schema, table := defaultSchema, layer
	if s, t, ok := strings.Cut(layer, "."); ok {
		schema, table = s, t
	}
	return pgx.Identifier{schema, table}.Sanitize()
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// render builds the SQL for a plan. $1 is the parcel WKB and $2 its SRID.
func render(plan planner.Plan, table, geomCol string) (string, error) {
	switch p := plan.(type) {
	case planner.EntityPlan:
		return renderEntity(p, table, geomCol), nil
	case planner.DissolvePlan:
		return renderDissolve(p, table, geomCol), nil
	default:
		return "", fmt.Errorf("unsupported plan %T", plan)
	}
}

func renderEntity(p planner.EntityPlan, table, geomCol string) string {
	geom := "t." + ident(geomCol)
	var sb strings.Builder
	sb.WriteString("WITH " + parcelCTE + "\nSELECT ")
	for _, c := range p.Columns {
		sb.WriteString("t." + ident(c) + ", ")
	}
	fmt.Fprintf(&sb, "ROUND(ST_Area(ST_Intersection(ST_MakeValid(%s), p.g))::numeric, 2) AS %s\n", geom, ident(areaColumn))
	fmt.Fprintf(&sb, "FROM %s AS t, p\n", table)
	fmt.Fprintf(&sb, "WHERE %s IS NOT NULL AND ST_Intersects(%s, p.g)\n", geom, geom)
	sb.WriteString("ORDER BY t.ctid")
	return sb.String()
}

func renderDissolve(p planner.DissolvePlan, table, geomCol string) string {
	geom := "t." + ident(geomCol)

	selects := make([]string, 0, len(p.Columns)+len(p.GroupBy)+1)
	for _, c := range p.Columns {
		selects = append(selects, columnExpr(c)+" AS "+ident(c.Name))
	}
	keys := make([]string, 0, len(p.GroupBy))
	order := make([]string, 0, len(p.GroupBy))
	for i, k := range p.GroupBy {
		alias := ident(fmt.Sprintf("__k%d", i))
		selects = append(selects, "t."+ident(k)+" AS "+alias)
		keys = append(keys, "t."+ident(k))
		order = append(order, alias)
	}
	selects = append(selects, fmt.Sprintf("ST_UnaryUnion(ST_Collect(ST_MakeValid(%s))) AS __geom", geom))

	outCols := make([]string, 0, len(p.Columns)+1)
	for _, c := range p.Columns {
		outCols = append(outCols, ident(c.Name))
	}
	outCols = append(outCols, "ROUND(ST_Area(__inter)::numeric, 2) AS "+ident(areaColumn))

	var sb strings.Builder
	sb.WriteString("WITH " + parcelCTE + ",\n")
	sb.WriteString("grp AS (\n  SELECT " + strings.Join(selects, ",\n         ") + "\n")
	fmt.Fprintf(&sb, "  FROM %s AS t, p\n", table)
	fmt.Fprintf(&sb, "  WHERE %s IS NOT NULL AND ST_Intersects(%s, p.g)\n", geom, geom)
	sb.WriteString("  GROUP BY " + strings.Join(keys, ", ") + "\n),\n")
	sb.WriteString("cut AS (SELECT grp.*, ST_Intersection(grp.__geom, p.g) AS __inter FROM grp, p)\n")
	sb.WriteString("SELECT " + strings.Join(outCols, ", ") + "\n")
	sb.WriteString("FROM cut\nWHERE NOT ST_IsEmpty(__inter)\n")
	sb.WriteString("ORDER BY " + strings.Join(order, ", "))
	return sb.String()
}

func columnExpr(c planner.Column) string {
	col := "t." + ident(c.Name)
	switch c.Rule {
	case planner.RuleGroupKey:
		return col
	case planner.RuleLongest:
		return fmt.Sprintf("(array_agg(%s ORDER BY length(%s::text) DESC, t.ctid) FILTER (WHERE %s IS NOT NULL))[1]", col, col, col)
	default:
		return fmt.Sprintf("(array_agg(%s ORDER BY t.ctid) FILTER (WHERE %s IS NOT NULL))[1]", col, col)
	}
}
