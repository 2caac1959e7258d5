// Package planner turns catalog entries into explicit intersection plans.
package planner

import (
	"slices"
	"strings"

	"github.com/mohammed-shakir/parcel-intersections/internal/core/model"
)

// Plan is either an EntityPlan or a DissolvePlan.
type Plan interface {
	Layer() model.LayerCatalogEntry
	isPlan()
}

// EntityPlan returns every intersecting entity individually.
type EntityPlan struct {
	Entry   model.LayerCatalogEntry
	Columns []string
}

func (p EntityPlan) Layer() model.LayerCatalogEntry { return p.Entry }
func (EntityPlan) isPlan() {}

// Rule says how a retained attribute is resolved inside a dissolved group.
type Rule int

const (
	RuleGroupKey Rule = iota
	RuleFirstNonNull
	RuleLongest
)

func (r Rule) String() string {
	switch r {
	case RuleGroupKey:
		return "group_key"
	case RuleFirstNonNull:
		return "first_non_null"
	case RuleLongest:
		return "longest"
	default:
		return "unknown"
	}
}

// Column is a retained attribute and the rule resolving it within a group.
type Column struct {
	Name string
	Rule Rule
}

// DissolvePlan unions entities sharing the group key values, then
// intersects each group once.
type DissolvePlan struct {
	Entry   model.LayerCatalogEntry
	GroupBy []string
	Columns []Column
}

func (p DissolvePlan) Layer() model.LayerCatalogEntry { return p.Entry }
func (DissolvePlan) isPlan() {}

// Planner turns catalog entries into entity or dissolve plans.
type Planner struct {
	longest []string
}

// New builds a planner. longestText names the free-text fields resolved by
// longest value in dissolve mode; matching is case-insensitive.
func New(longestText []string) *Planner {
	norm := make([]string, 0, len(longestText))
	for _, f := range longestText {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			norm = append(norm, f)
		}
	}
	return &Planner{longest: norm}
}

// Plan picks a DissolvePlan when the entry has group keys, an EntityPlan otherwise.
func (p *Planner) Plan(e model.LayerCatalogEntry) Plan {
	if !e.Dissolve() {
		return EntityPlan{Entry: e, Columns: slices.Clone(e.RetainedAttributes)}
	}
	cols := make([]Column, 0, len(e.RetainedAttributes))
	for _, name := range e.RetainedAttributes {
		cols = append(cols, Column{Name: name, Rule: p.ruleFor(e, name)})
	}
	return DissolvePlan{Entry: e, GroupBy: slices.Clone(e.GroupByKeys), Columns: cols}
}

func (p *Planner) ruleFor(e model.LayerCatalogEntry, name string) Rule {
	if slices.Contains(e.GroupByKeys, name) {
		return RuleGroupKey
	}
	if slices.Contains(p.longest, strings.ToLower(name)) {
		return RuleLongest
	}
	return RuleFirstNonNull
}
