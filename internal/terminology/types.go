// Package terminology provides the read-only SNOMED CT lookup table the
// validator checks extracted codes against.
package terminology

import (
	"context"
	"strings"
)

// Hierarchy is one of the three targeted SNOMED CT top-level hierarchies.
type Hierarchy string

const (
	HierarchyClinicalFinding Hierarchy = "clinical_finding"
	HierarchyProcedure       Hierarchy = "procedure"
	HierarchyBodyStructure   Hierarchy = "body_structure"
)

// Hierarchies lists the targeted hierarchies in a fixed order.
var Hierarchies = []Hierarchy{HierarchyClinicalFinding, HierarchyProcedure, HierarchyBodyStructure}

// Valid reports whether h is one of the targeted hierarchies.
func (h Hierarchy) Valid() bool {
	switch h {
	case HierarchyClinicalFinding, HierarchyProcedure, HierarchyBodyStructure:
		return true
	}
	return false
}

// ParseHierarchy maps the labels used by extractors, seed files and the
// SQL source onto a Hierarchy. Unknown labels return false.
func ParseHierarchy(label string) (Hierarchy, bool) {
	l := strings.ToLower(strings.TrimSpace(label))
	l = strings.NewReplacer(" ", "_", "-", "_").Replace(l)

	switch l {
	case "clinical_finding", "clinicalfinding", "finding", "disorder":
		return HierarchyClinicalFinding, true
	case "procedure", "intervention":
		return HierarchyProcedure, true
	case "body_structure", "bodystructure", "structure":
		return HierarchyBodyStructure, true
	}

	switch {
	case strings.Contains(l, "symptome"), strings.Contains(l, "diagnostic"), strings.Contains(l, "finding"):
		return HierarchyClinicalFinding, true
	case strings.Contains(l, "traitement"), strings.Contains(l, "procedure"), strings.Contains(l, "intervention"):
		return HierarchyProcedure, true
	case strings.Contains(l, "anatomie"), strings.Contains(l, "structure"), strings.Contains(l, "corps"):
		return HierarchyBodyStructure, true
	}
	return "", false
}

// Entry is one active concept.
type Entry struct {
	Code          string    `json:"code" yaml:"code"`
	Hierarchy     Hierarchy `json:"hierarchy" yaml:"hierarchy"`
	PreferredTerm string    `json:"preferred_term" yaml:"term"`
	Synonyms      []string  `json:"synonyms,omitempty" yaml:"synonyms,omitempty"`
}

// Terms returns the preferred term followed by the synonyms.
func (e Entry) Terms() []string {
	terms := make([]string, 0, 1+len(e.Synonyms))
	terms = append(terms, e.PreferredTerm)
	return append(terms, e.Synonyms...)
}

// MatchKind orders approximate matches; lower is better.
type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchContainment
	MatchEditDistance
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchContainment:
		return "containment"
	case MatchEditDistance:
		return "edit_distance"
	}
	return "unknown"
}

// Match is one ranked result of an approximate term lookup.
type Match struct {
	Entry    Entry     `json:"entry"`
	Term     string    `json:"term"`
	Kind     MatchKind `json:"kind"`
	Distance int       `json:"distance"`
}

// Better reports whether m ranks strictly ahead of other.
func (m Match) Better(other Match) bool {
	if m.Kind != other.Kind {
		return m.Kind < other.Kind
	}
	return m.Distance < other.Distance
}

// SameRank reports whether m and other tie.
func (m Match) SameRank(other Match) bool {
	return m.Kind == other.Kind && m.Distance == other.Distance
}

// Store is the read-only lookup contract. Implementations must be safe for
// concurrent use and must return identical results for identical input.
type Store interface {
	LookupByCode(code string) (Entry, bool)
	// LookupByTerm returns matches within hierarchy, best first, at most
	// one per code. Ties keep code order.
	LookupByTerm(ctx context.Context, term string, hierarchy Hierarchy) ([]Match, error)
}
