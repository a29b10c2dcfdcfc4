// Package consensus merges the validated output of several extraction
// passes over the same text into one list of concepts with support and
// agreement scores.
package consensus

import (
	"github.com/clinical-coding/platform/internal/extraction"
	"github.com/clinical-coding/platform/internal/shared/metrics"
	"github.com/clinical-coding/platform/internal/terminology"
	"github.com/clinical-coding/platform/internal/validation"
)

// DefaultSimilarity is the normalized-term similarity at or above which two
// candidates denote the same mention.
const DefaultSimilarity = 0.85

// Concept is one reconciled mention.
type Concept struct {
	RepresentativeTerm string                          `json:"representative_term"`
	Code               string                          `json:"code,omitempty"`
	Hierarchy          terminology.Hierarchy           `json:"hierarchy"`
	Status             validation.Status               `json:"status"`
	Modifiers          extraction.Modifiers            `json:"modifiers"`
	ModifierAgreement  map[extraction.Modifier]float64 `json:"modifier_agreement"`
	SupportCount       int                             `json:"support_count"`
	Passes             []int                           `json:"passes"`
	Confidence         float64                         `json:"confidence"`
	LowSupport         bool                            `json:"low_support"`
	Ambiguous          bool                            `json:"ambiguous,omitempty"`
	Members            []validation.Concept            `json:"members"`
}

// Reconciler clusters candidates across passes.
type Reconciler struct {
	threshold float64
}

// NewReconciler creates a reconciler. threshold <= 0 uses DefaultSimilarity.
func NewReconciler(threshold float64) *Reconciler {
	if threshold <= 0 {
		threshold = DefaultSimilarity
	}
	return &Reconciler{threshold: threshold}
}

// cluster accumulates the members of one mention. Clusters live in a slice
// so iteration order is creation order.
type cluster struct {
	members   []validation.Concept
	passes    []int
	codes     []string
	terms     []string
	hierarchy terminology.Hierarchy
}

func (cl *cluster) matches(c validation.Concept, term string, threshold float64) bool {
	if cl.hierarchy != c.Candidate.Hierarchy {
		return false
	}
	if code := c.EffectiveCode(); code != "" {
		for _, known := range cl.codes {
			if known == code {
				return true
			}
		}
	}
	for _, known := range cl.terms {
		if terminology.Similarity(known, term) >= threshold {
			return true
		}
	}
	return false
}

func (cl *cluster) add(pass int, c validation.Concept, term string) {
	cl.members = append(cl.members, c)
	cl.passes = append(cl.passes, pass)
	if code := c.EffectiveCode(); code != "" {
		cl.codes = append(cl.codes, code)
	}
	cl.terms = append(cl.terms, term)
}

func (cl *cluster) hasPass(pass int) bool {
	return len(cl.passes) > 0 && cl.passes[len(cl.passes)-1] == pass
}

// Reconcile folds the passes in order into consensus concepts, returned in
// order of first appearance. A single pass is returned one-to-one.
func (r *Reconciler) Reconcile(passes [][]validation.Concept) []Concept {
	k := len(passes)
	if k == 0 {
		return nil
	}
	if k == 1 {
		return single(passes[0])
	}

	var clusters []*cluster
	for p, pass := range passes {
		for _, c := range pass {
			term := terminology.Normalize(c.Candidate.Term)

			var target *cluster
			for _, cl := range clusters {
				if cl.matches(c, term, r.threshold) {
					target = cl
					break
				}
			}
			switch {
			case target == nil:
				cl := &cluster{hierarchy: c.Candidate.Hierarchy}
				cl.add(p, c, term)
				clusters = append(clusters, cl)
			case target.hasPass(p):
				// First match per pass wins; duplicates are not counted.
			default:
				target.add(p, c, term)
			}
		}
	}

	out := make([]Concept, 0, len(clusters))
	for _, cl := range clusters {
		out = append(out, summarize(cl, k))
	}
	return out
}

func summarize(cl *cluster, k int) Concept {
	rep := cl.members[0]
	for _, m := range cl.members[1:] {
		if m.Status.Rank() > rep.Status.Rank() {
			rep = m
		}
	}

	support := len(cl.members)
	agreement := make(map[extraction.Modifier]float64, len(extraction.AllModifiers))
	var certainty float64
	for _, mod := range extraction.AllModifiers {
		trues := 0
		for _, m := range cl.members {
			if m.Candidate.Modifiers.Get(mod) {
				trues++
			}
		}
		a := float64(trues) / float64(support)
		agreement[mod] = a
		certainty += max(a, 1-a)
	}
	certainty /= float64(len(extraction.AllModifiers))

	c := Concept{
		RepresentativeTerm: rep.Candidate.Term,
		Code:               rep.EffectiveCode(),
		Hierarchy:          rep.Candidate.Hierarchy,
		Status:             rep.Status,
		Modifiers:          majority(agreement, rep.Candidate.Modifiers),
		ModifierAgreement:  agreement,
		SupportCount:       support,
		Passes:             append([]int(nil), cl.passes...),
		Confidence:         float64(support) / float64(k) * certainty,
		LowSupport:         support == 1,
		Ambiguous:          rep.Ambiguous,
		Members:            cl.members,
	}
	metrics.RecordConsensus(c.Confidence)
	return c
}

// majority picks each modifier by vote; an even split keeps the
// representative's value.
func majority(agreement map[extraction.Modifier]float64, rep extraction.Modifiers) extraction.Modifiers {
	pick := func(mod extraction.Modifier) bool {
		switch a := agreement[mod]; {
		case a > 0.5:
			return true
		case a < 0.5:
			return false
		default:
			return rep.Get(mod)
		}
	}
	return extraction.Modifiers{
		Negated:       pick(extraction.Negated),
		FamilyHistory: pick(extraction.FamilyHistory),
		Suspected:     pick(extraction.Suspected),
		PastHistory:   pick(extraction.PastHistory),
	}
}

// single maps a lone pass one-to-one. With nothing to agree with, the
// confidence reflects the validation status alone.
func single(pass []validation.Concept) []Concept {
	out := make([]Concept, 0, len(pass))
	for _, c := range pass {
		agreement := make(map[extraction.Modifier]float64, len(extraction.AllModifiers))
		for _, mod := range extraction.AllModifiers {
			if c.Candidate.Modifiers.Get(mod) {
				agreement[mod] = 1
			} else {
				agreement[mod] = 0
			}
		}
		concept := Concept{
			RepresentativeTerm: c.Candidate.Term,
			Code:               c.EffectiveCode(),
			Hierarchy:          c.Candidate.Hierarchy,
			Status:             c.Status,
			Modifiers:          c.Candidate.Modifiers,
			ModifierAgreement:  agreement,
			SupportCount:       1,
			Passes:             []int{0},
			Confidence:         statusConfidence(c.Status),
			Ambiguous:          c.Ambiguous,
			Members:            []validation.Concept{c},
		}
		metrics.RecordConsensus(concept.Confidence)
		out = append(out, concept)
	}
	return out
}

func statusConfidence(s validation.Status) float64 {
	switch s {
	case validation.StatusValid:
		return 1.0
	case validation.StatusCodeMismatch:
		return 0.5
	default:
		return 0.25
	}
}
