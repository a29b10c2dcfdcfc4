// Package validation checks extracted candidates against the terminology
// and grades how well extracted terms agree with official ones.
package validation

import (
	"context"
	"fmt"

	"github.com/clinical-coding/platform/internal/extraction"
	"github.com/clinical-coding/platform/internal/shared/metrics"
	"github.com/clinical-coding/platform/internal/terminology"
)

// Status is the validation outcome of one candidate.
type Status string

const (
	StatusValid        Status = "valid"
	StatusCodeMismatch Status = "code_mismatch"
	StatusCodeMissing  Status = "code_missing"
	StatusUnknownTerm  Status = "unknown_term"
)

// Rank orders statuses for representative selection; higher is better.
func (s Status) Rank() int {
	switch s {
	case StatusValid:
		return 3
	case StatusCodeMismatch:
		return 2
	default:
		return 1
	}
}

// Suggestion is a code the term resolves to when the declared code does
// not exist. It never changes the status.
type Suggestion struct {
	Code string `json:"code"`
	Term string `json:"term"`
}

// Concept is a candidate annotated with its validation outcome.
// Status == StatusValid implies ResolvedCode exists under
// Candidate.Hierarchy in the store it was validated against.
type Concept struct {
	Candidate      extraction.Candidate  `json:"candidate"`
	Status         Status                `json:"status"`
	ResolvedCode   string                `json:"resolved_code,omitempty"`
	OfficialTerm   string                `json:"official_term,omitempty"`
	FoundHierarchy terminology.Hierarchy `json:"found_hierarchy,omitempty"`
	Ambiguous      bool                  `json:"ambiguous,omitempty"`
	Alternatives   []string              `json:"alternatives,omitempty"`
	Suggestion     *Suggestion           `json:"suggestion,omitempty"`
	TermAgreement  *Agreement            `json:"term_agreement,omitempty"`
}

// EffectiveCode is the resolved code when there is one, otherwise the
// declared code.
func (c Concept) EffectiveCode() string {
	if c.ResolvedCode != "" {
		return c.ResolvedCode
	}
	return c.Candidate.Code
}

// Validator validates candidates against one terminology snapshot.
type Validator struct {
	store terminology.Store
}

// New creates a validator over store.
func New(store terminology.Store) *Validator {
	return &Validator{store: store}
}

// Validate classifies one candidate. The result depends only on the
// candidate and the store contents.
func (v *Validator) Validate(ctx context.Context, c extraction.Candidate) (Concept, error) {
	concept, err := v.validate(ctx, c)
	if err != nil {
		return Concept{}, err
	}
	metrics.RecordValidation(string(concept.Status))
	return concept, nil
}

func (v *Validator) validate(ctx context.Context, c extraction.Candidate) (Concept, error) {
	out := Concept{Candidate: c}

	if c.Code != "" {
		entry, ok := v.store.LookupByCode(c.Code)
		switch {
		case ok && entry.Hierarchy == c.Hierarchy:
			out.Status = StatusValid
			out.ResolvedCode = entry.Code
			out.OfficialTerm = entry.PreferredTerm
			out.TermAgreement = agreementWith(c.Term, entry)
		case ok:
			// The code exists elsewhere; it is reported, never moved.
			out.Status = StatusCodeMismatch
			out.FoundHierarchy = entry.Hierarchy
			out.OfficialTerm = entry.PreferredTerm
		default:
			out.Status = StatusCodeMissing
			matches, err := v.lookup(ctx, c)
			if err != nil {
				return Concept{}, err
			}
			if best, ok := unique(matches); ok {
				out.Suggestion = &Suggestion{Code: best.Entry.Code, Term: best.Entry.PreferredTerm}
			}
		}
		return out, nil
	}

	matches, err := v.lookup(ctx, c)
	if err != nil {
		return Concept{}, err
	}
	out.Status = StatusUnknownTerm
	if len(matches) == 0 {
		return out, nil
	}
	if best, ok := unique(matches); ok {
		out.Status = StatusValid
		out.ResolvedCode = best.Entry.Code
		out.OfficialTerm = best.Entry.PreferredTerm
		out.TermAgreement = agreementWith(c.Term, best.Entry)
		return out, nil
	}

	out.Ambiguous = true
	for _, m := range matches {
		if !m.SameRank(matches[0]) {
			break
		}
		out.Alternatives = append(out.Alternatives, m.Entry.Code)
	}
	return out, nil
}

func (v *Validator) lookup(ctx context.Context, c extraction.Candidate) ([]terminology.Match, error) {
	if !c.Hierarchy.Valid() {
		return nil, nil
	}
	matches, err := v.store.LookupByTerm(ctx, c.Term, c.Hierarchy)
	if err != nil {
		return nil, fmt.Errorf("term lookup %q: %w", c.Term, err)
	}
	return matches, nil
}

// unique returns the best match when it is strictly ahead of the runner-up.
func unique(matches []terminology.Match) (terminology.Match, bool) {
	if len(matches) == 0 {
		return terminology.Match{}, false
	}
	if len(matches) > 1 && matches[0].SameRank(matches[1]) {
		return terminology.Match{}, false
	}
	return matches[0], true
}

// ValidateAll validates one pass, preserving candidate order.
func (v *Validator) ValidateAll(ctx context.Context, candidates []extraction.Candidate) ([]Concept, error) {
	out := make([]Concept, 0, len(candidates))
	for _, c := range candidates {
		concept, err := v.Validate(ctx, c)
		if err != nil {
			return nil, err
		}
		out = append(out, concept)
	}
	return out, nil
}
