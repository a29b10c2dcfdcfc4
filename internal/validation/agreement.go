package validation

import (
	"strings"

	"github.com/clinical-coding/platform/internal/terminology"
)

// Verdict grades an Agreement score.
type Verdict string

const (
	VerdictAccepted Verdict = "accepted"
	VerdictRejected Verdict = "rejected"
	VerdictReview   Verdict = "review"
)

const (
	acceptThreshold = 0.5
	rejectThreshold = 0.01
)

// Agreement scores how well an extracted term matches the official term
// of the code it was validated against.
type Agreement struct {
	Score        float64 `json:"score"`
	Similarity   float64 `json:"similarity"`
	WordOverlap  float64 `json:"word_overlap"`
	Containment  float64 `json:"containment"`
	Verdict      Verdict `json:"verdict"`
	ComparedWith string  `json:"compared_with"`
}

// TermAgreement computes 0.3*similarity + 0.4*word overlap + 0.3*containment
// over the normalized terms and grades it.
func TermAgreement(extracted, official string) Agreement {
	a, b := terminology.Normalize(extracted), terminology.Normalize(official)

	ag := Agreement{
		Similarity:   terminology.Similarity(a, b),
		WordOverlap:  terminology.WordOverlap(a, b),
		ComparedWith: official,
	}
	if a != "" && b != "" && (strings.Contains(a, b) || strings.Contains(b, a)) {
		ag.Containment = 1
	}
	ag.Score = 0.3*ag.Similarity + 0.4*ag.WordOverlap + 0.3*ag.Containment

	switch {
	case ag.Score >= acceptThreshold:
		ag.Verdict = VerdictAccepted
	case ag.Score <= rejectThreshold:
		ag.Verdict = VerdictRejected
	default:
		ag.Verdict = VerdictReview
	}
	return ag
}

// agreementWith scores term against the closest of the entry's terms.
func agreementWith(term string, e terminology.Entry) *Agreement {
	var best Agreement
	for i, t := range e.Terms() {
		ag := TermAgreement(term, t)
		if i == 0 || ag.Score > best.Score {
			best = ag
		}
	}
	return &best
}
