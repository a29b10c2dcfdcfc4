package consensus

import "github.com/clinical-coding/platform/internal/validation"

// StabilityLabel grades how much the passes disagree.
type StabilityLabel string

const (
	Stable   StabilityLabel = "stable"
	Moderate StabilityLabel = "moderate"
	Variable StabilityLabel = "variable"
)

// Stability summarizes the valid-concept rate of each pass. Rates and
// spread are in percentage points.
type Stability struct {
	PassRates []float64      `json:"pass_rates"`
	Mean      float64        `json:"mean"`
	Min       float64        `json:"min"`
	Max       float64        `json:"max"`
	Spread    float64        `json:"spread"`
	Label     StabilityLabel `json:"label"`
}

// MeasureStability computes the per-pass valid rate and labels the spread:
// under 15 points is stable, under 25 moderate, otherwise variable.
func MeasureStability(passes [][]validation.Concept) Stability {
	s := Stability{PassRates: make([]float64, len(passes)), Label: Stable}
	if len(passes) == 0 {
		return s
	}

	for i, pass := range passes {
		if len(pass) == 0 {
			continue
		}
		valid := 0
		for _, c := range pass {
			if c.Status == validation.StatusValid {
				valid++
			}
		}
		s.PassRates[i] = 100 * float64(valid) / float64(len(pass))
	}

	s.Min, s.Max = s.PassRates[0], s.PassRates[0]
	var sum float64
	for _, r := range s.PassRates {
		sum += r
		s.Min = min(s.Min, r)
		s.Max = max(s.Max, r)
	}
	s.Mean = sum / float64(len(s.PassRates))
	s.Spread = s.Max - s.Min

	switch {
	case s.Spread < 15:
		s.Label = Stable
	case s.Spread < 25:
		s.Label = Moderate
	default:
		s.Label = Variable
	}
	return s
}
