package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/clinical-coding/platform/internal/terminology"
)

// jsonObject matches from the first '{' to the last '}' so prose or code
// fences around the payload are ignored.
var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// payload is the JSON shape the prompt asks the model for.
type payload struct {
	Terms []struct {
		Term      string `json:"terme"`
		Category  string `json:"categorie"`
		Code      string `json:"code_classification"`
		Negation  string `json:"negation"`
		Family    string `json:"famille"`
		Suspicion string `json:"suspicion"`
		History   string `json:"antecedent"`
	} `json:"termes_medicaux"`
}

// ParseCandidates decodes the model output into candidates. Terms outside
// the three targeted hierarchies and empty terms are dropped. The second
// return value counts dropped terms.
func ParseCandidates(text string) ([]Candidate, int, error) {
	raw := jsonObject.FindString(strings.TrimSpace(text))
	if raw == "" {
		return nil, 0, errors.New("no JSON object in model output")
	}

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, 0, fmt.Errorf("failed to decode model output: %w", err)
	}

	candidates := make([]Candidate, 0, len(p.Terms))
	dropped := 0
	for _, t := range p.Terms {
		term := strings.TrimSpace(t.Term)
		h, ok := terminology.ParseHierarchy(t.Category)
		if term == "" || !ok {
			dropped++
			continue
		}
		candidates = append(candidates, Candidate{
			Term:      term,
			Hierarchy: h,
			Code:      normalizeCode(t.Code),
			Modifiers: Modifiers{
				Negated:       flag(t.Negation, "negative"),
				FamilyHistory: flag(t.Family, "family"),
				Suspected:     flag(t.Suspicion, "suspected"),
				PastHistory:   flag(t.History, "history"),
			},
		})
	}
	return candidates, dropped, nil
}

func flag(value, truthy string) bool {
	return strings.EqualFold(strings.TrimSpace(value), truthy)
}

// normalizeCode keeps SNOMED identifiers (digits only); placeholders such
// as "UNKNOWN" become an absent code.
func normalizeCode(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return code
}
