package terminology

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds case and diacritics, replaces punctuation with spaces and
// collapses whitespace: "Éruption cutanée," -> "eruption cutanee".
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)

	folded = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(folded), " ")
}

// Distance is the rune-level edit distance between two normalized strings.
func Distance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// Similarity is 1 - distance/longer length, in [0,1].
func Similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(Distance(a, b))/float64(longest)
}

// ContainsWords reports whether needle appears in haystack on word
// boundaries. Both must already be normalized.
func ContainsWords(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(" "+haystack+" ", " "+needle+" ")
}

// WordOverlap is |A∩B| / max(|A|,|B|) over the word sets of two normalized strings.
func WordOverlap(a, b string) float64 {
	wa, wb := wordSet(a), wordSet(b)
	longest := len(wa)
	if len(wb) > longest {
		longest = len(wb)
	}
	if longest == 0 {
		return 0
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	return float64(shared) / float64(longest)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		set[w] = true
	}
	return set
}
