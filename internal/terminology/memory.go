package terminology

import (
	"context"
	"fmt"
	"sort"
	"unicode/utf8"
)

// minContainedRunes keeps very short terms ("os", "pli") from matching by
// containment.
const minContainedRunes = 4

// maxEdits is the fixed edit-distance threshold for a term of n runes.
func maxEdits(n int) int {
	if n/5 > 1 {
		return n / 5
	}
	return 1
}

type indexedTerm struct {
	code       string
	term       string
	normalized string
	runes      int
}

// MemoryStore is an immutable in-memory snapshot of the terminology.
type MemoryStore struct {
	version string
	byCode  map[string]Entry
	terms   map[Hierarchy][]indexedTerm
}

// NewMemoryStore indexes entries. Duplicate codes merge their synonyms;
// a code declared under two hierarchies is rejected.
func NewMemoryStore(version string, entries []Entry) (*MemoryStore, error) {
	s := &MemoryStore{
		version: version,
		byCode:  make(map[string]Entry, len(entries)),
		terms:   make(map[Hierarchy][]indexedTerm),
	}

	for _, e := range entries {
		if e.Code == "" {
			return nil, fmt.Errorf("terminology entry %q has no code", e.PreferredTerm)
		}
		if !e.Hierarchy.Valid() {
			return nil, fmt.Errorf("terminology entry %s has unknown hierarchy %q", e.Code, e.Hierarchy)
		}

		existing, ok := s.byCode[e.Code]
		if !ok {
			s.byCode[e.Code] = e
			continue
		}
		if existing.Hierarchy != e.Hierarchy {
			return nil, fmt.Errorf("code %s declared under %s and %s", e.Code, existing.Hierarchy, e.Hierarchy)
		}
		existing.Synonyms = appendUnique(existing.Synonyms, existing.PreferredTerm, e.Terms()...)
		s.byCode[e.Code] = existing
	}

	codes := make([]string, 0, len(s.byCode))
	for code := range s.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	for _, code := range codes {
		e := s.byCode[code]
		for _, term := range e.Terms() {
			n := Normalize(term)
			if n == "" {
				continue
			}
			s.terms[e.Hierarchy] = append(s.terms[e.Hierarchy], indexedTerm{
				code:       code,
				term:       term,
				normalized: n,
				runes:      utf8.RuneCountInString(n),
			})
		}
	}

	return s, nil
}

func appendUnique(dst []string, skip string, terms ...string) []string {
	seen := map[string]bool{skip: true}
	for _, t := range dst {
		seen[t] = true
	}
	for _, t := range terms {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		dst = append(dst, t)
	}
	return dst
}

// Version identifies the snapshot.
func (s *MemoryStore) Version() string { return s.version }

// Len is the number of concepts.
func (s *MemoryStore) Len() int { return len(s.byCode) }

// LookupByCode returns the entry for code under any hierarchy.
func (s *MemoryStore) LookupByCode(code string) (Entry, bool) {
	e, ok := s.byCode[code]
	return e, ok
}

// LookupByTerm ranks the concepts of hierarchy against term: exact
// normalized match, then whole-word containment either way, then edit
// distance within maxEdits. Only the best match per code is kept.
func (s *MemoryStore) LookupByTerm(ctx context.Context, term string, hierarchy Hierarchy) ([]Match, error) {
	query := Normalize(term)
	if query == "" {
		return nil, nil
	}
	queryRunes := utf8.RuneCountInString(query)

	best := make(map[string]Match)
	var order []string

	for i, it := range s.terms[hierarchy] {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		m, ok := matchTerm(query, queryRunes, it)
		if !ok {
			continue
		}
		m.Entry = s.byCode[it.code]

		prev, seen := best[it.code]
		if !seen {
			order = append(order, it.code)
			best[it.code] = m
			continue
		}
		if m.Better(prev) {
			best[it.code] = m
		}
	}

	matches := make([]Match, 0, len(order))
	for _, code := range order {
		matches = append(matches, best[code])
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Better(matches[j])
	})
	return matches, nil
}

func matchTerm(query string, queryRunes int, it indexedTerm) (Match, bool) {
	if query == it.normalized {
		return Match{Term: it.term, Kind: MatchExact}, true
	}

	diff := queryRunes - it.runes
	if diff < 0 {
		diff = -diff
	}

	shorter := queryRunes
	if it.runes < shorter {
		shorter = it.runes
	}
	if shorter >= minContainedRunes && (ContainsWords(it.normalized, query) || ContainsWords(query, it.normalized)) {
		return Match{Term: it.term, Kind: MatchContainment, Distance: diff}, true
	}

	longer := queryRunes
	if it.runes > longer {
		longer = it.runes
	}
	limit := maxEdits(longer)
	if diff > limit {
		return Match{}, false
	}
	if d := Distance(query, it.normalized); d <= limit {
		return Match{Term: it.term, Kind: MatchEditDistance, Distance: d}, true
	}
	return Match{}, false
}

var _ Store = (*MemoryStore)(nil)
