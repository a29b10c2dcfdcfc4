package terminology

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	typeFullySpecifiedName = "900000000000003001"
	typeSynonym            = "900000000000013009"
)

// semanticTags maps the FSN semantic tag (English and French editions) to
// the targeted hierarchies. Concepts with other tags are skipped.
var semanticTags = map[string]Hierarchy{
	"finding":                 HierarchyClinicalFinding,
	"disorder":                HierarchyClinicalFinding,
	"constatation":            HierarchyClinicalFinding,
	"trouble":                 HierarchyClinicalFinding,
	"procedure":               HierarchyProcedure,
	"intervention":            HierarchyProcedure,
	"regime/therapy":          HierarchyProcedure,
	"body structure":          HierarchyBodyStructure,
	"structure corporelle":    HierarchyBodyStructure,
	"morphologic abnormality": HierarchyBodyStructure,
	"anomalie morphologique":  HierarchyBodyStructure,
	"cell structure":          HierarchyBodyStructure,
	"structure cellulaire":    HierarchyBodyStructure,
}

// HierarchyFromFSN reads the trailing "(tag)" of a fully specified name.
func HierarchyFromFSN(fsn string) (Hierarchy, bool) {
	fsn = strings.TrimSpace(fsn)
	open := strings.LastIndex(fsn, "(")
	if open < 0 || !strings.HasSuffix(fsn, ")") {
		return "", false
	}
	tag := strings.ToLower(strings.TrimSpace(fsn[open+1 : len(fsn)-1]))
	h, ok := semanticTags[tag]
	if !ok {
		h, ok = semanticTags[Normalize(tag)]
	}
	return h, ok
}

// LoadRF2 builds a store from an RF2 Snapshot directory: active concepts
// from sct2_Concept_Snapshot*.txt and active descriptions from
// sct2_Description_Snapshot*.txt. Hierarchies come from the FSN semantic tag
// in any language; synonyms are kept for language only. The first synonym
// read for a concept becomes its preferred term.
func LoadRF2(dir, language string) (*MemoryStore, error) {
	conceptFile, err := findOne(dir, "sct2_Concept_Snapshot*.txt")
	if err != nil {
		return nil, err
	}
	descFiles, err := filepath.Glob(filepath.Join(dir, "sct2_Description_Snapshot*.txt"))
	if err != nil {
		return nil, fmt.Errorf("failed to list description files: %w", err)
	}
	if len(descFiles) == 0 {
		return nil, fmt.Errorf("no description snapshot in %s", dir)
	}
	sort.Strings(descFiles)

	active := make(map[string]bool)
	if err := readRF2(conceptFile, func(row map[string]string) {
		if row["active"] == "1" {
			active[row["id"]] = true
		}
	}); err != nil {
		return nil, err
	}

	hierarchies := make(map[string]Hierarchy)
	terms := make(map[string][]string)
	var order []string

	for _, file := range descFiles {
		err := readRF2(file, func(row map[string]string) {
			conceptID := row["conceptId"]
			if row["active"] != "1" || !active[conceptID] {
				return
			}
			switch row["typeId"] {
			case typeFullySpecifiedName:
				if h, ok := HierarchyFromFSN(row["term"]); ok {
					hierarchies[conceptID] = h
				}
			case typeSynonym:
				if language != "" && row["languageCode"] != language {
					return
				}
				if _, seen := terms[conceptID]; !seen {
					order = append(order, conceptID)
				}
				terms[conceptID] = append(terms[conceptID], row["term"])
			}
		})
		if err != nil {
			return nil, err
		}
	}

	entries := make([]Entry, 0, len(order))
	for _, code := range order {
		h, ok := hierarchies[code]
		if !ok {
			continue
		}
		ts := terms[code]
		entries = append(entries, Entry{
			Code:          code,
			Hierarchy:     h,
			PreferredTerm: ts[0],
			Synonyms:      ts[1:],
		})
	}

	return NewMemoryStore(filepath.Base(conceptFile), entries)
}

func findOne(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no %s in %s", pattern, dir)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func readRF2(path string, fn func(row map[string]string)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	if err := parseRF2(f, fn); err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	return nil
}

// parseRF2 reads a tab-separated RF2 file with a header row. Terms may
// contain quotes, so no CSV quoting rules apply.
func parseRF2(r io.Reader, fn func(row map[string]string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var header []string
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Split(strings.TrimRight(scanner.Text(), "\r"), "\t")
		if header == nil {
			header = fields
			continue
		}
		if len(fields) != len(header) {
			return fmt.Errorf("line %d: %d fields, header has %d", line, len(fields), len(header))
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			row[name] = fields[i]
		}
		fn(row)
	}
	return scanner.Err()
}
