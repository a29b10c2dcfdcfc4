package terminology

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout used for curated subsets and fixtures:
//
//	version: demo-2024-06
//	concepts:
//	  - code: "29857009"
//	    hierarchy: clinical_finding
//	    term: douleur thoracique
//	    synonyms: [douleur de poitrine]
type seedFile struct {
	Version  string      `yaml:"version"`
	Concepts []seedEntry `yaml:"concepts"`
}

type seedEntry struct {
	Code      string   `yaml:"code"`
	Hierarchy string   `yaml:"hierarchy"`
	Term      string   `yaml:"term"`
	Synonyms  []string `yaml:"synonyms"`
}

// LoadYAMLFile builds a store from a YAML seed file.
func LoadYAMLFile(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open terminology file: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// LoadYAML builds a store from a YAML seed document.
func LoadYAML(r io.Reader) (*MemoryStore, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to decode terminology seed: %w", err)
	}

	entries := make([]Entry, 0, len(seed.Concepts))
	for _, c := range seed.Concepts {
		h, ok := ParseHierarchy(c.Hierarchy)
		if !ok {
			return nil, fmt.Errorf("concept %s: unknown hierarchy %q", c.Code, c.Hierarchy)
		}
		entries = append(entries, Entry{
			Code:          c.Code,
			Hierarchy:     h,
			PreferredTerm: c.Term,
			Synonyms:      c.Synonyms,
		})
	}
	return NewMemoryStore(seed.Version, entries)
}
