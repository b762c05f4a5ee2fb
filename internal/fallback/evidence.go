package fallback

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed evidence.yaml
var defaultEvidence []byte

// EvidenceValue is one curated value share
type EvidenceValue struct {
	Value      string `yaml:"value"`
	Percentage int    `yaml:"percentage"`
}

// EvidenceEntry is a hand-verified distribution for one (category, field)
type EvidenceEntry struct {
	Category string          `yaml:"category"`
	Field    string          `yaml:"field"`
	Source   string          `yaml:"source"`
	Values   []EvidenceValue `yaml:"values"`
}

type evidenceKey struct {
	category string
	field    string
}

// EvidenceTable is the curated evidence lookup. A nil table has no entries.
type EvidenceTable struct {
	entries map[evidenceKey]*EvidenceEntry
}

// DefaultEvidence returns the built-in evidence table
func DefaultEvidence() (*EvidenceTable, error) {
	return ParseEvidence(defaultEvidence)
}

// LoadEvidence reads an evidence table from a YAML file
func LoadEvidence(path string) (*EvidenceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading evidence file: %w", err)
	}
	return ParseEvidence(data)
}

// ParseEvidence decodes and checks an evidence document
func ParseEvidence(data []byte) (*EvidenceTable, error) {
	var doc struct {
		Entries []*EvidenceEntry `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing evidence table: %w", err)
	}

	t := &EvidenceTable{entries: make(map[evidenceKey]*EvidenceEntry, len(doc.Entries))}
	for i, e := range doc.Entries {
		if e == nil || e.Category == "" || e.Field == "" {
			return nil, fmt.Errorf("evidence entry %d: category and field are required", i)
		}
		if len(e.Values) == 0 {
			return nil, fmt.Errorf("evidence %s/%s: no values", e.Category, e.Field)
		}
		for _, v := range e.Values {
			if v.Value == "" || v.Percentage < 0 || v.Percentage > 100 {
				return nil, fmt.Errorf("evidence %s/%s: invalid value %q at %d%%", e.Category, e.Field, v.Value, v.Percentage)
			}
		}
		key := evidenceKey{e.Category, e.Field}
		if _, dup := t.entries[key]; dup {
			return nil, fmt.Errorf("evidence %s/%s: duplicate entry", e.Category, e.Field)
		}
		t.entries[key] = e
	}
	return t, nil
}

// Lookup returns the curated entry for a category field
func (t *EvidenceTable) Lookup(category, field string) (*EvidenceEntry, bool) {
	if t == nil {
		return nil, false
	}
	e, ok := t.entries[evidenceKey{category, field}]
	return e, ok
}

// Len returns the number of entries
func (t *EvidenceTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
