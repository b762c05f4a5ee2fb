// Package schema holds the category schema registry: which fields each
// solution category displays, and how each field is shaped.
package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/whatworked/distengine/internal/types"
	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultTable []byte

var (
	// ErrUnknownCategory is returned for a category with no schema mapping.
	// Callers treat it as a data-entry defect on the record, not a crash.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrUnknownField is returned for a field name or alias the registry
	// does not define.
	ErrUnknownField = errors.New("unknown field")
)

const (
	minRequiredFields = 3
	maxRequiredFields = 5
)

// FieldDef describes one attribute contributors report
type FieldDef struct {
	Name    string           `yaml:"-"`
	Shape   types.FieldShape `yaml:"shape"`
	Aliases []string         `yaml:"aliases"`
	Options []string         `yaml:"options"`
}

// CategorySchema lists the fields summarized for one solution category
type CategorySchema struct {
	Category       string   `yaml:"-"`
	RequiredFields []string `yaml:"required_fields"`
	ArrayField     string   `yaml:"array_field"`
	CostFields     []string `yaml:"cost_fields"`
}

// ExpectedFields returns the required fields followed by the array field
func (c *CategorySchema) ExpectedFields() []string {
	fields := append([]string(nil), c.RequiredFields...)
	if c.ArrayField != "" {
		fields = append(fields, c.ArrayField)
	}
	return fields
}

// CostKnown reports whether every cost field is present. A category with
// no cost fields never has a known cost.
func (c *CategorySchema) CostKnown(present func(field string) bool) bool {
	if len(c.CostFields) == 0 {
		return false
	}
	for _, f := range c.CostFields {
		if !present(f) {
			return false
		}
	}
	return true
}

type table struct {
	Fields     map[string]*FieldDef       `yaml:"fields"`
	Categories map[string]*CategorySchema `yaml:"categories"`
}

// Registry is the immutable category and field table. It is loaded once per
// process and safe for concurrent reads.
type Registry struct {
	fields     map[string]*FieldDef
	categories map[string]*CategorySchema
	aliasOf    map[string]string // legacy name -> canonical name
}

// Default loads the built-in table
func Default() (*Registry, error) {
	return Parse(defaultTable)
}

// MustDefault loads the built-in table and panics if it is invalid
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(fmt.Sprintf("built-in category table is invalid: %v", err))
	}
	return r
}

// LoadFile loads a table from a YAML file
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema file: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("schema file %s: %w", path, err)
	}
	return r, nil
}

// Parse builds a registry from a YAML document and validates it
func Parse(data []byte) (*Registry, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing schema table: %w", err)
	}

	r := &Registry{
		fields:     make(map[string]*FieldDef, len(t.Fields)),
		categories: make(map[string]*CategorySchema, len(t.Categories)),
		aliasOf:    make(map[string]string),
	}

	for name, def := range t.Fields {
		if def == nil {
			return nil, fmt.Errorf("field %s has no definition", name)
		}
		if !def.Shape.IsValid() {
			return nil, fmt.Errorf("field %s has invalid shape %q", name, def.Shape)
		}
		def.Name = name
		r.fields[name] = def
	}

	for name, def := range r.fields {
		for _, alias := range def.Aliases {
			if _, clash := r.fields[alias]; clash {
				return nil, fmt.Errorf("alias %s of field %s collides with a field name", alias, name)
			}
			if other, clash := r.aliasOf[alias]; clash {
				return nil, fmt.Errorf("alias %s claimed by both %s and %s", alias, other, name)
			}
			r.aliasOf[alias] = name
		}
	}

	for name, cs := range t.Categories {
		if cs == nil {
			return nil, fmt.Errorf("category %s has no definition", name)
		}
		cs.Category = name
		if err := r.validateCategory(cs); err != nil {
			return nil, fmt.Errorf("category %s: %w", name, err)
		}
		r.categories[name] = cs
	}

	return r, nil
}

func (r *Registry) validateCategory(cs *CategorySchema) error {
	n := len(cs.RequiredFields)
	if n < minRequiredFields || n > maxRequiredFields {
		return fmt.Errorf("expected %d-%d required fields, got %d", minRequiredFields, maxRequiredFields, n)
	}

	required := make(map[string]bool, n)
	for _, f := range cs.RequiredFields {
		def, ok := r.fields[f]
		if !ok {
			return fmt.Errorf("required field %s: %w", f, ErrUnknownField)
		}
		if def.Shape == types.ShapeArray {
			return fmt.Errorf("required field %s is multi-value; use array_field", f)
		}
		if required[f] {
			return fmt.Errorf("required field %s listed twice", f)
		}
		required[f] = true
	}

	if cs.ArrayField != "" {
		def, ok := r.fields[cs.ArrayField]
		if !ok {
			return fmt.Errorf("array field %s: %w", cs.ArrayField, ErrUnknownField)
		}
		if def.Shape != types.ShapeArray {
			return fmt.Errorf("array field %s has shape %s", cs.ArrayField, def.Shape)
		}
	}

	for _, f := range cs.CostFields {
		if !required[f] {
			return fmt.Errorf("cost field %s is not a required field", f)
		}
	}
	return nil
}

// SchemaFor returns the schema of a category
func (r *Registry) SchemaFor(category string) (*CategorySchema, error) {
	cs, ok := r.categories[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}
	return cs, nil
}

// Field returns the definition of a canonical field name
func (r *Registry) Field(name string) (*FieldDef, error) {
	def, ok := r.fields[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	return def, nil
}

// FieldAliases returns the historical synonyms of a canonical field name.
// Readers must accept these; writers only ever write the canonical name.
func (r *Registry) FieldAliases(name string) ([]string, error) {
	def, err := r.Field(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), def.Aliases...), nil
}

// ReadNames returns the canonical name followed by its aliases, the order
// in which stored data is searched for a field.
func (r *Registry) ReadNames(name string) []string {
	def, ok := r.fields[name]
	if !ok {
		return []string{name}
	}
	return append([]string{name}, def.Aliases...)
}

// Canonical resolves a field name or legacy alias to its canonical name
func (r *Registry) Canonical(name string) (string, error) {
	if _, ok := r.fields[name]; ok {
		return name, nil
	}
	if canonical, ok := r.aliasOf[name]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, name)
}

// Categories returns all category names in sorted order
func (r *Registry) Categories() []string {
	names := make([]string, 0, len(r.categories))
	for name := range r.categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shape returns the declared shape of a canonical field, defaulting to
// scalar for names the registry does not know.
func (r *Registry) Shape(name string) types.FieldShape {
	if def, ok := r.fields[name]; ok {
		return def.Shape
	}
	return types.ShapeScalar
}
