package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whatworked/distengine/internal/types"
)

func TestDefaultTable(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	categories := r.Categories()
	assert.Len(t, categories, 23)

	for _, name := range categories {
		cs, err := r.SchemaFor(name)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(cs.RequiredFields), 3, name)
		assert.LessOrEqual(t, len(cs.RequiredFields), 5, name)
		for _, f := range cs.ExpectedFields() {
			def, err := r.Field(f)
			require.NoError(t, err, "%s references %s", name, f)
			assert.NotEmpty(t, def.Options, "field %s needs candidate options", f)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	r := MustDefault()

	cs, err := r.SchemaFor("medications")
	require.NoError(t, err)
	assert.Equal(t, []string{"frequency", "length_of_use", "time_to_results", "cost"}, cs.RequiredFields)
	assert.Equal(t, "side_effects", cs.ArrayField)
	assert.Equal(t, []string{"frequency", "length_of_use", "time_to_results", "cost", "side_effects"}, cs.ExpectedFields())

	cs, err = r.SchemaFor("crisis_resources")
	require.NoError(t, err)
	assert.Empty(t, cs.ArrayField)
	assert.NotContains(t, cs.ExpectedFields(), "")

	_, err = r.SchemaFor("astrology")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownCategory))
}

func TestFieldAliases(t *testing.T) {
	r := MustDefault()

	aliases, err := r.FieldAliases("time_to_results")
	require.NoError(t, err)
	assert.Contains(t, aliases, "time_to_impact")

	_, err = r.FieldAliases("no_such_field")
	assert.True(t, errors.Is(err, ErrUnknownField))

	canonical, err := r.Canonical("time_to_impact")
	require.NoError(t, err)
	assert.Equal(t, "time_to_results", canonical)

	canonical, err = r.Canonical("cost")
	require.NoError(t, err)
	assert.Equal(t, "cost", canonical)

	assert.Equal(t, []string{"challenges", "common_challenges", "barriers"}, r.ReadNames("challenges"))
}

func TestShape(t *testing.T) {
	r := MustDefault()
	assert.Equal(t, types.ShapeArray, r.Shape("side_effects"))
	assert.Equal(t, types.ShapeBoolean, r.Shape("still_following"))
	assert.Equal(t, types.ShapeScalar, r.Shape("cost"))
	assert.Equal(t, types.ShapeScalar, r.Shape("unheard_of"))
}

func TestCostKnown(t *testing.T) {
	r := MustDefault()

	hobbies, err := r.SchemaFor("hobbies_activities")
	require.NoError(t, err)

	present := map[string]bool{"startup_cost": true}
	has := func(f string) bool { return present[f] }
	assert.False(t, hobbies.CostKnown(has))

	present["ongoing_cost"] = true
	assert.True(t, hobbies.CostKnown(has))

	meditation, err := r.SchemaFor("meditation_mindfulness")
	require.NoError(t, err)
	assert.False(t, meditation.CostKnown(func(string) bool { return true }))
}

func TestParseRejectsBadTables(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown required field",
			yaml: `
fields:
  cost: {shape: scalar}
categories:
  x: {required_fields: [cost, nope, cost2]}
`,
			wantErr: "unknown field",
		},
		{
			name: "too few required fields",
			yaml: `
fields:
  cost: {shape: scalar}
categories:
  x: {required_fields: [cost]}
`,
			wantErr: "expected 3-5",
		},
		{
			name: "array field with scalar shape",
			yaml: `
fields:
  a: {shape: scalar}
  b: {shape: scalar}
  c: {shape: scalar}
categories:
  x: {required_fields: [a, b, c], array_field: a}
`,
			wantErr: "has shape scalar",
		},
		{
			name: "cost field not required",
			yaml: `
fields:
  a: {shape: scalar}
  b: {shape: scalar}
  c: {shape: scalar}
  cost: {shape: scalar}
categories:
  x: {required_fields: [a, b, c], cost_fields: [cost]}
`,
			wantErr: "not a required field",
		},
		{
			name: "alias collides with field",
			yaml: `
fields:
  a: {shape: scalar, aliases: [b]}
  b: {shape: scalar}
`,
			wantErr: "collides",
		},
		{
			name: "bad shape",
			yaml: `
fields:
  a: {shape: matrix}
`,
			wantErr: "invalid shape",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fields:
  a: {shape: scalar, options: [x]}
  b: {shape: scalar, options: [x]}
  c: {shape: boolean, options: ["true", "false"]}
  d: {shape: array, options: [y]}
categories:
  custom: {required_fields: [a, b, c], array_field: d, cost_fields: [a]}
`), 0644))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"custom"}, r.Categories())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
