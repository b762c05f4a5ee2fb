package aggregate

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/types"
)

func reportsWith(field string, values ...any) []types.RawReport {
	reports := make([]types.RawReport, len(values))
	for i, v := range values {
		reports[i] = types.RawReport{
			ID:     fmt.Sprintf("r%d", i),
			Key:    types.PairKey{GoalID: "g", VariantID: "v"},
			Fields: map[string]any{field: v},
		}
	}
	return reports
}

func repeat(v any, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestScalar_CostScenario(t *testing.T) {
	values := append(repeat("$10/mo", 6), repeat("$20/mo", 4)...)
	d, ok := Scalar(reportsWith("cost", values...), "cost")
	require.True(t, ok)

	want := &types.Distribution{
		Mode: "$10/mo",
		Values: []types.DistributionValue{
			{Value: "$10/mo", Count: 6, Percentage: 60, Source: types.SourceUser},
			{Value: "$20/mo", Count: 4, Percentage: 40, Source: types.SourceUser},
		},
		TotalReports: 10,
		DataSource:   types.SourceUser,
	}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("distribution mismatch (-want +got):\n%s", diff)
	}
}

func TestScalar_EmptyStringsProduceNoDistribution(t *testing.T) {
	d, ok := Scalar(reportsWith("cost", "", "   ", ""), "cost")
	assert.False(t, ok)
	assert.Nil(t, d)
}

func TestScalar_MissingFieldExcludedFromDenominator(t *testing.T) {
	reports := reportsWith("cost", "$10", "$20")
	reports = append(reports, types.RawReport{ID: "other", Fields: map[string]any{"frequency": "daily"}})
	reports = append(reports, types.RawReport{ID: "nil", Fields: map[string]any{"cost": nil}})

	d, ok := Scalar(reports, "cost")
	require.True(t, ok)
	assert.Equal(t, 2, d.TotalReports)
	assert.Equal(t, 100, d.PercentageSum())
}

func TestScalar_ReadsLegacyAlias(t *testing.T) {
	reports := reportsWith("time_to_impact", "1-2 weeks", "1-2 weeks")
	reports = append(reports, reportsWith("time_to_results", "3-4 weeks")...)

	d, ok := Scalar(reports, "time_to_results", "time_to_impact")
	require.True(t, ok)
	assert.Equal(t, 3, d.TotalReports)
	assert.Equal(t, "1-2 weeks", d.Mode)
}

func TestScalar_ThirdsApportionToExactly100(t *testing.T) {
	d, ok := Scalar(reportsWith("cost", "a", "b", "c"), "cost")
	require.True(t, ok)
	assert.Equal(t, 100, d.PercentageSum())
	assert.Equal(t, "a", d.Mode)
	assert.Equal(t, []int{34, 33, 33}, percentages(d))
}

func TestScalar_ModeTieBreakIsFirstEncountered(t *testing.T) {
	d, ok := Scalar(reportsWith("cost", "b", "a", "a", "b"), "cost")
	require.True(t, ok)
	assert.Equal(t, "b", d.Mode)
	assert.Equal(t, []int{50, 50}, percentages(d))
}

func TestScalar_ModeTieOnApportionedPercentage(t *testing.T) {
	// 124/250 and 126/250 both apportion to 50%; A was reported first
	values := append([]any{"A"}, repeat("B", 126)...)
	values = append(values, repeat("A", 123)...)
	d, ok := Scalar(reportsWith("cost", values...), "cost")
	require.True(t, ok)

	assert.Equal(t, "A", d.Mode)
	assert.Equal(t, []int{50, 50}, percentages(d))
	assert.Equal(t, []string{"A", "B"}, valueNames(d))
	assert.Equal(t, []int{124, 126}, []int{d.Values[0].Count, d.Values[1].Count})

	top, ok := d.TopValue()
	require.True(t, ok)
	assert.Equal(t, d.Mode, top.Value)
}

func TestMultiValue_ModeTieOnRoundedPercentage(t *testing.T) {
	// 1245 and 1249 of 10000 both round to 12%
	values := make([]any, 0, 10000)
	for i := 0; i < 10000; i++ {
		var items []any
		if i < 1245 {
			items = append(items, "Nausea")
		}
		if i >= 10000-1249 {
			items = append(items, "Headache")
		}
		if len(items) == 0 {
			items = append(items, "None")
		}
		values = append(values, items)
	}
	d, ok := MultiValue(reportsWith("side_effects", values...), "side_effects")
	require.True(t, ok)

	assert.Equal(t, "None", d.Mode)
	require.Len(t, d.Values, 3)
	assert.Equal(t, "Nausea", d.Values[1].Value, "equal percentages keep the first-encountered value ahead")
	assert.Equal(t, 12, d.Values[1].Percentage)
	assert.Equal(t, "Headache", d.Values[2].Value)
	assert.Equal(t, 12, d.Values[2].Percentage)
}

func TestBoolean(t *testing.T) {
	d, ok := Boolean(reportsWith("still_following", true, "yes", false, nil, "unsure"), "still_following")
	require.True(t, ok)
	assert.Equal(t, 3, d.TotalReports)
	assert.Equal(t, "true", d.Mode)
	assert.Equal(t, []string{"true", "false"}, valueNames(d))
	assert.Equal(t, []int{67, 33}, percentages(d))

	_, ok = Boolean(reportsWith("still_following", nil, "unsure"), "still_following")
	assert.False(t, ok)
}

func TestMultiValue(t *testing.T) {
	d, ok := MultiValue(reportsWith("side_effects",
		[]any{"Nausea", "Headache"},
		[]any{"Nausea"},
		[]any{},
		"Fatigue",
		[]any{"Nausea", "Nausea"},
	), "side_effects")
	require.True(t, ok)

	assert.Equal(t, 4, d.TotalReports)
	assert.Equal(t, "Nausea", d.Mode)
	assert.Equal(t, []string{"Nausea", "Headache", "Fatigue"}, valueNames(d))
	assert.Equal(t, []int{75, 25, 25}, percentages(d))
	assert.NoError(t, d.Validate(types.ShapeArray))
	assert.Error(t, d.Validate(types.ShapeScalar), "multi-value sums are not expected to reach 100")
}

func TestMultiValue_EmptyListsProduceNoDistribution(t *testing.T) {
	_, ok := MultiValue(reportsWith("side_effects", []any{}, []any{""}, nil), "side_effects")
	assert.False(t, ok)
}

func TestForShape(t *testing.T) {
	reports := reportsWith("x", []any{"a", "b"})
	d, ok := ForShape(types.ShapeArray, reports, "x")
	require.True(t, ok)
	assert.Len(t, d.Values, 2)

	_, ok = ForShape(types.ShapeScalar, reports, "x")
	assert.False(t, ok, "a list is not a scalar value")
}

func TestApportion(t *testing.T) {
	tests := []struct {
		weights []int
		want    []int
	}{
		{[]int{6, 4}, []int{60, 40}},
		{[]int{1, 1, 1}, []int{34, 33, 33}},
		{[]int{2, 1}, []int{67, 33}},
		{[]int{1, 1, 1, 1, 1, 1, 1}, []int{15, 15, 14, 14, 14, 14, 14}},
		{[]int{0, 5}, []int{0, 100}},
		{[]int{0, 0}, []int{0, 0}},
		{[]int{33, 33, 33}, []int{34, 33, 33}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.weights), func(t *testing.T) {
			assert.Equal(t, tt.want, Apportion(tt.weights, 100))
		})
	}
}

// Randomized properties: exclusive fields always sum to exactly 100, the
// mode is always the first argmax, and aggregation is idempotent.
func TestScalarProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	alphabet := []string{"a", "b", "c", "d", "e", "f", "g"}

	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.IntN(40)
		values := make([]any, n)
		for i := range values {
			if rng.IntN(6) == 0 {
				values[i] = ""
				continue
			}
			values[i] = alphabet[rng.IntN(1+rng.IntN(len(alphabet)))]
		}
		reports := reportsWith("f", values...)

		d1, ok1 := Scalar(reports, "f")
		d2, ok2 := Scalar(reports, "f")
		require.Equal(t, ok1, ok2)
		if !ok1 {
			continue
		}
		if diff := cmp.Diff(d1, d2); diff != "" {
			t.Fatalf("aggregation not idempotent:\n%s", diff)
		}

		require.Equal(t, 100, d1.PercentageSum(), "iteration %d", iter)
		top, _ := d1.TopValue()
		require.Equal(t, top.Value, d1.Mode)
		require.Equal(t, d1.Values[0].Value, d1.Mode)
		require.NoError(t, d1.Validate(types.ShapeScalar))

		for i := 1; i < len(d1.Values); i++ {
			require.GreaterOrEqual(t, d1.Values[i-1].Percentage, d1.Values[i].Percentage)
		}
	}
}

func TestConfidenceBoundaries(t *testing.T) {
	tests := []struct {
		reports int
		want    types.Confidence
	}{
		{0, types.ConfidenceLow},
		{2, types.ConfidenceLow},
		{3, types.ConfidenceMedium},
		{9, types.ConfidenceMedium},
		{10, types.ConfidenceHigh},
		{250, types.ConfidenceHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Confidence(tt.reports), "reports=%d", tt.reports)
	}
}

func TestBuildUpdates(t *testing.T) {
	registry := schema.MustDefault()
	cs, err := registry.SchemaFor("medications")
	require.NoError(t, err)

	reports := []types.RawReport{
		{ID: "1", Fields: map[string]any{"cost": "$10-25/month", "dosage_frequency": "Once daily", "side_effects": []any{"Nausea"}}},
		{ID: "2", Fields: map[string]any{"cost": "$10-25/month", "frequency": "Twice daily", "side_effects": []any{"None"}}},
		{ID: "3", Fields: map[string]any{"cost": "Free", "time_to_results": ""}},
	}

	u := BuildUpdates(cs, registry, reports)
	assert.Equal(t, 3, u.TotalReports)
	assert.Equal(t, []string{"cost", "frequency", "side_effects"}, u.FieldNames())
	assert.Equal(t, []string{"length_of_use", "time_to_results"}, u.Insufficient)

	assert.Equal(t, 2, u.Fields["frequency"].TotalReports, "legacy alias dosage_frequency is read")
	assert.Equal(t, "$10-25/month", u.Fields["cost"].Mode)
}

func TestFromShares(t *testing.T) {
	d, ok := FromShares([]Share{{"b", 30}, {"a", 69}}, types.SourceAIEstimate, true)
	require.True(t, ok)
	assert.Equal(t, "a", d.Mode)
	assert.Equal(t, 100, d.PercentageSum())
	assert.Equal(t, types.SourceAIEstimate, d.DataSource)
	for _, v := range d.Values {
		assert.Equal(t, types.SourceAIEstimate, v.Source)
	}

	_, ok = FromShares(nil, types.SourceResearch, false)
	assert.False(t, ok)
}

func percentages(d *types.Distribution) []int {
	out := make([]int, len(d.Values))
	for i, v := range d.Values {
		out[i] = v.Percentage
	}
	return out
}

func valueNames(d *types.Distribution) []string {
	out := make([]string, len(d.Values))
	for i, v := range d.Values {
		out[i] = v.Value
	}
	return out
}
