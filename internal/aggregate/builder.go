package aggregate

import (
	"sort"

	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/types"
)

// Updates is the result of aggregating every expected field of a category
type Updates struct {
	// Fields holds one distribution per field that had real data
	Fields map[string]*types.Distribution
	// Insufficient lists expected fields no report supplied
	Insufficient []string
	// TotalReports is the number of real reports for the pair
	TotalReports int
}

// FieldNames returns the fields that received a distribution, sorted
func (u *Updates) FieldNames() []string {
	names := make([]string, 0, len(u.Fields))
	for name := range u.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildUpdates aggregates all expected fields of a category from its
// reports. Legacy aliases are read; results are keyed by canonical name.
func BuildUpdates(cs *schema.CategorySchema, registry *schema.Registry, reports []types.RawReport) *Updates {
	u := &Updates{
		Fields:       make(map[string]*types.Distribution),
		TotalReports: len(reports),
	}
	for _, field := range cs.ExpectedFields() {
		d, ok := ForShape(registry.Shape(field), reports, registry.ReadNames(field)...)
		if !ok {
			u.Insufficient = append(u.Insufficient, field)
			continue
		}
		u.Fields[field] = d
	}
	return u
}

// Share is one value's percentage as supplied by a non-report source
type Share struct {
	Value      string
	Percentage int
}

// FromShares builds a distribution from externally supplied percentages,
// tagging every value with source. Values are ordered by descending
// percentage with input order kept for ties. When normalize is set the
// percentages are re-apportioned to sum to exactly 100.
func FromShares(shares []Share, source types.Provenance, normalize bool) (*types.Distribution, bool) {
	if len(shares) == 0 {
		return nil, false
	}

	values := make([]types.DistributionValue, len(shares))
	for i, s := range shares {
		values[i] = types.DistributionValue{Value: s.Value, Percentage: s.Percentage, Source: source}
	}

	if normalize {
		weights := make([]int, len(values))
		for i, v := range values {
			weights[i] = v.Percentage
		}
		for i, p := range Apportion(weights, 100) {
			values[i].Percentage = p
		}
	}

	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Percentage > values[j].Percentage
	})

	return &types.Distribution{
		Mode:       values[0].Value,
		Values:     values,
		DataSource: source,
	}, true
}
