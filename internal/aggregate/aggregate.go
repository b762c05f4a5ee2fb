// Package aggregate turns raw contributor reports into per-field
// percentage distributions.
//
// Three algorithms exist, one per field shape. The category decides which
// fields are aggregated (see package schema); the field's shape decides how.
//
// Every function here is pure: the same reports in the same order always
// produce identical distributions.
package aggregate

import (
	"sort"

	"github.com/whatworked/distengine/internal/types"
)

// tally counts values in first-encountered order
type tally struct {
	order  []string
	counts map[string]int
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(value string) {
	if _, ok := t.counts[value]; !ok {
		t.order = append(t.order, value)
	}
	t.counts[value]++
}

// values returns the tallied values in first-encountered order
func (t *tally) values() []types.DistributionValue {
	values := make([]types.DistributionValue, 0, len(t.order))
	for _, v := range t.order {
		values = append(values, types.DistributionValue{Value: v, Count: t.counts[v], Source: types.SourceUser})
	}
	return values
}

// rank orders values by descending percentage. Values must arrive in
// first-encountered order, which breaks ties, so the mode is the earliest
// value holding the top percentage even when its count is lower.
func rank(values []types.DistributionValue) {
	sort.SliceStable(values, func(i, j int) bool {
		return values[i].Percentage > values[j].Percentage
	})
}

// Scalar aggregates a single-valued field. Reports without a non-empty
// value are left out of the denominator. Returns ok=false when no report
// supplied the field.
func Scalar(reports []types.RawReport, names ...string) (*types.Distribution, bool) {
	t := newTally()
	denominator := 0
	for i := range reports {
		raw, ok := reports[i].Lookup(names...)
		if !ok {
			continue
		}
		v, ok := types.ScalarValue(raw)
		if !ok {
			continue
		}
		t.add(v)
		denominator++
	}
	return exclusive(t, denominator)
}

// Boolean aggregates a yes/no field as the literal values "true" and
// "false". Only reports where the field is present, non-null, and
// recognizable count toward the denominator.
func Boolean(reports []types.RawReport, names ...string) (*types.Distribution, bool) {
	t := newTally()
	denominator := 0
	for i := range reports {
		raw, ok := reports[i].Lookup(names...)
		if !ok {
			continue
		}
		v, ok := types.BoolValue(raw)
		if !ok {
			continue
		}
		t.add(v)
		denominator++
	}
	return exclusive(t, denominator)
}

// MultiValue aggregates a list-valued field such as side effects. One
// report may count toward several values; the denominator is the number of
// reports that supplied a non-empty list, and each percentage is computed
// against it independently, so the sum may exceed 100.
func MultiValue(reports []types.RawReport, names ...string) (*types.Distribution, bool) {
	t := newTally()
	denominator := 0
	for i := range reports {
		raw, ok := reports[i].Lookup(names...)
		if !ok {
			continue
		}
		items := types.ListValue(raw)
		if len(items) == 0 {
			continue
		}
		for _, item := range items {
			t.add(item)
		}
		denominator++
	}
	if denominator == 0 {
		return nil, false
	}

	values := t.values()
	for i := range values {
		values[i].Percentage = roundPercent(values[i].Count, denominator)
	}
	rank(values)
	return finish(values, denominator), true
}

// ForShape dispatches to the algorithm for a field shape
func ForShape(shape types.FieldShape, reports []types.RawReport, names ...string) (*types.Distribution, bool) {
	switch shape {
	case types.ShapeArray:
		return MultiValue(reports, names...)
	case types.ShapeBoolean:
		return Boolean(reports, names...)
	default:
		return Scalar(reports, names...)
	}
}

// exclusive builds a distribution whose values partition the reports, so
// percentages are apportioned to sum to exactly 100.
func exclusive(t *tally, denominator int) (*types.Distribution, bool) {
	if denominator == 0 {
		return nil, false
	}
	values := t.values()
	counts := make([]int, len(values))
	for i, v := range values {
		counts[i] = v.Count
	}
	for i, p := range Apportion(counts, 100) {
		values[i].Percentage = p
	}
	rank(values)
	return finish(values, denominator), true
}

func finish(values []types.DistributionValue, denominator int) *types.Distribution {
	return &types.Distribution{
		Mode:         values[0].Value,
		Values:       values,
		TotalReports: denominator,
		DataSource:   types.SourceUser,
	}
}

func roundPercent(count, denominator int) int {
	// round half up on integers: floor((200*count + denominator) / (2*denominator))
	return (200*count + denominator) / (2 * denominator)
}

// Apportion splits total across weights by the largest-remainder method:
// each share gets the floor of its exact quota, then the leftover units go
// to the largest fractional remainders. Remainder ties go to the earlier
// index. The result always sums to total when any weight is positive.
func Apportion(weights []int, total int) []int {
	shares := make([]int, len(weights))
	sum := 0
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	if sum == 0 {
		return shares
	}

	type remainder struct {
		index int
		rem   int // numerator of the fractional part, over sum
	}
	rems := make([]remainder, 0, len(weights))
	assigned := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		exact := w * total
		shares[i] = exact / sum
		assigned += shares[i]
		rems = append(rems, remainder{index: i, rem: exact % sum})
	}

	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].rem > rems[j].rem
	})
	for k := 0; assigned < total && k < len(rems); k++ {
		shares[rems[k].index]++
		assigned++
	}
	return shares
}
