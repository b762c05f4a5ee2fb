package types

import (
	"fmt"
)

// PercentTolerance is the rounding slack allowed when percentages of a
// scalar or boolean distribution are summed.
const PercentTolerance = 1

// DistributionValue is one observed value of a field
type DistributionValue struct {
	Value      string     `json:"value"`
	Count      int        `json:"count"`
	Percentage int        `json:"percentage"`
	Source     Provenance `json:"source"`
}

// Distribution summarizes one field across reports as "X% reported Y".
// Values are ordered by descending percentage; Mode is the first of them.
type Distribution struct {
	Mode         string              `json:"mode"`
	Values       []DistributionValue `json:"values"`
	TotalReports int                 `json:"total_reports"`
	DataSource   Provenance          `json:"data_source"`
}

// IsEmpty reports whether the distribution carries no values
func (d *Distribution) IsEmpty() bool {
	return d == nil || len(d.Values) == 0
}

// PercentageSum returns the sum of all value percentages
func (d *Distribution) PercentageSum() int {
	sum := 0
	for _, v := range d.Values {
		sum += v.Percentage
	}
	return sum
}

// TopValue returns the value with the highest percentage, ties resolved
// in favour of the earlier entry.
func (d *Distribution) TopValue() (DistributionValue, bool) {
	if d.IsEmpty() {
		return DistributionValue{}, false
	}
	top := d.Values[0]
	for _, v := range d.Values[1:] {
		if v.Percentage > top.Percentage {
			top = v
		}
	}
	return top, true
}

// Sources returns the provenance of every value, in order
func (d *Distribution) Sources() []Provenance {
	sources := make([]Provenance, 0, len(d.Values))
	for _, v := range d.Values {
		sources = append(sources, v.Source)
	}
	return sources
}

// Clone returns a deep copy
func (d *Distribution) Clone() *Distribution {
	if d == nil {
		return nil
	}
	c := *d
	c.Values = append([]DistributionValue(nil), d.Values...)
	return &c
}

// Validate checks the structural invariants of a distribution for a field
// of the given shape. Array fields compute each percentage independently
// against TotalReports, so their sum is not checked.
func (d *Distribution) Validate(shape FieldShape) error {
	if d.IsEmpty() {
		return fmt.Errorf("distribution has no values")
	}
	if d.TotalReports < 0 {
		return fmt.Errorf("total_reports cannot be negative (got %d)", d.TotalReports)
	}

	seen := make(map[string]bool, len(d.Values))
	for _, v := range d.Values {
		if v.Value == "" {
			return fmt.Errorf("distribution contains an empty value")
		}
		if seen[v.Value] {
			return fmt.Errorf("duplicate value %q", v.Value)
		}
		seen[v.Value] = true
		if v.Count < 0 {
			return fmt.Errorf("value %q has negative count %d", v.Value, v.Count)
		}
		if v.Percentage < 0 || v.Percentage > 100 {
			return fmt.Errorf("value %q has percentage %d outside 0-100", v.Value, v.Percentage)
		}
	}

	top, _ := d.TopValue()
	if d.Mode != top.Value {
		return fmt.Errorf("mode %q does not match highest value %q", d.Mode, top.Value)
	}

	if shape != ShapeArray {
		sum := d.PercentageSum()
		if sum < 100-PercentTolerance || sum > 100+PercentTolerance {
			return fmt.Errorf("percentages sum to %d, expected 100±%d", sum, PercentTolerance)
		}
	}

	return nil
}
