// Package audit inspects finished aggregate records for structural and
// statistical defects. It is read-only: remediation is always a separate
// step through the merge engine and the fallback adapter.
package audit

import (
	"fmt"

	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/types"
)

// Options tune the statistical checks
type Options struct {
	// SingleValueMinReports is the report count at which a single value at
	// 100% is flagged
	SingleValueMinReports int
	// MinDiversity is the number of distinct values expected in the array field
	MinDiversity int
	// ConcentrationLimit is the highest percentage one array value may hold
	ConcentrationLimit int
}

// DefaultOptions returns the production thresholds
func DefaultOptions() Options {
	return Options{
		SingleValueMinReports: 5,
		MinDiversity:          3,
		ConcentrationLimit:    80,
	}
}

// recordView resolves where each expected field is stored
type recordView struct {
	record   *types.AggregateRecord
	schema   *schema.CategorySchema
	registry *schema.Registry
	opts     Options

	// stored maps each expected field to the key holding its data, which
	// is the canonical name or a legacy alias
	stored map[string]string
}

// check is one audit rule. Checks run in a fixed order.
type check func(v *recordView) []types.AuditIssue

var checks = []check{
	checkMissingFields,
	checkFormat,
	checkSingleValue,
	checkDiversity,
	checkFallbackSources,
	checkConcentration,
	checkLegacyNames,
}

// Audit returns the defects of record under its category schema. registry
// may be nil, in which case legacy aliases are not recognized and shapes
// are taken from the schema alone.
func Audit(record *types.AggregateRecord, cs *schema.CategorySchema, registry *schema.Registry, opts Options) []types.AuditIssue {
	if record == nil {
		record = types.NewRecord(types.PairKey{})
	}
	v := &recordView{
		record:   record,
		schema:   cs,
		registry: registry,
		opts:     withDefaults(opts),
		stored:   make(map[string]string),
	}
	for _, field := range cs.ExpectedFields() {
		for _, name := range v.readNames(field) {
			if record.HasData(name) {
				v.stored[field] = name
				break
			}
		}
	}

	var issues []types.AuditIssue
	for _, c := range checks {
		issues = append(issues, c(v)...)
	}
	return issues
}

// AuditPair resolves the category schema and audits the record. An
// unmapped category is reported as a critical issue on the record.
func AuditPair(record *types.AggregateRecord, category string, registry *schema.Registry, opts Options) []types.AuditIssue {
	cs, err := registry.SchemaFor(category)
	if err != nil {
		return []types.AuditIssue{{
			Type:     types.IssueUnknownCategory,
			Severity: types.SeverityCritical,
			Message:  err.Error(),
		}}
	}
	return Audit(record, cs, registry, opts)
}

func withDefaults(opts Options) Options {
	d := DefaultOptions()
	if opts.SingleValueMinReports <= 0 {
		opts.SingleValueMinReports = d.SingleValueMinReports
	}
	if opts.MinDiversity <= 0 {
		opts.MinDiversity = d.MinDiversity
	}
	if opts.ConcentrationLimit <= 0 {
		opts.ConcentrationLimit = d.ConcentrationLimit
	}
	return opts
}

func (v *recordView) readNames(field string) []string {
	if v.registry == nil {
		return []string{field}
	}
	return v.registry.ReadNames(field)
}

func (v *recordView) shape(field string) types.FieldShape {
	if field == v.schema.ArrayField {
		return types.ShapeArray
	}
	if v.registry == nil {
		return types.ShapeScalar
	}
	return v.registry.Shape(field)
}

// present lists expected fields with data, in schema order, as
// (canonical field, stored key) pairs
func (v *recordView) present() [][2]string {
	var out [][2]string
	for _, field := range v.schema.ExpectedFields() {
		if key, ok := v.stored[field]; ok {
			out = append(out, [2]string{field, key})
		}
	}
	return out
}

// distributions returns the well-formed distributions of present fields
func (v *recordView) distributions() []fieldDist {
	var out []fieldDist
	for _, p := range v.present() {
		if d := v.record.Distribution(p[1]); d != nil && !d.IsEmpty() {
			out = append(out, fieldDist{field: p[0], key: p[1], dist: d})
		}
	}
	return out
}

type fieldDist struct {
	field string
	key   string
	dist  *types.Distribution
}

func checkMissingFields(v *recordView) []types.AuditIssue {
	absentRequired := 0
	for _, f := range v.schema.RequiredFields {
		if _, ok := v.stored[f]; !ok {
			absentRequired++
		}
	}

	severity := types.SeverityHigh
	if len(v.schema.RequiredFields) > 0 && absentRequired*2 >= len(v.schema.RequiredFields) {
		severity = types.SeverityCritical
	}

	var issues []types.AuditIssue
	for _, f := range v.schema.ExpectedFields() {
		if _, ok := v.stored[f]; ok {
			continue
		}
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueMissingField,
			Severity: severity,
			Field:    f,
			Message: fmt.Sprintf("%s is missing or empty (%d of %d required fields absent)",
				f, absentRequired, len(v.schema.RequiredFields)),
		})
	}
	return issues
}

func checkFormat(v *recordView) []types.AuditIssue {
	var issues []types.AuditIssue
	if len(v.record.BadMetadata) > 0 {
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueWrongFormat,
			Severity: types.SeverityCritical,
			Field:    types.MetadataKey,
			Message:  fmt.Sprintf("%s does not decode: %s", types.MetadataKey, truncate(v.record.BadMetadata, 80)),
		})
	}
	for _, p := range v.present() {
		field, key := p[0], p[1]
		value, _ := v.record.Field(key)

		if value.Dist == nil {
			kind := value.RawKind()
			severity := types.SeverityHigh
			if kind == types.RawScalar || kind == types.RawArray {
				severity = types.SeverityCritical
			}
			issues = append(issues, types.AuditIssue{
				Type:     types.IssueWrongFormat,
				Severity: severity,
				Field:    field,
				Message:  fmt.Sprintf("%s holds a bare %s instead of a distribution", key, kind),
			})
			continue
		}

		if err := value.Dist.Validate(v.shape(field)); err != nil {
			issues = append(issues, types.AuditIssue{
				Type:     types.IssueWrongFormat,
				Severity: types.SeverityHigh,
				Field:    field,
				Message:  fmt.Sprintf("%s: %v", key, err),
			})
		}
	}
	return issues
}

func checkSingleValue(v *recordView) []types.AuditIssue {
	var issues []types.AuditIssue
	for _, fd := range v.distributions() {
		if len(fd.dist.Values) != 1 || fd.dist.Values[0].Percentage != 100 {
			continue
		}
		reports := fd.dist.TotalReports
		if reports == 0 {
			reports = v.record.Metadata.TotalReports
		}
		if reports < v.opts.SingleValueMinReports {
			continue
		}
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueSingleValue100,
			Severity: types.SeverityMedium,
			Field:    fd.field,
			Message: fmt.Sprintf("%s has a single value %q at 100%% across %d reports",
				fd.field, fd.dist.Values[0].Value, reports),
		})
	}
	return issues
}

func checkDiversity(v *recordView) []types.AuditIssue {
	var issues []types.AuditIssue
	for _, fd := range v.distributions() {
		if fd.field != v.schema.ArrayField || len(fd.dist.Values) >= v.opts.MinDiversity {
			continue
		}
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueLowDiversity,
			Severity: types.SeverityMedium,
			Field:    fd.field,
			Message: fmt.Sprintf("%s has %d distinct values, expected at least %d",
				fd.field, len(fd.dist.Values), v.opts.MinDiversity),
		})
	}
	return issues
}

func checkFallbackSources(v *recordView) []types.AuditIssue {
	var issues []types.AuditIssue
	for _, fd := range v.distributions() {
		mechanistic := 0
		for _, val := range fd.dist.Values {
			if val.Source.IsMechanistic() {
				mechanistic++
			}
		}
		if mechanistic == 0 && !fd.dist.DataSource.IsMechanistic() {
			continue
		}
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueFallbackSources,
			Severity: types.SeverityHigh,
			Field:    fd.field,
			Message: fmt.Sprintf("%s contains filler data (%d of %d values, data_source %q)",
				fd.field, mechanistic, len(fd.dist.Values), fd.dist.DataSource),
		})
	}
	return issues
}

func checkConcentration(v *recordView) []types.AuditIssue {
	var issues []types.AuditIssue
	for _, fd := range v.distributions() {
		if fd.field != v.schema.ArrayField {
			continue
		}
		top, ok := fd.dist.TopValue()
		if !ok || top.Percentage <= v.opts.ConcentrationLimit {
			continue
		}
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueConcentrated,
			Severity: types.SeverityMedium,
			Field:    fd.field,
			Message: fmt.Sprintf("%s: %q holds %d%%, above the %d%% limit",
				fd.field, top.Value, top.Percentage, v.opts.ConcentrationLimit),
		})
	}
	return issues
}

func checkLegacyNames(v *recordView) []types.AuditIssue {
	var issues []types.AuditIssue
	for _, p := range v.present() {
		field, key := p[0], p[1]
		if field == key {
			continue
		}
		issues = append(issues, types.AuditIssue{
			Type:     types.IssueLegacyFieldName,
			Severity: types.SeverityLow,
			Field:    field,
			Message: fmt.Sprintf("%s is stored under legacy name %s; run `distengine migrate rename-field --from %s --to %s`",
				field, key, key, field),
		})
	}
	return issues
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
