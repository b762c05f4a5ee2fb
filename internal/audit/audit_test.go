package audit

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/whatworked/distengine/internal/schema"
	"github.com/whatworked/distengine/internal/types"
)

var key = types.PairKey{GoalID: "g1", VariantID: "v1"}

func userDist(reports int, shares ...any) *types.Distribution {
	return sourcedDist(types.SourceUser, reports, shares...)
}

// sourcedDist builds a distribution from value/percentage pairs
func sourcedDist(source types.Provenance, reports int, shares ...any) *types.Distribution {
	d := &types.Distribution{TotalReports: reports, DataSource: source}
	for i := 0; i < len(shares); i += 2 {
		d.Values = append(d.Values, types.DistributionValue{
			Value:      shares[i].(string),
			Percentage: shares[i+1].(int),
			Source:     source,
		})
	}
	d.Mode = d.Values[0].Value
	return d
}

func healthyMedication() *types.AggregateRecord {
	r := types.NewRecord(key)
	r.Metadata.TotalReports = 12
	r.Fields["frequency"] = types.FieldFromDistribution(userDist(12, "Once daily", 60, "Twice daily", 40))
	r.Fields["length_of_use"] = types.FieldFromDistribution(userDist(12, "1-3 months", 50, "3-6 months", 50))
	r.Fields["time_to_results"] = types.FieldFromDistribution(userDist(12, "1-2 weeks", 70, "3-4 weeks", 30))
	r.Fields["cost"] = types.FieldFromDistribution(userDist(12, "$10-25/month", 75, "Free", 25))
	r.Fields["side_effects"] = types.FieldFromDistribution(userDist(12, "Nausea", 50, "Headache", 30, "None", 25))
	return r
}

func medications(t *testing.T) (*schema.CategorySchema, *schema.Registry) {
	t.Helper()
	registry := schema.MustDefault()
	cs, err := registry.SchemaFor("medications")
	require.NoError(t, err)
	return cs, registry
}

func issueTypes(issues []types.AuditIssue) []types.IssueType {
	out := make([]types.IssueType, len(issues))
	for i, issue := range issues {
		out[i] = issue.Type
	}
	return out
}

func TestAudit_HealthyRecordIsClean(t *testing.T) {
	cs, registry := medications(t)
	assert.Empty(t, Audit(healthyMedication(), cs, registry, DefaultOptions()))
}

func TestAudit_MissingFieldSeverity(t *testing.T) {
	cs, registry := medications(t)

	r := healthyMedication()
	delete(r.Fields, "cost")
	issues := Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueMissingField, issues[0].Type)
	assert.Equal(t, types.SeverityHigh, issues[0].Severity)
	assert.Equal(t, "cost", issues[0].Field)

	// half of the four required fields absent is critical
	delete(r.Fields, "frequency")
	r.Fields["side_effects"] = types.FieldFromDistribution(&types.Distribution{})
	issues = Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 3)
	for _, issue := range issues {
		assert.Equal(t, types.IssueMissingField, issue.Type)
		assert.Equal(t, types.SeverityCritical, issue.Severity)
	}
	assert.Equal(t, []string{"frequency", "cost", "side_effects"}, []string{issues[0].Field, issues[1].Field, issues[2].Field})
}

func TestAudit_EmptyRecordIsAllCritical(t *testing.T) {
	cs, registry := medications(t)
	issues := Audit(types.NewRecord(key), cs, registry, DefaultOptions())
	assert.Len(t, issues, len(cs.ExpectedFields()))
	for _, issue := range issues {
		assert.Equal(t, types.SeverityCritical, issue.Severity)
	}
}

func TestAudit_WrongFormat(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.Fields["cost"] = &types.FieldValue{Raw: json.RawMessage(`"$10/month"`)}
	r.Fields["frequency"] = &types.FieldValue{Raw: json.RawMessage(`["Daily","Weekly"]`)}
	r.Fields["length_of_use"] = &types.FieldValue{Raw: json.RawMessage(`{"mode":"1-3 months"}`)}
	bad := userDist(12, "1-2 weeks", 70, "3-4 weeks", 20)
	r.Fields["time_to_results"] = types.FieldFromDistribution(bad)

	issues := Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 4)

	bySeverity := map[string]types.Severity{}
	for _, issue := range issues {
		assert.Equal(t, types.IssueWrongFormat, issue.Type)
		bySeverity[issue.Field] = issue.Severity
	}
	assert.Equal(t, types.SeverityCritical, bySeverity["cost"], "bare scalar")
	assert.Equal(t, types.SeverityCritical, bySeverity["frequency"], "bare array")
	assert.Equal(t, types.SeverityHigh, bySeverity["length_of_use"], "object without values")
	assert.Equal(t, types.SeverityHigh, bySeverity["time_to_results"], "percentages do not reconcile")
}

func TestAudit_UndecodableMetadata(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.BadMetadata = json.RawMessage(`{"computed_at":"2024-01-05 10:00:00"}`)

	issues := Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueWrongFormat, issues[0].Type)
	assert.Equal(t, types.SeverityCritical, issues[0].Severity)
	assert.Equal(t, types.MetadataKey, issues[0].Field)
	assert.Contains(t, issues[0].Message, "2024-01-05 10:00:00")
}

func TestAudit_SingleValue100(t *testing.T) {
	cs, registry := medications(t)

	r := healthyMedication()
	r.Fields["cost"] = types.FieldFromDistribution(userDist(5, "Free", 100))
	issues := Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueSingleValue100, issues[0].Type)
	assert.Equal(t, types.SeverityMedium, issues[0].Severity)
	assert.Equal(t, "cost", issues[0].Field)

	r.Fields["cost"] = types.FieldFromDistribution(userDist(4, "Free", 100))
	assert.Empty(t, Audit(r, cs, registry, DefaultOptions()), "a trivial number of reports is not flagged")
}

func TestAudit_SingleValue100UsesRecordTotalForFallbackFields(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.Fields["cost"] = types.FieldFromDistribution(sourcedDist(types.SourceAIEstimate, 0, "Free", 100))

	issues := Audit(r, cs, registry, DefaultOptions())
	assert.Equal(t, []types.IssueType{types.IssueSingleValue100}, issueTypes(issues))
}

func TestAudit_LowDiversityAndConcentration(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.Fields["side_effects"] = types.FieldFromDistribution(userDist(12, "Nausea", 90, "Headache", 10))

	issues := Audit(r, cs, registry, DefaultOptions())
	assert.Equal(t, []types.IssueType{types.IssueLowDiversity, types.IssueConcentrated}, issueTypes(issues))
	for _, issue := range issues {
		assert.Equal(t, "side_effects", issue.Field)
		assert.Equal(t, types.SeverityMedium, issue.Severity)
	}
}

func TestAudit_ConcentrationBoundary(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.Fields["side_effects"] = types.FieldFromDistribution(userDist(12, "Nausea", 80, "Headache", 10, "None", 10))
	assert.Empty(t, Audit(r, cs, registry, DefaultOptions()), "exactly 80% is allowed")
}

func TestAudit_DiversityOnlyForArrayField(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	assert.Len(t, r.Distribution("frequency").Values, 2)
	assert.Empty(t, Audit(r, cs, registry, DefaultOptions()))
}

func TestAudit_FallbackSources(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	d := userDist(12, "1-3 months", 50, "3-6 months", 50)
	d.Values[1].Source = types.SourceEqualWeight
	r.Fields["length_of_use"] = types.FieldFromDistribution(d)
	r.Fields["time_to_results"] = types.FieldFromDistribution(sourcedDist(types.SourceFallback, 12, "1-2 weeks", 50, "3-4 weeks", 50))
	r.Fields["frequency"] = types.FieldFromDistribution(sourcedDist(types.SourceAIEstimate, 0, "Once daily", 60, "Twice daily", 40))

	issues := Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 2, "validated provider data is not filler")
	assert.Equal(t, "length_of_use", issues[0].Field)
	assert.Equal(t, "time_to_results", issues[1].Field)
	for _, issue := range issues {
		assert.Equal(t, types.IssueFallbackSources, issue.Type)
		assert.Equal(t, types.SeverityHigh, issue.Severity)
	}
}

func TestAudit_CheckOrder(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	delete(r.Fields, "length_of_use")
	r.Fields["cost"] = &types.FieldValue{Raw: json.RawMessage(`"Free"`)}
	r.Fields["frequency"] = types.FieldFromDistribution(sourcedDist(types.SourceFallback, 8, "Once daily", 100))
	r.Fields["side_effects"] = types.FieldFromDistribution(userDist(12, "None", 95))

	assert.Equal(t, []types.IssueType{
		types.IssueMissingField,
		types.IssueWrongFormat,
		types.IssueSingleValue100,
		types.IssueLowDiversity,
		types.IssueFallbackSources,
		types.IssueConcentrated,
	}, issueTypes(Audit(r, cs, registry, DefaultOptions())))
}

func TestAudit_LegacyNameIsNotMissing(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.Fields["time_to_impact"] = r.Fields["time_to_results"]
	delete(r.Fields, "time_to_results")

	issues := Audit(r, cs, registry, DefaultOptions())
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueLegacyFieldName, issues[0].Type)
	assert.Equal(t, types.SeverityLow, issues[0].Severity)
	assert.Contains(t, issues[0].Message, "--from time_to_impact --to time_to_results")

	withoutRegistry := Audit(r, cs, nil, DefaultOptions())
	assert.Equal(t, []types.IssueType{types.IssueMissingField}, issueTypes(withoutRegistry))
}

func TestAudit_DoesNotModifyRecord(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	delete(r.Fields, "cost")
	before := r.Clone()
	Audit(r, cs, registry, DefaultOptions())
	assert.Equal(t, before, r)
}

func TestAuditPair_UnknownCategory(t *testing.T) {
	issues := AuditPair(healthyMedication(), "astrology", schema.MustDefault(), DefaultOptions())
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueUnknownCategory, issues[0].Type)
	assert.Equal(t, types.SeverityCritical, issues[0].Severity)
}

func TestAudit_CustomThresholds(t *testing.T) {
	cs, registry := medications(t)
	r := healthyMedication()
	r.Fields["cost"] = types.FieldFromDistribution(userDist(3, "Free", 100))

	opts := DefaultOptions()
	opts.SingleValueMinReports = 3
	assert.Equal(t, []types.IssueType{types.IssueSingleValue100}, issueTypes(Audit(r, cs, registry, opts)))
}

func TestReport(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	report := NewReport(now)

	report.Add(key, "medications", nil)
	report.Add(types.PairKey{GoalID: "g2", VariantID: "v2"}, "apps_software", []types.AuditIssue{
		{Type: types.IssueSingleValue100, Severity: types.SeverityMedium, Field: "cost", Message: "m"},
	})
	worstKey := types.PairKey{GoalID: "g3", VariantID: "v3"}
	report.Add(worstKey, "sleep", []types.AuditIssue{
		{Type: types.IssueMissingField, Severity: types.SeverityCritical, Field: "cost", Message: "m"},
		{Type: types.IssueMissingField, Severity: types.SeverityCritical, Field: "frequency", Message: "m"},
	})

	assert.Equal(t, 3, report.Summary.Records)
	assert.Equal(t, 2, report.Summary.RecordsWithIssues)
	assert.Equal(t, 3, report.Summary.TotalIssues)
	assert.Equal(t, 2, report.Summary.BySeverity[types.SeverityCritical])
	assert.Equal(t, 2, report.Summary.ByType[types.IssueMissingField])
	assert.NotEmpty(t, report.ID)

	assert.True(t, report.HasAtLeast(types.SeverityCritical))
	assert.True(t, report.HasAtLeast(types.SeverityLow))
	assert.Equal(t, worstKey, report.WorstOffenders(1)[0].Key)
	assert.Len(t, report.WorstOffenders(10), 2)

	var buf bytes.Buffer
	require.NoError(t, report.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "2026-05-01T09:30:00Z", decoded["timestamp"])
	assert.Contains(t, decoded, "summary")
	assert.Len(t, decoded["records"], 2)

	buf.Reset()
	report.WriteConsole(&buf, 5)
	out := buf.String()
	assert.Contains(t, out, "Records audited:     3")
	assert.Contains(t, out, "missing_field")
	assert.Contains(t, out, "g3/v3 [sleep]")
}

func TestReport_CleanRun(t *testing.T) {
	report := NewReport(time.Now())
	report.Add(key, "medications", nil)
	assert.False(t, report.HasAtLeast(types.SeverityLow))

	var buf bytes.Buffer
	report.WriteConsole(&buf, 5)
	assert.Contains(t, buf.String(), "No issues found")

	buf.Reset()
	require.NoError(t, report.WriteJSON(&buf))
	assert.Contains(t, buf.String(), `"records": []`)
}
