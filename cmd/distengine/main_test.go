package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/merge"
	"github.com/whatworked/distengine/internal/storage/sqlite"
	"github.com/whatworked/distengine/internal/types"
)

// resetFlags restores every flag to its default so commands run
// independently of earlier tests
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// runCLI executes the root command in a fresh working directory state and
// returns what it printed
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--log-level", "error"))
	err := rootCmd.ExecuteContext(context.Background())
	require.NoError(t, closeStore())
	return out.String(), err
}

func setupWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return filepath.Join(dir, "distengine.db")
}

func TestSchemaCommands(t *testing.T) {
	setupWorkspace(t)

	out, err := runCLI(t, "schema", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "23 categories")
	assert.Contains(t, out, "medications")
	assert.Contains(t, out, "+ [side_effects]")

	out, err = runCLI(t, "schema", "show", "medications")
	require.NoError(t, err)
	assert.Contains(t, out, "time_to_results (scalar, required)")
	assert.Contains(t, out, "Aliases: time_to_impact, time_to_effect")
	assert.Contains(t, out, "side_effects (array, multi-value)")

	_, err = runCLI(t, "schema", "show", "astrology")
	assert.ErrorContains(t, err, "unknown category")
}

func TestReportAggregateSeedAudit(t *testing.T) {
	db := setupWorkspace(t)
	pairArgs := []string{"--db", db, "--goal", "goal-anxiety", "--variant", "sertraline-50mg"}

	out, err := runCLI(t, append([]string{"report", "add", "--category", "medications", "--title", "Sertraline", "--id", "r1",
		"--fields", `{"frequency": "Once daily", "length_of_use": "3-6 months", "cost": "$10-25/month"}`}, pairArgs...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Added report r1 for goal-anxiety/sertraline-50mg (3 fields)")

	// a second report keeps the title recorded by the first
	_, err = runCLI(t, append([]string{"report", "add", "--category", "medications", "--id", "r2",
		"--fields", `{"frequency": "Twice daily", "dosage_frequency": "ignored alias", "cost": "Free"}`}, pairArgs...)...)
	require.NoError(t, err)

	out, err = runCLI(t, "aggregate", "--db", db, "--workers", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "aggregate run")
	assert.Contains(t, out, "Processed:    1")

	out, err = runCLI(t, "seed", "--db", db, "--provider", "none")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed:    1")

	s, err := sqlite.New(db)
	require.NoError(t, err)
	pair, err := s.GetPair(context.Background(), types.PairKey{GoalID: "goal-anxiety", VariantID: "sertraline-50mg"})
	require.NoError(t, err)
	assert.Equal(t, "Sertraline", pair.SolutionTitle)
	record, err := s.GetRecord(context.Background(), pair.Key)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, 2, record.Metadata.TotalReports)
	assert.Equal(t, types.SourceUser, record.Distribution("frequency").DataSource)
	assert.Equal(t, types.SourceResearch, record.Distribution("time_to_results").DataSource)
	assert.Equal(t, types.SourceResearch, record.Distribution("side_effects").DataSource)

	reportPath := filepath.Join(filepath.Dir(db), "audit.json")
	out, err = runCLI(t, "audit", "--db", db, "--json", "--out", reportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Report written to "+reportPath)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report struct {
		Summary struct {
			Records int `json:"records"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.Summary.Records)
}

func TestReportAdd_Rejects(t *testing.T) {
	db := setupWorkspace(t)
	base := []string{"report", "add", "--db", db, "--goal", "g", "--variant", "v"}

	_, err := runCLI(t, append(base, "--category", "astrology", "--fields", `{"frequency": "Daily"}`)...)
	assert.ErrorContains(t, err, "unknown category")

	_, err = runCLI(t, append(base, "--category", "sleep", "--fields", `not json`)...)
	assert.ErrorContains(t, err, "--fields must be a JSON object")

	_, err = runCLI(t, append(base, "--category", "sleep", "--fields", `{"mood": "great"}`)...)
	assert.ErrorContains(t, err, "unknown field")
}

func TestAudit_FailOn(t *testing.T) {
	db := setupWorkspace(t)
	_, err := runCLI(t, "report", "add", "--db", db, "--goal", "g", "--variant", "v", "--category", "sleep",
		"--fields", `{"adjustment_period": "A few days"}`)
	require.NoError(t, err)

	// no aggregate yet: every field is missing
	out, err := runCLI(t, "audit", "--db", db, "--fail-on", "critical")
	assert.True(t, errors.Is(err, errIssuesFound))
	assert.Contains(t, out, "Records audited:     1")
	assert.Contains(t, out, "missing_field")

	_, err = runCLI(t, "audit", "--db", db, "--fail-on", "severe")
	assert.ErrorContains(t, err, "invalid --fail-on")

	_, err = runCLI(t, "audit", "--db", db)
	assert.NoError(t, err, "without --fail-on issues do not fail the command")
}

func TestMigrateRenameField(t *testing.T) {
	db := setupWorkspace(t)
	key := types.PairKey{GoalID: "goal-anxiety", VariantID: "sertraline-50mg"}

	s, err := sqlite.New(db)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.UpsertPair(ctx, &types.Pair{Key: key, Category: "medications", SolutionTitle: "Sertraline"}))
	legacy := &types.Distribution{
		Mode:       "3-4 weeks",
		Values:     []types.DistributionValue{{Value: "3-4 weeks", Count: 3, Percentage: 100, Source: types.SourceUser}},
		DataSource: types.SourceUser,
	}
	_, err = s.ApplyUpdates(ctx, key, map[string]*types.Distribution{"time_to_impact": legacy}, merge.Options{})
	require.NoError(t, err)

	// the conflicting record sorts between the two renamable ones
	conflicting := types.PairKey{GoalID: "goal-burnout", VariantID: "sertraline-50mg"}
	later := types.PairKey{GoalID: "goal-calm", VariantID: "sertraline-50mg"}
	current := legacy.Clone()
	current.Mode = "1-2 weeks"
	current.Values[0].Value = "1-2 weeks"
	for _, k := range []types.PairKey{conflicting, later} {
		require.NoError(t, s.UpsertPair(ctx, &types.Pair{Key: k, Category: "medications", SolutionTitle: "Sertraline"}))
	}
	_, err = s.ApplyUpdates(ctx, conflicting, map[string]*types.Distribution{"time_to_impact": legacy, "time_to_results": current}, merge.Options{})
	require.NoError(t, err)
	_, err = s.ApplyUpdates(ctx, later, map[string]*types.Distribution{"time_to_impact": legacy}, merge.Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = runCLI(t, "migrate", "rename-field", "--db", db, "--from", "time_to_impact", "--to", "cost")
	assert.ErrorContains(t, err, "time_to_impact is an alias of time_to_results, not cost")

	_, err = runCLI(t, "migrate", "rename-field", "--db", db, "--from", "time_to_impact", "--to", "time_to_results", "--variant", "x")
	assert.ErrorContains(t, err, "--variant requires --goal")

	out, err := runCLI(t, "migrate", "rename-field", "--db", db, "--from", "time_to_impact", "--to", "time_to_results")
	require.NoError(t, err)
	assert.Contains(t, out, "Renamed time_to_impact → time_to_results in 2 of 3 record(s)")
	assert.Contains(t, out, "Skipped 1 record(s) where time_to_results already holds data")

	s, err = sqlite.New(db)
	require.NoError(t, err)
	defer s.Close()
	for _, k := range []types.PairKey{key, later} {
		record, err := s.GetRecord(ctx, k)
		require.NoError(t, err)
		assert.False(t, record.HasData("time_to_impact"), k.String())
		assert.Equal(t, "3-4 weeks", record.Distribution("time_to_results").Mode, k.String())
	}
	record, err := s.GetRecord(ctx, conflicting)
	require.NoError(t, err)
	assert.True(t, record.HasData("time_to_impact"), "a conflicting record is left as it was")
	assert.Equal(t, "1-2 weeks", record.Distribution("time_to_results").Mode)
}

func TestWriteReportFile(t *testing.T) {
	report := audit.NewReport(time.Now())
	report.Add(types.PairKey{GoalID: "g", VariantID: "v"}, "sleep", []types.AuditIssue{{
		Type:     types.IssueMissingField,
		Severity: types.SeverityHigh,
		Field:    "adjustment_period",
	}})

	path := filepath.Join(t.TempDir(), "audit.json")
	require.NoError(t, writeReportFile(path, report, true, 20))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))

	err = writeReportFile(filepath.Join(t.TempDir(), "missing", "audit.json"), report, true, 20)
	assert.ErrorContains(t, err, "failed to create")

	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	for _, asJSON := range []bool{true, false} {
		err = writeReportFile("/dev/full", report, asJSON, 20)
		assert.Error(t, err, "a full device must not produce a silent partial report (json=%v)", asJSON)
	}
}
