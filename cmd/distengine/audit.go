package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/whatworked/distengine/internal/audit"
	"github.com/whatworked/distengine/internal/logging"
	"github.com/whatworked/distengine/internal/pipeline"
	"github.com/whatworked/distengine/internal/types"
)

// errIssuesFound makes audit exit non-zero under --fail-on. The report
// itself is the message, so main does not print it.
var errIssuesFound = errors.New("audit found issues at or above the --fail-on severity")

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check stored aggregates for quality defects",
	Long: `Audit every selected pair's aggregate record: missing fields, malformed
distributions, single-value 100% fields, low diversity, filler data and
over-concentrated array fields. Audit never writes to the database.

Examples:
  # Console summary with the 20 worst records
  distengine audit

  # Machine-readable report for CI, failing on high or critical issues
  distengine audit --json --out audit.json --fail-on high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		outPath, _ := cmd.Flags().GetString("out")
		failOn, _ := cmd.Flags().GetString("fail-on")
		top, _ := cmd.Flags().GetInt("top")

		threshold := types.Severity(failOn)
		if failOn != "" && !threshold.IsValid() {
			return fmt.Errorf("invalid --fail-on %q (want critical, high, medium or low)", failOn)
		}

		s, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		runner := pipeline.NewRunner(s, registry, nil, pipeline.Options{
			Filter: filterFromFlags(cmd),
			Audit:  cfg.AuditOptions(),
			Logger: logging.New("audit"),
		})
		report, err := runner.Audit(cmd.Context())
		if err != nil {
			return err
		}

		if outPath != "" {
			if err := writeReportFile(outPath, report, asJSON, top); err != nil {
				return err
			}
		} else if err := writeReport(cmd.OutOrStdout(), report, asJSON, top); err != nil {
			return err
		}
		if outPath != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Report written to %s (%d issues in %d of %d records)\n",
				outPath, report.Summary.TotalIssues, report.Summary.RecordsWithIssues, report.Summary.Records)
		}

		if failOn != "" && report.HasAtLeast(threshold) {
			return errIssuesFound
		}
		return nil
	},
}

func writeReport(w io.Writer, report *audit.Report, asJSON bool, top int) error {
	if asJSON {
		if err := report.WriteJSON(w); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		return nil
	}
	report.WriteConsole(w, top)
	return nil
}

// writeReportFile writes the report to path, reporting flush and close
// failures as write errors
func writeReportFile(path string, report *audit.Report, asJSON bool, top int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := writeReport(bw, report, asJSON, top); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func init() {
	auditCmd.Flags().Bool("json", false, "Write the structured JSON report instead of the console summary")
	auditCmd.Flags().String("out", "", "Write the report to this file instead of stdout")
	auditCmd.Flags().String("fail-on", "", "Exit non-zero if any issue is at or above this severity")
	auditCmd.Flags().Int("top", 20, "Worst records listed in the console summary")
	addFilterFlags(auditCmd)
	rootCmd.AddCommand(auditCmd)
}
