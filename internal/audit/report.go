package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/whatworked/distengine/internal/types"
)

// RecordResult is the audit outcome for one pair
type RecordResult struct {
	Key      types.PairKey      `json:"key"`
	Category string             `json:"category"`
	Issues   []types.AuditIssue `json:"issues"`
}

// Worst returns the most severe issue severity, or "" when clean
func (r *RecordResult) Worst() types.Severity {
	var worst types.Severity
	for _, issue := range r.Issues {
		if issue.Severity.Rank() > worst.Rank() {
			worst = issue.Severity
		}
	}
	return worst
}

// score orders records for the worst-offenders listing
func (r *RecordResult) score() int {
	s := 0
	for _, issue := range r.Issues {
		s += 1 << (3 * issue.Severity.Rank())
	}
	return s
}

// Summary counts issues across a report
type Summary struct {
	Records           int                     `json:"records"`
	RecordsWithIssues int                     `json:"records_with_issues"`
	TotalIssues       int                     `json:"total_issues"`
	BySeverity        map[types.Severity]int  `json:"by_severity"`
	ByType            map[types.IssueType]int `json:"by_type"`
}

// Report collects audit results for machine or human consumption
type Report struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   Summary        `json:"summary"`
	Records   []RecordResult `json:"records"`
}

// NewReport starts an empty report
func NewReport(now time.Time) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Timestamp: now.UTC(),
		Summary: Summary{
			BySeverity: make(map[types.Severity]int),
			ByType:     make(map[types.IssueType]int),
		},
		Records: []RecordResult{},
	}
}

// Add records the issues of one pair. Clean records are counted but not listed.
func (r *Report) Add(key types.PairKey, category string, issues []types.AuditIssue) {
	r.Summary.Records++
	if len(issues) == 0 {
		return
	}
	r.Summary.RecordsWithIssues++
	r.Summary.TotalIssues += len(issues)
	for _, issue := range issues {
		r.Summary.BySeverity[issue.Severity]++
		r.Summary.ByType[issue.Type]++
	}
	r.Records = append(r.Records, RecordResult{Key: key, Category: category, Issues: issues})
}

// HasAtLeast reports whether any issue is at or above severity
func (r *Report) HasAtLeast(severity types.Severity) bool {
	for s, n := range r.Summary.BySeverity {
		if n > 0 && s.AtLeast(severity) {
			return true
		}
	}
	return false
}

// WorstOffenders returns up to n records, most severe first
func (r *Report) WorstOffenders(n int) []RecordResult {
	sorted := append([]RecordResult(nil), r.Records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].score() > sorted[j].score()
	})
	if n >= 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// WriteJSON writes the structured report
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

var severityColor = map[types.Severity]*color.Color{
	types.SeverityCritical: color.New(color.FgRed, color.Bold),
	types.SeverityHigh:     color.New(color.FgRed),
	types.SeverityMedium:   color.New(color.FgYellow),
	types.SeverityLow:      color.New(color.FgHiBlack),
}

// WriteConsole writes the human-readable summary: counts by severity and
// type, then the top worst offenders.
func (r *Report) WriteConsole(w io.Writer, top int) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()

	fmt.Fprintf(w, "\n%s\n\n", cyan("=== Aggregate Quality Audit ==="))
	fmt.Fprintf(w, "Records audited:     %d\n", r.Summary.Records)
	fmt.Fprintf(w, "Records with issues: %d\n", r.Summary.RecordsWithIssues)
	fmt.Fprintf(w, "Total issues:        %d\n\n", r.Summary.TotalIssues)

	if r.Summary.TotalIssues == 0 {
		fmt.Fprintf(w, "%s No issues found\n\n", green("✓"))
		return
	}

	fmt.Fprintf(w, "%s\n", yellow("By severity:"))
	for _, s := range types.Severities() {
		if n := r.Summary.BySeverity[s]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", severityColor[s].Sprint(s), n)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s\n", yellow("By type:"))
	issueTypes := make([]string, 0, len(r.Summary.ByType))
	for t := range r.Summary.ByType {
		issueTypes = append(issueTypes, string(t))
	}
	sort.Strings(issueTypes)
	for _, t := range issueTypes {
		fmt.Fprintf(w, "  %-26s %d\n", t, r.Summary.ByType[types.IssueType(t)])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s\n", yellow("Worst offenders:"))
	for _, rec := range r.WorstOffenders(top) {
		worst := rec.Worst()
		fmt.Fprintf(w, "  %s [%s] %s\n", rec.Key, rec.Category, severityColor[worst].Sprintf("%d issues, worst %s", len(rec.Issues), worst))
		for _, issue := range rec.Issues {
			fmt.Fprintf(w, "    - %s %s: %s\n", severityColor[issue.Severity].Sprint(issue.Severity), issue.Type, issue.Message)
		}
	}
	fmt.Fprintln(w)
}
