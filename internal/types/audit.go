package types

// Severity ranks audit findings
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// IsValid checks if the severity value is valid
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Rank orders severities; higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// AtLeast reports whether s is as severe as other or worse
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Severities lists all severities, worst first
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// IssueType classifies an audit finding
type IssueType string

const (
	IssueMissingField    IssueType = "missing_field"
	IssueWrongFormat     IssueType = "wrong_format"
	IssueSingleValue100  IssueType = "single_value_100"
	IssueLowDiversity    IssueType = "low_diversity"
	IssueFallbackSources IssueType = "fallback_sources"
	IssueConcentrated    IssueType = "concentrated_distribution"
	IssueLegacyFieldName IssueType = "legacy_field_name"
	IssueUnknownCategory IssueType = "unknown_category"
)

// AuditIssue is one defect found in an aggregate record. Issues are
// produced for reporting and remediation; they are never persisted on the
// record itself.
type AuditIssue struct {
	Type     IssueType `json:"type"`
	Severity Severity  `json:"severity"`
	Field    string    `json:"field,omitempty"`
	Message  string    `json:"message"`
}
