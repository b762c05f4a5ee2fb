package aggregate

import "github.com/whatworked/distengine/internal/types"

// Confidence thresholds on real report counts
const (
	HighConfidenceReports   = 10
	MediumConfidenceReports = 3
)

// Confidence classifies a record by how many real reports back it.
// Fallback-only records have zero real reports and are always low.
func Confidence(totalReports int) types.Confidence {
	switch {
	case totalReports >= HighConfidenceReports:
		return types.ConfidenceHigh
	case totalReports >= MediumConfidenceReports:
		return types.ConfidenceMedium
	default:
		return types.ConfidenceLow
	}
}
