package types

import (
	"fmt"
	"time"
)

// PairKey identifies the (goal, solution-variant) pair an aggregate belongs to
type PairKey struct {
	GoalID    string `json:"goal_id"`
	VariantID string `json:"variant_id"`
}

// String returns the stable identifier used in checkpoints and logs
func (k PairKey) String() string {
	return k.GoalID + "/" + k.VariantID
}

// Validate checks that both halves of the key are set
func (k PairKey) Validate() error {
	if k.GoalID == "" {
		return fmt.Errorf("goal_id is required")
	}
	if k.VariantID == "" {
		return fmt.Errorf("variant_id is required")
	}
	return nil
}

// Pair is a (goal, solution-variant) link together with the facts the
// engine needs to summarize it.
type Pair struct {
	Key           PairKey `json:"key"`
	Category      string  `json:"category"`
	SolutionTitle string  `json:"solution_title"`
}

// PairFilter narrows a pair listing. Zero values match everything.
type PairFilter struct {
	Category string
	GoalID   string
	Limit    int
}

// FieldShape selects the aggregation algorithm for a field
type FieldShape string

const (
	ShapeScalar  FieldShape = "scalar"  // one string per report
	ShapeArray   FieldShape = "array"   // a list of strings per report
	ShapeBoolean FieldShape = "boolean" // true/false per report
)

// IsValid checks if the shape value is valid
func (s FieldShape) IsValid() bool {
	switch s {
	case ShapeScalar, ShapeArray, ShapeBoolean:
		return true
	}
	return false
}

// Provenance tags where a value came from. The set is closed: every
// DistributionValue carries one of these from the moment it is created.
type Provenance string

const (
	// SourceUser marks values counted from real contributor reports
	SourceUser Provenance = "user"
	// SourceResearch marks values from the curated evidence table
	SourceResearch Provenance = "research"
	// SourceAIEstimate marks validated generative-provider estimates
	SourceAIEstimate Provenance = "ai_estimate"
	// SourceMixed is only used for record-level and field-level rollups
	SourceMixed Provenance = "mixed"

	// SourceFallback and SourceEqualWeight are mechanistic filler written by
	// older seeding jobs. The engine never produces them; the auditor flags them.
	SourceFallback    Provenance = "fallback"
	SourceEqualWeight Provenance = "equal_weight"
)

// IsValid checks if the provenance value is one of the known tags
func (p Provenance) IsValid() bool {
	switch p {
	case SourceUser, SourceResearch, SourceAIEstimate, SourceMixed, SourceFallback, SourceEqualWeight:
		return true
	}
	return false
}

// IsMechanistic reports whether the tag marks filler data rather than
// real, curated, or validated-provider data.
func (p Provenance) IsMechanistic() bool {
	return p == SourceFallback || p == SourceEqualWeight
}

// IsReal reports whether the tag marks real user data
func (p Provenance) IsReal() bool {
	return p == SourceUser
}

// RollupSource derives a single provenance for a set of sources: the common
// tag when they all agree, SourceMixed otherwise. Empty input yields "".
func RollupSource(sources []Provenance) Provenance {
	var result Provenance
	for _, s := range sources {
		if s == "" {
			continue
		}
		if result == "" {
			result = s
			continue
		}
		if s != result {
			return SourceMixed
		}
	}
	return result
}

// Confidence is the trust tier of a whole aggregate record
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// IsValid checks if the confidence value is valid
func (c Confidence) IsValid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// Metadata is the `_metadata` sub-object of a persisted aggregate record
type Metadata struct {
	ComputedAt   time.Time  `json:"computed_at"`
	TotalReports int        `json:"total_reports"`
	Confidence   Confidence `json:"confidence"`
	DataSource   Provenance `json:"data_source"`
}
