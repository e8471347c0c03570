// Package facematch decides what a recognized face means for check-in:
// who it is, and whether the person is admitted, must be confirmed,
// is denied or is unknown.
package facematch

import "github.com/kozaktomas/member-check/internal/database"

// Decision is the outcome of matching a scanned face.
type Decision string

const (
	DecisionGranted Decision = "granted" // confident match, attendance logged
	DecisionConfirm Decision = "confirm" // plausible match, operator must confirm
	DecisionDenied  Decision = "denied"  // matched a banned member
	DecisionUnknown Decision = "unknown" // no match, offer registration
)

// Thresholds are the similarity cutoffs used by Decide.
type Thresholds struct {
	MinMatchSimilarity   float64
	AutoAttendSimilarity float64
	DuplicateDistance    float64
}

// DefaultThresholds mirror the values shipped in thresholds.yaml.
var DefaultThresholds = Thresholds{
	MinMatchSimilarity:   0.70,
	AutoAttendSimilarity: 0.80,
	DuplicateDistance:    0.145,
}

// MatchResult is the best candidate for a query descriptor.
type MatchResult struct {
	Member     *database.Member `json:"member,omitempty"`
	Distance   float64          `json:"distance"`
	Similarity float64          `json:"similarity"`
	Decision   Decision         `json:"decision"`
}
