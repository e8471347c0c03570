package facematch

import (
	"math"

	"github.com/kozaktomas/member-check/internal/database"
	"github.com/kozaktomas/member-check/internal/descriptor"
)

// Nearest scans candidates linearly and returns the one closest to query by
// Euclidean distance. Equal distances resolve to the lower member ID.
// Returns nil and +Inf when no candidate has a comparable descriptor.
func Nearest(query []float32, candidates []database.Member) (*database.Member, float64) {
	var best *database.Member
	bestDist := math.Inf(1)
	for i := range candidates {
		c := &candidates[i]
		if !c.HasDescriptor() {
			continue
		}
		d := descriptor.EuclideanDistance(query, c.Descriptor)
		if math.IsInf(d, 1) {
			continue
		}
		if d < bestDist || (d == bestDist && best != nil && c.ID < best.ID) {
			best = c
			bestDist = d
		}
	}
	return best, bestDist
}

// Match finds the nearest candidate and decides the check-in outcome.
func Match(query []float32, candidates []database.Member, th Thresholds) MatchResult {
	member, dist := Nearest(query, candidates)
	return Evaluate(member, dist, th)
}

// Evaluate builds a MatchResult for an already selected candidate.
func Evaluate(member *database.Member, distance float64, th Thresholds) MatchResult {
	sim := descriptor.Similarity(distance)
	decision := Decide(member, sim, th)
	res := MatchResult{Distance: distance, Similarity: sim, Decision: decision}
	if decision != DecisionUnknown {
		res.Member = member
	}
	if math.IsInf(distance, 1) {
		res.Distance = -1
	}
	return res
}

// Decide maps a candidate and its similarity to a Decision.
func Decide(member *database.Member, similarity float64, th Thresholds) Decision {
	if member == nil || similarity < th.MinMatchSimilarity {
		return DecisionUnknown
	}
	if member.Status == database.StatusBanned {
		return DecisionDenied
	}
	if similarity >= th.AutoAttendSimilarity {
		return DecisionGranted
	}
	return DecisionConfirm
}

// IsDuplicate reports whether two descriptors are close enough to belong to the same face.
func IsDuplicate(a, b []float32, th Thresholds) bool {
	return descriptor.EuclideanDistance(a, b) <= th.DuplicateDistance
}
