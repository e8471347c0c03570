package descriptor

import "math"

// EuclideanDistance computes the L2 distance between two descriptors.
// Mismatched or empty inputs return +Inf so they never match.
func EuclideanDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Similarity converts a Euclidean distance to a score in [0, 1].
func Similarity(distance float64) float64 {
	if math.IsInf(distance, 0) || math.IsNaN(distance) {
		return 0
	}
	return math.Max(0, math.Min(1, 1-distance))
}
