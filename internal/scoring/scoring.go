// Package scoring implements the effectiveness score update shared by
// signatures and remediation procedures.
package scoring

// Score returns the Laplace-smoothed effectiveness score after an attempt,
// given the already-updated success and usage counts.
//
// The +1 numerator bonus applies only on success. The asymmetry is
// intentional: it biases scores toward caution and must be preserved as-is.
func Score(successCount, usageCount int64, success bool) float64 {
	if usageCount < 0 {
		usageCount = 0
	}
	if success {
		return float64(successCount+1) / float64(usageCount+1)
	}
	return float64(successCount) / float64(usageCount+1)
}

// Clamp bounds a score to [0, 1]. The update rule is bounded by construction
// when success counts never exceed usage counts; Clamp guards persisted rows
// that predate that invariant.
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// CandidateConfidence returns observations/(observations+k), the smoothed
// confidence for a learned candidate signature. Monotonically increasing in
// observations and approaching 1.
func CandidateConfidence(observations int64, k int) float64 {
	if observations <= 0 {
		return 0
	}
	if k < 0 {
		k = 0
	}
	return float64(observations) / float64(observations+int64(k))
}
