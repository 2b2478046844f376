package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreAsymmetric(t *testing.T) {
	// Seeded signature: one diagnosis (usage=1) then one success.
	assert.InDelta(t, 1.0, Score(1, 1, true), 1e-9)

	// Subsequent failure: usage=2, success count stays 1.
	assert.InDelta(t, 1.0/3.0, Score(1, 2, false), 1e-9)
}

func TestScoreBounded(t *testing.T) {
	// Any sequence with successCount <= usageCount stays in [0, 1].
	for u := int64(0); u <= 50; u++ {
		for s := int64(0); s <= u; s++ {
			got := Score(s, u, true)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)

			got = Score(s, u, false)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		}
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-0.2))
	assert.Equal(t, 1.0, Clamp(1.5))
	assert.Equal(t, 0.5, Clamp(0.5))
}

func TestCandidateConfidence(t *testing.T) {
	k := 3

	assert.InDelta(t, 0.25, CandidateConfidence(1, k), 1e-9)
	assert.InDelta(t, 5.0/8.0, CandidateConfidence(5, k), 1e-9)
	assert.Equal(t, 0.0, CandidateConfidence(0, k))

	// Monotonically increasing.
	prev := 0.0
	for obs := int64(1); obs <= 100; obs++ {
		c := CandidateConfidence(obs, k)
		assert.Greater(t, c, prev)
		prev = c
	}
}
