package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher_RegexAndSubstringFallback(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		message string
		want    bool
	}{
		{
			name:    "regex alternation",
			pattern: "address already in use|bind: address",
			message: "listen tcp :8080: bind: address already in use",
			want:    true,
		},
		{
			name:    "regex wildcard",
			pattern: "port .* in use",
			message: "port 8080 is in use",
			want:    true,
		},
		{
			name:    "regex case insensitive",
			pattern: "OOM",
			message: "process killed: oom",
			want:    true,
		},
		{
			name:    "invalid regex falls back to substring",
			pattern: "panic: [unclosed",
			message: "goroutine crash panic: [unclosed bracket",
			want:    true,
		},
		{
			name:    "substring fallback is case insensitive",
			pattern: "FATAL [error",
			message: "fatal [error in worker",
			want:    true,
		},
		{
			name:    "no match",
			pattern: "out of memory",
			message: "connection reset by peer",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMatcher(tt.pattern)
			assert.Equal(t, tt.want, m.matches(tt.message))
		})
	}
}

func TestExtractCluster(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "single term",
			message: "dial tcp: connection refused",
			want:    "connection refused",
		},
		{
			name:    "two terms joined",
			message: "request timed out, host unreachable",
			want:    "timed out+unreachable",
		},
		{
			name:    "timed out does not also yield timeout",
			message: "handshake timed out",
			want:    "timed out",
		},
		{
			name:    "bare timeout",
			message: "context timeout waiting for lock",
			want:    "timeout",
		},
		{
			name:    "no vocabulary terms",
			message: "everything is fine actually",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractCluster(tt.message))
		})
	}
}

func TestCache_InsertionOrder(t *testing.T) {
	c := newCache()
	c.put(&Signature{ID: "a", Pattern: "x y z"})
	c.put(&Signature{ID: "b", Pattern: "x"})

	sig, ok := c.firstMatch("prefix x y z suffix")
	assert.True(t, ok)
	assert.Equal(t, "a", sig.ID)

	// Updating an existing entry keeps its position.
	c.put(&Signature{ID: "a", Pattern: "x y z", Score: 0.9})
	sig, ok = c.firstMatch("prefix x y z suffix")
	assert.True(t, ok)
	assert.Equal(t, "a", sig.ID)
	assert.Equal(t, 0.9, sig.Score)

	list := c.list()
	assert.Equal(t, []string{"a", "b"}, []string{list[0].ID, list[1].ID})
}

func TestCache_Isolation(t *testing.T) {
	c := newCache()
	c.put(&Signature{ID: "a", Pattern: "x"})

	sig, ok := c.firstMatch("x")
	assert.True(t, ok)
	sig.Score = 0.99

	again, _ := c.firstMatch("x")
	assert.Equal(t, 0.0, again.Score, "callers get copies, not cache internals")
}
