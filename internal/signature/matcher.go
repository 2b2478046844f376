package signature

import (
	"regexp"
	"strings"
	"sync"
)

// maxMessageLength truncates incoming messages before matching to prevent
// pathological regex behavior on huge inputs.
const maxMessageLength = 8192

// matcher tests a raw message against one signature pattern. Patterns that
// compile are regexes; anything else falls back to substring matching. Both
// forms are case-insensitive.
type matcher struct {
	re     *regexp.Regexp
	substr string
}

func newMatcher(pattern string) matcher {
	if re, err := regexp.Compile("(?i)" + pattern); err == nil {
		return matcher{re: re}
	}
	return matcher{substr: strings.ToLower(pattern)}
}

func (m matcher) matches(message string) bool {
	if m.re != nil {
		return m.re.MatchString(message)
	}
	return strings.Contains(strings.ToLower(message), m.substr)
}

// cacheEntry pairs a signature with its compiled matcher.
type cacheEntry struct {
	sig   Signature
	match matcher
}

// cache is the in-memory mirror of the durable signature set, kept in
// insertion order so that matching is deterministic (first match wins).
// It is an explicit object owned by the service, refreshed on write-through.
// Matching is first match, not most specific: seed sets order specific
// patterns ahead of broad ones.
type cache struct {
	mu      sync.RWMutex
	entries []*cacheEntry
	byID    map[string]*cacheEntry
}

func newCache() *cache {
	return &cache{byID: make(map[string]*cacheEntry)}
}

// replaceAll rebuilds the cache from signatures already in insertion order.
func (c *cache) replaceAll(sigs []*Signature) {
	entries := make([]*cacheEntry, 0, len(sigs))
	byID := make(map[string]*cacheEntry, len(sigs))
	for _, s := range sigs {
		e := &cacheEntry{sig: *s, match: newMatcher(s.Pattern)}
		entries = append(entries, e)
		byID[s.ID] = e
	}

	c.mu.Lock()
	c.entries = entries
	c.byID = byID
	c.mu.Unlock()
}

// put inserts or replaces a signature. New signatures append at the end,
// preserving insertion order.
func (c *cache) put(s *Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byID[s.ID]; ok {
		e.sig = *s
		e.match = newMatcher(s.Pattern)
		return
	}
	e := &cacheEntry{sig: *s, match: newMatcher(s.Pattern)}
	c.entries = append(c.entries, e)
	c.byID[s.ID] = e
}

// findByPattern returns the signature with the given pattern, if cached.
func (c *cache) findByPattern(pattern string) (*Signature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if e.sig.Pattern == pattern {
			sig := e.sig
			return &sig, true
		}
	}
	return nil, false
}

// firstMatch scans entries in insertion order and returns a copy of the
// first signature whose pattern matches the message.
func (c *cache) firstMatch(message string) (*Signature, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if e.match.matches(message) {
			sig := e.sig
			return &sig, true
		}
	}
	return nil, false
}

// list returns copies of all cached signatures in insertion order.
func (c *cache) list() []*Signature {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Signature, 0, len(c.entries))
	for _, e := range c.entries {
		sig := e.sig
		out = append(out, &sig)
	}
	return out
}

// fallbackVocabulary is the fixed set of failure-indicative terms scanned
// when no signature matches. Terms are checked in order; co-occurring hits
// form one keyword cluster.
var fallbackVocabulary = []string{
	"address already in use",
	"timed out",
	"timeout",
	"connection refused",
	"connection reset",
	"permission denied",
	"access denied",
	"no such file",
	"not found",
	"unreachable",
	"out of memory",
	"broken pipe",
	"panic",
}

// extractCluster returns the keyword cluster for an unmatched message, or ""
// when no vocabulary term is present. Hits that are substrings of an earlier
// hit are skipped so "connection refused" does not also yield "refused".
func extractCluster(message string) string {
	lower := strings.ToLower(message)
	var hits []string
	for _, term := range fallbackVocabulary {
		if !strings.Contains(lower, term) {
			continue
		}
		contained := false
		for _, h := range hits {
			if strings.Contains(h, term) {
				contained = true
				break
			}
		}
		if !contained {
			hits = append(hits, term)
		}
	}
	return strings.Join(hits, "+")
}
