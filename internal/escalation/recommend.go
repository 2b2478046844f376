package escalation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

// recommendationRule maps a matched-category count or a keyword tally over
// the episode's error messages to an operator hint.
type recommendationRule struct {
	category string
	keyword  string
	minCount int
	text     string
}

var recommendationRules = []recommendationRule{
	{
		category: signature.CategoryPortInUse,
		minCount: 2,
		text:     "Repeated port-conflict failures: verify the target's port configuration and check for orphaned listeners.",
	},
	{
		category: signature.CategoryPermissionDenied,
		minCount: 2,
		text:     "Repeated permission failures: review the target's file ownership and the user it runs as.",
	},
	{
		category: signature.CategoryDependencyMissing,
		minCount: 1,
		text:     "Missing dependencies persisted across attempts: check the target's install manifest and package sources.",
	},
	{
		category: signature.CategoryFileMissing,
		minCount: 2,
		text:     "Expected files keep disappearing: check the target's working directory and any cleanup jobs touching it.",
	},
	{
		category: signature.CategoryTimeout,
		minCount: 2,
		text:     "Repeated timeouts: check downstream service health and network latency from the target's host.",
	},
	{
		category: signature.CategoryConnectionRefused,
		minCount: 2,
		text:     "Repeated connection refusals: confirm the upstream the target depends on is running and listening.",
	},
	{
		category: signature.CategoryOutOfMemory,
		minCount: 1,
		text:     "Out-of-memory failures: raise the target's memory limit or investigate a leak before un-quarantining.",
	},
	{
		keyword:  "disk",
		minCount: 2,
		text:     "Disk-related errors in the episode: check free space and inode usage on the target's volumes.",
	},
	{
		keyword:  "certificate",
		minCount: 1,
		text:     "Certificate errors in the episode: check for expired or rotated certificates.",
	},
}

// recommendations derives operator hints from the episode's attempts.
func recommendations(attempts []*remediation.Attempt, categoryCounts map[string]int) []string {
	keywordCounts := make(map[string]int)
	for _, a := range attempts {
		lower := strings.ToLower(a.Message)
		for _, rule := range recommendationRules {
			if rule.keyword != "" && strings.Contains(lower, rule.keyword) {
				keywordCounts[rule.keyword]++
			}
		}
	}

	var recs []string
	for _, rule := range recommendationRules {
		switch {
		case rule.category != "" && categoryCounts[rule.category] >= rule.minCount:
			recs = appendUnique(recs, rule.text)
		case rule.keyword != "" && keywordCounts[rule.keyword] >= rule.minCount:
			recs = appendUnique(recs, rule.text)
		}
	}

	recs = appendUnique(recs, fmt.Sprintf(
		"Target quarantined after %d failed remediation attempts; manual intervention required before reset.",
		len(attempts),
	))
	return recs
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
