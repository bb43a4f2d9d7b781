// Package index provides the query-side indices over loaded contracts:
// the file-affinity index answering "which contracts care about these
// paths" and the dependency graph answering cycle, dangling-edge, and
// similarity queries.
package index

import (
	"fmt"

	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/glob"
)

// PatternMatch records which input paths one applies_to pattern matched.
type PatternMatch struct {
	Pattern string   `json:"pattern"`
	Paths   []string `json:"matched_files"`
}

// RuleMatch records which input paths implicated one specific rule.
// Rule-level granularity lets a caller distinguish "the whole contract
// is implicated" from "only this rule is implicated".
type RuleMatch struct {
	RuleID string   `json:"rule_id"`
	Paths  []string `json:"matched_files"`
}

// Match is one affected contract together with why it matched.
type Match struct {
	Contract  *contract.Contract
	Direct    []string       // input paths equal to top-level file references
	AppliesTo []PatternMatch // per applies_to pattern
	Rules     []RuleMatch    // per rule, via the rule's file references
}

// MatchedPaths returns the union of matched input paths in input order.
func (m Match) MatchedPaths(paths []string) []string {
	hit := make(map[string]bool)
	for _, p := range m.Direct {
		hit[p] = true
	}
	for _, pm := range m.AppliesTo {
		for _, p := range pm.Paths {
			hit[p] = true
		}
	}
	for _, rm := range m.Rules {
		for _, p := range rm.Paths {
			hit[p] = true
		}
	}
	out := make([]string, 0, len(hit))
	for _, p := range paths {
		if hit[p] {
			out = append(out, p)
		}
	}
	return out
}

// Affinity matches changed paths against contract file references and
// applies_to glob patterns.
type Affinity struct {
	matcher *glob.Matcher
}

// NewAffinity creates an affinity index backed by the given matcher cache.
func NewAffinity(m *glob.Matcher) *Affinity {
	if m == nil {
		m = glob.NewMatcher()
	}
	return &Affinity{matcher: m}
}

// AffectedBy returns every contract where at least one of applies_to, the
// top-level files, or any rule's files matches at least one input path.
// Contracts keep their input order and appear at most once even when
// multiple pattern sources match. Invalid patterns are reported as
// warnings and match nothing.
func (a *Affinity) AffectedBy(contracts []*contract.Contract, paths []string) ([]Match, []string) {
	normalized := make([]string, len(paths))
	for i, p := range paths {
		normalized[i] = glob.Normalize(p)
	}

	var matches []Match
	var warnings []string

	for _, c := range contracts {
		m := Match{Contract: c}

		for _, p := range normalized {
			for _, f := range c.Files {
				if glob.Normalize(f) == p {
					m.Direct = append(m.Direct, p)
					break
				}
			}
		}

		for _, pattern := range c.AppliesToPatterns() {
			if !a.matcher.Valid(pattern) {
				warnings = append(warnings, fmt.Sprintf("contract %q: invalid applies_to pattern %q", c.ID, pattern))
				continue
			}
			var hit []string
			for _, p := range normalized {
				if a.matcher.Matches(pattern, p) {
					hit = append(hit, p)
				}
			}
			if len(hit) > 0 {
				m.AppliesTo = append(m.AppliesTo, PatternMatch{Pattern: pattern, Paths: hit})
			}
		}

		for _, r := range c.Rules {
			var hit []string
			for _, p := range normalized {
				for _, f := range r.Files {
					if glob.Normalize(f) == p {
						hit = append(hit, p)
						break
					}
				}
			}
			if len(hit) > 0 {
				m.Rules = append(m.Rules, RuleMatch{RuleID: r.ID, Paths: hit})
			}
		}

		if len(m.Direct) > 0 || len(m.AppliesTo) > 0 || len(m.Rules) > 0 {
			matches = append(matches, m)
		}
	}

	return matches, warnings
}
