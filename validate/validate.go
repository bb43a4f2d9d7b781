// Package validate composes the store, the dependency graph, the
// reference resolver, and the test-link table into a deterministic,
// side-effect-free defect report. No semantic judgment: every defect is
// a fact derivable from the documents and sources alone.
package validate

import (
	"fmt"
	"strings"

	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/index"
	"github.com/dcrn/sigil/refs"
	"github.com/dcrn/sigil/store"
	"github.com/dcrn/sigil/testlink"
)

// Defect kinds. The first three mirror the store's load-issue kinds.
const (
	KindParseError         = "parse_error"
	KindDuplicateID        = "duplicate_id"
	KindFilenameMismatch   = "filename_id_mismatch"
	KindDuplicateRuleID    = "duplicate_rule_id"
	KindBrokenRef          = "broken_ref"
	KindDanglingDependency = "dangling_dependency"
	KindDependencyCycle    = "dependency_cycle"
	KindOrphanedAnnotation = "orphaned_annotation"
	KindUncoveredContract  = "uncovered_contract"
)

// Defect is one structural fact. Severity is not judged here beyond the
// overall pass verdict.
type Defect struct {
	Kind       string   `json:"kind"`
	ContractID string   `json:"contract_id,omitempty"`
	File       string   `json:"file,omitempty"`
	Cycle      []string `json:"cycle,omitempty"`
	Message    string   `json:"message"`
}

// Report is the outcome of one validation run.
type Report struct {
	Pass    bool     `json:"pass"`
	Defects []Defect `json:"defects"`
}

// Counts returns the number of defects per kind.
func (r Report) Counts() map[string]int {
	counts := make(map[string]int)
	for _, d := range r.Defects {
		counts[d.Kind]++
	}
	return counts
}

// ForContract narrows the report to defects touching one contract id,
// recomputing the verdict for the subset.
func (r Report) ForContract(id string, priority contract.Priority) Report {
	sub := Report{Pass: true}
	for _, d := range r.Defects {
		touches := d.ContractID == id
		for _, c := range d.Cycle {
			if c == id {
				touches = true
			}
		}
		if touches {
			sub.Defects = append(sub.Defects, d)
		}
	}
	if len(sub.Defects) > 0 && priority == contract.PriorityMust {
		sub.Pass = false
	}
	return sub
}

// Input is everything one validation run reads. The run itself performs
// no writes and is safe to repeat on every push.
type Input struct {
	Contracts []*contract.Contract
	Issues    []store.Issue   // load-time parse/duplicate/filename issues
	Resolver  *refs.Resolver  // nil skips broken-ref checks
	Links     *testlink.Table // nil skips annotation checks
}

// Run produces the full defect report. The overall verdict fails when
// any must-priority contract has an associated defect; document-level
// parse and duplicate-id defects also fail since the affected
// contract's priority is unknowable.
func Run(in Input) Report {
	var defects []Defect

	priorities := make(map[string]contract.Priority, len(in.Contracts))
	known := make(map[string]bool, len(in.Contracts))
	for _, c := range in.Contracts {
		priorities[c.ID] = c.Priority
		known[c.ID] = true
	}

	for _, issue := range in.Issues {
		defects = append(defects, Defect{
			Kind:       issue.Kind,
			ContractID: issue.ContractID,
			File:       issue.Path,
			Message:    issue.Message,
		})
	}

	for _, c := range in.Contracts {
		for _, dup := range c.DuplicateRuleIDs() {
			defects = append(defects, Defect{
				Kind:       KindDuplicateRuleID,
				ContractID: c.ID,
				Message:    fmt.Sprintf("duplicate rule id %q", dup),
			})
		}

		if in.Resolver != nil {
			for _, r := range in.Resolver.Resolve(c.AllFiles(), refs.Shallow) {
				if r.Broken() {
					defects = append(defects, Defect{
						Kind:       KindBrokenRef,
						ContractID: c.ID,
						File:       r.Path,
						Message:    fmt.Sprintf("referenced file does not exist: %q", r.Path),
					})
				}
			}
		}
	}

	graph := index.BuildGraph(in.Contracts)
	for _, e := range graph.Dangling() {
		defects = append(defects, Defect{
			Kind:       KindDanglingDependency,
			ContractID: e.From,
			Message:    fmt.Sprintf("depends on unknown contract %q", e.To),
		})
	}
	for _, cycle := range graph.Cycles() {
		defects = append(defects, Defect{
			Kind:    KindDependencyCycle,
			Cycle:   cycle,
			Message: fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " → ")),
		})
	}

	if in.Links != nil {
		for _, l := range in.Links.Orphans(func(id string) bool { return known[id] }) {
			defects = append(defects, Defect{
				Kind:       KindOrphanedAnnotation,
				ContractID: l.ContractID,
				File:       l.Source,
				Message:    fmt.Sprintf("%s:%d annotates unknown contract %q", l.Source, l.Line, l.ContractID),
			})
		}
		ids := make([]string, 0, len(in.Contracts))
		for _, c := range in.Contracts {
			ids = append(ids, c.ID)
		}
		for _, id := range in.Links.Uncovered(ids) {
			defects = append(defects, Defect{
				Kind:       KindUncoveredContract,
				ContractID: id,
				Message:    fmt.Sprintf("contract %q has no linked tests", id),
			})
		}
	}

	return Report{Pass: verdict(defects, priorities), Defects: defects}
}

// verdict fails the run when any must-priority contract has a defect.
// Defects that cannot be attributed to a parsed contract (parse errors,
// duplicate ids) fail unconditionally.
func verdict(defects []Defect, priorities map[string]contract.Priority) bool {
	for _, d := range defects {
		switch d.Kind {
		case KindParseError, KindDuplicateID:
			return false
		}
		if p, ok := priorities[d.ContractID]; ok && p == contract.PriorityMust {
			return false
		}
		for _, id := range d.Cycle {
			if priorities[id] == contract.PriorityMust {
				return false
			}
		}
	}
	return true
}
