package validate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dcrn/sigil/contract"
)

// StaleSignal flags a contract that probably needs attention. Signals
// are exposed as-is, never as hard defects, and never affect the
// validation verdict.
type StaleSignal struct {
	ContractID string `json:"contract_id"`
	File       string `json:"file,omitempty"`
	Reason     string `json:"reason"`
}

// Health is the holistic report: the full defect list with per-kind
// counts plus staleness signals.
type Health struct {
	Pass    bool           `json:"pass"`
	Counts  map[string]int `json:"counts"`
	Defects []Defect       `json:"defects"`
	Stale   []StaleSignal  `json:"stale"`
}

// HealthInput extends a validation input with what staleness detection
// needs: document locations and the root referenced files resolve
// against.
type HealthInput struct {
	Input
	DocPath func(id string) string
	Root    string
}

// Aggregate runs the structural validator and layers staleness signals
// on top: referenced files modified after the contract document was last
// touched, and dependencies on deprecated contracts.
func Aggregate(in HealthInput) Health {
	report := Run(in.Input)

	h := Health{
		Pass:    report.Pass,
		Counts:  report.Counts(),
		Defects: report.Defects,
		Stale:   []StaleSignal{},
	}

	status := make(map[string]contract.Status, len(in.Contracts))
	for _, c := range in.Contracts {
		status[c.ID] = c.Status
	}

	for _, c := range in.Contracts {
		h.Stale = append(h.Stale, staleFiles(in, c)...)

		for _, d := range c.DependsOn {
			if status[d.ID] == contract.StatusDeprecated {
				h.Stale = append(h.Stale, StaleSignal{
					ContractID: c.ID,
					Reason:     fmt.Sprintf("depends on deprecated contract %q", d.ID),
				})
			}
		}
	}

	return h
}

// staleFiles flags referenced files modified after the contract document
// itself. That usually means the code moved on without a contract (and
// changelog) update.
func staleFiles(in HealthInput, c *contract.Contract) []StaleSignal {
	if in.DocPath == nil {
		return nil
	}
	docPath := in.DocPath(c.ID)
	if docPath == "" {
		return nil
	}
	docInfo, err := os.Stat(docPath)
	if err != nil {
		return nil
	}

	var out []StaleSignal
	for _, f := range c.AllFiles() {
		full := f
		if in.Root != "" && !filepath.IsAbs(f) {
			full = filepath.Join(in.Root, f)
		}
		info, err := os.Stat(full)
		if err != nil {
			continue // missing files are broken refs, not staleness
		}
		if info.ModTime().After(docInfo.ModTime()) {
			out = append(out, StaleSignal{
				ContractID: c.ID,
				File:       f,
				Reason:     "referenced file modified after the contract was last updated",
			})
		}
	}
	return out
}
