package engine

import (
	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/index"
	"github.com/dcrn/sigil/refs"
	"github.com/dcrn/sigil/testlink"
	"github.com/dcrn/sigil/validate"
)

// Summary is the discovery-level view of a contract: enough to decide
// whether to retrieve the full document, nothing more.
type Summary struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Priority    contract.Priority `json:"priority"`
	Status      contract.Status   `json:"status"`
	Domain      string            `json:"domain,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	TriggerType string            `json:"trigger_type,omitempty"`
	FileCount   int               `json:"file_count"`
	RuleCount   int               `json:"rule_count"`
}

func summarize(c *contract.Contract) Summary {
	return Summary{
		ID:          c.ID,
		Version:     c.Version,
		Name:        c.Name,
		Description: c.Description,
		Priority:    c.Priority,
		Status:      c.Status,
		Domain:      c.Domain,
		Tags:        c.Tags,
		TriggerType: c.TriggerType(),
		FileCount:   len(c.AllFiles()),
		RuleCount:   len(c.Rules),
	}
}

// ListFilter narrows List output. Zero value means everything.
type ListFilter struct {
	// Domain keeps only contracts with this exact domain.
	Domain string
	// Tags keeps contracts carrying at least one of these tags.
	Tags []string
}

func (f ListFilter) keep(c *contract.Contract) bool {
	if f.Domain != "" && c.Domain != f.Domain {
		return false
	}
	if len(f.Tags) > 0 {
		tagged := false
		for _, want := range f.Tags {
			for _, have := range c.Tags {
				if have == want {
					tagged = true
				}
			}
		}
		if !tagged {
			return false
		}
	}
	return true
}

// ListResult carries summaries plus load-time warnings: documents that
// failed to parse or collided on id still surface here, so a listing
// never silently hides a broken document.
type ListResult struct {
	Contracts []Summary `json:"contracts"`
	Warnings  []string  `json:"warnings,omitempty"`
}

// List returns summaries of all contracts passing the filter, sorted by
// id, and marks each returned contract as discovered for the session.
func (e *Engine) List(sess string, filter ListFilter) ListResult {
	snap := e.current()

	res := ListResult{Contracts: []Summary{}}
	var ids []string
	for _, c := range snap.contracts {
		if !filter.keep(c) {
			continue
		}
		res.Contracts = append(res.Contracts, summarize(c))
		ids = append(ids, c.ID)
	}
	for _, issue := range snap.issues {
		res.Warnings = append(res.Warnings, issue.Message)
	}
	res.Warnings = append(res.Warnings, snap.scanWarnings...)

	e.gate.Discover(sess, ids...)
	return res
}

// GetResult is a full contract document, optionally with the contents
// of every referenced file.
type GetResult struct {
	Contract *contract.Contract `json:"contract"`
	Files    []refs.Resolved    `json:"files,omitempty"`
	Warnings []string           `json:"warnings,omitempty"`
}

// Get returns the full contract. Requires the contract to have been
// discovered in this session; on success it is marked retrieved, which
// unlocks mutations. With deep set the contents of referenced files are
// included; broken references come back as markers plus a warning, never
// as a failed call.
func (e *Engine) Get(sess, id string, deep bool) (GetResult, error) {
	if err := e.gate.CheckDiscovered(sess, "get", id); err != nil {
		return GetResult{}, err
	}

	c, err := e.store.Get(id)
	if err != nil {
		return GetResult{}, err
	}

	res := GetResult{Contract: c}
	mode := refs.Shallow
	if deep {
		mode = refs.Deep
	}
	res.Files = e.resolver.Resolve(c.AllFiles(), mode)
	for _, broken := range refs.BrokenPaths(res.Files) {
		res.Warnings = append(res.Warnings, "referenced file does not exist: "+broken)
	}

	e.gate.MarkRetrieved(sess, id)
	return res, nil
}

// AffectedMatch is one contract implicated by a changeset, with the
// match evidence broken out per source.
type AffectedMatch struct {
	Summary      Summary              `json:"contract"`
	MatchedPaths []string             `json:"matched_paths"`
	Direct       []string             `json:"direct,omitempty"`
	AppliesTo    []index.PatternMatch `json:"applies_to,omitempty"`
	Rules        []index.RuleMatch    `json:"rules,omitempty"`
}

// AffectedResult is the outcome of an affected-by query.
type AffectedResult struct {
	Matches  []AffectedMatch `json:"matches"`
	Warnings []string        `json:"warnings,omitempty"`
}

// AffectedBy returns every contract whose file references or applies_to
// patterns match at least one of the given paths. Matched contracts are
// marked discovered for the session, so affected-by is an alternative
// entry point to List.
func (e *Engine) AffectedBy(sess string, paths []string) AffectedResult {
	snap := e.current()
	matches, warnings := snap.affinity.AffectedBy(snap.contracts, paths)

	res := AffectedResult{Matches: []AffectedMatch{}, Warnings: warnings}
	var ids []string
	for _, m := range matches {
		res.Matches = append(res.Matches, AffectedMatch{
			Summary:      summarize(m.Contract),
			MatchedPaths: m.MatchedPaths(paths),
			Direct:       m.Direct,
			AppliesTo:    m.AppliesTo,
			Rules:        m.Rules,
		})
		ids = append(ids, m.Contract.ID)
	}

	e.gate.Discover(sess, ids...)
	return res
}

// Related returns contracts similar to the given one, ranked by shared
// dependencies, tags, trigger type, and file references.
func (e *Engine) Related(id string) ([]index.Relation, error) {
	snap := e.current()
	if _, ok := snap.byID[id]; !ok {
		return nil, notFound(id)
	}
	return snap.graph.Related(id), nil
}

// LinkedTests returns the test annotations pointing at the contract.
func (e *Engine) LinkedTests(id string) ([]testlink.Link, error) {
	snap := e.current()
	if _, ok := snap.byID[id]; !ok {
		return nil, notFound(id)
	}
	return snap.links.LinksFor(id), nil
}

// validateInput assembles the validator's input from a snapshot.
func (e *Engine) validateInput(snap *snapshot) validate.Input {
	return validate.Input{
		Contracts: snap.contracts,
		Issues:    snap.issues,
		Resolver:  e.resolver,
		Links:     snap.links,
	}
}

// ValidateAll runs the structural validator over the whole registry.
func (e *Engine) ValidateAll() validate.Report {
	return validate.Run(e.validateInput(e.current()))
}

// Validate narrows a full validation run to defects touching one
// contract, with the verdict recomputed for that contract's priority.
func (e *Engine) Validate(id string) (validate.Report, error) {
	snap := e.current()
	c, ok := snap.byID[id]
	if !ok {
		return validate.Report{}, notFound(id)
	}
	report := validate.Run(e.validateInput(snap))
	return report.ForContract(id, c.Priority), nil
}

// Health runs the validator and layers staleness signals on top.
func (e *Engine) Health() validate.Health {
	snap := e.current()
	return validate.Aggregate(validate.HealthInput{
		Input:   e.validateInput(snap),
		DocPath: e.store.Path,
		Root:    e.cfg.Contracts.Root,
	})
}

// Notes returns the free-text project conventions from configuration.
func (e *Engine) Notes() string {
	return e.cfg.Notes
}

// Instructions returns the agent-facing usage guide.
func (e *Engine) Instructions() string {
	return e.cfg.AgentInstructions()
}

// ReviewEntry is one affected contract in full detail: the complete
// document plus the contents of every file it references.
type ReviewEntry struct {
	Match    AffectedMatch      `json:"match"`
	Contract *contract.Contract `json:"contract"`
	Files    []refs.Resolved    `json:"files,omitempty"`
}

// ReviewResult is everything a reviewer needs to judge a changeset
// against the registry. The semantic verdict stays with the caller.
type ReviewResult struct {
	Entries  []ReviewEntry `json:"entries"`
	Notes    string        `json:"notes,omitempty"`
	Diff     string        `json:"diff,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// ReviewChangeset resolves every contract affected by the given paths in
// full depth. Each returned contract counts as both discovered and
// retrieved for the session, since the caller now holds its complete
// contents. The diff, when given, is echoed back untouched so the
// reviewer sees contracts and change side by side; it is never
// interpreted.
func (e *Engine) ReviewChangeset(sess string, paths []string, diff string) ReviewResult {
	snap := e.current()
	matches, warnings := snap.affinity.AffectedBy(snap.contracts, paths)

	res := ReviewResult{Entries: []ReviewEntry{}, Notes: e.cfg.Notes, Diff: diff, Warnings: warnings}
	for _, m := range matches {
		entry := ReviewEntry{
			Match: AffectedMatch{
				Summary:      summarize(m.Contract),
				MatchedPaths: m.MatchedPaths(paths),
				Direct:       m.Direct,
				AppliesTo:    m.AppliesTo,
				Rules:        m.Rules,
			},
			Contract: m.Contract,
			Files:    e.resolver.Resolve(m.Contract.AllFiles(), refs.Deep),
		}
		for _, broken := range refs.BrokenPaths(entry.Files) {
			res.Warnings = append(res.Warnings, "contract "+m.Contract.ID+": referenced file does not exist: "+broken)
		}
		res.Entries = append(res.Entries, entry)

		e.gate.Discover(sess, m.Contract.ID)
		e.gate.MarkRetrieved(sess, m.Contract.ID)
	}
	return res
}
