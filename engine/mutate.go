package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"gopkg.in/yaml.v3"

	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/refs"
	"github.com/dcrn/sigil/store"
	"github.com/dcrn/sigil/testlink"
)

func notFound(id string) error {
	return fmt.Errorf("%q: %w", id, store.ErrNotFound)
}

// CreateResult reports where the new document landed.
type CreateResult struct {
	Path     string   `json:"path"`
	Warnings []string `json:"warnings,omitempty"`
}

// Create persists a new contract document and rebuilds the indices
// before returning. The new contract counts as retrieved for the
// creating session. References to files that do not exist yet are
// warnings, not failures: contracts may legitimately precede code.
func (e *Engine) Create(ctx context.Context, sess string, c *contract.Contract) (CreateResult, error) {
	unlock, err := e.store.Lock(c.ID)
	if err != nil {
		return CreateResult{}, err
	}
	defer unlock()

	path, err := e.store.Create(c)
	if err != nil {
		return CreateResult{}, err
	}
	e.rebuild()

	res := CreateResult{Path: path}
	for _, broken := range refs.BrokenPaths(e.resolver.Resolve(c.AllFiles(), refs.Shallow)) {
		res.Warnings = append(res.Warnings, "referenced file does not exist: "+broken)
	}

	e.gate.Discover(sess, c.ID)
	e.gate.MarkRetrieved(sess, c.ID)
	e.publish(ctx, EventCreated, c.ID, c.Version)
	e.logger.Info("contract created", "contract_id", c.ID, "path", path)
	return res, nil
}

// UpdateResult carries the merged document plus a unified diff of the
// on-disk change, so the caller can see exactly what was rewritten.
type UpdateResult struct {
	Contract *contract.Contract `json:"contract"`
	Path     string             `json:"path"`
	Diff     string             `json:"diff"`
	Warnings []string           `json:"warnings,omitempty"`
}

// Update applies a shallow field merge to an existing contract: each
// top-level field in patch replaces the stored field wholesale, lists
// included. Requires the contract to have been retrieved in this
// session. The id is immutable; the version may stay or move forward
// but never regress. With a non-empty message a changelog entry is
// appended under the merged version. Concurrent updates to the same id
// race: the loser gets ErrMutationConflict and must re-retrieve.
func (e *Engine) Update(ctx context.Context, sess, id string, patch map[string]any, message string) (UpdateResult, error) {
	if err := e.gate.CheckRetrieved(sess, "update", id); err != nil {
		return UpdateResult{}, err
	}

	unlock, err := e.store.Lock(id)
	if err != nil {
		return UpdateResult{}, err
	}
	defer unlock()

	old, err := e.store.Get(id)
	if err != nil {
		return UpdateResult{}, err
	}

	if raw, ok := patch["id"]; ok {
		if next, _ := raw.(string); next != id {
			return UpdateResult{}, fmt.Errorf("%q: %w", id, store.ErrIDImmutable)
		}
	}

	oldDoc, err := old.Encode()
	if err != nil {
		return UpdateResult{}, err
	}

	merged, err := mergeDocument(oldDoc, patch, message)
	if err != nil {
		return UpdateResult{}, err
	}
	next, err := contract.Parse(merged)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("patch produces invalid contract: %w", err)
	}

	path, err := e.store.Update(next)
	if err != nil {
		return UpdateResult{}, err
	}
	e.rebuild()

	newDoc, err := next.Encode()
	if err != nil {
		return UpdateResult{}, err
	}

	res := UpdateResult{
		Contract: next,
		Path:     path,
		Diff:     unifiedDiff(path, oldDoc, newDoc),
	}
	for _, broken := range refs.BrokenPaths(e.resolver.Resolve(next.AllFiles(), refs.Shallow)) {
		res.Warnings = append(res.Warnings, "referenced file does not exist: "+broken)
	}

	e.publish(ctx, EventUpdated, id, next.Version)
	e.logger.Info("contract updated", "contract_id", id, "version", next.Version)
	return res, nil
}

// mergeDocument applies the shallow merge over the encoded document and
// appends the changelog entry. Working on the generic YAML mapping keeps
// the merge honest: untouched fields survive byte-for-byte in value
// terms, and the strict re-parse afterwards rejects unknown or malformed
// patch fields.
func mergeDocument(doc []byte, patch map[string]any, message string) ([]byte, error) {
	base := make(map[string]any)
	if err := yaml.Unmarshal(doc, &base); err != nil {
		return nil, fmt.Errorf("decode stored document: %w", err)
	}

	for k, v := range patch {
		base[k] = v
	}

	if message != "" {
		version, _ := base["version"].(string)
		entry := map[string]any{
			"version":     version,
			"date":        time.Now().Format("2006-01-02"),
			"description": message,
		}
		if existing, ok := base["changelog"].([]any); ok {
			base["changelog"] = append(existing, entry)
		} else {
			base["changelog"] = []any{entry}
		}
	}

	return yaml.Marshal(base)
}

// unifiedDiff renders the document change as a unified diff.
func unifiedDiff(path string, before, after []byte) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(before)),
		B:        difflib.SplitLines(string(after)),
		FromFile: path,
		ToFile:   path,
		Context:  3,
	})
	if err != nil || diff == "" {
		return ""
	}
	return diff
}

// DeleteResult reports what the deletion disturbed: contracts that
// depended on the deleted one now dangle, and test annotations pointing
// at it are now orphaned.
type DeleteResult struct {
	Path       string          `json:"path"`
	Dependents []string        `json:"dependents,omitempty"`
	Links      []testlink.Link `json:"orphaned_links,omitempty"`
}

// Delete removes the contract document. Requires the contract to have
// been retrieved in this session. Dependent contracts are reported, not
// touched: their dangling edges surface on the next validation.
func (e *Engine) Delete(ctx context.Context, sess, id string) (DeleteResult, error) {
	if err := e.gate.CheckRetrieved(sess, "delete", id); err != nil {
		return DeleteResult{}, err
	}

	unlock, err := e.store.Lock(id)
	if err != nil {
		return DeleteResult{}, err
	}
	defer unlock()

	path := e.store.Path(id)
	links := e.current().links.LinksFor(id)

	impact, err := e.store.Delete(id)
	if err != nil {
		return DeleteResult{}, err
	}
	e.rebuild()

	e.publish(ctx, EventDeleted, id, "")
	e.logger.Info("contract deleted", "contract_id", id, "dependents", len(impact.Dependents))
	return DeleteResult{Path: path, Dependents: impact.Dependents, Links: links}, nil
}
