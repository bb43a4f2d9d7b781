package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcrn/sigil/config"
	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/session"
	"github.com/dcrn/sigil/store"
	"github.com/dcrn/sigil/validate"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Contracts.Dir = filepath.Join(dir, "contracts")
	cfg.Contracts.Root = dir
	cfg.Tests.Sources = []string{filepath.Join(dir, "tests")}
	require.NoError(t, os.MkdirAll(cfg.Contracts.Dir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Tests.Sources[0], 0o755))
	return cfg
}

func writeDoc(t *testing.T, cfg config.Config, id, body string) {
	t.Helper()
	path := filepath.Join(cfg.Contracts.Dir, contract.Filename(id))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func writeSource(t *testing.T, cfg config.Config, rel, body string) {
	t.Helper()
	path := filepath.Join(cfg.Contracts.Root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func newEngine(t *testing.T, cfg config.Config, pub Publisher) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := New(cfg, logger, pub)
	require.NoError(t, err)
	return e
}

const apiErrorsDoc = `id: api-errors
version: 1.0.0
name: API error shape
description: Error responses share one envelope.
files:
  - internal/api/errors.go
applies_to: internal/api/**
`

func TestSessionOrdering(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	// Retrieval before discovery is rejected.
	_, err := e.Get("s1", "api-errors", false)
	var ordErr *session.OrderingError
	require.ErrorAs(t, err, &ordErr)
	assert.Equal(t, "get", ordErr.Op)

	res := e.List("s1", ListFilter{})
	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "api-errors", res.Contracts[0].ID)

	got, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Contract.Version)

	// A second session starts undiscovered even for the same contract.
	_, err = e.Get("s2", "api-errors", false)
	assert.ErrorAs(t, err, &ordErr)
}

func TestUpdateRequiresRetrieval(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	before, err := os.ReadFile(filepath.Join(cfg.Contracts.Dir, "api-errors.contract.yaml"))
	require.NoError(t, err)

	// Discovered but not retrieved: the mutation is rejected with no
	// side effect on disk.
	_, err = e.Update(context.Background(), "s1", "api-errors", map[string]any{"version": "1.1.0"}, "bump")
	var ordErr *session.OrderingError
	require.ErrorAs(t, err, &ordErr)
	assert.Equal(t, "get", ordErr.Required)

	after, err := os.ReadFile(filepath.Join(cfg.Contracts.Dir, "api-errors.contract.yaml"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestUpdateMergesAndAppendsChangelog(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeSource(t, cfg, "internal/api/errors.go", "package api\n")
	pub := &capturePublisher{}
	e := newEngine(t, cfg, pub)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	res, err := e.Update(context.Background(), "s1", "api-errors",
		map[string]any{"version": "1.1.0", "tags": []any{"http"}}, "document the envelope")
	require.NoError(t, err)

	assert.Equal(t, "1.1.0", res.Contract.Version)
	assert.Equal(t, []string{"http"}, res.Contract.Tags)
	// Untouched fields survive the merge.
	assert.Equal(t, "API error shape", res.Contract.Name)
	assert.Equal(t, []string{"internal/api/errors.go"}, res.Contract.Files)

	require.Len(t, res.Contract.Changelog, 1)
	assert.Equal(t, "1.1.0", res.Contract.Changelog[0].Version)
	assert.Equal(t, "document the envelope", res.Contract.Changelog[0].Description)

	assert.Contains(t, res.Diff, "-version: 1.0.0")
	assert.Contains(t, res.Diff, "+version: 1.1.0")
	assert.Empty(t, res.Warnings)
	assert.Equal(t, []string{EventUpdated}, pub.types())

	// The index swap is synchronous: a fresh session's list sees the
	// new version immediately.
	list := e.List("s2", ListFilter{})
	require.Len(t, list.Contracts, 1)
	assert.Equal(t, "1.1.0", list.Contracts[0].Version)
}

func TestRacingUpdates(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	const racers = 8
	start := make(chan struct{})
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.Update(context.Background(), "s1", "api-errors",
				map[string]any{"version": "1.0.1"}, "")
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	// Every racer either wins the per-id lock or fails with a conflict;
	// at least one commits, and the loser never corrupts the document.
	var ok, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrMutationConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, racers, ok+conflicts)
	assert.GreaterOrEqual(t, ok, 1)

	got, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", got.Contract.Version)
}

func TestUpdateRejectsIDChange(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	_, err = e.Update(context.Background(), "s1", "api-errors", map[string]any{"id": "api-faults"}, "")
	assert.ErrorIs(t, err, store.ErrIDImmutable)
}

func TestUpdateRejectsVersionRegression(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	_, err = e.Update(context.Background(), "s1", "api-errors", map[string]any{"version": "0.9.0"}, "")
	assert.ErrorIs(t, err, store.ErrVersionRegression)
}

func TestUpdateRejectsUnknownPatchField(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	_, err = e.Update(context.Background(), "s1", "api-errors", map[string]any{"severity": "high"}, "")
	var parseErr *contract.ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestAffectedByDiscovers(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeDoc(t, cfg, "storage-tx", `id: storage-tx
version: 1.0.0
name: Transactional writes
description: Writes happen inside a transaction.
files:
  - internal/storage/tx.go
`)
	e := newEngine(t, cfg, nil)

	res := e.AffectedBy("s1", []string{"internal/api/handler.go"})
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, "api-errors", m.Summary.ID)
	assert.Equal(t, []string{"internal/api/handler.go"}, m.MatchedPaths)
	assert.Empty(t, m.Direct)
	require.Len(t, m.AppliesTo, 1)
	assert.Equal(t, "internal/api/**", m.AppliesTo[0].Pattern)

	// Affected-by is a discovery entry point equal to List.
	_, err := e.Get("s1", "api-errors", false)
	assert.NoError(t, err)

	// The unmatched contract stays undiscovered.
	_, err = e.Get("s1", "storage-tx", false)
	var ordErr *session.OrderingError
	assert.ErrorAs(t, err, &ordErr)
}

func TestGetDeepResolvesAndMarksBroken(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", `id: api-errors
version: 1.0.0
name: API error shape
description: Error responses share one envelope.
files:
  - internal/api/errors.go
  - internal/api/gone.go
`)
	writeSource(t, cfg, "internal/api/errors.go", "package api\n")
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	got, err := e.Get("s1", "api-errors", true)
	require.NoError(t, err)

	require.Len(t, got.Files, 2)
	assert.Equal(t, "package api\n", got.Files[0].Contents)
	assert.True(t, got.Files[1].Broken())
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "internal/api/gone.go")
}

func TestListFilters(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", `id: api-errors
version: 1.0.0
name: API error shape
description: Error responses share one envelope.
domain: http
tags: [api, errors]
`)
	writeDoc(t, cfg, "storage-tx", `id: storage-tx
version: 1.0.0
name: Transactional writes
description: Writes happen inside a transaction.
domain: storage
tags: [db]
`)
	e := newEngine(t, cfg, nil)

	res := e.List("s1", ListFilter{Domain: "storage"})
	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "storage-tx", res.Contracts[0].ID)

	res = e.List("s1", ListFilter{Tags: []string{"errors", "unused"}})
	require.Len(t, res.Contracts, 1)
	assert.Equal(t, "api-errors", res.Contracts[0].ID)
}

func TestCreate(t *testing.T) {
	cfg := testConfig(t)
	pub := &capturePublisher{}
	e := newEngine(t, cfg, pub)

	c := &contract.Contract{
		ID:          "queue-backoff",
		Version:     "1.0.0",
		Name:        "Queue retry backoff",
		Description: "Retries back off exponentially.",
		Priority:    contract.PriorityMust,
		Status:      contract.StatusActive,
		Files:       []string{"internal/queue/backoff.go"},
	}
	res, err := e.Create(context.Background(), "s1", c)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	// The referenced file does not exist yet: warning, not failure.
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, []string{EventCreated}, pub.types())

	// The creating session may mutate without a separate get.
	_, err = e.Update(context.Background(), "s1", "queue-backoff", map[string]any{"version": "1.0.1"}, "")
	assert.NoError(t, err)

	_, err = e.Create(context.Background(), "s1", c)
	assert.ErrorIs(t, err, store.ErrDuplicateID)
}

func TestDeleteReportsImpact(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeDoc(t, cfg, "api-handlers", `id: api-handlers
version: 1.0.0
name: Handler conventions
description: Handlers follow the shared conventions.
depends_on:
  - api-errors
`)
	writeSource(t, cfg, "tests/api_test.go", `func TestEnvelope(t *testing.T) { // fulfills-contract("api-errors")
}
`)
	pub := &capturePublisher{}
	e := newEngine(t, cfg, pub)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	res, err := e.Delete(context.Background(), "s1", "api-errors")
	require.NoError(t, err)
	assert.Equal(t, []string{"api-handlers"}, res.Dependents)
	require.Len(t, res.Links, 1)
	assert.Equal(t, "api-errors", res.Links[0].ContractID)
	assert.NoFileExists(t, res.Path)
	assert.Equal(t, []string{EventDeleted}, pub.types())

	// The dependent survives; its edge now dangles and the annotation
	// is orphaned, both visible on the next validation.
	report := e.ValidateAll()
	counts := report.Counts()
	assert.Equal(t, 1, counts[validate.KindDanglingDependency])
	assert.Equal(t, 1, counts[validate.KindOrphanedAnnotation])
}

func TestReviewChangesetUnlocksMutation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notes = "Error codes are registered in docs/errors.md."
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeSource(t, cfg, "internal/api/errors.go", "package api\n")
	e := newEngine(t, cfg, nil)

	diff := "--- a/internal/api/errors.go\n+++ b/internal/api/errors.go\n"
	res := e.ReviewChangeset("s1", []string{"internal/api/errors.go"}, diff)
	require.Len(t, res.Entries, 1)
	entry := res.Entries[0]
	assert.Equal(t, "api-errors", entry.Contract.ID)
	require.Len(t, entry.Files, 1)
	assert.Equal(t, "package api\n", entry.Files[0].Contents)
	assert.Equal(t, cfg.Notes, res.Notes)
	assert.Equal(t, diff, res.Diff)

	// Review delivers full contents, so mutations are unlocked.
	_, err := e.Update(context.Background(), "s1", "api-errors", map[string]any{"version": "1.0.1"}, "")
	assert.NoError(t, err)
}

func TestValidateForContract(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeDoc(t, cfg, "api-handlers", `id: api-handlers
version: 1.0.0
name: Handler conventions
description: Handlers follow the shared conventions.
priority: should
depends_on:
  - missing-contract
`)
	writeSource(t, cfg, "internal/api/errors.go", "package api\n")
	e := newEngine(t, cfg, nil)

	report, err := e.Validate("api-handlers")
	require.NoError(t, err)
	// should-priority defects are reported without failing the verdict.
	assert.True(t, report.Pass)
	require.NotEmpty(t, report.Defects)
	assert.Equal(t, validate.KindDanglingDependency, report.Defects[0].Kind)

	_, err = e.Validate("nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHealthAndCleanPass(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeSource(t, cfg, "internal/api/errors.go", "package api\n")
	writeSource(t, cfg, "tests/api_test.go", `// fulfills-contract("api-errors")
`)
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(cfg.Contracts.Root, "internal/api/errors.go"), future, future))
	e := newEngine(t, cfg, nil)

	// Referenced file is newer than the document, so health flags it as
	// stale without failing the verdict.
	h := e.Health()
	assert.True(t, h.Pass)
	assert.Empty(t, h.Defects)
	require.Len(t, h.Stale, 1)
	assert.Equal(t, "api-errors", h.Stale[0].ContractID)
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	pub := &capturePublisher{}
	e := newEngine(t, cfg, pub)

	writeDoc(t, cfg, "storage-tx", `id: storage-tx
version: 1.0.0
name: Transactional writes
description: Writes happen inside a transaction.
`)
	require.NoError(t, e.Reload(context.Background()))

	res := e.List("s1", ListFilter{})
	assert.Len(t, res.Contracts, 2)
	assert.Equal(t, []string{EventReloaded}, pub.types())
}

func TestEndSessionResetsState(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	e := newEngine(t, cfg, nil)

	e.List("s1", ListFilter{})
	_, err := e.Get("s1", "api-errors", false)
	require.NoError(t, err)

	e.EndSession("s1")
	_, err = e.Get("s1", "api-errors", false)
	var ordErr *session.OrderingError
	assert.ErrorAs(t, err, &ordErr)
}

func TestListSurfacesLoadIssues(t *testing.T) {
	cfg := testConfig(t)
	writeDoc(t, cfg, "api-errors", apiErrorsDoc)
	writeDoc(t, cfg, "broken", "id: [not\n")
	e := newEngine(t, cfg, nil)

	res := e.List("s1", ListFilter{})
	assert.Len(t, res.Contracts, 1)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "broken")
}
