// Package engine is the operation surface of the contract registry. It
// composes the store, the indices, the reference resolver, the
// test-link scanner, the validator, and the session gate behind one
// facade, and keeps an immutable index snapshot that is rebuilt and
// swapped synchronously as part of every committed mutation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dcrn/sigil/config"
	"github.com/dcrn/sigil/contract"
	"github.com/dcrn/sigil/glob"
	"github.com/dcrn/sigil/index"
	"github.com/dcrn/sigil/refs"
	"github.com/dcrn/sigil/session"
	"github.com/dcrn/sigil/store"
	"github.com/dcrn/sigil/testlink"
)

// Engine is the query/mutation facade. Safe for concurrent use: queries
// read a shared immutable snapshot, mutations serialize per contract id
// and swap in a fresh snapshot before returning.
type Engine struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	resolver *refs.Resolver
	scanner  *testlink.Scanner
	gate     *session.Gate
	events   Publisher

	mu   sync.RWMutex
	snap *snapshot
}

// snapshot is the read-side view over one generation of the store.
// Queries take the whole snapshot so they never observe a half-rebuilt
// index.
type snapshot struct {
	contracts    []*contract.Contract
	byID         map[string]*contract.Contract
	affinity     *index.Affinity
	graph        *index.Graph
	links        *testlink.Table
	issues       []store.Issue
	scanWarnings []string
}

// New constructs an engine from an immutable configuration, loads the
// contracts directory, and builds the first index snapshot. events may
// be nil to disable publishing.
func New(cfg config.Config, logger *slog.Logger, events Publisher) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	scanner, err := testlink.NewScanner(cfg.Tests.Pattern, cfg.Tests.Sources, logger)
	if err != nil {
		return nil, fmt.Errorf("configure test-link scanner: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    store.New(cfg.Contracts.Dir, logger),
		resolver: refs.New(cfg.Contracts.Root),
		scanner:  scanner,
		gate:     session.NewGate(),
		events:   events,
	}

	if err := e.store.Load(); err != nil {
		return nil, err
	}
	e.rebuild()
	return e, nil
}

// rebuild recomputes the index snapshot from the store and swaps it in.
// Runs after every committed mutation, before the mutation is reported
// complete, so a query issued after a mutation returns always sees the
// new state.
func (e *Engine) rebuild() {
	contracts := e.store.All()
	links, scanWarnings := e.scanner.Scan()

	byID := make(map[string]*contract.Contract, len(contracts))
	for _, c := range contracts {
		byID[c.ID] = c
	}

	snap := &snapshot{
		contracts:    contracts,
		byID:         byID,
		affinity:     index.NewAffinity(glob.NewMatcher()),
		graph:        index.BuildGraph(contracts),
		links:        links,
		issues:       e.store.Issues(),
		scanWarnings: scanWarnings,
	}

	e.mu.Lock()
	e.snap = snap
	e.mu.Unlock()
}

// current returns the active snapshot.
func (e *Engine) current() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

// Reload re-reads the contracts directory and rebuilds the indices.
// Used by the filesystem watcher and the reload endpoint when documents
// change outside the engine.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.store.Load(); err != nil {
		return err
	}
	e.rebuild()
	e.publish(ctx, "registry.reloaded", "", "")
	e.logger.Info("registry reloaded", "contracts", len(e.current().contracts))
	return nil
}

// EndSession discards all discovery state for a session. Subsequent
// operations under the same session id start from scratch.
func (e *Engine) EndSession(sess string) {
	e.gate.End(sess)
}
