// Package store owns the persisted form of contracts: one YAML document
// per contract under a configured directory, loaded into an in-memory
// index keyed by id. The store is the sole owner of a contract's
// persisted form; every other component holds a borrowed read-only view.
package store

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dcrn/sigil/contract"
)

// Issue kinds recorded during load. These are facts about the documents,
// never aborting failures: load is total over malformed input.
const (
	IssueParseError       = "parse_error"
	IssueDuplicateID      = "duplicate_id"
	IssueFilenameMismatch = "filename_id_mismatch"
)

// Issue is one structural defect observed while loading the directory.
type Issue struct {
	Kind       string `json:"kind"`
	ContractID string `json:"contract_id,omitempty"`
	Path       string `json:"path,omitempty"`
	Message    string `json:"message"`
}

// Impact lists what a deletion touches. Advisory only: deletion proceeds
// regardless, but the caller must receive the list.
type Impact struct {
	// Dependents are ids of contracts whose depends_on references the
	// deleted contract.
	Dependents []string `json:"dependents"`
}

// Store loads and persists contract documents for one directory.
type Store struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	contracts map[string]*contract.Contract
	paths     map[string]string // id → document path
	issues    []Issue

	locks sync.Map // id → *sync.Mutex
}

// New creates a store rooted at dir. Call Load before first use.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:       dir,
		logger:    logger,
		contracts: make(map[string]*contract.Contract),
		paths:     make(map[string]string),
	}
}

// Dir returns the contracts directory.
func (s *Store) Dir() string { return s.dir }

// Load walks the directory and parses every *.contract.yaml document.
// Individual failures become Issues; only an unreadable directory is an
// error. Calling Load again replaces the previous index atomically.
func (s *Store) Load() error {
	contracts := make(map[string]*contract.Contract)
	paths := make(map[string]string)
	var issues []Issue

	var files []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), contract.FileSuffix) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk contracts directory %s: %w", s.dir, err)
	}
	sort.Strings(files)

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			issues = append(issues, Issue{
				Kind:    IssueParseError,
				Path:    path,
				Message: fmt.Sprintf("read: %v", err),
			})
			continue
		}

		c, err := contract.ParseFile(path, data)
		if err != nil {
			issues = append(issues, Issue{
				Kind:    IssueParseError,
				Path:    path,
				Message: err.Error(),
			})
			continue
		}

		if existing, ok := paths[c.ID]; ok {
			issues = append(issues, Issue{
				Kind:       IssueDuplicateID,
				ContractID: c.ID,
				Path:       path,
				Message:    fmt.Sprintf("contract id %q already declared by %s", c.ID, existing),
			})
			continue
		}

		// The id must equal the identifier derived from the filename.
		// A mismatch is recorded, never silently corrected.
		if base := filepath.Base(path); base != contract.Filename(c.ID) {
			issues = append(issues, Issue{
				Kind:       IssueFilenameMismatch,
				ContractID: c.ID,
				Path:       path,
				Message:    fmt.Sprintf("contract id %q expects filename %q, found %q", c.ID, contract.Filename(c.ID), base),
			})
		}

		contracts[c.ID] = c
		paths[c.ID] = path
	}

	s.mu.Lock()
	s.contracts = contracts
	s.paths = paths
	s.issues = issues
	s.mu.Unlock()

	s.logger.Info("contracts loaded",
		"dir", s.dir,
		"contracts", len(contracts),
		"issues", len(issues))
	return nil
}

// Get returns the current record for id, or ErrNotFound.
func (s *Store) Get(id string) (*contract.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrNotFound)
	}
	return c, nil
}

// Path returns the document path for id, or "" when unknown.
func (s *Store) Path(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paths[id]
}

// All returns every contract sorted by ascending id.
func (s *Store) All() []*contract.Contract {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*contract.Contract, 0, len(s.contracts))
	for _, c := range s.contracts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Issues returns the structural defects recorded by the last Load, plus
// any appended since.
func (s *Store) Issues() []Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Issue, len(s.issues))
	copy(out, s.issues)
	return out
}

// Lock acquires the per-id mutation lock without blocking. When another
// mutation holds the lock the caller loses the race and gets
// ErrMutationConflict; it must retry, never merge.
func (s *Store) Lock(id string) (func(), error) {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%q: %w", id, ErrMutationConflict)
	}
	return mu.Unlock, nil
}

// Create persists a new contract and indexes it. Fails with
// ErrDuplicateID when the id is already present.
func (s *Store) Create(c *contract.Contract) (string, error) {
	if err := c.Validate(); err != nil {
		return "", &contract.ParseError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return "", fmt.Errorf("%q: %w", c.ID, ErrDuplicateID)
	}

	path := filepath.Join(s.dir, contract.Filename(c.ID))
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%q: document already on disk at %s: %w", c.ID, path, ErrDuplicateID)
	}

	if err := s.writeDocument(path, c); err != nil {
		return "", err
	}

	s.contracts[c.ID] = c
	s.paths[c.ID] = path
	s.logger.Info("contract created", "id", c.ID, "path", path)
	return path, nil
}

// Update replaces the persisted document for an existing id. The caller
// must hold the per-id mutation lock. The id itself is immutable and the
// version may not regress.
func (s *Store) Update(c *contract.Contract) (string, error) {
	if err := c.Validate(); err != nil {
		return "", &contract.ParseError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.contracts[c.ID]
	if !ok {
		return "", fmt.Errorf("%q: %w", c.ID, ErrNotFound)
	}
	if contract.CompareVersions(c.Version, old.Version) < 0 {
		return "", fmt.Errorf("%q: %s → %s: %w", c.ID, old.Version, c.Version, ErrVersionRegression)
	}

	path := s.paths[c.ID]
	if path == "" {
		path = filepath.Join(s.dir, contract.Filename(c.ID))
	}
	if err := s.writeDocument(path, c); err != nil {
		return "", err
	}

	s.contracts[c.ID] = c
	s.paths[c.ID] = path
	s.logger.Info("contract updated", "id", c.ID, "version", c.Version)
	return path, nil
}

// Delete removes the record and its document. The returned Impact lists
// every contract whose depends_on references the deleted id.
func (s *Store) Delete(id string) (Impact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[id]; !ok {
		return Impact{}, fmt.Errorf("%q: %w", id, ErrNotFound)
	}

	impact := Impact{Dependents: []string{}}
	for _, c := range s.contracts {
		if c.ID == id {
			continue
		}
		for _, d := range c.DependsOn {
			if d.ID == id {
				impact.Dependents = append(impact.Dependents, c.ID)
				break
			}
		}
	}
	sort.Strings(impact.Dependents)

	path := s.paths[id]
	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return Impact{}, fmt.Errorf("delete %s: %w", path, err)
		}
	}

	delete(s.contracts, id)
	delete(s.paths, id)
	s.logger.Info("contract deleted", "id", id, "dependents", len(impact.Dependents))
	return impact, nil
}

// writeDocument writes atomically: a temp file in the same directory is
// renamed over the target, so a concurrent reader never observes a
// partial document.
func (s *Store) writeDocument(path string, c *contract.Contract) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create contracts directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+contract.Filename(c.ID)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage document for %q: %w", c.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("stage document for %q: %w", c.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("stage document for %q: %w", c.ID, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit document for %q: %w", c.ID, err)
	}
	return nil
}
