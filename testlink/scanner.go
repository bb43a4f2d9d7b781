// Package testlink discovers contract↔test pairings by scanning
// configured text sources for annotation patterns. The scan is a pure
// text operation: sources are never parsed or executed.
package testlink

import (
	"bufio"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// DefaultPattern matches the default annotation form and captures the
// contract id in its single group.
const DefaultPattern = `fulfills-contract\("([^"]+)"\)`

// Link is one discovered pairing of contract id and test source
// location. Links are derived query results with no lifecycle of their
// own; they are rebuilt on every scan.
type Link struct {
	ContractID string `json:"contract_id"`
	Source     string `json:"source"`
	Line       int    `json:"line"`
}

// Scanner scans a configured set of sources with one annotation pattern.
type Scanner struct {
	re      *regexp.Regexp
	sources []string
	logger  *slog.Logger
}

// NewScanner compiles the annotation pattern and validates that it has
// exactly one capture group (the contract id). Sources may be files or
// directories; directories are walked recursively.
func NewScanner(pattern string, sources []string, logger *slog.Logger) (*Scanner, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile annotation pattern %q: %w", pattern, err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("annotation pattern %q must have exactly one capture group, has %d", pattern, re.NumSubexp())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{re: re, sources: sources, logger: logger}, nil
}

// Scan walks every configured source and returns the discovered link
// table. Unreadable sources become warnings; the scan is total.
func (s *Scanner) Scan() (*Table, []string) {
	t := &Table{byID: make(map[string][]Link)}
	var warnings []string

	for _, src := range s.sources {
		info, err := os.Stat(src)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("test source %q: %v", src, err))
			continue
		}

		if !info.IsDir() {
			if err := s.scanFile(src, t); err != nil {
				warnings = append(warnings, fmt.Sprintf("test source %q: %v", src, err))
			}
			continue
		}

		err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("test source %q: %v", path, err))
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if err := s.scanFile(path, t); err != nil {
				warnings = append(warnings, fmt.Sprintf("test source %q: %v", path, err))
			}
			return nil
		})
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("test source %q: %v", src, err))
		}
	}

	sort.Slice(t.links, func(i, j int) bool {
		if t.links[i].Source != t.links[j].Source {
			return t.links[i].Source < t.links[j].Source
		}
		return t.links[i].Line < t.links[j].Line
	})
	s.logger.Debug("test sources scanned", "sources", len(s.sources), "links", len(t.links))
	return t, warnings
}

func (s *Scanner) scanFile(path string, t *Table) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		for _, m := range s.re.FindAllStringSubmatch(scanner.Text(), -1) {
			link := Link{ContractID: m[1], Source: path, Line: line}
			t.links = append(t.links, link)
			t.byID[m[1]] = append(t.byID[m[1]], link)
		}
	}
	return scanner.Err()
}

// Table is the bidirectional contract↔test mapping built by one scan.
type Table struct {
	links []Link
	byID  map[string][]Link
}

// All returns every discovered link, ordered by source then line.
func (t *Table) All() []Link {
	out := make([]Link, len(t.links))
	copy(out, t.links)
	return out
}

// LinksFor returns every link annotated with the given contract id.
func (t *Table) LinksFor(contractID string) []Link {
	out := make([]Link, len(t.byID[contractID]))
	copy(out, t.byID[contractID])
	return out
}

// Orphans returns every link whose contract id is not known. known
// reports membership in the contract store.
func (t *Table) Orphans(known func(id string) bool) []Link {
	var out []Link
	for _, l := range t.links {
		if !known(l.ContractID) {
			out = append(out, l)
		}
	}
	return out
}

// Uncovered returns, from the given ids, those with zero links,
// preserving input order.
func (t *Table) Uncovered(ids []string) []string {
	var out []string
	for _, id := range ids {
		if len(t.byID[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}
