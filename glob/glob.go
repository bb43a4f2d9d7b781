// Package glob compiles file-pattern strings into reusable matchers.
// Matching is pure and deterministic: it never touches the filesystem.
package glob

import (
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Universal matches every path.
const Universal = "**"

// Matcher caches validated patterns so each is checked once per owning
// contract load. Safe for concurrent use.
type Matcher struct {
	mu    sync.RWMutex
	valid map[string]bool // pattern → compiles cleanly
}

// NewMatcher returns an empty matcher cache.
func NewMatcher() *Matcher {
	return &Matcher{valid: make(map[string]bool)}
}

// Matches reports whether path matches pattern. Supports *, **, ? and
// literal segments. Invalid patterns match nothing. Backslashes in the
// path are normalised to forward slashes.
func (m *Matcher) Matches(pattern, path string) bool {
	if !m.compiles(pattern) {
		return false
	}
	ok, err := doublestar.Match(pattern, Normalize(path))
	return err == nil && ok
}

// Valid reports whether pattern compiles.
func (m *Matcher) Valid(pattern string) bool {
	return m.compiles(pattern)
}

func (m *Matcher) compiles(pattern string) bool {
	m.mu.RLock()
	ok, cached := m.valid[pattern]
	m.mu.RUnlock()
	if cached {
		return ok
	}

	ok = doublestar.ValidatePattern(pattern)
	m.mu.Lock()
	m.valid[pattern] = ok
	m.mu.Unlock()
	return ok
}

// Forget drops cached entries for the given patterns. Called when the
// owning contract's patterns change via update.
func (m *Matcher) Forget(patterns ...string) {
	m.mu.Lock()
	for _, p := range patterns {
		delete(m.valid, p)
	}
	m.mu.Unlock()
}

// Normalize converts Windows-style separators to forward slashes.
func Normalize(path string) string {
	return strings.ReplaceAll(path, `\`, "/")
}
