// Package refs resolves a contract's weak file references to on-disk
// content. A missing file is a per-reference marker in the result, never
// a failure: one broken reference must not hide its valid siblings.
package refs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Mode selects resolution depth.
type Mode int

const (
	// Shallow resolves ids and paths only, checking existence.
	Shallow Mode = iota
	// Deep additionally reads each referenced path's content.
	Deep
)

// Reference statuses.
const (
	StatusOK      = "ok"
	StatusMissing = "missing"
	StatusError   = "error"
)

// Resolved is the outcome for one referenced path.
type Resolved struct {
	Path     string `json:"path"`
	Status   string `json:"status"`
	Contents string `json:"contents,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Broken reports whether the reference did not resolve cleanly.
func (r Resolved) Broken() bool { return r.Status != StatusOK }

// Resolver resolves referenced paths relative to a root directory.
type Resolver struct {
	root string
}

// New creates a resolver. An empty root resolves relative to the
// process working directory.
func New(root string) *Resolver {
	return &Resolver{root: root}
}

// Resolve maps every path to a Resolved entry, in input order. Deep mode
// loads contents; shallow mode only checks existence.
func (r *Resolver) Resolve(paths []string, mode Mode) []Resolved {
	out := make([]Resolved, 0, len(paths))
	for _, p := range paths {
		out = append(out, r.resolveOne(p, mode))
	}
	return out
}

// BrokenPaths returns the referenced paths that did not resolve.
func BrokenPaths(resolved []Resolved) []string {
	var out []string
	for _, r := range resolved {
		if r.Broken() {
			out = append(out, r.Path)
		}
	}
	return out
}

func (r *Resolver) resolveOne(path string, mode Mode) Resolved {
	full := path
	if r.root != "" && !filepath.IsAbs(path) {
		full = filepath.Join(r.root, path)
	}

	if mode == Shallow {
		if _, err := os.Stat(full); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return Resolved{Path: path, Status: StatusMissing}
			}
			return Resolved{Path: path, Status: StatusError, Message: err.Error()}
		}
		return Resolved{Path: path, Status: StatusOK}
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Resolved{Path: path, Status: StatusMissing}
		}
		return Resolved{Path: path, Status: StatusError, Message: err.Error()}
	}
	return Resolved{Path: path, Status: StatusOK, Contents: string(data)}
}
