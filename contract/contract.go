// Package contract defines the typed document model for behavioral
// contracts and the parsing rules that turn YAML bytes into records.
package contract

import (
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

// FileSuffix is the required filename suffix for persisted contract documents.
const FileSuffix = ".contract.yaml"

// Priority ranks how strongly a contract binds.
type Priority string

const (
	PriorityMust   Priority = "must"
	PriorityShould Priority = "should"
	PriorityPrefer Priority = "prefer"
)

// Valid reports whether p is a known priority value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityMust, PriorityShould, PriorityPrefer:
		return true
	}
	return false
}

// Status describes the lifecycle state of a contract.
type Status string

const (
	StatusActive     Status = "active"
	StatusDraft      Status = "draft"
	StatusDeprecated Status = "deprecated"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDraft, StatusDeprecated:
		return true
	}
	return false
}

// Trigger describes when a contract should be considered by an agent.
// Only Type is interpreted by the engine; everything else rides along.
type Trigger struct {
	Type  string         `yaml:"type,omitempty" json:"type,omitempty"`
	Extra map[string]any `yaml:",inline" json:"-"`
}

// Rule is one specific expected outcome within a contract. Rule ids are
// unique within their parent contract only, never globally.
type Rule struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description" json:"description"`
	Files       []string `yaml:"files,omitempty" json:"files,omitempty"`
	Constraints []string `yaml:"constraints,omitempty" json:"constraints,omitempty"`
}

// Dependency is a weak reference to another contract. The target may not
// exist; a dangling target is a reported defect, not an error.
type Dependency struct {
	ID     string `yaml:"id" json:"id"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// UnmarshalYAML accepts either a bare contract id or an {id, reason} mapping.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var id string
		if err := node.Decode(&id); err != nil {
			return err
		}
		d.ID = id
		return nil
	}
	type plain Dependency
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = Dependency(p)
	return nil
}

// ChangelogEntry records one historical change. The changelog is append-only;
// the engine appends entries during updates and never rewrites history.
type ChangelogEntry struct {
	Version     string `yaml:"version" json:"version"`
	Date        string `yaml:"date,omitempty" json:"date,omitempty"`
	Description string `yaml:"description" json:"description"`
}

// StringList decodes from either a single YAML scalar or a sequence.
type StringList []string

// UnmarshalYAML implements the scalar-or-sequence decoding.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*l = StringList(many)
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

// MarshalYAML emits a bare scalar for single-element lists so round-tripped
// documents keep their original shape.
func (l StringList) MarshalYAML() (any, error) {
	if len(l) == 1 {
		return l[0], nil
	}
	return []string(l), nil
}

// Contract is the root document entity. The id is immutable after creation
// and must match the on-disk filename (<id>.contract.yaml).
type Contract struct {
	ID          string           `yaml:"id" json:"id"`
	Version     string           `yaml:"version" json:"version"`
	Name        string           `yaml:"name" json:"name"`
	Description string           `yaml:"description" json:"description"`
	Priority    Priority         `yaml:"priority,omitempty" json:"priority"`
	Status      Status           `yaml:"status,omitempty" json:"status"`
	Domain      string           `yaml:"domain,omitempty" json:"domain,omitempty"`
	Tags        []string         `yaml:"tags,omitempty" json:"tags,omitempty"`
	AppliesTo   StringList       `yaml:"applies_to,omitempty" json:"applies_to,omitempty"`
	Trigger     *Trigger         `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Files       []string         `yaml:"files,omitempty" json:"files,omitempty"`
	Rules       []Rule           `yaml:"rules,omitempty" json:"rules,omitempty"`
	DependsOn   []Dependency     `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Changelog   []ChangelogEntry `yaml:"changelog,omitempty" json:"changelog,omitempty"`
	Notes       string           `yaml:"notes,omitempty" json:"notes,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// ValidID reports whether id is non-empty kebab-case.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Filename returns the canonical document filename for a contract id.
func Filename(id string) string {
	return id + FileSuffix
}

// CompareVersions compares two semantic version strings. It returns -1, 0,
// or +1 in the manner of semver.Compare. Unparseable versions compare lowest.
func CompareVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// ValidVersion reports whether v parses as a semantic version.
func ValidVersion(v string) bool {
	return semver.IsValid("v" + v)
}

// AllFiles returns every file path referenced by the contract: top-level
// files followed by each rule's files, in document order.
func (c *Contract) AllFiles() []string {
	paths := make([]string, 0, len(c.Files))
	paths = append(paths, c.Files...)
	for _, r := range c.Rules {
		paths = append(paths, r.Files...)
	}
	return paths
}

// AppliesToPatterns returns the glob patterns the contract applies to.
func (c *Contract) AppliesToPatterns() []string {
	return []string(c.AppliesTo)
}

// TriggerType returns the trigger type, or "" when no trigger is declared.
func (c *Contract) TriggerType() string {
	if c.Trigger == nil {
		return ""
	}
	return c.Trigger.Type
}

// DuplicateRuleIDs returns rule ids declared more than once within the
// contract, in first-duplicate order.
func (c *Contract) DuplicateRuleIDs() []string {
	seen := make(map[string]bool, len(c.Rules))
	var dups []string
	reported := make(map[string]bool)
	for _, r := range c.Rules {
		if seen[r.ID] && !reported[r.ID] {
			dups = append(dups, r.ID)
			reported[r.ID] = true
		}
		seen[r.ID] = true
	}
	return dups
}

// Validate checks the structural shape of a parsed contract. Duplicate rule
// ids are deliberately not checked here: they are a recorded defect handled
// by the validator, not a parse failure.
func (c *Contract) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !ValidID(c.ID) {
		return fmt.Errorf("id %q must be kebab-case", c.ID)
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if !ValidVersion(c.Version) {
		return fmt.Errorf("version %q is not a semantic version", c.Version)
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Description == "" {
		return fmt.Errorf("description is required")
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("priority %q must be one of must, should, prefer", c.Priority)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("status %q must be one of active, draft, deprecated", c.Status)
	}
	for i, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("rules[%d]: id is required", i)
		}
		if r.Description == "" {
			return fmt.Errorf("rule %q: description is required", r.ID)
		}
	}
	for i, d := range c.DependsOn {
		if d.ID == "" {
			return fmt.Errorf("depends_on[%d]: id is required", i)
		}
	}
	return nil
}
