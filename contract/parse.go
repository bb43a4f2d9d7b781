package contract

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ParseError describes a document that failed to parse or failed shape
// validation. It isolates to the one document: batch loads collect
// ParseErrors and continue.
type ParseError struct {
	// Path is the document location, when known.
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("parse contract: %v", e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes a single contract document. Unknown top-level fields are
// rejected. Priority and status default to must/active when absent.
// Failures are returned as *ParseError.
func Parse(data []byte) (*Contract, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var c Contract
	if err := dec.Decode(&c); err != nil {
		return nil, &ParseError{Err: err}
	}

	if c.Priority == "" {
		c.Priority = PriorityMust
	}
	if c.Status == "" {
		c.Status = StatusActive
	}

	if err := c.Validate(); err != nil {
		return nil, &ParseError{Err: err}
	}
	return &c, nil
}

// ParseFile is Parse with the document path attached to any failure.
func ParseFile(path string, data []byte) (*Contract, error) {
	c, err := Parse(data)
	if err != nil {
		if pe, ok := err.(*ParseError); ok {
			pe.Path = path
		}
		return nil, err
	}
	return c, nil
}

// Encode serialises a contract to YAML in declaration field order.
func (c *Contract) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode contract %q: %w", c.ID, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode contract %q: %w", c.ID, err)
	}
	return buf.Bytes(), nil
}
