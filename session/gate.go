// Package session enforces per-caller operation ordering: a contract id
// must be discovered through a listing query before it can be retrieved,
// and retrieved before it can be mutated. The state is advisory
// protection against blind mutation, scoped to one logical session. It
// is not a security boundary and has no effect on read consistency.
package session

import (
	"fmt"
	"sync"
)

// State of one contract id relative to one session.
type State int

const (
	Undiscovered State = iota
	Discovered
	Retrieved
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Retrieved:
		return "retrieved"
	}
	return "undiscovered"
}

// OrderingError is a usage-protocol defect, not a data defect. The
// operation is rejected before any side effect, and the message names
// the precondition that failed.
type OrderingError struct {
	Op         string
	ContractID string
	Required   string // the call that must happen first
}

func (e *OrderingError) Error() string {
	return fmt.Sprintf("%s %q: call %s first in this session", e.Op, e.ContractID, e.Required)
}

// Gate tracks discovery state per session. Sessions are independent;
// state never leaks across them and resets when a session ends.
type Gate struct {
	mu       sync.Mutex
	sessions map[string]map[string]State
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{sessions: make(map[string]map[string]State)}
}

// Discover moves the given ids to Discovered for the session. Ids
// already Retrieved keep the stronger state.
func (g *Gate) Discover(session string, ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	states := g.states(session)
	for _, id := range ids {
		if states[id] < Discovered {
			states[id] = Discovered
		}
	}
}

// MarkRetrieved moves an id to Retrieved for the session.
func (g *Gate) MarkRetrieved(session, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states(session)[id] = Retrieved
}

// CheckDiscovered fails with an OrderingError unless the id has been
// discovered (or retrieved) in this session.
func (g *Gate) CheckDiscovered(session, op, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states(session)[id] < Discovered {
		return &OrderingError{Op: op, ContractID: id, Required: "list or affected-by"}
	}
	return nil
}

// CheckRetrieved fails with an OrderingError unless the id has been
// retrieved in this session.
func (g *Gate) CheckRetrieved(session, op, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.states(session)[id] < Retrieved {
		return &OrderingError{Op: op, ContractID: id, Required: "get"}
	}
	return nil
}

// StateOf reports the current state of an id within a session.
func (g *Gate) StateOf(session, id string) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.states(session)[id]
}

// End discards all state for a session.
func (g *Gate) End(session string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, session)
}

// states returns the per-session map, creating it lazily. Caller holds mu.
func (g *Gate) states(session string) map[string]State {
	s, ok := g.sessions[session]
	if !ok {
		s = make(map[string]State)
		g.sessions[session] = s
	}
	return s
}
