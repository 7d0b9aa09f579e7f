// Package qstate provides an explicit state machine for the credential
// handling of an outbound request.
//
// A Table is built once from the allowed transitions and shared; each request
// starts its own Machine from it.
package qstate

import (
	"fmt"
	"sync"
)

type State interface {
	comparable
	fmt.Stringer
}

// Transition defines a valid state transition.
type Transition[S State] struct {
	From S
	To   S
	Name string // Human-readable name for logging/debugging
}

type transitionKey[S State] struct {
	From, To S
}

// Table is an immutable set of allowed transitions.
type Table[S State] struct {
	allowed  map[transitionKey[S]]string
	terminal map[S]bool
}

// NewTable builds a transition table. States with no outgoing transition are terminal.
func NewTable[S State](transitions []Transition[S]) *Table[S] {
	t := &Table[S]{
		allowed:  make(map[transitionKey[S]]string, len(transitions)),
		terminal: make(map[S]bool),
	}
	out := make(map[S]bool)
	for _, tr := range transitions {
		t.allowed[transitionKey[S]{From: tr.From, To: tr.To}] = tr.Name
		out[tr.From] = true
	}
	for _, tr := range transitions {
		if !out[tr.To] {
			t.terminal[tr.To] = true
		}
	}
	return t
}

func (t *Table[S]) look(from, to S) (string, bool) {
	name, ok := t.allowed[transitionKey[S]{From: from, To: to}]
	return name, ok
}

// Terminal reports whether s has no outgoing transition.
func (t *Table[S]) Terminal(s S) bool {
	return t.terminal[s]
}

// Machine enforces valid state transitions and records the path taken.
type Machine[S State] struct {
	table    *Table[S]
	onChange func(from, to S, name string)

	mu   sync.Mutex
	path []S
}

// Start creates a machine at initial. on may be nil.
func (t *Table[S]) Start(initial S, on func(from, to S, name string)) *Machine[S] {
	return &Machine[S]{
		table:    t,
		onChange: on,
		path:     append(make([]S, 0, 8), initial),
	}
}

// CanTransitionTo checks if a transition to the target state is valid.
func (sm *Machine[S]) CanTransitionTo(to S) bool {
	c := sm.Current()
	_, ok := sm.table.look(c, to)
	return ok
}

// TransitionTo attempts to transition to a new state.
// Returns an error if the transition is invalid.
func (sm *Machine[S]) TransitionTo(to S) error {
	sm.mu.Lock()
	c := sm.path[len(sm.path)-1]
	name, ok := sm.table.look(c, to)
	if !ok {
		sm.mu.Unlock()
		return fmt.Errorf("invalid state transition: %s -> %s", c, to)
	}
	sm.path = append(sm.path, to)
	sm.mu.Unlock()

	if sm.onChange != nil {
		sm.onChange(c, to, name)
	}
	return nil
}

// MustTransitionTo transitions or panics. Use in cases where invalid
// transitions indicate a programming error.
func (sm *Machine[S]) MustTransitionTo(to S) {
	if err := sm.TransitionTo(to); err != nil {
		panic(err)
	}
}

// Current returns the current state.
func (sm *Machine[S]) Current() S {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.path[len(sm.path)-1]
}

// Done reports whether the machine reached a terminal state.
func (sm *Machine[S]) Done() bool {
	return sm.table.Terminal(sm.Current())
}

// Path returns a copy of every state visited, starting with the initial state.
func (sm *Machine[S]) Path() []S {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return append([]S(nil), sm.path...)
}
