// Package fsm provides a generic interpreted finite state machine.
//
// A Machine is a static definition: named states (one initial, any number
// final), an optional entry action per state, and per-state transition
// tables keyed by event name. Transitions may be guarded by a predicate
// over the interpreter-local context and may carry an action that mutates
// it.
//
// Machines are passive data; an Interpreter animates one machine instance
// with its own context and event queue. Interpreters are single-threaded
// and cooperative: events are processed strictly one at a time, and entry
// actions that send follow-up events have them queued behind the event
// being processed. Separate interpreters run independently.
package fsm

import (
	"fmt"

	"github.com/tombee/maestro/pkg/errors"
)

// Guard is a predicate evaluated against the interpreter context before a
// transition is taken. A nil guard always passes.
type Guard func(ctx *Context, ev Event) bool

// Action mutates the interpreter context. Used both for transition
// actions and state entry actions.
type Action func(ctx *Context, ev Event)

// Event is a named signal sent to an interpreter, with an optional
// payload visible to guards and actions.
type Event struct {
	Name    string
	Payload map[string]any
}

// Transition describes one candidate edge out of a state for a given
// event. The first transition whose guard passes is taken; the rest are
// ignored.
type Transition struct {
	// Target is the destination state name.
	Target string

	// Guard, when non-nil, must return true for this transition to apply.
	Guard Guard

	// Action, when non-nil, runs after the guard passes and before the
	// target state is entered.
	Action Action
}

// State is one named state in a machine.
type State struct {
	// Name identifies the state within its machine.
	Name string

	// Final marks a terminal state. Entering it completes the
	// interpreter and fires its done observers.
	Final bool

	// OnEntry runs each time the state is entered, including the initial
	// state on start.
	OnEntry Action

	// Transitions maps event names to candidate transitions, tried in
	// order.
	Transitions map[string][]Transition
}

// Machine is an immutable state machine definition. Build one with
// NewMachine and AddState, validate it once, then share it across any
// number of interpreters.
type Machine struct {
	// ID names the machine for logging.
	ID string

	// Initial is the state entered on start.
	Initial string

	states map[string]*State
}

// NewMachine creates a machine definition with the given id and initial
// state name. States are added with AddState.
func NewMachine(id, initial string) *Machine {
	return &Machine{
		ID:      id,
		Initial: initial,
		states:  make(map[string]*State),
	}
}

// AddState registers a state. Adding a state with a duplicate name
// replaces the previous definition. Returns the machine for chaining.
func (m *Machine) AddState(s *State) *Machine {
	m.states[s.Name] = s
	return m
}

// State returns the named state definition, or nil.
func (m *Machine) State(name string) *State {
	return m.states[name]
}

// StateNames returns the names of all registered states.
func (m *Machine) StateNames() []string {
	names := make([]string, 0, len(m.states))
	for name := range m.states {
		names = append(names, name)
	}
	return names
}

// Validate checks structural consistency: the initial state exists, and
// every transition targets a registered state.
func (m *Machine) Validate() error {
	if m.Initial == "" {
		return &errors.ValidationError{
			Field:   "initial",
			Message: "machine must declare an initial state",
		}
	}
	if _, ok := m.states[m.Initial]; !ok {
		return &errors.ValidationError{
			Field:   "initial",
			Message: fmt.Sprintf("initial state %q is not defined", m.Initial),
		}
	}
	for name, state := range m.states {
		for event, transitions := range state.Transitions {
			for _, tr := range transitions {
				if _, ok := m.states[tr.Target]; !ok {
					return &errors.ValidationError{
						Field: "transitions",
						Message: fmt.Sprintf("state %q transition on %q targets undefined state %q",
							name, event, tr.Target),
					}
				}
			}
		}
	}
	return nil
}
