// Package state implements the node lifecycle that the ingestion orchestrator
// and the embedding engine drive every content node through. It is grounded
// in the same append-only, table-driven-transition style the teacher used for
// migrations (store/migrations.go): a fixed table is the single source of
// truth for what is allowed, and callers consult it instead of re-deriving
// the rules ad hoc at each call site.
package state

import "fmt"

// State is one stage of a node's lifecycle.
type State string

const (
	Discovered State = "discovered"
	Parsing    State = "parsing"
	Parsed     State = "parsed"
	Linked     State = "linked"
	Ready      State = "ready"
	Dirty      State = "dirty"
	Failed     State = "failed"
	Mentioned  State = "mentioned"
)

// transitions maps every state to the set of states it may move to. Any pair
// not listed here is rejected by Validate and CanTransition.
var transitions = map[State]map[State]bool{
	Discovered: {Parsing: true, Failed: true},
	Parsing:    {Parsed: true, Failed: true},
	Parsed:     {Linked: true, Failed: true},
	Linked:     {Ready: true, Failed: true},
	Ready:      {Dirty: true},
	Dirty:      {Parsing: true, Failed: true},
	Failed:     {Parsing: true, Discovered: true},
	Mentioned:  {Discovered: true, Failed: true},
}

// CanTransition reports whether moving a node from `from` to `to` is a legal
// state-machine edge.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Validate returns an error describing the illegal edge, or nil if the
// transition is allowed.
func Validate(from, to State) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// InvalidTransitionError reports an attempt to move a node between two
// states that are not connected by an edge in the state machine.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("state: illegal transition from %q to %q", e.From, e.To)
}

// IsTerminal reports whether a node in this state requires no further work
// to reach Ready, short of an external event (edit, failure retry).
func IsTerminal(s State) bool {
	return s == Ready || s == Failed
}

// ClaimableFrom lists the states from which an ingestion pass may atomically
// claim a node for processing. Claiming moves the node straight to Parsing
// so that two concurrent passes over the same file cannot both pick it up.
var claimableFrom = map[State]bool{
	Discovered: true,
	Dirty:      true,
	Failed:     true,
	Mentioned:  false, // a mentioned node must first become Discovered
}

// Claimable reports whether a node currently in s is eligible to be claimed
// for parsing.
func Claimable(s State) bool {
	return claimableFrom[s]
}

// All returns every defined state, in the order a node would typically
// progress through them. Used by stores to build state-counter queries
// without hardcoding the list twice.
func All() []State {
	return []State{Discovered, Parsing, Parsed, Linked, Ready, Dirty, Failed, Mentioned}
}
