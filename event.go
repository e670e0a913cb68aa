package linefsm

import (
	"fmt"
	"iter"
)

// SourceKind tells whether an Event was produced by a state or a machine
type SourceKind int

const (
	SourceState SourceKind = iota
	SourceMachine
)

// Event is one entry of the trace produced while a machine runs
type Event struct {
	Context *Context
	Source  string
	Kind    SourceKind
	Phase   Phase
	Args    []any
}

func (e Event) String() string {
	kind := "state"
	if e.Kind == SourceMachine {
		kind = "machine"
	}
	if len(e.Args) == 0 {
		return fmt.Sprintf("%s(%s %s)", e.Phase, kind, e.Source)
	}
	return fmt.Sprintf("%s(%s %s %v)", e.Phase, kind, e.Source, e.Args)
}

// EventSink receives events synchronously and in order
type EventSink func(Event)

// Result is what a dispatch handler hands back to the state loop: nil,
// a *Transition, or Events.
type Result interface {
	result()
}

// Events is a lazily evaluated sequence produced by a handler. Event values
// are forwarded to the sink as is, a *Transition ends the dispatch loop, and
// any other value is forwarded as a PhaseEmit event of the current state.
type Events iter.Seq[any]

func (Events) result() {}

// Emit builds an Events sequence from a fixed list of values
func Emit(values ...any) Events {
	return func(yield func(any) bool) {
		for _, v := range values {
			if !yield(v) {
				return
			}
		}
	}
}
