package linefsm

import (
	"errors"
	"log/slog"

	"github.com/orsinium-labs/enum"
)

// StateID is a unique identifier for a state within its machine
type StateID string

// Default state names used when a Schema does not override them
const (
	InitialDefault  StateID = "initialize"
	TerminalDefault StateID = "finished"
)

// Scope says which machine a Transition is resolved against
type Scope enum.Member[string]

var (
	// ScopeAuto resolves locally when the target exists, otherwise one level up
	ScopeAuto = Scope{"auto"}
	// ScopeLocal resolves within the machine that produced the transition
	ScopeLocal = Scope{"local"}
	// ScopeParent forces resolution in the enclosing machine
	ScopeParent = Scope{"parent"}
	Scopes      = enum.New(ScopeAuto, ScopeLocal, ScopeParent)
)

func (s Scope) String() string {
	if s.Value == "" {
		return ScopeAuto.Value
	}
	return s.Value
}

// Phase names a step of the observable trace
type Phase enum.Member[string]

var (
	PhaseEnter      = Phase{"enter"}
	PhaseLeave      = Phase{"leave"}
	PhaseTerminate  = Phase{"terminate"}
	PhaseBranch     = Phase{"branch"}
	PhaseTransition = Phase{"transition"}
	// PhaseEmit carries values relayed by handlers and Context.Emit
	PhaseEmit = Phase{"emit"}
	Phases    = enum.New(PhaseEnter, PhaseLeave, PhaseTerminate, PhaseBranch,
		PhaseTransition, PhaseEmit)
)

func (p Phase) String() string {
	return p.Value
}

// TimerScope defines when a timer is automatically cancelled
type TimerScope int

const (
	// TimerScopeState - timer auto-cancelled when leaving the state that started it
	TimerScopeState TimerScope = iota
	// TimerScopeGlobal - timer lives until explicitly stopped or the run ends
	TimerScopeGlobal
)

// Configuration errors. These surface from Build, NewSchema and Schema.New
// and are never retried.
var (
	ErrHookSignature     = errors.New("hook must take zero or one *Context argument")
	ErrUnknownAttribute  = errors.New("unknown attribute")
	ErrDuplicateAttr     = errors.New("duplicate attribute")
	ErrInvalidDefinition = errors.New("invalid definition")
)

// Run errors
var (
	// ErrUnknownState is returned when a transition names a state that cannot
	// be resolved in the machine it is applied to
	ErrUnknownState = errors.New("unknown state")
	// ErrNoParent is returned for a parent-scoped transition out of a root
	// machine
	ErrNoParent = errors.New("no parent machine")
	// ErrUnknownScope is returned for a transition whose Scope is not one of
	// Scopes
	ErrUnknownScope = errors.New("unknown scope")
	// ErrNoTimerTarget is returned when a timer is started without a
	// transition to adopt
	ErrNoTimerTarget = errors.New("timer needs a target transition")
)

// Logger is the default logger used when none is provided
var Logger = slog.Default()
