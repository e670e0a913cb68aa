package linefsm

import "fmt"

// Transition instructs the running machine to move to Target. Transitions
// are created fresh for each occurrence and never mutated.
type Transition struct {
	Target StateID
	Scope  Scope
}

// To creates an auto-scoped transition: it resolves in the current machine
// when Target exists there, otherwise in the parent machine.
func To(target StateID) *Transition {
	return &Transition{Target: target, Scope: ScopeAuto}
}

// Local creates a transition that must resolve in the current machine
func Local(target StateID) *Transition {
	return &Transition{Target: target, Scope: ScopeLocal}
}

// Parent creates a transition that is handed to the enclosing machine
func Parent(target StateID) *Transition {
	return &Transition{Target: target, Scope: ScopeParent}
}

func (t *Transition) String() string {
	return fmt.Sprintf("%s(%s)", t.Scope, t.Target)
}

func (*Transition) result() {}

// scope treats the zero Scope as ScopeAuto
func (t *Transition) scope() Scope {
	if t.Scope.Value == "" {
		return ScopeAuto
	}
	return t.Scope
}
