package linefsm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Machine is an immutable table of states built from a Definition. Embedded
// machines live in the same arena and refer to their enclosing machine by
// index, so a Machine can be shared read-only across concurrent sessions.
type Machine struct {
	arena  []*table
	logger *slog.Logger
	schema *Schema
}

// table is one machine of the arena
type table struct {
	name     string
	nodes    map[StateID]*node
	order    []StateID
	initial  StateID
	terminal []StateID
	parent   int // -1 for the root
}

// node is the compiled form of a State
type node struct {
	id            StateID
	preprocess    hookFunc
	parser        Parser
	enter         []hookFunc
	leave         []hookFunc
	terminate     []hookFunc
	rules         []Rule
	fallback      Handler
	timeout       time.Duration
	timeoutTarget StateID
	sub           int // arena index of an embedded machine, -1 when none
}

func (n *node) terminal() bool {
	return len(n.terminate) > 0
}

// Name returns the root machine name
func (m *Machine) Name() string {
	return m.arena[0].name
}

// States returns the root machine's state IDs in declaration order
func (m *Machine) States() []StateID {
	return append([]StateID(nil), m.arena[0].order...)
}

// Has checks if the root machine defines the state
func (m *Machine) Has(id StateID) bool {
	_, ok := m.arena[0].nodes[id]
	return ok
}

// Initial returns the root machine's initial state
func (m *Machine) Initial() StateID {
	return m.arena[0].initial
}

// TerminalStates returns the root machine's terminal states
func (m *Machine) TerminalStates() []StateID {
	return append([]StateID(nil), m.arena[0].terminal...)
}

// IsTerminal checks if the root machine's state is terminal
func (m *Machine) IsTerminal(id StateID) bool {
	n, ok := m.arena[0].nodes[id]
	return ok && n.terminal()
}

// Embedded returns the names of machines nested anywhere under the root, in
// arena order
func (m *Machine) Embedded() []string {
	names := make([]string, 0, len(m.arena)-1)
	for _, t := range m.arena[1:] {
		names = append(names, t.name)
	}
	return names
}

// runner executes one session against a machine
type runner struct {
	m       *Machine
	c       *Context
	ctx     context.Context
	yield   func(Event) bool
	stopped bool
	logger  *slog.Logger
	// table is the machine currently running
	table *table
}

// emit hands an event to the consumer. When the consumer stops iterating
// the context is terminated so the run unwinds through its hooks.
func (r *runner) emit(e Event) {
	if r.stopped {
		return
	}
	if !r.yield(e) {
		r.stopped = true
		r.c.terminate()
	}
}

func (r *runner) emitState(n *node, phase Phase, args ...any) {
	r.emit(Event{Context: r.c, Source: string(n.id), Kind: SourceState, Phase: phase, Args: args})
}

func (r *runner) emitMachine(t *table, phase Phase, args ...any) {
	r.emit(Event{Context: r.c, Source: t.name, Kind: SourceMachine, Phase: phase, Args: args})
}

// tick counts a state activation or dispatch cycle against the context's
// iteration limit and forces termination once it is reached
func (r *runner) tick() bool {
	r.c.iterations++
	if r.c.IterationLimit > 0 && r.c.iterations > r.c.IterationLimit {
		if !r.c.Terminated() {
			r.logger.Debug("iteration limit reached", "limit", r.c.IterationLimit, "state", r.c.State)
			r.c.terminate()
		}
		return false
	}
	return true
}

// cancelled terminates the context once the driving ctx is done
func (r *runner) cancelled() bool {
	if r.ctx.Err() == nil {
		return false
	}
	r.c.terminate()
	return true
}

// runTable runs machine idx until it ends, terminates or hands a transition
// to its parent. The returned transition is always resolved by the parent.
func (r *runner) runTable(idx int) (*Transition, error) {
	t := r.m.arena[idx]
	prev := r.table
	r.table = t
	defer func() { r.table = prev }()

	r.emitMachine(t, PhaseEnter)

	if idx != 0 {
		r.c.State = t.initial
	} else {
		// a context still in its schema's default state starts at the
		// machine's initial state
		if !r.c.stateSet && r.c.State == r.c.InitialState() {
			r.c.State = t.initial
		}
		if _, ok := t.nodes[r.c.State]; !ok {
			return nil, fmt.Errorf("machine %q: %w %q", t.name, ErrUnknownState, r.c.State)
		}
	}

	var bubbled *Transition
	for !r.c.Terminated() {
		if r.cancelled() || !r.tick() {
			break
		}

		n := t.nodes[r.c.State]
		next, err := r.runState(n)
		if err != nil {
			return nil, err
		}
		if next == nil || r.c.Terminated() {
			break
		}

		target, up, err := r.resolve(t, next)
		if err != nil {
			return nil, err
		}
		if up {
			bubbled = Local(target)
			break
		}

		r.logger.Debug("transition", "machine", t.name, "from", n.id, "target", target)
		r.emitMachine(t, PhaseTransition, target)
		r.c.State = target
	}

	r.emitMachine(t, PhaseLeave)
	if r.c.Terminated() {
		r.emitMachine(t, PhaseTerminate)
	}

	return bubbled, nil
}

// resolve decides where a transition applies. up reports that it must be
// handed to the parent machine.
func (r *runner) resolve(t *table, tr *Transition) (target StateID, up bool, err error) {
	_, local := t.nodes[tr.Target]

	if !Scopes.Contains(tr.scope()) {
		return "", false, fmt.Errorf("machine %q: transition to %q: %w %q", t.name, tr.Target, ErrUnknownScope, tr.Scope)
	}

	switch tr.scope() {
	case ScopeLocal:
		if !local {
			return "", false, fmt.Errorf("machine %q: %w %q", t.name, ErrUnknownState, tr.Target)
		}
		return tr.Target, false, nil
	case ScopeParent:
		if t.parent < 0 {
			return "", false, fmt.Errorf("machine %q: transition to %q: %w", t.name, tr.Target, ErrNoParent)
		}
		return tr.Target, true, nil
	default:
		if local {
			return tr.Target, false, nil
		}
		if t.parent < 0 {
			return "", false, fmt.Errorf("machine %q: %w %q", t.name, ErrUnknownState, tr.Target)
		}
		return tr.Target, true, nil
	}
}

// runState activates one state and returns the transition it resolved to
func (r *runner) runState(n *node) (*Transition, error) {
	c := r.c

	r.logger.Debug("entering state", "state", n.id)
	r.emitState(n, PhaseEnter)

	if n.timeout > 0 {
		c.startTimer(timeoutTimerName(n.id), n.timeout, To(n.timeoutTarget), TimerScopeState, n.id)
	}

	next, err := r.trigger(n.enter)
	if err != nil {
		return nil, err
	}

	if next == nil && n.preprocess != nil {
		if next, err = n.preprocess(c); err != nil {
			return nil, err
		}
	}

	if next == nil {
		if n.sub >= 0 {
			next, err = r.runTable(n.sub)
		} else {
			next, err = r.dispatchLoop(n)
		}
		if err != nil {
			return nil, err
		}
	}

	r.logger.Debug("leaving state", "state", n.id)
	r.emitState(n, PhaseLeave)
	c.cleanupTimersForState(n.id)

	left, err := r.trigger(n.leave)
	if err != nil {
		return nil, err
	}
	if left != nil {
		next = left
	}

	if n.terminal() || c.Terminated() {
		r.emitState(n, PhaseTerminate)
		if _, err := r.trigger(n.terminate); err != nil {
			return nil, err
		}
		c.terminate()
	}

	return next, nil
}

// trigger runs hooks in order; the first transition returned short-circuits
// the remaining hooks
func (r *runner) trigger(hooks []hookFunc) (*Transition, error) {
	for _, h := range hooks {
		t, err := h(r.c)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// dispatchLoop reads branches and dispatches them until a transition is
// produced, the input is exhausted or the context terminates
func (r *runner) dispatchLoop(n *node) (*Transition, error) {
	c := r.c

	for {
		if t := c.takeFired(); t != nil {
			return t, nil
		}
		if r.cancelled() || !r.tick() {
			return nil, nil
		}

		branch, args, err := r.next(n)
		if t := c.takeFired(); t != nil {
			return t, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			if r.ctx.Err() != nil {
				c.terminate()
				return nil, nil
			}
			return nil, err
		}

		switch b := branch.(type) {
		case nil:
			return nil, nil
		case *Transition:
			return b, nil
		}

		r.emitState(n, PhaseBranch, branch)

		res, err := r.dispatch(n, branch, args)
		if err != nil {
			return nil, err
		}

		switch v := res.(type) {
		case *Transition:
			if v != nil {
				return v, nil
			}
		case Events:
			if t := r.relay(n, v); t != nil {
				return t, nil
			}
		}

		if c.inputExhausted() || c.Terminated() {
			return nil, nil
		}
	}
}

// next obtains the next branch from the state's parser or the input
func (r *runner) next(n *node) (any, []any, error) {
	if n.parser != nil {
		return n.parser(r.c)
	}
	v, err := r.c.Read()
	return v, nil, err
}

// dispatch runs the first matching rule, or the default handler
func (r *runner) dispatch(n *node, branch any, args []any) (Result, error) {
	for _, rule := range n.rules {
		if groups, ok := rule.Matcher.Match(branch); ok {
			return rule.Handler(r.c, Match{Branch: branch, Groups: groups, Args: args})
		}
	}
	if n.fallback == nil {
		r.logger.Debug("no rule matched", "state", n.id, "branch", branch)
		return nil, nil
	}
	return n.fallback(r.c, Match{Branch: branch, Args: args})
}

// relay forwards handler-produced events, stopping at the first transition
func (r *runner) relay(n *node, events Events) *Transition {
	for v := range events {
		switch e := v.(type) {
		case *Transition:
			if e != nil {
				return e
			}
		case Event:
			r.emit(e)
		default:
			r.emitState(n, PhaseEmit, v)
		}
	}
	return nil
}

// run drives the root machine for one session
func (m *Machine) run(ctx context.Context, c *Context, logger *slog.Logger, yield func(Event) bool) error {
	r := &runner{
		m:      m,
		c:      c,
		ctx:    ctx,
		yield:  yield,
		logger: logger,
	}

	c.bind(ctx, r)
	defer c.unbind()

	_, err := r.runTable(0)
	return err
}
