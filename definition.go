package linefsm

import (
	"fmt"
	"log/slog"
)

// Definition holds the machine structure before building a Machine
type Definition struct {
	name     string
	states   map[StateID]*State
	order    []StateID
	rules    []Rule
	fallback Handler
	parser   Parser
	initial  StateID
	terminal []StateID
	schema   *Schema
	logger   *slog.Logger
}

// DefinitionOption is a functional option for configuring a Definition
type DefinitionOption func(*Definition)

// WithSchema takes the initial and terminal states from the schema
func WithSchema(s *Schema) DefinitionOption {
	return func(d *Definition) {
		d.schema = s
	}
}

// WithLogger sets the logger for machines built from the definition
func WithLogger(logger *slog.Logger) DefinitionOption {
	return func(d *Definition) {
		d.logger = logger
	}
}

// NewDefinition creates a new machine definition builder
func NewDefinition(name string, opts ...DefinitionOption) *Definition {
	d := &Definition{
		name:   name,
		states: make(map[StateID]*State),
		logger: Logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the machine name used as the source of machine events
func (d *Definition) Name() string {
	return d.name
}

// State adds a state to the definition. Redefining a state replaces it but
// keeps its original position.
func (d *Definition) State(id StateID, opts ...StateOption) *Definition {
	s := &State{ID: id}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := d.states[id]; !ok {
		d.order = append(d.order, id)
	}
	d.states[id] = s
	return d
}

// Embed adds a state that runs sub as a nested machine. Transitions out of
// sub that it cannot resolve, or that are parent-scoped, resolve here.
func (d *Definition) Embed(id StateID, sub *Definition, opts ...StateOption) *Definition {
	return d.State(id, append(opts, func(s *State) { s.Embed = sub })...)
}

// Interpret adds a machine-wide rule, tried after the state's own rules
func (d *Definition) Interpret(m Matcher, h Handler) *Definition {
	d.rules = append(d.rules, Rule{Matcher: m, Handler: h})
	return d
}

// OnPattern adds a machine-wide regular expression rule
func (d *Definition) OnPattern(expr string, h Handler) *Definition {
	return d.Interpret(Pattern(expr), h)
}

// Default sets the machine-wide default handler for states without one
func (d *Definition) Default(h Handler) *Definition {
	d.fallback = h
	return d
}

// Parser sets the machine-wide parser for states without one
func (d *Definition) Parser(p Parser) *Definition {
	d.parser = p
	return d
}

// Initial sets the initial state
func (d *Definition) Initial(id StateID) *Definition {
	d.initial = id
	return d
}

// Terminal sets the terminal states. The first is the target of
// Context.Finished.
func (d *Definition) Terminal(ids ...StateID) *Definition {
	d.terminal = ids
	return d
}

func (d *Definition) initialState() StateID {
	switch {
	case d.initial != "":
		return d.initial
	case d.schema != nil:
		return d.schema.InitialState()
	}
	return InitialDefault
}

func (d *Definition) terminalStates() []StateID {
	switch {
	case len(d.terminal) > 0:
		return d.terminal
	case d.schema != nil:
		return d.schema.TerminalStates()
	}
	return []StateID{TerminalDefault}
}

// Validate checks the definition for errors
func (d *Definition) Validate() error {
	return d.validate(map[*Definition]bool{})
}

func (d *Definition) validate(visiting map[*Definition]bool) error {
	if visiting[d] {
		return fmt.Errorf("machine %q embeds itself", d.name)
	}
	visiting[d] = true
	defer delete(visiting, d)

	initial := d.initialState()
	if _, ok := d.states[initial]; !ok {
		return fmt.Errorf("machine %q: initial state %q not defined", d.name, initial)
	}

	for _, id := range d.order {
		s := d.states[id]
		if s.Timeout > 0 && s.TimeoutTarget == "" {
			return fmt.Errorf("state %q declares a timeout without a target", id)
		}
		if s.Embed != nil {
			if err := s.Embed.validate(visiting); err != nil {
				return fmt.Errorf("state %q: %w", id, err)
			}
		}
	}

	return nil
}

// Build creates an immutable Machine from the definition
func (d *Definition) Build() (*Machine, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}

	m := &Machine{
		logger: d.logger,
		schema: d.schema,
	}
	if _, err := m.compile(d, -1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return m, nil
}

// compile appends d and its embedded definitions to the machine's arena and
// returns d's index
func (m *Machine) compile(d *Definition, parent int) (int, error) {
	t := &table{
		name:     d.name,
		nodes:    make(map[StateID]*node, len(d.states)),
		initial:  d.initialState(),
		terminal: d.terminalStates(),
		parent:   parent,
	}
	idx := len(m.arena)
	m.arena = append(m.arena, t)

	for _, id := range d.order {
		s := d.states[id]
		n, err := d.compileState(s)
		if err != nil {
			return 0, fmt.Errorf("state %q: %w", id, err)
		}
		if s.Embed != nil {
			sub, err := m.compile(s.Embed, idx)
			if err != nil {
				return 0, fmt.Errorf("state %q: %w", id, err)
			}
			n.sub = sub
		}
		t.nodes[id] = n
		t.order = append(t.order, id)
	}

	// terminal states the definition left out are created with a no-op
	// terminate hook
	for _, id := range t.terminal {
		if _, ok := t.nodes[id]; ok {
			continue
		}
		t.nodes[id] = &node{
			id:        id,
			terminate: []hookFunc{func(*Context) (*Transition, error) { return nil, nil }},
			parser:    d.parser,
			sub:       -1,
		}
		t.order = append(t.order, id)
	}

	return idx, nil
}

func (d *Definition) compileState(s *State) (*node, error) {
	n := &node{
		id:            s.ID,
		parser:        s.Parser,
		fallback:      s.Default,
		timeout:       s.Timeout,
		timeoutTarget: s.TimeoutTarget,
		sub:           -1,
	}
	if n.parser == nil {
		n.parser = d.parser
	}
	if n.fallback == nil {
		n.fallback = d.fallback
	}
	n.rules = make([]Rule, 0, len(s.Rules)+len(d.rules))
	n.rules = append(n.rules, s.Rules...)
	n.rules = append(n.rules, d.rules...)

	var err error
	if s.Preprocess != nil {
		if n.preprocess, err = normalizeHook(s.Preprocess); err != nil {
			return nil, fmt.Errorf("preprocess: %w", err)
		}
	}
	if n.enter, err = normalizeHooks(s.Enter); err != nil {
		return nil, fmt.Errorf("enter: %w", err)
	}
	if n.leave, err = normalizeHooks(s.Leave); err != nil {
		return nil, fmt.Errorf("leave: %w", err)
	}
	if n.terminate, err = normalizeHooks(s.Terminate); err != nil {
		return nil, fmt.Errorf("terminate: %w", err)
	}
	for i, r := range n.rules {
		if r.Matcher == nil || r.Handler == nil {
			return nil, fmt.Errorf("rule %d: matcher and handler are required", i)
		}
	}
	return n, nil
}
