package linefsm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// Convert transforms a value assigned to an attribute before it is stored
type Convert func(v any) (any, error)

// Capability builds a per-context extension. Each capability registered on a
// Schema is instantiated once per Context and retrieved with CapabilityOf.
type Capability func(c *Context) any

// AttrSpec declares one attribute of a Schema
type AttrSpec struct {
	Name        string
	Default     any
	DefaultFunc func() any
	Boolean     bool
	Convert     Convert
}

// AttrOption is a functional option for configuring an AttrSpec
type AttrOption func(*AttrSpec)

// Default sets a constant default. Use DefaultFunc for maps and slices so
// that every context gets its own container.
func Default(v any) AttrOption {
	return func(a *AttrSpec) {
		a.Default = v
	}
}

// DefaultFunc sets a default evaluated once per context
func DefaultFunc(fn func() any) AttrOption {
	return func(a *AttrSpec) {
		a.DefaultFunc = fn
	}
}

// Boolean coerces every assigned value to true or false
func Boolean() AttrOption {
	return func(a *AttrSpec) {
		a.Boolean = true
	}
}

// WithConvert applies fn to every assigned value
func WithConvert(fn Convert) AttrOption {
	return func(a *AttrSpec) {
		a.Convert = fn
	}
}

// Schema is a declarative attribute specification from which session
// contexts are produced
type Schema struct {
	attrs        []AttrSpec
	index        map[string]int
	initial      StateID
	terminal     []StateID
	capabilities []namedCapability
	extensions   []any
}

type namedCapability struct {
	name string
	fn   Capability
}

// SchemaOption is a functional option for configuring a Schema
type SchemaOption func(*schemaBuilder)

type schemaBuilder struct {
	s   *Schema
	err error
}

// WithAttr declares an attribute
func WithAttr(name string, opts ...AttrOption) SchemaOption {
	return func(b *schemaBuilder) {
		if b.err != nil {
			return
		}
		if name == "" || name == "state" {
			b.err = fmt.Errorf("attribute name %q is reserved", name)
			return
		}
		if _, ok := b.s.index[name]; ok {
			b.err = fmt.Errorf("%w %q", ErrDuplicateAttr, name)
			return
		}
		a := AttrSpec{Name: name}
		for _, opt := range opts {
			opt(&a)
		}
		b.s.index[name] = len(b.s.attrs)
		b.s.attrs = append(b.s.attrs, a)
	}
}

// WithAttrs declares plain attributes with no default
func WithAttrs(names ...string) SchemaOption {
	return func(b *schemaBuilder) {
		for _, name := range names {
			WithAttr(name)(b)
		}
	}
}

// WithInitialState overrides the initial state of contexts and definitions
// using this schema
func WithInitialState(id StateID) SchemaOption {
	return func(b *schemaBuilder) {
		b.s.initial = id
	}
}

// WithTerminalStates overrides the terminal states
func WithTerminalStates(ids ...StateID) SchemaOption {
	return func(b *schemaBuilder) {
		b.s.terminal = ids
	}
}

// Includes composes a named capability into every context
func Includes(name string, fn Capability) SchemaOption {
	return func(b *schemaBuilder) {
		if b.err != nil {
			return
		}
		if lo.ContainsBy(b.s.capabilities, func(c namedCapability) bool { return c.name == name }) {
			b.err = fmt.Errorf("duplicate capability %q", name)
			return
		}
		b.s.capabilities = append(b.s.capabilities, namedCapability{name: name, fn: fn})
	}
}

// Extends attaches schema-level values, retrieved with ExtensionOf
func Extends(exts ...any) SchemaOption {
	return func(b *schemaBuilder) {
		b.s.extensions = append(b.s.extensions, exts...)
	}
}

// Base includes every attribute, capability and extension of parent. State
// overrides are inherited unless set later in the option list.
func Base(parent *Schema) SchemaOption {
	return func(b *schemaBuilder) {
		for _, a := range parent.attrs {
			WithAttr(a.Name, func(dst *AttrSpec) { *dst = a })(b)
		}
		for _, c := range parent.capabilities {
			Includes(c.name, c.fn)(b)
		}
		b.s.extensions = append(b.s.extensions, parent.extensions...)
		if parent.initial != "" {
			b.s.initial = parent.initial
		}
		if len(parent.terminal) > 0 {
			b.s.terminal = parent.terminal
		}
	}
}

// NewSchema builds a Schema. Duplicate or reserved attribute names are
// configuration errors.
func NewSchema(opts ...SchemaOption) (*Schema, error) {
	b := &schemaBuilder{s: &Schema{index: make(map[string]int)}}
	for _, opt := range opts {
		opt(b)
	}
	if b.err != nil {
		return nil, fmt.Errorf("schema: %w", b.err)
	}
	return b.s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for package
// level schema declarations.
func MustSchema(opts ...SchemaOption) *Schema {
	s, err := NewSchema(opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// InitialState returns the schema's initial state
func (s *Schema) InitialState() StateID {
	if s.initial == "" {
		return InitialDefault
	}
	return s.initial
}

// TerminalStates returns the schema's terminal states
func (s *Schema) TerminalStates() []StateID {
	if len(s.terminal) == 0 {
		return []StateID{TerminalDefault}
	}
	return append([]StateID(nil), s.terminal...)
}

// Attrs returns the declared attribute names in declaration order
func (s *Schema) Attrs() []string {
	return lo.Map(s.attrs, func(a AttrSpec, _ int) string { return a.Name })
}

// Has checks if the schema declares the attribute
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Capabilities returns the names of the included capabilities
func (s *Schema) Capabilities() []string {
	return lo.Map(s.capabilities, func(c namedCapability, _ int) string { return c.name })
}

// New creates a context. values assigns attributes through their setters,
// so conversion and boolean coercion apply; unknown keys are rejected with
// ErrUnknownAttribute.
func (s *Schema) New(values map[string]any, opts ...ContextOption) (*Context, error) {
	c := &Context{
		State:    s.InitialState(),
		stateSet: s.initial != "",
		schema:   s,
		values:   make([]any, len(s.attrs)),
	}

	for i, a := range s.attrs {
		v := a.Default
		if a.DefaultFunc != nil {
			v = a.DefaultFunc()
		}
		if a.Boolean {
			v = truthy(v)
		}
		c.values[i] = v
	}

	for _, name := range lo.Keys(values) {
		if !s.Has(name) {
			return nil, fmt.Errorf("%w %q", ErrUnknownAttribute, name)
		}
	}
	for _, a := range s.attrs {
		if v, ok := values[a.Name]; ok {
			if err := c.Set(a.Name, v); err != nil {
				return nil, err
			}
		}
	}

	for _, opt := range opts {
		opt(c)
	}

	c.capabilities = make([]any, len(s.capabilities))
	for i, capability := range s.capabilities {
		c.capabilities[i] = capability.fn(c)
	}

	return c, nil
}

// MustNew is like New but panics on error
func (s *Schema) MustNew(values map[string]any, opts ...ContextOption) *Context {
	c, err := s.New(values, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ExtensionOf returns the first schema extension of type T
func ExtensionOf[T any](s *Schema) (T, bool) {
	for _, ext := range s.extensions {
		if v, ok := ext.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// truthy reports false only for nil and false
func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	}
	return true
}

// ToInt converts integers, floats and numeric strings to int. Strings are
// trimmed and a leading number is parsed, so "25 " and "25abc" yield 25 and
// a non-numeric string yields 0.
func ToInt(v any) (any, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		if n > math.MaxInt {
			return 0, fmt.Errorf("value %d overflows int", n)
		}
		return int(n), nil
	case float32:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		s := strings.TrimSpace(n)
		end := 0
		for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
			end++
		}
		i, err := strconv.Atoi(s[:end])
		if err != nil {
			return 0, nil
		}
		return i, nil
	}
	return nil, fmt.Errorf("cannot convert %T to int", v)
}
