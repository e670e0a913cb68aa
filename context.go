package linefsm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Context is the per-session record handed to every hook and handler. It is
// owned by the goroutine running the session and must not be mutated from
// another one.
type Context struct {
	// State is the current state name
	State StateID
	// Input is the token source
	Input Input
	// Output receives replies written with Reply
	Output io.Writer
	// IterationLimit bounds state activations plus dispatch cycles; 0 is
	// unbounded
	IterationLimit int
	// Events receives every event of a run, after the interpreter's sink
	Events EventSink

	schema       *Schema
	values       []any
	capabilities []any
	terminated   bool
	iterations   int
	stateSet     bool

	// bound for the duration of a run
	ctx    context.Context
	runner *runner

	timerMu    sync.Mutex
	timers     map[string]*timerEntry
	fired      *Transition
	readCancel context.CancelFunc
}

// ContextOption is a functional option for configuring a Context
type ContextOption func(*Context)

// WithInput sets the token source
func WithInput(in Input) ContextOption {
	return func(c *Context) {
		c.Input = in
	}
}

// WithOutput sets the reply writer
func WithOutput(w io.Writer) ContextOption {
	return func(c *Context) {
		c.Output = w
	}
}

// WithState overrides the starting state
func WithState(id StateID) ContextOption {
	return func(c *Context) {
		if id != "" {
			c.State = id
			c.stateSet = true
		}
	}
}

// WithIterationLimit bounds the run
func WithIterationLimit(n int) ContextOption {
	return func(c *Context) {
		c.IterationLimit = n
	}
}

// WithEvents sets the context's event sink
func WithEvents(sink EventSink) ContextOption {
	return func(c *Context) {
		c.Events = sink
	}
}

var emptySchema = MustSchema()

// NewContext creates a context without protocol attributes
func NewContext(opts ...ContextOption) *Context {
	return emptySchema.MustNew(nil, opts...)
}

// Schema returns the schema the context was built from
func (c *Context) Schema() *Schema {
	return c.schema
}

// InitialState returns the schema's initial state
func (c *Context) InitialState() StateID {
	return c.schema.InitialState()
}

// TerminalStates returns the schema's terminal states
func (c *Context) TerminalStates() []StateID {
	return c.schema.TerminalStates()
}

// Get returns an attribute value, nil when the attribute is unknown
func (c *Context) Get(name string) any {
	v, _ := c.Lookup(name)
	return v
}

// Lookup returns an attribute value and whether the attribute exists
func (c *Context) Lookup(name string) (any, bool) {
	i, ok := c.schema.index[name]
	if !ok {
		return nil, false
	}
	return c.values[i], true
}

// Set assigns an attribute through its conversion and boolean coercion
func (c *Context) Set(name string, v any) error {
	i, ok := c.schema.index[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownAttribute, name)
	}
	a := c.schema.attrs[i]
	if a.Convert != nil {
		converted, err := a.Convert(v)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", name, err)
		}
		v = converted
	}
	if a.Boolean {
		v = truthy(v)
	}
	c.values[i] = v
	return nil
}

// MustSet is like Set but panics on error
func (c *Context) MustSet(name string, v any) {
	if err := c.Set(name, v); err != nil {
		panic(err)
	}
}

// Bool reads an attribute as a boolean
func (c *Context) Bool(name string) bool {
	return truthy(c.Get(name))
}

// String reads a string attribute, "" when unset or of another type
func (c *Context) String(name string) string {
	s, _ := c.Get(name).(string)
	return s
}

// Int reads an int attribute, 0 when unset or of another type
func (c *Context) Int(name string) int {
	i, _ := c.Get(name).(int)
	return i
}

// Flag sets a boolean attribute and reports whether this call changed it
// from false to true. Repeated calls return false.
func (c *Context) Flag(name string) bool {
	if c.Bool(name) {
		return false
	}
	c.MustSet(name, true)
	return true
}

// FlagOnce sets a boolean attribute and runs fn only if it was unset
func (c *Context) FlagOnce(name string, fn func()) bool {
	if !c.Flag(name) {
		return false
	}
	fn()
	return true
}

// Map returns the state and every attribute keyed by name
func (c *Context) Map() map[string]any {
	m := make(map[string]any, len(c.values)+1)
	m["state"] = c.State
	for i, a := range c.schema.attrs {
		m[a.Name] = c.values[i]
	}
	return m
}

// Attrs returns a copy of the attribute values keyed by name
func (c *Context) Attrs() map[string]any {
	m := c.Map()
	delete(m, "state")
	return m
}

// Attr reads an attribute as T, returning the zero value on mismatch
func Attr[T any](c *Context, name string) T {
	v, _ := c.Get(name).(T)
	return v
}

// CapabilityOf returns the first capability instance of type T
func CapabilityOf[T any](c *Context) (T, bool) {
	for _, capability := range c.capabilities {
		if v, ok := capability.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

// Capability returns the instance of the named capability
func (c *Context) Capability(name string) (any, bool) {
	for i, capability := range c.schema.capabilities {
		if capability.name == name {
			return c.capabilities[i], true
		}
	}
	return nil, false
}

// Terminated reports whether the session has terminated
func (c *Context) Terminated() bool {
	return c.terminated
}

// Terminate marks the session terminated. A running dispatch loop stops
// after the current cycle and unwinds through leave and terminate hooks.
func (c *Context) Terminate() {
	c.terminate()
}

func (c *Context) terminate() {
	c.terminated = true
}

// Iterations returns the number of cycles counted against IterationLimit
func (c *Context) Iterations() int {
	return c.iterations
}

// Transition creates an auto-scoped transition
func (c *Context) Transition(target StateID) *Transition {
	return To(target)
}

// LocalTransition creates a transition resolved in the current machine
func (c *Context) LocalTransition(target StateID) *Transition {
	return Local(target)
}

// ParentTransition creates a transition resolved in the enclosing machine
func (c *Context) ParentTransition(target StateID) *Transition {
	return Parent(target)
}

// Finished creates a transition to the first terminal state of the running
// machine, which is the embedded one inside a sub-machine. Outside a run the
// schema's terminal states are used.
func (c *Context) Finished() *Transition {
	if c.runner != nil && c.runner.table != nil {
		return Local(c.runner.table.terminal[0])
	}
	return To(c.TerminalStates()[0])
}

// Emit relays values to the event sink as a PhaseEmit event of the current
// state. During a run the event is ordered with the rest of the trace.
func (c *Context) Emit(args ...any) {
	e := Event{Context: c, Source: string(c.State), Kind: SourceState, Phase: PhaseEmit, Args: args}
	if c.runner != nil {
		c.runner.emit(e)
		return
	}
	if c.Events != nil {
		c.Events(e)
	}
}

// Read reads the next token from the input. The read is cancelled when the
// run ends or a timer fires.
func (c *Context) Read() (any, error) {
	if c.Input == nil {
		return nil, io.EOF
	}
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	c.timerMu.Lock()
	if c.fired != nil {
		c.timerMu.Unlock()
		return nil, context.Canceled
	}
	rctx, cancel := context.WithCancel(ctx)
	c.readCancel = cancel
	c.timerMu.Unlock()

	defer func() {
		c.timerMu.Lock()
		c.readCancel = nil
		c.timerMu.Unlock()
		cancel()
	}()

	return c.Input.Read(rctx)
}

// Reply writes a CRLF terminated line to Output
func (c *Context) Reply(line string) error {
	if c.Output == nil {
		return nil
	}
	_, err := io.WriteString(c.Output, line+CRLF)
	return err
}

func (c *Context) inputExhausted() bool {
	if c.Input == nil {
		return true
	}
	if ex, ok := c.Input.(Exhauster); ok {
		return ex.Exhausted()
	}
	return false
}

func (c *Context) bind(ctx context.Context, r *runner) {
	c.ctx = ctx
	c.runner = r
}

func (c *Context) unbind() {
	c.StopAllTimers()
	c.ctx = nil
	c.runner = nil
}

func (c *Context) logger() *slog.Logger {
	if c.runner != nil {
		return c.runner.logger
	}
	return Logger
}
