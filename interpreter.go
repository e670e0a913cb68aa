package linefsm

import (
	"context"
	"iter"
	"log/slog"
)

// Interpreter couples a Machine with one session Context and runs it to
// completion
type Interpreter struct {
	machine *Machine
	context *Context
	sink    EventSink
	logger  *slog.Logger
}

// InterpreterOption is a functional option for configuring an Interpreter
type InterpreterOption func(*Interpreter)

// WithEventSink sets a sink invoked for every event before the context's own
func WithEventSink(sink EventSink) InterpreterOption {
	return func(in *Interpreter) {
		in.sink = sink
	}
}

// WithInterpreterLogger overrides the machine's logger for this session
func WithInterpreterLogger(logger *slog.Logger) InterpreterOption {
	return func(in *Interpreter) {
		in.logger = logger
	}
}

// NewInterpreter creates an interpreter for one session
func NewInterpreter(m *Machine, c *Context, opts ...InterpreterOption) *Interpreter {
	in := &Interpreter{
		machine: m,
		context: c,
		logger:  m.logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	if in.logger == nil {
		in.logger = Logger
	}
	return in
}

// Machine returns the machine definition
func (in *Interpreter) Machine() *Machine {
	return in.machine
}

// Context returns the session context
func (in *Interpreter) Context() *Context {
	return in.context
}

// Run executes the session until a terminal state's terminate phase
// completes, the iteration limit is reached, the input is exhausted without
// a transition, or ctx is done. Every event is delivered synchronously and
// in order to the interpreter's sink and then to Context.Events. Running an
// already terminated context is a no-op. Errors from hooks and handlers are
// returned unchanged; on cancellation ctx.Err() is returned after the run
// has unwound.
func (in *Interpreter) Run(ctx context.Context) error {
	for _, err := range in.Events(ctx) {
		if err != nil {
			return err
		}
	}
	return nil
}

// Events runs the session lazily: each event is produced when the consumer
// pulls it. Breaking out of the loop terminates the context and the run
// unwinds through its leave and terminate hooks without emitting further
// events. A failed run yields a final zero Event with the error.
func (in *Interpreter) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		c := in.context
		if c.Terminated() {
			return
		}

		stopped := false
		err := in.machine.run(ctx, c, in.logger, func(e Event) bool {
			if in.sink != nil {
				in.sink(e)
			}
			if c.Events != nil {
				c.Events(e)
			}
			stopped = !yield(e, nil)
			return !stopped
		})

		if err == nil {
			err = ctx.Err()
		}
		if err != nil && !stopped {
			yield(Event{}, err)
		}
	}
}

// Trace runs the session and returns every event produced
func (in *Interpreter) Trace(ctx context.Context) ([]Event, error) {
	var events []Event
	for e, err := range in.Events(ctx) {
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}
