package linefsm

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/lithammer/dedent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trace flattens events into comparable strings
func trace(events []Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.String())
	}
	return out
}

func smtpLikeDefinition() (*Definition, *Schema) {
	schema := MustSchema(
		WithAttr("received", DefaultFunc(func() any { return &[][]string{} })),
	)
	record := func(c *Context, entry ...string) {
		received := Attr[*[][]string](c, "received")
		*received = append(*received, entry)
	}

	def := NewDefinition("server", WithSchema(schema)).
		State("initialize", OnEnter(func(c *Context) *Transition {
			return c.Transition("helo")
		})).
		State("helo", OnPattern(`\AHELO\s+(.*)\z`, func(c *Context, m Match) (Result, error) {
			record(c, "helo", m.Group(1))
			return c.Transition("mail_from"), c.Reply("250 Hi")
		})).
		State("mail_from", OnPattern(`\AMAIL FROM:<([^>]+)>\z`, func(c *Context, m Match) (Result, error) {
			record(c, "mail_from", m.Group(1))
			return nil, c.Reply("250 Continue")
		})).
		OnPattern(`\AQUIT\z`, func(c *Context, m Match) (Result, error) {
			record(c, "quit")
			return c.Transition("finished"), c.Reply("221 Later")
		}).
		Default(func(c *Context, m Match) (Result, error) {
			record(c, "error", m.Branch.(string))
			return nil, c.Reply("550 Invalid")
		})

	return def, schema
}

func TestLineProtocolExchange(t *testing.T) {
	def, schema := smtpLikeDefinition()
	m, err := def.Build()
	require.NoError(t, err)

	var out bytes.Buffer
	c := schema.MustNew(nil,
		WithInput(Lines("HELO a", "MAIL FROM:<b>", "QUIT")),
		WithOutput(&out),
	)

	events, err := NewInterpreter(m, c).Trace(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"enter(machine server)",
		"enter(state initialize)",
		"leave(state initialize)",
		"transition(machine server [helo])",
		"enter(state helo)",
		"branch(state helo [HELO a])",
		"leave(state helo)",
		"transition(machine server [mail_from])",
		"enter(state mail_from)",
		"branch(state mail_from [MAIL FROM:<b>])",
		"branch(state mail_from [QUIT])",
		"leave(state mail_from)",
		"transition(machine server [finished])",
		"enter(state finished)",
		"leave(state finished)",
		"terminate(state finished)",
		"leave(machine server)",
		"terminate(machine server)",
	}, trace(events))

	assert.Equal(t, [][]string{{"helo", "a"}, {"mail_from", "b"}, {"quit"}},
		*Attr[*[][]string](c, "received"))
	assert.Equal(t, "250 Hi\r\n250 Continue\r\n221 Later\r\n", out.String())
	assert.True(t, c.Terminated())
	assert.Equal(t, StateID("finished"), c.State)

	for _, e := range events {
		assert.Same(t, c, e.Context)
	}
}

func TestLineProtocolOverStream(t *testing.T) {
	def, schema := smtpLikeDefinition()
	m, err := def.Build()
	require.NoError(t, err)

	script := dedent.Dedent(`
		HELO example.com
		MAIL FROM:<test@example.com>
		NOOP
		QUIT
	`)
	script = strings.ReplaceAll(strings.TrimPrefix(script, "\n"), "\n", "\r\n")

	var out bytes.Buffer
	c := schema.MustNew(nil,
		WithInput(NewLineInput(strings.NewReader(script), WithSeparator(CRLF))),
		WithOutput(&out),
	)

	require.NoError(t, NewInterpreter(m, c).Run(context.Background()))

	assert.Equal(t, [][]string{
		{"helo", "example.com"},
		{"mail_from", "test@example.com"},
		{"error", "NOOP"},
		{"quit"},
	}, *Attr[*[][]string](c, "received"))
	assert.Equal(t, "250 Hi\r\n250 Continue\r\n550 Invalid\r\n221 Later\r\n", out.String())
	assert.True(t, c.Terminated())
}

func TestInterpreterSinks(t *testing.T) {
	def, schema := smtpLikeDefinition()
	m, err := def.Build()
	require.NoError(t, err)

	var fromOption, fromContext []Phase
	c := schema.MustNew(nil,
		WithInput(Lines("HELO a", "QUIT")),
		WithEvents(func(e Event) { fromContext = append(fromContext, e.Phase) }),
	)
	in := NewInterpreter(m, c, WithEventSink(func(e Event) {
		fromOption = append(fromOption, e.Phase)
	}))

	require.NoError(t, in.Run(context.Background()))
	assert.NotEmpty(t, fromOption)
	assert.Equal(t, fromOption, fromContext)
	assert.Same(t, m, in.Machine())
	assert.Same(t, c, in.Context())
}

func TestRunTerminatedContextIsNoop(t *testing.T) {
	def, schema := smtpLikeDefinition()
	m, err := def.Build()
	require.NoError(t, err)

	c := schema.MustNew(nil, WithInput(Lines("HELO a", "QUIT")))
	in := NewInterpreter(m, c)
	require.NoError(t, in.Run(context.Background()))
	require.True(t, c.Terminated())

	events, err := in.Trace(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventsStopEarly(t *testing.T) {
	var left []StateID
	def := NewDefinition("m").
		State("initialize",
			OnLeave(func(c *Context) { left = append(left, c.State) }),
			WithDefault(func(c *Context, m Match) (Result, error) { return nil, nil }),
		)
	m, err := def.Build()
	require.NoError(t, err)

	c := NewContext(WithInput(Lines("a", "b", "c")))
	n := 0
	for e, err := range NewInterpreter(m, c).Events(context.Background()) {
		require.NoError(t, err)
		n++
		if e.Phase == PhaseBranch {
			break
		}
	}

	assert.Equal(t, 3, n)
	assert.True(t, c.Terminated())
	// the run unwound through leave hooks after the consumer stopped
	assert.Equal(t, []StateID{"initialize"}, left)
}

func TestRunCancelled(t *testing.T) {
	def := NewDefinition("m").
		State("initialize", WithDefault(func(c *Context, m Match) (Result, error) {
			return nil, nil
		}))
	m, err := def.Build()
	require.NoError(t, err)

	r, w := io.Pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewContext(WithInput(NewLineInput(r)))

	var phases []Phase
	in := NewInterpreter(m, c, WithEventSink(func(e Event) {
		phases = append(phases, e.Phase)
		if e.Phase == PhaseEnter && e.Kind == SourceState {
			cancel()
		}
	}))

	err = in.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, c.Terminated())
	assert.Equal(t, []Phase{
		PhaseEnter, PhaseEnter, PhaseLeave, PhaseTerminate, PhaseLeave, PhaseTerminate,
	}, phases)
}
