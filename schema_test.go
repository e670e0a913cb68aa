package linefsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proxyInfo struct {
	host string
	port int
}

type proxyCapability struct {
	c *Context
}

func (p *proxyCapability) Proxied() bool {
	return p.c.String("proxy_host") != ""
}

func TestSchemaDefaults(t *testing.T) {
	s := MustSchema()
	c := s.MustNew(nil)

	assert.Equal(t, StateID("initialize"), c.State)
	assert.Equal(t, StateID("initialize"), c.InitialState())
	assert.Equal(t, []StateID{"finished"}, c.TerminalStates())
	assert.Equal(t, map[string]any{"state": StateID("initialize")}, c.Map())
}

func TestSchemaStateOverrides(t *testing.T) {
	s := MustSchema(
		WithInitialState("start"),
		WithTerminalStates("done", "aborted"),
	)
	c := s.MustNew(nil)

	assert.Equal(t, StateID("start"), c.State)
	assert.Equal(t, []StateID{"done", "aborted"}, c.TerminalStates())

	c = s.MustNew(nil, WithState("middle"))
	assert.Equal(t, StateID("middle"), c.State)

	m, err := NewDefinition("m", WithSchema(s)).State("start").Build()
	require.NoError(t, err)
	assert.Equal(t, StateID("start"), m.Initial())
	assert.Equal(t, []StateID{"done", "aborted"}, m.TerminalStates())
}

func TestAttributeValues(t *testing.T) {
	s := MustSchema(
		WithAttrs("helo", "mail_from"),
		WithAttr("port", Default(25), WithConvert(ToInt)),
	)

	c, err := s.New(map[string]any{"helo": "example.com", "port": "2525"})
	require.NoError(t, err)

	assert.Equal(t, "example.com", c.String("helo"))
	assert.Nil(t, c.Get("mail_from"))
	assert.Equal(t, 2525, c.Int("port"))
	assert.Equal(t, []string{"helo", "mail_from", "port"}, s.Attrs())

	_, ok := c.Lookup("missing")
	assert.False(t, ok)

	require.NoError(t, c.Set("mail_from", "a@b"))
	assert.Equal(t, map[string]any{
		"helo":      "example.com",
		"mail_from": "a@b",
		"port":      2525,
	}, c.Attrs())
	assert.Equal(t, StateID("initialize"), c.Map()["state"])
}

func TestUnknownAttribute(t *testing.T) {
	s := MustSchema(WithAttrs("helo"))

	_, err := s.New(map[string]any{"helo": "x", "bogus": 1})
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	assert.ErrorContains(t, err, `"bogus"`)

	c := s.MustNew(nil)
	assert.ErrorIs(t, c.Set("bogus", 1), ErrUnknownAttribute)
	assert.Panics(t, func() { c.MustSet("bogus", 1) })
}

func TestSchemaConfigurationErrors(t *testing.T) {
	_, err := NewSchema(WithAttrs("a", "a"))
	assert.ErrorIs(t, err, ErrDuplicateAttr)

	_, err = NewSchema(WithAttrs("state"))
	assert.ErrorContains(t, err, "reserved")

	_, err = NewSchema(
		Includes("proxy", func(c *Context) any { return nil }),
		Includes("proxy", func(c *Context) any { return nil }),
	)
	assert.ErrorContains(t, err, `duplicate capability "proxy"`)

	assert.Panics(t, func() { MustSchema(WithAttr("")) })
}

func TestBooleanCoercion(t *testing.T) {
	s := MustSchema(WithAttr("tls", Boolean()))

	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, false},
		{"false", false, false},
		{"true", true, true},
		{"string", "yes", true},
		{"empty string", "", true},
		{"zero", 0, true},
		{"struct", proxyInfo{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := s.MustNew(map[string]any{"tls": tt.in})
			assert.Equal(t, tt.want, c.Get("tls"))
			assert.Equal(t, tt.want, c.Bool("tls"))
		})
	}

	c := s.MustNew(nil)
	assert.Equal(t, false, c.Get("tls"))
}

func TestFlag(t *testing.T) {
	s := MustSchema(WithAttr("greeted", Boolean()))
	c := s.MustNew(nil)

	assert.True(t, c.Flag("greeted"))
	assert.False(t, c.Flag("greeted"))
	assert.True(t, c.Bool("greeted"))

	runs := 0
	c = s.MustNew(nil)
	assert.True(t, c.FlagOnce("greeted", func() { runs++ }))
	assert.False(t, c.FlagOnce("greeted", func() { runs++ }))
	assert.Equal(t, 1, runs)
}

func TestDefaultsDoNotLeakBetweenContexts(t *testing.T) {
	s := MustSchema(
		WithAttr("recipients", DefaultFunc(func() any { return &[]string{} })),
	)
	a := s.MustNew(nil)
	b := s.MustNew(nil)

	*Attr[*[]string](a, "recipients") = append(*Attr[*[]string](a, "recipients"), "x")

	assert.Equal(t, []string{"x"}, *Attr[*[]string](a, "recipients"))
	assert.Empty(t, *Attr[*[]string](b, "recipients"))
}

func TestToInt(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{nil, 0},
		{42, 42},
		{int64(7), 7},
		{uint8(3), 3},
		{2.9, 2},
		{"25", 25},
		{" 25 ", 25},
		{"25abc", 25},
		{"-4", -4},
		{"abc", 0},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := ToInt(tt.in)
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}

	_, err := ToInt([]int{1})
	assert.Error(t, err)
	_, err = ToInt(^uint64(0))
	assert.Error(t, err)
}

func TestConvertError(t *testing.T) {
	s := MustSchema(WithAttr("port", WithConvert(ToInt)))

	_, err := s.New(map[string]any{"port": struct{}{}})
	assert.ErrorContains(t, err, `attribute "port"`)
}

func TestCapabilities(t *testing.T) {
	s := MustSchema(
		WithAttrs("proxy_host"),
		Includes("proxy", func(c *Context) any { return &proxyCapability{c: c} }),
	)
	c := s.MustNew(map[string]any{"proxy_host": "relay"})

	p, ok := CapabilityOf[*proxyCapability](c)
	require.True(t, ok)
	assert.True(t, p.Proxied())

	named, ok := c.Capability("proxy")
	require.True(t, ok)
	assert.Same(t, p, named)

	_, ok = c.Capability("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"proxy"}, s.Capabilities())

	other := s.MustNew(nil)
	q, _ := CapabilityOf[*proxyCapability](other)
	assert.NotSame(t, p, q)
	assert.False(t, q.Proxied())
}

func TestSchemaInheritance(t *testing.T) {
	base := MustSchema(
		WithAttr("port", Default(25)),
		WithTerminalStates("done"),
		Includes("proxy", func(c *Context) any { return &proxyCapability{c: c} }),
		Extends(proxyInfo{host: "relay", port: 1080}),
	)
	derived := MustSchema(
		Base(base),
		WithAttrs("proxy_host"),
		WithInitialState("connect"),
	)

	assert.Equal(t, []string{"port", "proxy_host"}, derived.Attrs())
	assert.Equal(t, StateID("connect"), derived.InitialState())
	assert.Equal(t, []StateID{"done"}, derived.TerminalStates())

	info, ok := ExtensionOf[proxyInfo](derived)
	require.True(t, ok)
	assert.Equal(t, 1080, info.port)

	c := derived.MustNew(nil)
	assert.Equal(t, 25, c.Int("port"))
	_, ok = CapabilityOf[*proxyCapability](c)
	assert.True(t, ok)

	// the parent is unaffected
	assert.False(t, base.Has("proxy_host"))
	_, ok = ExtensionOf[string](base)
	assert.False(t, ok)
}

func TestContextEmitWithoutRun(t *testing.T) {
	var got []Event
	c := NewContext(WithEvents(func(e Event) { got = append(got, e) }))
	c.Emit("hello", 1)

	require.Len(t, got, 1)
	assert.Equal(t, "emit(state initialize [hello 1])", got[0].String())
	assert.Equal(t, StateID("finished"), c.Finished().Target)
}
