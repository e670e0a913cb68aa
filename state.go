package linefsm

import (
	"fmt"
	"reflect"
	"regexp"
	"time"
)

// Hook is an enter, leave, terminate or preprocess callback. Accepted shapes:
//
//	func()
//	func() error
//	func() *Transition
//	func(*Context)
//	func(*Context) error
//	func(*Context) *Transition
//	func(*Context) (*Transition, error)
//
// Any other value is rejected with ErrHookSignature when the definition is
// built.
type Hook any

// hookFunc is the normalised form of a Hook
type hookFunc func(c *Context) (*Transition, error)

func normalizeHook(h Hook) (hookFunc, error) {
	switch fn := h.(type) {
	case func():
		return func(*Context) (*Transition, error) { fn(); return nil, nil }, nil
	case func() error:
		return func(*Context) (*Transition, error) { return nil, fn() }, nil
	case func() *Transition:
		return func(*Context) (*Transition, error) { return fn(), nil }, nil
	case func(*Context):
		return func(c *Context) (*Transition, error) { fn(c); return nil, nil }, nil
	case func(*Context) error:
		return func(c *Context) (*Transition, error) { return nil, fn(c) }, nil
	case func(*Context) *Transition:
		return func(c *Context) (*Transition, error) { return fn(c), nil }, nil
	case func(*Context) (*Transition, error):
		return fn, nil
	}
	return nil, fmt.Errorf("%w: got %T", ErrHookSignature, h)
}

func normalizeHooks(hooks []Hook) ([]hookFunc, error) {
	out := make([]hookFunc, 0, len(hooks))
	for _, h := range hooks {
		fn, err := normalizeHook(h)
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}

// Match is handed to a dispatch handler
type Match struct {
	// Branch is the value produced by the parser or read from the input
	Branch any
	// Groups holds the full match and capture groups of a pattern rule
	Groups []string
	// Args are the auxiliary values returned by the parser
	Args []any
}

// Group returns capture group i, or "" when absent
func (m Match) Group(i int) string {
	if i < 0 || i >= len(m.Groups) {
		return ""
	}
	return m.Groups[i]
}

// Handler handles a branch matched by a rule, or unmatched by all rules when
// used as a default
type Handler func(c *Context, m Match) (Result, error)

// Matcher tests a branch against a rule
type Matcher interface {
	Match(branch any) (groups []string, ok bool)
}

type literalMatcher struct {
	value any
}

// Literal matches branches equal to v
func Literal(v any) Matcher {
	return literalMatcher{value: v}
}

func (l literalMatcher) Match(branch any) ([]string, bool) {
	if branch == nil || l.value == nil {
		return nil, false
	}
	if !reflect.TypeOf(branch).Comparable() || !reflect.TypeOf(l.value).Comparable() {
		return nil, false
	}
	return nil, branch == l.value
}

func (l literalMatcher) String() string {
	return fmt.Sprintf("%q", l.value)
}

type patternMatcher struct {
	re *regexp.Regexp
}

// Pattern matches string (or []byte) branches against a regular expression.
// It panics if expr does not compile, like regexp.MustCompile.
func Pattern(expr string) Matcher {
	return patternMatcher{re: regexp.MustCompile(expr)}
}

// Regexp matches string (or []byte) branches against re
func Regexp(re *regexp.Regexp) Matcher {
	return patternMatcher{re: re}
}

func (p patternMatcher) Match(branch any) ([]string, bool) {
	var s string
	switch b := branch.(type) {
	case string:
		s = b
	case []byte:
		s = string(b)
	case fmt.Stringer:
		s = b.String()
	default:
		return nil, false
	}
	groups := p.re.FindStringSubmatch(s)
	if groups == nil {
		return nil, false
	}
	return groups, true
}

func (p patternMatcher) String() string {
	return "/" + p.re.String() + "/"
}

// Rule pairs a matcher with its handler. Rules are tested in declaration
// order and the first match wins.
type Rule struct {
	Matcher Matcher
	Handler Handler
}

// Parser produces the next branch and its auxiliary args. A nil branch ends
// the dispatch loop, a *Transition branch is adopted as the state's result.
type Parser func(c *Context) (branch any, args []any, err error)

// State defines a state in the machine
type State struct {
	ID StateID

	Preprocess Hook
	Parser     Parser
	Enter      []Hook
	Leave      []Hook
	Terminate  []Hook

	Rules   []Rule
	Default Handler

	// Declarative read timeout: auto-started on entry, cancelled on leave
	Timeout       time.Duration
	TimeoutTarget StateID

	// Sub-machine run in place of the dispatch loop
	Embed *Definition
}

// Terminal reports whether the state has terminate hooks
func (s *State) Terminal() bool {
	return len(s.Terminate) > 0
}

// StateOption is a functional option for configuring a State
type StateOption func(*State)

// OnEnter appends an enter hook
func OnEnter(h Hook) StateOption {
	return func(s *State) {
		s.Enter = append(s.Enter, h)
	}
}

// OnLeave appends a leave hook
func OnLeave(h Hook) StateOption {
	return func(s *State) {
		s.Leave = append(s.Leave, h)
	}
}

// OnTerminate appends a terminate hook and makes the state terminal
func OnTerminate(h Hook) StateOption {
	return func(s *State) {
		s.Terminate = append(s.Terminate, h)
	}
}

// Terminal marks the state terminal without any terminate behaviour
func Terminal() StateOption {
	return OnTerminate(func() {})
}

// WithPreprocess sets the hook run once after enter and before the loop
func WithPreprocess(h Hook) StateOption {
	return func(s *State) {
		s.Preprocess = h
	}
}

// WithParser sets the state's parser, overriding the machine-wide one
func WithParser(p Parser) StateOption {
	return func(s *State) {
		s.Parser = p
	}
}

// Interpret appends a rule
func Interpret(m Matcher, h Handler) StateOption {
	return func(s *State) {
		s.Rules = append(s.Rules, Rule{Matcher: m, Handler: h})
	}
}

// OnPattern appends a regular expression rule
func OnPattern(expr string, h Handler) StateOption {
	return Interpret(Pattern(expr), h)
}

// OnLiteral appends an exact-match rule
func OnLiteral(v any, h Handler) StateOption {
	return Interpret(Literal(v), h)
}

// WithDefault sets the handler for branches no rule matched
func WithDefault(h Handler) StateOption {
	return func(s *State) {
		s.Default = h
	}
}

// WithTimeout sets a declarative timeout: when the state is still active
// after d, the pending read is cancelled and the state moves to target.
func WithTimeout(d time.Duration, target StateID) StateOption {
	return func(s *State) {
		s.Timeout = d
		s.TimeoutTarget = target
	}
}
