package linefsm

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// Line endings
const (
	LF   = "\n"
	CRLF = "\r\n"
)

// Input is a token source consumed by states. Read returns io.EOF once the
// source is exhausted and must honour ctx cancellation while blocked.
type Input interface {
	Read(ctx context.Context) (any, error)
}

// Exhauster is implemented by inputs that know they are exhausted without
// attempting another read. The dispatch loop stops once Exhausted is true.
type Exhauster interface {
	Exhausted() bool
}

// SliceInput shifts tokens from the front of a slice
type SliceInput struct {
	mu    sync.Mutex
	items []any
}

// NewSliceInput creates an input yielding items in order
func NewSliceInput(items ...any) *SliceInput {
	return &SliceInput{items: items}
}

// Lines creates a SliceInput of strings
func Lines(lines ...string) *SliceInput {
	items := make([]any, len(lines))
	for i, l := range lines {
		items[i] = l
	}
	return NewSliceInput(items...)
}

func (in *SliceInput) Read(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.items) == 0 {
		return nil, io.EOF
	}
	v := in.items[0]
	in.items = in.items[1:]
	return v, nil
}

// Push appends tokens to the end of the input
func (in *SliceInput) Push(items ...any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.items = append(in.items, items...)
}

func (in *SliceInput) Exhausted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.items) == 0
}

// LineInput frames an io.Reader into delimiter-terminated lines. A background
// goroutine performs the blocking reads so that Read can be cancelled.
type LineInput struct {
	r         *bufio.Reader
	separator string
	chomp     bool

	once  sync.Once
	lines chan lineResult
	done  chan struct{}
	close sync.Once

	mu  sync.Mutex
	eof bool
}

type lineResult struct {
	line string
	err  error
}

// LineOption is a functional option for configuring a LineInput
type LineOption func(*LineInput)

// WithSeparator sets the line delimiter. Default: LF.
func WithSeparator(sep string) LineOption {
	return func(in *LineInput) {
		if sep != "" {
			in.separator = sep
		}
	}
}

// WithChomp strips the delimiter from each line. Default: true.
func WithChomp(chomp bool) LineOption {
	return func(in *LineInput) {
		in.chomp = chomp
	}
}

// NewLineInput creates a line-framed input reading from r
func NewLineInput(r io.Reader, opts ...LineOption) *LineInput {
	in := &LineInput{
		r:         bufio.NewReader(r),
		separator: LF,
		chomp:     true,
		lines:     make(chan lineResult),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func (in *LineInput) Read(ctx context.Context) (any, error) {
	if in.Exhausted() {
		return nil, io.EOF
	}
	in.once.Do(func() { go in.readLoop() })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-in.lines:
		if !ok {
			in.markEOF()
			return nil, io.EOF
		}
		if res.err != nil {
			in.markEOF()
			return nil, res.err
		}
		return res.line, nil
	}
}

func (in *LineInput) Exhausted() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.eof
}

// Close stops the background reader. The underlying reader is not closed.
func (in *LineInput) Close() error {
	in.close.Do(func() { close(in.done) })
	return nil
}

func (in *LineInput) markEOF() {
	in.mu.Lock()
	in.eof = true
	in.mu.Unlock()
}

func (in *LineInput) readLoop() {
	defer close(in.lines)

	delim := in.separator[len(in.separator)-1]
	var buf strings.Builder
	for {
		chunk, err := in.r.ReadString(delim)
		buf.WriteString(chunk)

		if err == nil && !strings.HasSuffix(buf.String(), in.separator) {
			// delimiter byte seen but not the full separator
			continue
		}

		if buf.Len() > 0 {
			line := buf.String()
			if in.chomp {
				line = strings.TrimSuffix(line, in.separator)
			}
			buf.Reset()
			if !in.send(lineResult{line: line}) {
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				in.send(lineResult{err: err})
			}
			return
		}
	}
}

func (in *LineInput) send(res lineResult) bool {
	select {
	case in.lines <- res:
		return true
	case <-in.done:
		return false
	}
}

// SplitFunc turns a line into the branch matched against rules and the args
// handed to the handler
type SplitFunc func(line string) (branch any, args []any)

// Fields splits a line on whitespace. The branch is the upper-cased first
// field and the args are the remaining fields.
func Fields(line string) (any, []any) {
	f := strings.Fields(line)
	if len(f) == 0 {
		return "", nil
	}
	args := make([]any, 0, len(f)-1)
	for _, s := range f[1:] {
		args = append(args, s)
	}
	return strings.ToUpper(f[0]), args
}

// LineParser builds a Parser that reads one token from the context's input
// and, when it is a string, passes it through split. Non-string tokens are
// returned unchanged. A nil split makes the parser a pass-through.
func LineParser(split SplitFunc) Parser {
	return func(c *Context) (any, []any, error) {
		v, err := c.Read()
		if err != nil {
			return nil, nil, err
		}
		line, ok := v.(string)
		if !ok || split == nil {
			return v, nil, nil
		}
		branch, args := split(line)
		return branch, args, nil
	}
}
