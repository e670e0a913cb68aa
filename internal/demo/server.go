// Package demo holds line protocol tables built on linefsm: a minimal
// SMTP-style server and a proxy-aware delivery client. They back the CLI and
// the end-to-end tests.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/librescoot/linefsm"
	"github.com/librescoot/linefsm/message"
)

// ServerSchema declares the attributes of a server session
var ServerSchema = linefsm.MustSchema(
	linefsm.WithAttr("hostname", linefsm.Default("localhost")),
	linefsm.WithAttrs("helo", "mail_from"),
	linefsm.WithAttr("recipients", linefsm.DefaultFunc(func() any { return &[]string{} })),
	linefsm.WithAttr("body", linefsm.DefaultFunc(func() any { return &strings.Builder{} })),
	linefsm.WithAttr("extended", linefsm.Boolean()),
)

// ServerOptions configures the server table
type ServerOptions struct {
	// Timeout is the idle time allowed while waiting for a command; 0
	// disables it
	Timeout time.Duration
	// Inbox receives accepted messages. Without one messages are accepted
	// and dropped.
	Inbox  *message.Batch
	Logger *slog.Logger
}

// bodyLine is a line of message content. It is a distinct type so that
// command rules never match message content.
type bodyLine string

func recipients(c *linefsm.Context) *[]string {
	return linefsm.Attr[*[]string](c, "recipients")
}

func body(c *linefsm.Context) *strings.Builder {
	return linefsm.Attr[*strings.Builder](c, "body")
}

func reset(c *linefsm.Context) {
	c.MustSet("mail_from", nil)
	*recipients(c) = nil
	body(c).Reset()
}

// Server returns the definition of an SMTP-style server session
func Server(opts ServerOptions) *linefsm.Definition {
	logger := opts.Logger
	if logger == nil {
		logger = linefsm.Logger
	}

	var idle []linefsm.StateOption
	if opts.Timeout > 0 {
		idle = append(idle, linefsm.WithTimeout(opts.Timeout, "timeout"))
	}
	with := func(extra ...linefsm.StateOption) []linefsm.StateOption {
		return append(append([]linefsm.StateOption(nil), idle...), extra...)
	}

	return linefsm.NewDefinition("smtp_server",
		linefsm.WithSchema(ServerSchema),
		linefsm.WithLogger(logger),
	).
		State("initialize", linefsm.OnEnter(func(c *linefsm.Context) (*linefsm.Transition, error) {
			return c.Transition("ready"), c.Reply(fmt.Sprintf("220 %s ready", c.String("hostname")))
		})).
		State("ready", with(
			linefsm.OnPattern(`\A(?i:(HELO|EHLO))\s+(\S+)\s*\z`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				c.MustSet("helo", m.Group(2))
				c.MustSet("extended", strings.EqualFold(m.Group(1), "EHLO"))
				return nil, c.Reply(fmt.Sprintf("250 %s hello %s", c.String("hostname"), m.Group(2)))
			}),
			linefsm.OnPattern(`\A(?i:MAIL FROM):\s*<([^>]*)>`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				if c.Get("helo") == nil {
					return nil, c.Reply("503 Send HELO first")
				}
				reset(c)
				c.MustSet("mail_from", m.Group(1))
				return c.Transition("rcpt_to"), c.Reply("250 OK")
			}),
		)...).
		State("rcpt_to", with(
			linefsm.OnPattern(`\A(?i:RCPT TO):\s*<([^>]+)>`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				*recipients(c) = append(*recipients(c), m.Group(1))
				return nil, c.Reply("250 OK")
			}),
			linefsm.OnPattern(`\A(?i:DATA)\z`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				if len(*recipients(c)) == 0 {
					return nil, c.Reply("503 Need RCPT first")
				}
				return c.Transition("data"), c.Reply("354 End data with <CR><LF>.<CR><LF>")
			}),
		)...).
		State("data", with(
			linefsm.WithParser(func(c *linefsm.Context) (any, []any, error) {
				v, err := c.Read()
				if err != nil {
					return nil, nil, err
				}
				line, _ := v.(string)
				return bodyLine(line), nil, nil
			}),
			linefsm.WithDefault(func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
				line := string(m.Branch.(bodyLine))
				if line != "." {
					body(c).WriteString(strings.TrimPrefix(line, ".") + "\n")
					return nil, nil
				}
				return c.Transition("ready"), accept(c, opts.Inbox, logger)
			}),
		)...).
		State("timeout", linefsm.OnEnter(func(c *linefsm.Context) (*linefsm.Transition, error) {
			return c.Finished(), c.Reply("421 Idle timeout")
		})).
		OnPattern(`\A(?i:NOOP)\b`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			return nil, c.Reply("250 OK")
		}).
		OnPattern(`\A(?i:RSET)\z`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			reset(c)
			return c.Transition("ready"), c.Reply("250 Reset")
		}).
		OnPattern(`\A(?i:QUIT)\z`, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			return c.Finished(), c.Reply("221 Bye")
		}).
		Default(func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			return nil, c.Reply("500 Unrecognized command")
		})
}

// accept hands the collected message to the inbox and replies accordingly
func accept(c *linefsm.Context, inbox *message.Batch, logger *slog.Logger) error {
	m := message.New([]byte(body(c).String()))
	from, to := c.String("mail_from"), strings.Join(*recipients(c), ",")
	reset(c)

	if inbox != nil {
		if err := inbox.Push(m); err != nil {
			logger.Debug("message rejected", "id", m.ID, "error", err)
			c.Emit("deliver_reject", m.ID)
			return c.Reply("451 Try again later")
		}
	}
	logger.Debug("message accepted", "id", m.ID, "from", from, "to", to)
	c.Emit("deliver_accept", m.ID)
	return c.Reply("250 OK " + m.ID)
}

// Serve runs one server session over conn and closes it afterwards
func Serve(ctx context.Context, m *linefsm.Machine, conn io.ReadWriteCloser, opts ...linefsm.ContextOption) error {
	defer conn.Close()

	in := linefsm.NewLineInput(conn, linefsm.WithSeparator(linefsm.CRLF))
	defer in.Close()

	c, err := ServerSchema.New(nil, append([]linefsm.ContextOption{
		linefsm.WithInput(in),
		linefsm.WithOutput(conn),
	}, opts...)...)
	if err != nil {
		return err
	}

	err = linefsm.NewInterpreter(m, c).Run(ctx)
	if errors.Is(err, io.ErrClosedPipe) {
		// the peer hung up mid-session
		return nil
	}
	return err
}
