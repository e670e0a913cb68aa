package demo

import (
	"fmt"
	"strings"

	"github.com/librescoot/linefsm"
	"github.com/librescoot/linefsm/message"
)

// ClientSchema declares the attributes of a delivery session
var ClientSchema = linefsm.MustSchema(
	linefsm.WithAttr("hostname", linefsm.Default("localhost")),
	linefsm.WithAttrs("smtp_host", "proxy_host", "mail_from", "rcpt_to",
		"banner", "reply_code", "reply_message", "message"),
	linefsm.WithAttr("smtp_port", linefsm.Default(25), linefsm.WithConvert(linefsm.ToInt)),
	linefsm.WithAttr("proxy_port", linefsm.Default(1080), linefsm.WithConvert(linefsm.ToInt)),
	linefsm.WithAttr("proxy", linefsm.Boolean()),
	linefsm.WithAttr("delivered", linefsm.Boolean()),
	linefsm.WithAttr("protocol", linefsm.Default("SMTP")),
	linefsm.Includes("delivery", func(c *linefsm.Context) any { return &Delivery{c: c} }),
)

// Delivery turns the outcome of a client session into a DeliveryResult
type Delivery struct {
	c *linefsm.Context
}

// Result builds the delivery result. A 4xx reply asks for a retry.
func (d *Delivery) Result() (message.DeliveryResult, error) {
	c := d.c
	code := c.String("reply_code")
	values := map[string]any{
		"message":     c.String("reply_message"),
		"target_host": c.String("smtp_host"),
		"target_port": c.Get("smtp_port"),
		"delivered":   c.Bool("delivered"),
	}
	if code != "" {
		values["code"] = c.String("protocol") + "_" + code
	}
	if c.Bool("proxy") {
		values["proxy_host"] = c.String("proxy_host")
		values["proxy_port"] = c.Get("proxy_port")
	}

	r, err := message.ResultFrom(values)
	if err != nil {
		return r, err
	}
	if !r.Delivered && strings.HasPrefix(code, "4") {
		r.Outcome = message.Retry
	}
	return r, nil
}

// ReplyCode splits a server reply into its three digit code and text
func ReplyCode(line string) (any, []any) {
	if len(line) < 3 {
		return line, nil
	}
	text := strings.TrimLeft(line[3:], " -")
	return line[:3], []any{text}
}

// readReply reads a reply and records it on the context
func readReply(c *linefsm.Context) (any, []any, error) {
	branch, args, err := linefsm.LineParser(ReplyCode)(c)
	if err != nil {
		return nil, nil, err
	}
	c.MustSet("reply_code", branch)
	if len(args) > 0 {
		c.MustSet("reply_message", args[0])
	}
	return branch, args, nil
}

func expect(code string, next func(c *linefsm.Context) (linefsm.Result, error)) linefsm.StateOption {
	return linefsm.OnLiteral(code, func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
		return next(c)
	})
}

func send(c *linefsm.Context, line string, target linefsm.StateID) (linefsm.Result, error) {
	return c.Transition(target), c.Reply(line)
}

func payload(c *linefsm.Context) *message.Message {
	m, _ := c.Get("message").(*message.Message)
	return m
}

// SMTPClient is the sub-machine delivering the context's message. It hands
// control back with a parent-scoped transition to smtp_finished.
func SMTPClient() *linefsm.Definition {
	return linefsm.NewDefinition("smtp_client").
		Parser(readReply).
		State("initialize", expect("220", func(c *linefsm.Context) (linefsm.Result, error) {
			c.MustSet("banner", c.Get("reply_message"))
			return send(c, "HELO "+c.String("hostname"), "helo")
		})).
		State("helo", expect("250", func(c *linefsm.Context) (linefsm.Result, error) {
			return send(c, fmt.Sprintf("MAIL FROM:<%s>", c.String("mail_from")), "mail_from")
		})).
		State("mail_from", expect("250", func(c *linefsm.Context) (linefsm.Result, error) {
			return send(c, fmt.Sprintf("RCPT TO:<%s>", c.String("rcpt_to")), "rcpt_to")
		})).
		State("rcpt_to", expect("250", func(c *linefsm.Context) (linefsm.Result, error) {
			return send(c, "DATA", "data")
		})).
		State("data", expect("354", func(c *linefsm.Context) (linefsm.Result, error) {
			if m := payload(c); m != nil {
				for _, line := range strings.Split(strings.TrimRight(string(m.Data), "\n"), "\n") {
					line = strings.TrimSuffix(line, "\r")
					if strings.HasPrefix(line, ".") {
						line = "." + line
					}
					if err := c.Reply(line); err != nil {
						return nil, err
					}
				}
			}
			return send(c, ".", "data_sent")
		})).
		State("data_sent", expect("250", func(c *linefsm.Context) (linefsm.Result, error) {
			c.MustSet("delivered", true)
			return send(c, "QUIT", "quit")
		})).
		State("quit", expect("221", func(c *linefsm.Context) (linefsm.Result, error) {
			return c.ParentTransition("smtp_finished"), nil
		})).
		Default(func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			if c.State == "quit" {
				return c.ParentTransition("smtp_finished"), nil
			}
			return c.ParentTransition("smtp_finished"), c.Reply("QUIT")
		})
}

// ProxyClient is a line based proxy handshake. It asks the proxy to connect
// to the SMTP host and leaves to proxy_connected or proxy_failed in the
// enclosing machine.
func ProxyClient() *linefsm.Definition {
	return linefsm.NewDefinition("proxy_client").
		Parser(readReply).
		State("initialize",
			linefsm.OnEnter(func(c *linefsm.Context) error {
				c.MustSet("protocol", "PROXY")
				return c.Reply(fmt.Sprintf("CONNECT %s:%d", c.String("smtp_host"), c.Int("smtp_port")))
			}),
			expect("200", func(c *linefsm.Context) (linefsm.Result, error) {
				c.MustSet("protocol", "SMTP")
				return c.ParentTransition("proxy_connected"), nil
			}),
		).
		// a local state sharing its name with the enclosing machine's
		State("proxy_failed").
		Default(func(c *linefsm.Context, m linefsm.Match) (linefsm.Result, error) {
			return c.ParentTransition("proxy_failed"), nil
		})
}

// Client returns the proxy-aware delivery session. It embeds the proxy
// handshake when the proxy attribute is set, then the SMTP exchange.
func Client() *linefsm.Definition {
	return linefsm.NewDefinition("smtp_delivery", linefsm.WithSchema(ClientSchema)).
		State("initialize", linefsm.OnEnter(func(c *linefsm.Context) *linefsm.Transition {
			if c.Bool("proxy") {
				return c.Transition("proxy_connect")
			}
			return c.Transition("smtp_connect")
		})).
		Embed("proxy_connect", ProxyClient()).
		State("proxy_connected", linefsm.OnEnter(func(c *linefsm.Context) *linefsm.Transition {
			return c.Transition("smtp_connect")
		})).
		State("proxy_failed", linefsm.OnEnter(func(c *linefsm.Context) *linefsm.Transition {
			return c.Finished()
		})).
		Embed("smtp_connect", SMTPClient()).
		State("smtp_finished", linefsm.OnEnter(func(c *linefsm.Context) *linefsm.Transition {
			return c.Finished()
		}))
}
