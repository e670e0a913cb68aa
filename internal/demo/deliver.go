package demo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/librescoot/linefsm"
	"github.com/librescoot/linefsm/message"
)

// Dialer opens a connection to the next hop of a delivery
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Loopback returns a Dialer connected to an in-memory server session running
// server. Each dial starts a new session.
func Loopback(server *linefsm.Machine, logger *slog.Logger, opts ...linefsm.ContextOption) Dialer {
	if logger == nil {
		logger = linefsm.Logger
	}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, peer := net.Pipe()
		go func() {
			if err := Serve(ctx, server, peer, opts...); err != nil {
				logger.Debug("server session failed", "error", err)
			}
		}()
		return client, nil
	}
}

// DeliverOptions configures the client sessions started by NewDeliverer
type DeliverOptions struct {
	// Values seeds every client context, e.g. smtp_host, mail_from, rcpt_to
	Values  map[string]any
	Context []linefsm.ContextOption
	Logger  *slog.Logger
}

// NewDeliverer returns a message.Deliverer running one client session of
// client per message over a connection from dial. Dial and session errors
// are returned so the caller's retry policy can act on them.
func NewDeliverer(client *linefsm.Machine, dial Dialer, opts DeliverOptions) message.Deliverer {
	return func(ctx context.Context, m *message.Message) (message.DeliveryResult, error) {
		conn, err := dial(ctx)
		if err != nil {
			return message.DeliveryResult{}, fmt.Errorf("dial: %w", err)
		}
		defer conn.Close()

		in := linefsm.NewLineInput(conn, linefsm.WithSeparator(linefsm.CRLF))
		defer in.Close()

		c, err := ClientSchema.New(opts.Values, append([]linefsm.ContextOption{
			linefsm.WithInput(in),
			linefsm.WithOutput(conn),
		}, opts.Context...)...)
		if err != nil {
			return message.DeliveryResult{}, err
		}
		c.MustSet("message", m)

		var iopts []linefsm.InterpreterOption
		if opts.Logger != nil {
			iopts = append(iopts, linefsm.WithInterpreterLogger(opts.Logger))
		}
		if err := linefsm.NewInterpreter(client, c, iopts...).Run(ctx); err != nil {
			return message.DeliveryResult{}, fmt.Errorf("deliver %s: %w", m.ID, err)
		}

		d, _ := linefsm.CapabilityOf[*Delivery](c)
		return d.Result()
	}
}
