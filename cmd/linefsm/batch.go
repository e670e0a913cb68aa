package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/librescoot/linefsm"
	"github.com/librescoot/linefsm/internal/demo"
	"github.com/librescoot/linefsm/message"
)

const (
	cliParamRecursive = "recursive"
	cliParamShuffle   = "shuffle"
	cliParamLimit     = "limit"
	cliParamFrom      = "from"
	cliParamTo        = "to"
	cliParamMetrics   = "metrics"
)

func (a *app) batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch path",
		Short: "Deliver the messages at path through an in-memory server",
		Long: "Load the file, or the files of the directory, at path into a batch and " +
			"deliver every message with the demo client to a loopback demo server. " +
			"Prints the delivery report.",
		Args: cobra.ExactArgs(1),
		RunE: a.runBatch,
	}
	f := cmd.Flags()
	f.BoolP(cliParamRecursive, "r", false,
		"Descend into subdirectories")
	f.Bool(cliParamShuffle, false,
		"Shuffle the files before applying the limit")
	f.Int(cliParamLimit, 0,
		"Load at most this many files")
	f.String(cliParamFrom, "sender@localhost",
		"Envelope sender")
	f.String(cliParamTo, "recipient@localhost",
		"Envelope recipient")
	f.Bool(cliParamMetrics, false,
		"Print batch metrics after the report")
	return cmd
}

func (a *app) runBatch(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	recursive, _ := f.GetBool(cliParamRecursive)
	shuffle, _ := f.GetBool(cliParamShuffle)
	limit, _ := f.GetInt(cliParamLimit)
	from, _ := f.GetString(cliParamFrom)
	to, _ := f.GetString(cliParamTo)
	metrics, _ := f.GetBool(cliParamMetrics)

	inbox := message.NewBatch(nil)
	server, err := demo.Server(demo.ServerOptions{
		Timeout: a.cfg.StateTimeout,
		Inbox:   inbox,
		Logger:  linefsm.Logger,
	}).Build()
	if err != nil {
		return err
	}
	client, err := demo.Client().Build()
	if err != nil {
		return err
	}
	deliver := demo.NewDeliverer(client, demo.Loopback(server, linefsm.Logger), demo.DeliverOptions{
		Values: map[string]any{"smtp_host": "loopback", "mail_from": from, "rcpt_to": to},
		Context: []linefsm.ContextOption{
			linefsm.WithIterationLimit(a.cfg.IterationLimit),
		},
		Logger: linefsm.Logger,
	})

	outbox := message.NewBatch(nil)
	g, ctx := errgroup.WithContext(cmd.Context())
	g.Go(func() error {
		defer outbox.Close()
		_, err := message.LoadPath(ctx, outbox, args[0], message.LoadOptions{
			Recursive: recursive,
			Shuffle:   shuffle,
			Limit:     limit,
		})
		return err
	})
	g.Go(func() error {
		return message.Drain(ctx, outbox, deliver, message.DrainOptions{
			Retries: a.cfg.DeliveryRetries,
			Delay:   a.cfg.DeliveryDelay,
			Logger:  linefsm.Logger,
		})
	})
	if err := g.Wait(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printReport(out, outbox, inbox)
	if metrics {
		return printMetrics(out, outbox)
	}
	return nil
}

func printReport(w io.Writer, outbox, inbox *message.Batch) {
	for _, r := range outbox.Results() {
		code := ""
		if len(r.Results) > 0 {
			code = r.Results[len(r.Results)-1].Code
		}
		fmt.Fprintf(w, "%s %s %s\n", r.ID, r.State, code)
	}

	report := outbox.Report()
	states := lo.Filter(message.DeliveryStates.Members(), func(s message.DeliveryState, _ int) bool {
		return report[s] > 0
	})
	fmt.Fprintf(w, "total=%d accepted=%d", outbox.Len(), inbox.Len())
	for _, s := range states {
		fmt.Fprintf(w, " %s=%d", s, report[s])
	}
	fmt.Fprintln(w)
}

func printMetrics(w io.Writer, b *message.Batch) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(message.NewCollector(b, prometheus.Labels{"source": "outbox"})); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}
			slices.Sort(labels)
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), m.GetGauge().GetValue())
		}
	}
	return nil
}
