package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/librescoot/linefsm"
	"github.com/librescoot/linefsm/internal/demo"
)

const (
	cliParamHostname = "hostname"
	cliParamQuiet    = "quiet"
	cliParamPhase    = "phase"
)

func (a *app) traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace [script]",
		Short: "Run the demo server against a script and print the event trace",
		Long: "Run the demo SMTP-style server table against the lines of a script " +
			"(stdin when omitted). Every event is printed, replies are prefixed with '<'.",
		Args: cobra.MaximumNArgs(1),
		RunE: a.runTrace,
	}
	cmd.Flags().String(cliParamHostname, "localhost",
		"Hostname announced by the server")
	cmd.Flags().Bool(cliParamQuiet, false,
		"Print replies only")
	cmd.Flags().StringSlice(cliParamPhase, nil,
		"Print only events of these phases: "+linefsm.Phases.String())
	return cmd
}

func (a *app) runTrace(cmd *cobra.Command, args []string) error {
	hostname, _ := cmd.Flags().GetString(cliParamHostname)
	quiet, _ := cmd.Flags().GetBool(cliParamQuiet)
	phaseNames, _ := cmd.Flags().GetStringSlice(cliParamPhase)

	phases := make(map[linefsm.Phase]bool, len(phaseNames))
	for _, name := range phaseNames {
		p := linefsm.Phases.Parse(name)
		if p == nil {
			return fmt.Errorf("unknown phase %q, expected one of %s", name, linefsm.Phases)
		}
		phases[*p] = true
	}

	var r io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	sep, err := a.cfg.Separator()
	if err != nil {
		return err
	}

	m, err := demo.Server(demo.ServerOptions{
		Timeout: a.cfg.StateTimeout,
		Logger:  linefsm.Logger,
	}).Build()
	if err != nil {
		return err
	}

	in := linefsm.NewLineInput(r, linefsm.WithSeparator(sep))
	defer in.Close()

	out := cmd.OutOrStdout()
	c, err := demo.ServerSchema.New(map[string]any{"hostname": hostname},
		linefsm.WithInput(in),
		linefsm.WithOutput(&replyWriter{w: out}),
		linefsm.WithIterationLimit(a.cfg.IterationLimit),
	)
	if err != nil {
		return err
	}

	for e, err := range linefsm.NewInterpreter(m, c).Events(cmd.Context()) {
		if err != nil {
			return err
		}
		if !quiet && (len(phases) == 0 || phases[e.Phase]) {
			fmt.Fprintln(out, e)
		}
	}
	return nil
}

// replyWriter prints each reply line prefixed with "< "
type replyWriter struct {
	w io.Writer
}

func (rw *replyWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimSuffix(string(p), linefsm.CRLF), linefsm.CRLF) {
		if _, err := fmt.Fprintf(rw.w, "< %s\n", line); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
