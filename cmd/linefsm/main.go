package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/librescoot/linefsm"
	"github.com/librescoot/linefsm/internal/config"
)

const (
	cliParamEnv     = "env"
	cliParamVersion = "version"
)

func main() {
	if err := getRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// app is shared by the subcommands once the root command loaded the
// configuration
type app struct {
	cfg *config.Config
}

func getRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "linefsm",
		Short: "Run line protocol state machines",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, _ := cmd.Flags().GetString(cliParamEnv)
			cfg, err := config.Load(cmd.Context(), env)
			if err != nil {
				return err
			}
			a.cfg = cfg
			linefsm.Logger = cfg.NewLogger(cmd.ErrOrStderr())
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if v, _ := cmd.Flags().GetBool(cliParamVersion); v {
				fmt.Fprintln(cmd.OutOrStdout(), getVersion())
				return nil
			}
			return cmd.Help()
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String(cliParamEnv, ".env",
		"Dotenv file with LINEFSM_* variables")
	rootCmd.Flags().Bool(cliParamVersion, false,
		"Print version and exit")

	rootCmd.AddCommand(a.traceCmd(), a.batchCmd())
	return rootCmd
}

func getVersion() string {
	build, ok := debug.ReadBuildInfo()
	if !ok || build.Main.Version == "" {
		return "(devel)"
	}
	return build.Main.Version
}
