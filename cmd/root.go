// Package cmd wires the command tree together, grounded on the
// teacher's cmd.RootCmd/Execute.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jlgale/jimcached/cmd/serve"
)

// Version is reported by the version subcommand; kept in sync with
// internal/session.Version, the string the wire protocol's own version
// command reports.
const Version = "1.0.0"

var (
	// RootCmd is the base command when called without any subcommands.
	RootCmd = &cobra.Command{
		Use:   "jimcached",
		Short: "in-memory cache server",
		Long: fmt.Sprintf(`jimcached (v%s)

A memcached-protocol-compatible, in-memory cache server with a
lock-free, quiescent-state-reclaimed core table.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of jimcached",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("jimcached v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command. It is called by
// main.main and only needs to happen once.
//
// cobra.Command.Execute does not expose a sentinel distinguishing a flag
// parse failure from a RunE failure without deeper wiring into pflag's
// own error types, so, like the teacher's Execute (which also always
// exits 1), every Execute error here exits 1, a flag parse error
// included. A daemonization failure surfaces as a plain error from
// serve.run and exits 1 the same way; every other exit is 0 (a command
// that completes, the daemonizing parent, or a clean SIGINT/SIGTERM
// shutdown).
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
