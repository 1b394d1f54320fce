// Package cli implements the crashguard command tree: the daemon and the
// client commands that talk to its control API.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crashguard",
		Short:         "crashguard: repeated-crash execution guard",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("crashguard {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("CRASHGUARD_SERVER", "http://127.0.0.1:8787"), "crashguard server base URL")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScopeCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newRecordsCmd())
	cmd.AddCommand(newEventsCmd())

	return cmd
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Root().PersistentFlags().GetString("server")
	if addr == "" {
		addr = "http://127.0.0.1:8787"
	}
	return addr
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
