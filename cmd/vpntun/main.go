// Command vpntun runs one side of a userspace VPN tunnel: a server
// (many clients on the well-known port) or a client (one server
// session), per spec.md. CLI surface realized with cobra, the way this
// codebase's other daemons use flag, upgraded here to subcommands
// (serve/connect/debug) per SPEC_FULL.md §4.7.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vpntun",
		Short: "userspace VPN tunnel endpoint",
		Long: `vpntun runs one side of a userspace VPN tunnel over UDP, pumping
packets between a TUN device and the wire using a framed, checksummed,
optionally compressed and encrypted envelope.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newDebugCmd())
	root.AddCommand(newConfigCmd())

	return root
}
