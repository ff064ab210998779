// Command lanpong runs one player of the LAN pong protocol: announce
// on the multicast group, adopt the first compatible opponent, and
// replicate game state with it until one side reaches the point
// threshold or quits.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "lanpong",
		Short:         "LAN pong multiplayer node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newPlayCmd())
	return root
}
