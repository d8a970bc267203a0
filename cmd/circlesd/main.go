// Command circlesd runs a circles federation instance and the operator
// commands that drive its delivery queue.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "circlesd",
		Short:         "Federated circles: event propagation and membership inheritance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newRetryCmd(),
		newConfirmCmd(),
		newCleanupCmd(),
		newKeygenCmd(),
		newDiscoverCmd(),
		newRecomputeCmd(),
		newTestCmd(),
		newSubmitCmd(),
	)
	return root
}
