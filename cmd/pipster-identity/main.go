// Command pipster-identity runs the Pipster OpenID provider and its
// offline account administration commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipster-identity",
		Short:         "Pipster identity provider",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newCreateUserCmd(),
		newSetActiveCmd(),
		newListUsersCmd(),
		newHashPasswordCmd(),
		newGenerateKeyCmd(),
	)

	return root
}
