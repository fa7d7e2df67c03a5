// Command knolsync manages spaced-repetition cards on one device and keeps
// them in sync with a shared remote.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conorfennell/knolsync/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "knolsync",
		Short:         "Spaced-repetition cards with multi-device sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "config file (default $KNOLSYNC_CONFIG or ~/.knolsync/config.yaml)")
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newAddCommand(),
		newDueCommand(),
		newGradeCommand(),
		newSuspendCommand(),
		newDeleteCommand(),
		newSyncCommand(),
		newServeCommand(),
		newHashPasswordCommand(),
	)
	return root
}
