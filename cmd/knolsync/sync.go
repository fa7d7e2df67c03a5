package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/conorfennell/knolsync/internal/config"
	"github.com/conorfennell/knolsync/internal/events"
	syncengine "github.com/conorfennell/knolsync/internal/sync"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync this device with the remote",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			eng, err := a.engine()
			if err != nil {
				return err
			}
			watch, _ := cmd.Flags().GetBool("watch")
			if watch {
				return runBackground(cmd.Context(), a, eng)
			}

			res, err := eng.Sync(cmd.Context())
			if errors.Is(err, syncengine.ErrConflictUnresolved) {
				return fmt.Errorf("%w: run 'knolsync sync resolve upload|download'", err)
			}
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), res)
			return nil
		}),
	}
	cmd.Flags().Bool("watch", false, "keep running and sync every sync.interval")
	cmd.AddCommand(newSyncStatusCommand(), newSyncResolveCommand())
	return cmd
}

// runBackground runs the engine loop and, when a config file is in use,
// reloads scheduler settings as it changes.
func runBackground(ctx context.Context, a *app, eng *syncengine.Engine) error {
	unsubscribe := a.bus.Subscribe(events.HandlerFunc(func(_ context.Context, e events.Event) error {
		switch p := e.Payload.(type) {
		case events.CompletedPayload:
			a.logger.Info("sync completed",
				"pulled", p.Report.Pulled,
				"pushed", p.Report.Pushed,
				"duration", p.Report.Duration)
		case events.FailedPayload:
			a.logger.Warn("sync failed", "phase", p.Phase, "error", p.Err, "retry_in", p.RetryIn)
		}
		return nil
	}), events.SyncCompleted, events.SyncFailed)
	defer unsubscribe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })
	if a.configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, a.configPath, nil, a.settings, a.logger)
		})
	}
	eng.Trigger()
	return g.Wait()
}

func newSyncStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync metadata and pending changes",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			out := cmd.OutOrStdout()
			meta, err := a.db.Metadata(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := a.db.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "device:          %s\n", meta.DeviceID)
			if meta.LastSyncAt != nil {
				fmt.Fprintf(out, "last sync:       %s\n", meta.LastSyncAt.Local())
			} else {
				fmt.Fprintln(out, "last sync:       never")
			}
			fmt.Fprintf(out, "remote revision: %d\n", meta.LastRemoteRevision)
			fmt.Fprintf(out, "pending changes: %d\n", len(pending))

			if !meta.IsFirstSync() {
				return nil
			}
			eng, err := a.engine()
			if errors.Is(err, errSyncDisabled) {
				return nil
			}
			if err != nil {
				return err
			}
			st, err := eng.CheckFirstSyncStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "first sync:      %d local, %d remote cards\n", st.LocalCount, st.RemoteCount)
			if st.HasConflict {
				fmt.Fprintln(out, "both sides hold cards; run 'knolsync sync resolve upload|download|cancel'")
			}
			return nil
		}),
	}
}

func newSyncResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "resolve <upload|download|cancel>",
		Short:     "Resolve a first sync by keeping one side",
		Long:      "upload replaces the remote with this device's cards; download replaces this device's cards with the remote.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"upload", "download", "cancel"},
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			var choice syncengine.Choice
			switch args[0] {
			case "upload":
				choice = syncengine.ChoiceUpload{}
			case "download":
				choice = syncengine.ChoiceDownload{}
			case "cancel":
				choice = syncengine.ChoiceCancel{}
			default:
				return fmt.Errorf("unknown choice %q", args[0])
			}

			eng, err := a.engine()
			if err != nil {
				return err
			}
			res, err := eng.ResolveFirstSync(cmd.Context(), choice)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), res)
			return nil
		}),
	}
}

func printReport(w io.Writer, r syncengine.Result) {
	fmt.Fprintf(w, "pulled %d, applied %d (%d conflicts), pushed %d (%d accepted, %d rejected), purged %d in %s\n",
		r.Pulled, r.Applied, r.Conflicts, r.Pushed, r.Accepted, r.Rejected, r.Purged, r.Duration.Round(time.Millisecond))
}
