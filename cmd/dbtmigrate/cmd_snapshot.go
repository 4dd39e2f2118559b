package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lexcodex/dbtmigrate/cmd/internal/migratecfg"
	"github.com/lexcodex/dbtmigrate/persistence"
	"github.com/lexcodex/dbtmigrate/workflow"
)

// withStore opens the configured snapshot store for the duration of fn.
func withStore(storeOverride string, fn func(cfg *migratecfg.Config, store persistence.SnapshotStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if storeOverride != "" {
		cfg.Store.Driver = storeOverride
	}
	store, closer, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(cfg, store)
}

func newSnapshotCmd() *cobra.Command {
	var storeDriver string
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect stored run snapshots",
	}
	snapshotCmd.PersistentFlags().StringVar(&storeDriver, "store", "", "Snapshot store (file, sqlite, redis)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(storeDriver, func(_ *migratecfg.Config, store persistence.SnapshotStore) error {
				infos, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tPHASE\tMODELS\tCOMPLETED\tFAILED\tUPDATED")
				for _, info := range infos {
					phase := string(info.Phase)
					if info.Archived {
						phase += " (archived)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", info.RunID, phase, info.Models, info.Completed, info.Failed, info.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a stored snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(storeDriver, func(_ *migratecfg.Config, store persistence.SnapshotStore) error {
				state, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), state)
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(storeDriver, func(_ *migratecfg.Config, store persistence.SnapshotStore) error {
				if err := store.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	snapshotCmd.AddCommand(listCmd, showCmd, deleteCmd)
	return snapshotCmd
}

func newReportCmd() *cobra.Command {
	var format, storeDriver string
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Render the report of a stored run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(storeDriver, func(_ *migratecfg.Config, store persistence.SnapshotStore) error {
				state, err := store.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				report := workflow.BuildReport(state, state.CreatedAt, state.UpdatedAt)
				return printReport(cmd.OutOrStdout(), report, format)
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Report format (text or json)")
	cmd.Flags().StringVar(&storeDriver, "store", "", "Snapshot store (file, sqlite, redis)")
	return cmd
}
