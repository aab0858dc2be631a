package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/colony-sim/colony-sim/sim"
	"github.com/colony-sim/colony-sim/sim/store"
)

var snapshotsDB string // SQLite file holding snapshots

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect saved colony snapshots",
}

func openSnapshots(cmd *cobra.Command) *store.Store {
	if snapshotsDB == "" {
		logrus.Fatalf("--db is required")
	}
	db, err := store.Open(cmd.Context(), snapshotsDB)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	return db
}

func printEntries(w io.Writer, entries []store.Entry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tSEED\tTICK\tSIZE\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", e.ID, e.Label, e.Seed, e.Tick, e.Size, e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved snapshots, oldest first",
	Run: func(cmd *cobra.Command, args []string) {
		db := openSnapshots(cmd)
		defer db.Close()
		entries, err := db.List(cmd.Context())
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		printEntries(os.Stdout, entries)
	},
}

var snapshotsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Restore a snapshot and print its metrics",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openSnapshots(cmd)
		defer db.Close()
		snap, err := db.Load(cmd.Context(), args[0])
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		colony, err := sim.Restore(snap)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		colony.Metrics().Print(os.Stdout)
	},
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a saved snapshot",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		db := openSnapshots(cmd)
		defer db.Close()
		if err := db.Delete(cmd.Context(), args[0]); err != nil {
			logrus.Fatalf("%v", err)
		}
	},
}

func init() {
	snapshotsCmd.PersistentFlags().StringVar(&snapshotsDB, "db", "colony.db", "SQLite snapshot database")
	snapshotsCmd.AddCommand(snapshotsListCmd, snapshotsShowCmd, snapshotsDeleteCmd)
	rootCmd.AddCommand(snapshotsCmd)
}
