package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/catalog"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Query stored catalog snapshots",
	Long:  `List, fetch and trace catalog snapshots saved in PostgreSQL.`,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	resultsCmd.AddCommand(resultsListCmd)
	resultsCmd.AddCommand(resultsGetCmd)
	resultsCmd.AddCommand(resultsHistoryCmd)

	resultsListCmd.Flags().String("app", "", "filter by application")
	resultsListCmd.Flags().String("status", "", "filter by status")
	resultsListCmd.Flags().Duration("since", 0, "only snapshots newer than this, e.g. 168h")
	resultsListCmd.Flags().Int("limit", 50, "maximum snapshots")
	resultsListCmd.Flags().Int("offset", 0, "skip this many snapshots")
	resultsListCmd.Flags().String("output", "text", "output format (text, json)")

	resultsGetCmd.Flags().String("format", "json", "catalog format (json, yaml)")
	resultsGetCmd.Flags().StringP("output", "o", "", "write the catalog to a file instead")

	resultsHistoryCmd.Flags().String("output", "text", "output format (text, json)")
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _ := cmd.Flags().GetString("app")
		status, _ := cmd.Flags().GetString("status")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		output, _ := cmd.Flags().GetString("output")

		filter := core.SnapshotFilter{
			App:    app,
			Status: types.ScanStatus(status),
			Limit:  limit,
			Offset: offset,
		}
		if since > 0 {
			from := time.Now().Add(-since)
			filter.FromDate = &from
		}

		log.WithComponent("results").Debugw("Listing snapshots",
			"app", app,
			"status", status,
			"limit", limit,
			"offset", offset,
		)

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		snaps, err := store.ListSnapshots(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), snaps)
		}
		printSnapshots(cmd.OutOrStdout(), snaps)
		return nil
	},
}

var resultsGetCmd = &cobra.Command{
	Use:   "get <snapshot-id>",
	Short: "Print the catalog of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		cat, err := store.LoadCatalog(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", args[0], err)
		}
		if output != "" {
			return catalog.Save(output, cat)
		}
		return writeCatalog(cmd.OutOrStdout(), cat, format)
	},
}

var resultsHistoryCmd = &cobra.Command{
	Use:     "history <app> <signature>",
	Short:   "Trace one endpoint signature through an app's snapshots",
	Example: `  surfacemap results history com.example "GET api.example.com/v1/users/{id}"`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		points, err := store.History(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		if output == "json" {
			return writeJSON(cmd.OutOrStdout(), points)
		}
		printHistory(cmd.OutOrStdout(), args[1], points)
		return nil
	},
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshots(w io.Writer, snaps []*types.Snapshot) {
	if len(snaps) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No snapshots found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAPP\tLABEL\tENTRIES\tDROPPED\tQUARANTINED\tCREATED")
	for _, s := range snaps {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			s.ID, s.App, s.Label, s.TotalEntries, s.Dropped, s.Quarantined,
			s.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printHistory(w io.Writer, sig string, points []core.HistoryPoint) {
	color.New(color.Bold).Fprintln(w, sig)
	if len(points) == 0 {
		color.New(color.FgYellow).Fprintln(w, "  never seen")
		return
	}
	var prev types.RiskLevel
	for _, p := range points {
		line := fmt.Sprintf("  %s  %-36s  seen %-5d %s", p.GeneratedAt.Local().Format("2006-01-02 15:04"), p.SnapshotID, p.Frequency, p.RiskLevel)
		if prev != "" && p.RiskLevel != prev {
			riskColor(p.RiskLevel).Fprintln(w, line)
		} else {
			fmt.Fprintln(w, line)
		}
		prev = p.RiskLevel
	}
}
