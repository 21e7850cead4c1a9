package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/worker"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/catalog"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/consolidator"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/evidence"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

var mapCmd = &cobra.Command{
	Use:   "map [records files...]",
	Short: "Build an endpoint catalog from evidence files",
	Long: `Build an endpoint catalog for one application.

Positional arguments are normalized evidence streams (JSON lines, or YAML by
extension). Tool outputs are passed with --static, --dynamic and --components.
A path of "-" reads standard input.

Examples:
  surfacemap map --static jadx.json --dynamic flows.json -o catalog.json
  surfacemap map evidence.jsonl --format yaml
  surfacemap map --app com.example --from-queue --store --label build-412`,
	RunE: runMap,
}

func init() {
	rootCmd.AddCommand(mapCmd)

	mapCmd.Flags().String("app", "app", "application identifier")
	mapCmd.Flags().StringSlice("static", nil, "static extraction results")
	mapCmd.Flags().StringSlice("dynamic", nil, "intercepted traffic flows")
	mapCmd.Flags().StringSlice("components", nil, "component enumeration results")
	mapCmd.Flags().StringP("output", "o", "", "write the catalog to a file (.json, .yaml, .json.gz, .json.zst)")
	mapCmd.Flags().String("format", "json", "stdout format (json, yaml)")
	mapCmd.Flags().Bool("from-queue", false, "also drain the app's evidence from the Redis queue")
	mapCmd.Flags().Bool("store", false, "save the catalog as a snapshot in PostgreSQL")
	mapCmd.Flags().String("label", "", "snapshot label, e.g. a build number")
	mapCmd.Flags().Bool("quiet", false, "suppress the summary")
}

// input is one file together with the layout it is read as.
type input struct {
	path string
	kind evidence.Kind
}

func mapInputs(cmd *cobra.Command, args []string) []input {
	var inputs []input
	for _, p := range args {
		inputs = append(inputs, input{path: p, kind: evidence.KindRecords})
	}
	for _, k := range []evidence.Kind{evidence.KindStatic, evidence.KindDynamic, evidence.KindComponents} {
		paths, _ := cmd.Flags().GetStringSlice(string(k))
		for _, p := range paths {
			inputs = append(inputs, input{path: p, kind: k})
		}
	}
	return inputs
}

func loadInput(in input, stdin io.Reader) (evidence.Batch, error) {
	if in.path == "-" {
		return evidence.Decode(stdin, in.kind, "json")
	}
	return evidence.LoadFile(in.path, in.kind)
}

// scanCounts tallies what happened to the submitted records.
type scanCounts struct {
	accepted, dropped, quarantined int
}

// submitAll feeds records into cons. Rejections are counted; any other error
// ends the scan.
func submitAll(cons *consolidator.Consolidator, records []evidence.Record, counts *scanCounts) error {
	for _, rec := range records {
		_, err := cons.Submit(rec)
		var adapterErr *evidence.AdapterError
		switch {
		case err == nil:
			counts.accepted++
		case errors.As(err, &adapterErr):
			counts.dropped++
		case consolidator.IsRejection(err):
			counts.quarantined++
		default:
			return err
		}
	}
	return nil
}

func runMap(cmd *cobra.Command, args []string) error {
	app, _ := cmd.Flags().GetString("app")
	output, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")
	fromQueue, _ := cmd.Flags().GetBool("from-queue")
	save, _ := cmd.Flags().GetBool("store")
	label, _ := cmd.Flags().GetString("label")
	quiet, _ := cmd.Flags().GetBool("quiet")

	inputs := mapInputs(cmd, args)
	if len(inputs) == 0 && !fromQueue {
		return fmt.Errorf("no evidence given: pass files, --static/--dynamic/--components or --from-queue")
	}

	ctx := cmd.Context()
	mlog := log.WithComponent("map").WithApp(app)

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		mlog.Warnw("Telemetry disabled", "error", err)
		tel = telemetry.Nop()
	}
	defer tel.Close()

	registry := worker.NewRegistry(consolidatorConfig(cfg.Catalog), log, worker.WithTelemetry(tel))
	cons, err := registry.Get(app)
	if err != nil {
		return err
	}

	var counts scanCounts
	for _, in := range inputs {
		batch, err := loadInput(in, cmd.InOrStdin())
		if err != nil {
			return err
		}
		mlog.Infow("Loaded evidence", "path", in.path, "kind", in.kind, "records", len(batch.Records), "secrets", len(batch.Secrets))
		if err := submitAll(cons, batch.Records, &counts); err != nil {
			return fmt.Errorf("consolidation of %s aborted: %w", app, err)
		}
		if err := cons.AddSecrets(batch.Secrets...); err != nil {
			return fmt.Errorf("consolidation of %s aborted: %w", app, err)
		}
	}

	if fromQueue {
		queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer queue.Close()
		if err := worker.NewPool(queue, registry, cfg.Worker, log).Drain(ctx, app); err != nil {
			return err
		}
		if err := cons.Err(); err != nil {
			return fmt.Errorf("consolidation of %s aborted: %w", app, err)
		}
	}

	cat, err := registry.Finalize(app)
	if err != nil {
		return err
	}

	if save {
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()
		snap, err := store.SaveSnapshot(ctx, &types.Snapshot{App: app, Label: label}, cat)
		if err != nil {
			return err
		}
		if !quiet {
			color.New(color.FgCyan).Fprintf(cmd.ErrOrStderr(), "Snapshot %s (digest %.12s)\n", snap.ID, snap.Digest)
		}
	}

	if output != "" {
		if err := catalog.Save(output, cat); err != nil {
			return err
		}
	} else if err := writeCatalog(cmd.OutOrStdout(), cat, format); err != nil {
		return err
	}

	if !quiet {
		printCatalogSummary(cmd.ErrOrStderr(), app, cat, counts, cons.Stats(), cons.Errors())
	}
	return nil
}

func writeCatalog(w io.Writer, cat *types.Catalog, format string) error {
	switch format {
	case "yaml", "yml":
		return catalog.EncodeYAML(w, cat)
	case "json", "":
		return catalog.Encode(w, cat)
	}
	return fmt.Errorf("unknown format %q", format)
}

// summarySamples is how many rejection reasons the map summary prints.
const summarySamples = 3

func printCatalogSummary(w io.Writer, app string, cat *types.Catalog, counts scanCounts, stats consolidator.Stats, errs *consolidator.ScanErrors) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "\n%s: %d endpoints on %d domains\n", app, cat.Metadata.TotalEntries, len(cat.Domains()))
	fmt.Fprintf(w, "  merged %d evidence items", stats.Ingested)
	if counts.accepted != int(stats.Ingested) && counts.accepted > 0 {
		fmt.Fprintf(w, " (%d from files)", counts.accepted)
	}
	fmt.Fprintln(w)

	if errs.Count() == 0 {
		fmt.Fprintf(w, "  %s\n", errs.Summary(stats.Ingested))
	} else {
		warn := color.New(color.FgYellow)
		warn.Fprintf(w, "  %s\n", errs.Summary(stats.Ingested))
		for i, err := range errs.Samples() {
			if i == summarySamples {
				break
			}
			warn.Fprintf(w, "    %v\n", err)
		}
	}

	for i := len(types.RiskLevels) - 1; i >= 0; i-- {
		level := types.RiskLevels[i]
		if n := cat.Metadata.RiskDistribution[level]; n > 0 {
			riskColor(level).Fprintf(w, "  %-8s %d\n", level, n)
		}
	}
}

func riskColor(level types.RiskLevel) *color.Color {
	switch level {
	case types.RiskHigh:
		return color.New(color.FgRed, color.Bold)
	case types.RiskMedium:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgGreen)
}
