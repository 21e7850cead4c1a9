package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/evidence"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <app> [records files...]",
	Short: "Push evidence onto the Redis queue for a worker to consolidate",
	Long: `Adapt evidence files and push them onto the app's Redis queue. A running
"surfacemap serve" or "surfacemap map --from-queue" consolidates them.

Records the adapter rejects are counted and not queued.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringSlice("static", nil, "static extraction results")
	enqueueCmd.Flags().StringSlice("dynamic", nil, "intercepted traffic flows")
	enqueueCmd.Flags().StringSlice("components", nil, "component enumeration results")
	enqueueCmd.Flags().Int("chunk", 500, "evidence items per push")
}

// adaptAll converts records to evidence, dropping what the adapter rejects.
func adaptAll(records []evidence.Record, now func() time.Time) ([]types.Evidence, int) {
	out := make([]types.Evidence, 0, len(records))
	dropped := 0
	for _, rec := range records {
		ev, err := evidence.Adapt(rec, now)
		if err != nil {
			dropped++
			continue
		}
		out = append(out, ev)
	}
	return out, dropped
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	app := args[0]
	chunk, _ := cmd.Flags().GetInt("chunk")
	if chunk <= 0 {
		chunk = 500
	}

	inputs := mapInputs(cmd, args[1:])
	if len(inputs) == 0 {
		return fmt.Errorf("no evidence given")
	}

	ctx := cmd.Context()
	queue, err := jobs.NewRedisQueue(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer queue.Close()

	elog := log.WithComponent("enqueue").WithApp(app)
	queued, dropped := 0, 0
	for _, in := range inputs {
		batch, err := loadInput(in, cmd.InOrStdin())
		if err != nil {
			return err
		}
		if len(batch.Secrets) > 0 {
			// the queue carries evidence only
			elog.Warnw("Secrets are not queued; pass this file to map to keep them", "path", in.path, "secrets", len(batch.Secrets))
		}
		items, n := adaptAll(batch.Records, time.Now)
		dropped += n

		for start := 0; start < len(items); start += chunk {
			end := min(start+chunk, len(items))
			if err := queue.Push(ctx, app, items[start:end]...); err != nil {
				return fmt.Errorf("push %s: %w", in.path, err)
			}
		}
		queued += len(items)
		elog.Infow("Queued evidence", "path", in.path, "kind", in.kind, "queued", len(items), "dropped", n)
	}

	depth, err := queue.Len(ctx, app)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "Queued %d items for %s (queue depth %d)\n", queued, app, depth)
	if dropped > 0 {
		color.New(color.FgYellow).Fprintf(cmd.ErrOrStderr(), "Dropped %d records without a URL\n", dropped)
	}
	return nil
}
