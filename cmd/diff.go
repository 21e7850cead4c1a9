package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/surfacemap/internal/core"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/catalog"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/diff"
	"github.com/CodeMonkeyCybersecurity/surfacemap/pkg/types"
)

// ErrSurfaceChanged is returned by diff --exit-code when the catalogs differ.
var ErrSurfaceChanged = errors.New("api surface changed")

const snapshotRef = "snapshot:"

var diffCmd = &cobra.Command{
	Use:   "diff <old> <new>",
	Short: "Compare two catalogs",
	Long: `Compare the catalogs of two builds.

Each side is a catalog file or "snapshot:<id>" for a stored snapshot. An
entry is changed when its risk level, frequency or source set differs;
parameters and original values are ignored.

Examples:
  surfacemap diff build-411.json build-412.json
  surfacemap diff snapshot:0b6f... snapshot:7d21... --format json
  surfacemap diff old.json.gz new.json.gz --exit-code`,
	Args: cobra.ExactArgs(2),
	RunE: runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().String("format", "text", "output format (text, json, yaml)")
	diffCmd.Flags().Bool("exit-code", false, "exit non-zero when the surface changed")
}

// catalogLoader resolves one side of a diff.
type catalogLoader struct {
	store core.CatalogStore
	open  func(context.Context) (core.CatalogStore, error)
}

func (l *catalogLoader) load(ctx context.Context, ref string) (*types.Catalog, error) {
	id, ok := strings.CutPrefix(ref, snapshotRef)
	if !ok {
		return catalog.Load(ref)
	}
	if l.store == nil {
		store, err := l.open(ctx)
		if err != nil {
			return nil, err
		}
		l.store = store
	}
	return l.store.LoadCatalog(ctx, id)
}

func runDiff(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	exitCode, _ := cmd.Flags().GetBool("exit-code")
	ctx := cmd.Context()

	loader := &catalogLoader{open: func(ctx context.Context) (core.CatalogStore, error) {
		return openStore(ctx)
	}}
	defer func() {
		if loader.store != nil {
			loader.store.Close()
		}
	}()

	prev, err := loader.load(ctx, args[0])
	if err != nil {
		return fmt.Errorf("old catalog: %w", err)
	}
	next, err := loader.load(ctx, args[1])
	if err != nil {
		return fmt.Errorf("new catalog: %w", err)
	}

	result, err := diff.Compare(prev, next)
	if err != nil {
		return err
	}

	switch format {
	case "json", "yaml":
		err = catalog.EncodeDiff(cmd.OutOrStdout(), result, format)
	case "text", "":
		printDiff(cmd.OutOrStdout(), result)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return err
	}

	s := result.Summary
	if exitCode && s.Added+s.Removed+s.Changed > 0 {
		return ErrSurfaceChanged
	}
	return nil
}

func printDiff(w io.Writer, d *types.DiffResult) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	changed := color.New(color.FgYellow)

	for _, e := range d.Added {
		added.Fprintf(w, "+ %-60s %s\n", e.Signature, e.RiskLevel)
	}
	for _, e := range d.Removed {
		removed.Fprintf(w, "- %-60s %s\n", e.Signature, e.RiskLevel)
	}
	for _, e := range d.Changed {
		changed.Fprintf(w, "~ %-60s %s\n", e.Signature, describeChange(e))
	}

	s := d.Summary
	color.New(color.Bold).Fprintf(w, "\n%d added, %d removed, %d changed, %d unchanged\n",
		s.Added, s.Removed, s.Changed, s.Unchanged)
}

func describeChange(e types.ChangedEntry) string {
	var parts []string
	if e.Previous.RiskLevel != e.RiskLevel {
		parts = append(parts, fmt.Sprintf("risk %s->%s", e.Previous.RiskLevel, e.RiskLevel))
	}
	if e.Previous.Frequency != e.Frequency {
		parts = append(parts, fmt.Sprintf("seen %d->%d", e.Previous.Frequency, e.Frequency))
	}
	if !e.Previous.SameSources(e.CatalogEntry) {
		parts = append(parts, fmt.Sprintf("sources %s->%s", joinSources(e.Previous.Sources), joinSources(e.Sources)))
	}
	return strings.Join(parts, ", ")
}

func joinSources(sources []types.SourceKind) string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = string(s)
	}
	return strings.Join(out, "+")
}
