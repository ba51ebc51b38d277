package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/engine"
	"github.com/roach88/eldertree/internal/persist"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	TreePath     string
	BindingsPath string
}

// StatusReport summarizes the saved tree and binding documents.
type StatusReport struct {
	TotalNodes      int              `json:"total_nodes"`
	BoundSouls      int              `json:"bound_souls"`
	BindingRate     float64          `json:"binding_rate"`
	HierarchyHealth float64          `json:"hierarchy_health"`
	TreeSavedAt     time.Time        `json:"tree_saved_at"`
	Bindings        *BindingsSummary `json:"bindings,omitempty"`
}

// BindingsSummary is the statistics block of the bindings document.
type BindingsSummary struct {
	Total           int            `json:"total"`
	Live            int            `json:"live"`
	AverageStrength float64        `json:"average_strength"`
	ByState         map[string]int `json:"by_state"`
	ByType          map[string]int `json:"by_type"`
	SavedAt         time.Time      `json:"saved_at"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize saved state",
		Long: `Summarize the saved Elder Tree without starting the engine.

Reads the tree document and, when present, the soul binding document
named by the configuration (or the flags), and reports node counts,
hierarchy health and binding statistics.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.TreePath, "tree", "", "tree document (overrides persistence.tree_path)")
	cmd.Flags().StringVar(&opts.BindingsPath, "bindings", "", "binding document (overrides persistence.bindings_path)")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	treePath := cfg.Persistence.TreePath
	if opts.TreePath != "" {
		treePath = opts.TreePath
	}
	bindingsPath := cfg.Persistence.BindingsPath
	if opts.BindingsPath != "" {
		bindingsPath = opts.BindingsPath
	}
	if treePath == "" {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "no tree document configured", errors.New("persistence.tree_path is empty"))
	}

	// Only the tree is restored: loading bindings would start decay tasks.
	cfg.Persistence.BindingsPath = ""
	eng := engine.New(cfg, zap.NewNop())
	defer eng.Close()

	formatter.VerboseLog("Reading tree document %s", treePath)
	tree, err := persist.ReadTree(treePath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeState, "failed to read tree document", err)
	}
	if err := eng.Persistence().LoadState(treePath); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeState, "failed to restore tree", err)
	}

	status := eng.Status()
	report := StatusReport{
		TotalNodes:      status.TotalNodes,
		BoundSouls:      status.BoundSouls,
		BindingRate:     status.BindingRate,
		HierarchyHealth: status.HierarchyHealth,
		TreeSavedAt:     tree.SavedAt,
	}

	if bindingsPath != "" {
		formatter.VerboseLog("Reading binding document %s", bindingsPath)
		doc, err := persist.ReadBindings(bindingsPath)
		switch {
		case err == nil:
			report.Bindings = &BindingsSummary{
				Total:           doc.Statistics.Total,
				Live:            doc.Statistics.Live,
				AverageStrength: doc.Statistics.AverageStrength,
				ByState:         doc.Statistics.ByState,
				ByType:          doc.Statistics.ByType,
				SavedAt:         doc.SavedAt,
			}
		case errors.Is(err, fs.ErrNotExist):
			formatter.VerboseLog("No binding document at %s", bindingsPath)
		default:
			return formatter.Fail(ExitCommandError, ErrCodeState, "failed to read binding document", err)
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(report)
	}
	writeStatusText(formatter.Writer, report)
	return nil
}

func writeStatusText(w io.Writer, r StatusReport) {
	fmt.Fprintf(w, "Nodes:    %d (%d bound, %.1f%%)\n", r.TotalNodes, r.BoundSouls, r.BindingRate*100)
	fmt.Fprintf(w, "Health:   %.3f\n", r.HierarchyHealth)
	fmt.Fprintf(w, "Saved at: %s\n", r.TreeSavedAt.Format(time.RFC3339))
	if r.Bindings == nil {
		fmt.Fprintln(w, "Bindings: none saved")
		return
	}
	b := r.Bindings
	fmt.Fprintf(w, "Bindings: %d total, %d live, average strength %.3f\n", b.Total, b.Live, b.AverageStrength)
	for _, state := range slices.Sorted(maps.Keys(b.ByState)) {
		fmt.Fprintf(w, "  %-12s %d\n", state, b.ByState[state])
	}
	for _, ct := range slices.Sorted(maps.Keys(b.ByType)) {
		fmt.Fprintf(w, "  %-12s %d\n", ct, b.ByType[ct])
	}
}
