package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/eldertree/internal/config"
	"github.com/roach88/eldertree/internal/engine"
	"github.com/roach88/eldertree/internal/topology"
)

// ValidationResult is the outcome of validating a topology.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Nodes  int               `json:"nodes"`
	Bound  []string          `json:"bound,omitempty"`
	Order  []string          `json:"order,omitempty"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is one positioned topology problem.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <topology>",
		Short: "Validate a CUE topology",
		Long: `Validate a CUE topology file or package directory.

The topology is checked against the node schema and the rank rules, then
applied to a scratch tree so registration and soul binding errors surface
exactly as they would at startup. Nothing is written.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	topo, err := topology.Load(path)
	if err != nil {
		var loadErr *topology.LoadError
		if errors.As(err, &loadErr) && loadErr.Field == "path" {
			return formatter.Fail(ExitCommandError, ErrCodeTopology, "topology not found", err)
		}
		return outputValidation(formatter, ValidationResult{Errors: []ValidationError{toValidationError(err)}})
	}
	formatter.VerboseLog("Loaded %d node(s) from %s", len(topo.Nodes), path)

	result := ValidationResult{Nodes: len(topo.Nodes), Bound: topo.Bound}
	for _, n := range topo.Nodes {
		result.Order = append(result.Order, n.ID)
	}

	if err := dryRun(cmd.Context(), topo); err != nil {
		result.Errors = append(result.Errors, toValidationError(err))
	}
	result.Valid = len(result.Errors) == 0
	return outputValidation(formatter, result)
}

// dryRun applies topo to a throwaway engine with persistence disabled.
func dryRun(ctx context.Context, topo *topology.Topology) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := config.Default()
	cfg.Persistence = config.PersistenceConfig{}
	eng := engine.New(cfg, zap.NewNop())
	defer eng.Close()
	return topo.Apply(ctx, eng)
}

func toValidationError(err error) ValidationError {
	var loadErr *topology.LoadError
	if errors.As(err, &loadErr) {
		ve := ValidationError{Code: ErrCodeTopology, Field: loadErr.Field, Message: loadErr.Message}
		if loadErr.Pos.IsValid() {
			ve.File = loadErr.Pos.Filename()
			ve.Line = loadErr.Pos.Line()
		}
		return ve
	}
	return ValidationError{Code: errorCode(err, ErrCodeTopology), Message: err.Error()}
}

func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &CLIError{
				Code:    ErrCodeTopology,
				Message: fmt.Sprintf("%d validation error(s)", len(result.Errors)),
				Details: result.Errors,
			}
		}
		if err := formatter.encode(resp); err != nil {
			return err
		}
	} else {
		writeValidationText(formatter.Writer, result)
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("topology invalid: %d error(s)", len(result.Errors)))
	}
	return nil
}

func writeValidationText(w io.Writer, result ValidationResult) {
	if !result.Valid {
		fmt.Fprintf(w, "✗ Topology invalid (%d error(s))\n", len(result.Errors))
		for _, e := range result.Errors {
			loc := ""
			if e.File != "" {
				loc = fmt.Sprintf("%s:%d: ", e.File, e.Line)
			}
			if e.Field != "" {
				fmt.Fprintf(w, "  [%s] %s%s: %s\n", e.Code, loc, e.Field, e.Message)
			} else {
				fmt.Fprintf(w, "  [%s] %s%s\n", e.Code, loc, e.Message)
			}
		}
		return
	}
	fmt.Fprintf(w, "✓ Topology valid: %d node(s), %d bound\n", result.Nodes, len(result.Bound))
	for _, id := range result.Order {
		fmt.Fprintf(w, "  %s\n", id)
	}
}
