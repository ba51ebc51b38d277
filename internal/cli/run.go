package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/eldertree/internal/engine"
	"github.com/roach88/eldertree/internal/logging"
	"github.com/roach88/eldertree/internal/metrics"
	"github.com/roach88/eldertree/internal/model"
	"github.com/roach88/eldertree/internal/store"
	"github.com/roach88/eldertree/internal/topology"
)

const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Topology    string
	Database    string
	MetricsAddr string

	// Tokens overrides the id generator (for testing). Nil uses UUIDv7.
	Tokens model.TokenGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the engine",
		Long: `Start the Elder Tree engine.

Saved tree and binding documents are restored first. When no saved tree
exists, the --topology file or directory seeds the hierarchy. The engine
then runs the message router, event dispatcher, maintenance sweeps and
autosave until interrupted, and saves state on the way out.

Examples:
  eldertree run --topology ./tree.cue
  eldertree run --config eldertree.yaml --db audit.db --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Topology, "topology", "t", "", "CUE topology used when no saved tree exists")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite audit database (overrides audit.database)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Audit.Database = opts.Database
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}

	logger, err := logging.New(logging.Verbose(cfg.Logging, opts.Verbose))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = logger.Sync() }()

	reg := metrics.NewRegistry()
	engOpts := []engine.Option{engine.WithMetrics(reg)}
	if opts.Tokens != nil {
		engOpts = append(engOpts, engine.WithTokenGenerator(opts.Tokens))
	}

	if cfg.Audit.Database != "" {
		logger.Info("opening audit database", zap.String("path", cfg.Audit.Database))
		st, err := store.Open(cfg.Audit.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open audit database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing audit database", zap.Error(closeErr))
			}
		}()
		engOpts = append(engOpts, engine.WithAudit(st))
	}

	eng := engine.New(cfg, logger, engOpts...)
	defer eng.Close()

	if err := eng.Load(); err != nil {
		return WrapExitError(ExitCommandError, "failed to restore state", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.Topology != "" && eng.Status().TotalNodes == 0 {
		topo, err := topology.Load(opts.Topology)
		if err != nil {
			return WrapExitError(ExitFailure, "invalid topology", err)
		}
		if err := topo.Apply(ctx, eng); err != nil {
			return WrapExitError(ExitFailure, "failed to apply topology", err)
		}
		logger.Info("topology applied",
			zap.String("path", opts.Topology),
			zap.Int("nodes", len(topo.Nodes)),
			zap.Int("bound", len(topo.Bound)))
	}

	status := eng.Status()
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Elder Tree running: %d nodes, %d bound souls.\n", status.TotalNodes, status.BoundSouls)
	fmt.Fprintln(w, "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	if cfg.Metrics.Addr != "" {
		serveMetrics(gctx, g, cfg.Metrics.Addr, reg, logger)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	fmt.Fprintln(w, "Elder Tree stopped.")
	return nil
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *metrics.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
