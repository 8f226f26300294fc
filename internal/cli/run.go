package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/config"
	"github.com/roach88/meshsync/internal/node"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigFile string
	Database   string
	Listen     string
	PublicURL  string
	Directory  string
	Tables     []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a replicating node",
		Long: `Start a meshsync node: open (or create) the local store, establish the
node identity, register with the directory, serve the sync and records APIs,
and run sync rounds until interrupted.

Flags override values from the config file.

Example:
  meshsync run --config ./node.yaml
  meshsync run --db ./a.db --listen :8081 --tables payments --directory http://dir:9000`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.PublicURL, "public-url", "", "URL peers use to reach this node")
	cmd.Flags().StringVar(&opts.Directory, "directory", "", "directory service base URL")
	cmd.Flags().StringSliceVar(&opts.Tables, "tables", nil, "replicated tables")

	return cmd
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	cfg, err := loadRunConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeConfig, "invalid configuration", err)
	}

	logger.Info("opening database", "path", cfg.Database)
	n, err := node.New(cfg, node.WithLogger(logger))
	if err != nil {
		kind := CodeNode
		if errors.Is(err, node.ErrStoreUnavailable) {
			kind = CodeStore
		}
		return WrapExitError(ExitCommandError, kind, "failed to start node", err)
	}
	defer func() {
		if closeErr := n.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd)
	defer cancel()

	f := formatter(opts.RootOptions, cmd)
	f.VerboseLog("node %s listening on %s", n.ID(), cfg.Listen)

	if err := n.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, CodeNode, "node error", err)
	}
	logger.Info("node stopped gracefully")
	return nil
}

// loadRunConfig reads the config file (or defaults) and applies flag
// overrides before validating.
func loadRunConfig(opts *RunOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		data, err := os.ReadFile(opts.ConfigFile)
		if err != nil {
			return nil, errors.Join(config.ErrConfigFileUnreadable, err)
		}
		if cfg, err = config.Decode(data); err != nil {
			return nil, err
		}
	}

	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.PublicURL != "" {
		cfg.PublicURL = opts.PublicURL
	}
	if opts.Directory != "" {
		cfg.Directory.URL = opts.Directory
	}
	if len(opts.Tables) > 0 {
		cfg.Tables = opts.Tables
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT/SIGTERM or when the command's own
// context ends.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan) // Prevent signal handler leak
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
