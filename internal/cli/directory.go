package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/directory"
)

// DirectoryOptions holds flags for the directory command.
type DirectoryOptions struct {
	*RootOptions
	Listen string
	TTL    time.Duration
}

// NewDirectoryCommand creates the directory command.
func NewDirectoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DirectoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "directory",
		Short: "Run a directory service",
		Long: `Run the directory service nodes register with. A node that has not
sent a heartbeat within --ttl is dropped from the service list.

Example:
  meshsync directory --listen :9000 --ttl 90s`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDirectory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", ":9000", "HTTP listen address")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", directory.DefaultServiceTTL, "drop services silent for this long")

	return cmd
}

func runDirectory(opts *DirectoryOptions, cmd *cobra.Command) error {
	logger := setupLogging(opts.Verbose)

	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, CodeUsage, "--ttl must be positive")
	}

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeDirectory, "failed to listen", err)
	}

	dir := directory.NewServer(opts.TTL, directory.WithServerLogger(logger))
	go dir.Start()
	defer dir.Stop()

	srv := &http.Server{Handler: dir.Handler(), ReadHeaderTimeout: 10 * time.Second}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("directory started", "listen", ln.Addr().String(), "ttl", opts.TTL)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, CodeDirectory, "directory error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("directory stopped gracefully")
	return nil
}
