package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/store"
)

// IdentityOptions holds flags for the identity command.
type IdentityOptions struct {
	*RootOptions
	Database string
}

// NewIdentityCommand creates the identity command.
func NewIdentityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IdentityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Print the node identity",
		Long: `Print the persistent identity of the node owning a database,
generating and storing one if the database has none yet.

Example:
  meshsync identity --db ./a.db
  meshsync identity --db ./a.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIdentity(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runIdentity(opts *IdentityOptions, cmd *cobra.Command) error {
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := st.EnsureNodeID(ctx, change.NewNodeID)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeStore, "failed to establish node identity", err)
	}

	return formatter(opts.RootOptions, cmd).Success(map[string]string{"nodeId": id}, id)
}
