package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/meshsync/internal/change"
	"github.com/roach88/meshsync/internal/store"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database string
	Table    string
	Record   string
	Pending  bool
	Limit    int
}

// LogEntry is the JSON form of one sync log entry.
type LogEntry struct {
	ID        int64            `json:"id"`
	Table     string           `json:"table"`
	RecordID  string           `json:"recordId"`
	Operation change.Operation `json:"operation"`
	Data      change.Snapshot  `json:"data"`
	NodeID    string           `json:"nodeId"`
	Timestamp int64            `json:"timestamp"`
	Version   int64            `json:"version"`
	Synced    bool             `json:"synced"`
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the sync log",
		Long: `Print sync log entries of a node's database in replay order.

Examples:
  meshsync log --db ./a.db
  meshsync log --db ./a.db --pending
  meshsync log --db ./a.db --table payments --record 0190f0c2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Table, "table", "", "only entries of this table")
	cmd.Flags().StringVar(&opts.Record, "record", "", "only entries of this record id")
	cmd.Flags().BoolVar(&opts.Pending, "pending", false, "only entries not yet synced")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of entries (0 = all)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, CodeUsage, "--limit must not be negative")
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeStore, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	entries, err := st.ReadLog(ctx, store.LogFilter{
		Table:       opts.Table,
		RecordID:    opts.Record,
		PendingOnly: opts.Pending,
		Limit:       opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitFailure, CodeStore, "failed to read sync log", err)
	}

	out := make([]LogEntry, len(entries))
	for i, e := range entries {
		out[i] = LogEntry{
			ID:        e.ID,
			Table:     e.Table,
			RecordID:  e.RecordID,
			Operation: e.Operation,
			Data:      e.Data,
			NodeID:    e.NodeID,
			Timestamp: e.Timestamp,
			Version:   e.Version,
			Synced:    e.Synced,
		}
	}
	return formatter(opts.RootOptions, cmd).Success(out, formatLogText(out))
}

func formatLogText(entries []LogEntry) string {
	if len(entries) == 0 {
		return "No entries."
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIMESTAMP\tOP\tTABLE\tRECORD\tORIGIN\tVERSION\tSYNCED")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%d\t%t\n",
			e.ID, e.Timestamp, e.Operation, e.Table, e.RecordID, e.NodeID, e.Version, e.Synced)
	}
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}
