package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/admin"
	"github.com/roach88/crmsync/internal/ir"
)

// LogsOptions holds flags for the logs command.
type LogsOptions struct {
	*RootOptions
	Limit int
	Stats bool
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs <connection>",
		Short: "Show the sync log of a connection",
		Long: `Show the most recent sync log entries of a connection, newest first.

With --stats, print the aggregate counters instead: entries by action and
status, runs by outcome, and the last run.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", admin.DefaultLogLimit, fmt.Sprintf("entries to show (max %d)", admin.MaxLogLimit))
	cmd.Flags().BoolVar(&opts.Stats, "stats", false, "show aggregate counters")

	return cmd
}

func runLogs(opts *LogsOptions, id string, cmd *cobra.Command) error {
	return withService(opts.RootOptions, cmd, func(f *OutputFormatter, svc *admin.Service) error {
		if opts.Stats {
			stats, err := svc.Stats(cmd.Context(), id)
			if err != nil {
				return storeError(f, id, err)
			}
			if f.Format == "json" {
				return f.Success(stats)
			}
			writeStats(f.Writer, stats)
			return nil
		}

		entries, err := svc.Logs(cmd.Context(), id, opts.Limit)
		if err != nil {
			return storeError(f, id, err)
		}
		if f.Format == "json" {
			return f.Success(entries)
		}
		writeLogs(f.Writer, entries)
		return nil
	})
}

func writeLogs(w io.Writer, entries []ir.SyncLogEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "no log entries")
		return
	}
	tw := table(w, "TIME", "RUN", "ENTITY", "LOCAL", "REMOTE", "DIRECTION", "ACTION", "STATUS", "ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatWhen(e.CreatedAt), e.RunID, e.LocalType, e.RemoteEntity, dash(e.LocalID), dash(e.RemoteID),
			e.Direction, e.Action, e.Status, e.Error)
	}
	_ = tw.Flush()
}

func writeStats(w io.Writer, s *ir.Stats) {
	fmt.Fprintf(w, "connection %s: %d log entries\n", s.ConnectionID, s.Total)
	writeCounts(w, "actions", s.ByAction)
	writeCounts(w, "statuses", s.ByStatus)
	writeCounts(w, "runs", s.Runs)
	if r := s.LastRun; r != nil {
		fmt.Fprintf(w, "last %s\n", summarize(r))
	}
}

// writeCounts prints one line of name=count pairs in name order.
func writeCounts[K ~string](w io.Writer, label string, counts map[K]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	fmt.Fprintf(w, "  %s:", label)
	for _, k := range keys {
		fmt.Fprintf(w, " %s=%d", k, counts[K(k)])
	}
	fmt.Fprintln(w)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
