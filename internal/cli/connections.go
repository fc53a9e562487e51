package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/admin"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/logging"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
)

// NewConnectionsCommand creates the connections command group.
func NewConnectionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List, enable and disable applied connections",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List connections with their health",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(rootOpts, cmd, func(f *OutputFormatter, svc *admin.Service) error {
				conns, err := svc.Connections(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to list connections", err)
				}
				if f.Format == "json" {
					return f.Success(conns)
				}
				writeConnections(f.Writer, conns)
				return nil
			})
		},
	})
	cmd.AddCommand(newToggleCommand(rootOpts, true))
	cmd.AddCommand(newToggleCommand(rootOpts, false))

	return cmd
}

func newToggleCommand(rootOpts *RootOptions, enable bool) *cobra.Command {
	use, short := "disable", "Disable a connection and cancel its active run"
	if enable {
		use, short = "enable", "Enable a connection and reset its failure count"
	}
	return &cobra.Command{
		Use:           use + " <connection>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withService(rootOpts, cmd, func(f *OutputFormatter, svc *admin.Service) error {
				toggle := svc.Disable
				if enable {
					toggle = svc.Enable
				}
				if err := toggle(cmd.Context(), id); err != nil {
					return storeError(f, id, err)
				}
				conn, err := svc.Connection(cmd.Context(), id)
				if err != nil {
					return storeError(f, id, err)
				}
				if f.Format == "json" {
					return f.Success(conn)
				}
				fmt.Fprintf(f.Writer, "✓ Connection %s %sd\n", id, use)
				return nil
			})
		},
	}
}

// withService opens the store and runs fn against an admin service. Runs
// started by fn belong to this process only.
func withService(opts *RootOptions, cmd *cobra.Command, fn func(*OutputFormatter, *admin.Service) error) error {
	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	eng := a.engine(opts, source.NewMemory())
	defer eng.Wait()
	return fn(newFormatter(opts, cmd), admin.NewService(a.store, eng, logging.Component(a.logger, "admin")))
}

// storeError reports a failed store operation on one connection.
func storeError(f *OutputFormatter, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return outputError(f, ExitCommandError, ErrCodeUnknownConnection, fmt.Sprintf("connection %q not found", id))
	}
	return WrapExitError(ExitCommandError, fmt.Sprintf("connection %s", id), err)
}

func writeConnections(w io.Writer, conns []ir.Connection) {
	tw := table(w, "ID", "PROVIDER", "DIRECTION", "ENABLED", "LAST RUN", "FAILURES", "LAST ERROR")
	for _, c := range conns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
			c.ID, c.Provider, c.Direction, c.Enabled, formatWhen(c.LastRunAt), c.ConsecutiveFailures, c.LastSyncError)
	}
	_ = tw.Flush()
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
