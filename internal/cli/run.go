package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/ir"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
)

// CLI error codes for commands that operate on the store.
const (
	ErrCodeRecords           = "E300" // local records fixture unreadable
	ErrCodeUnknownConnection = "E301" // connection not applied
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Records string
	Full    bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <connection>",
		Short: "Run one sync of a connection",
		Long: `Run one synchronization of an applied connection and wait for it to finish.

Local records are read from a YAML fixture (--records); without one the
local side starts empty and only inbound changes are applied. Local changes
made by the run are not written back to the fixture.

A run that completes with record failures, is aborted or is cancelled exits
with status 1. Ctrl-C cancels the run: records already being written finish
and the rest are logged as skipped.

Example:
  crmsync run acme --records ./records.yaml
  crmsync run acme --full --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Records, "records", "", "YAML fixture with the local records")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "ignore cursors and sync every record")

	return cmd
}

func runSync(opts *RunOptions, connectionID string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	local := source.NewMemory()
	if opts.Records != "" {
		m, err := source.LoadYAML(opts.Records)
		if err != nil {
			return outputError(formatter, ExitCommandError, ErrCodeRecords, err.Error())
		}
		local = m
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	eng := a.engine(opts.RootOptions, local)

	// Cancelling the context cancels the run.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	formatter.VerboseLog("Running connection %s (full=%t)", connectionID, opts.Full)
	report, err := eng.Run(ctx, connectionID, engine.RunOptions{Full: opts.Full})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return outputError(formatter, ExitCommandError, ErrCodeUnknownConnection, fmt.Sprintf("connection %q not found", connectionID))
	case engine.IsConnectionDisabled(err):
		return outputError(formatter, ExitFailure, string(engine.ErrCodeConnectionDisabled), err.Error())
	case engine.IsRunInProgress(err):
		return outputError(formatter, ExitFailure, string(engine.ErrCodeRunInProgress), err.Error())
	case err != nil:
		return WrapExitError(ExitCommandError, "run failed", err)
	}

	if formatter.Format == "json" {
		if err := formatter.RunResult(report.RunID, report); err != nil {
			return err
		}
	} else if err := formatter.RunResult(report.RunID, summarize(report)); err != nil {
		return err
	}

	if report.Status != ir.RunCompleted {
		return NewExitError(ExitFailure, fmt.Sprintf("run %s %s", report.RunID, report.Status))
	}
	return nil
}

// summarize renders a run report on one line, plus the abort cause.
func summarize(r *ir.RunReport) string {
	s := fmt.Sprintf("run %s %s: %d created, %d updated, %d deleted, %d skipped, %d failed, %d deferred",
		r.RunID, r.Status, r.Created, r.Updated, r.Deleted, r.Skipped, r.Failed, r.Deferred)
	if r.Error != "" {
		s += "\n  error: " + r.Error
	}
	return s
}
