package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ApplyResult reports the connections written to the store.
type ApplyResult struct {
	Applied []AppliedConnection `json:"applied"`
}

type AppliedConnection struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"`
	Mappings    int    `json:"mappings"`
	Fingerprint string `json:"fingerprint"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <config-dir>",
		Short: "Compile connection mappings and store them",
		Long: `Compile the CUE connection mappings in a directory and write them to the
state store.

Nothing is written unless every connection compiles. Re-applying a
connection replaces its mappings but keeps its correlations, its sync log
and its enabled flag. Stored credentials are only replaced when the new
configuration carries some.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runApply(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	compiled, err := compileDir(formatter, dir)
	if err != nil {
		return err
	}

	a, err := openApp(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	result := ApplyResult{Applied: make([]AppliedConnection, 0, len(compiled))}
	for _, c := range compiled {
		if err := a.store.SaveConnectionConfig(ctx, c.Config); err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to apply connection %s", c.Config.Connection.ID), err)
		}
		a.logger.Info().Str("connection", c.Config.Connection.ID).Str("fingerprint", c.Plan.Fingerprint).Msg("connection applied")
		result.Applied = append(result.Applied, AppliedConnection{
			ID:          c.Config.Connection.ID,
			Provider:    c.Config.Connection.Provider,
			Mappings:    len(c.Plan.Units),
			Fingerprint: c.Plan.Fingerprint,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	for _, c := range result.Applied {
		fmt.Fprintf(formatter.Writer, "✓ Applied %s (%s, %d mapping(s))\n", c.ID, c.Provider, c.Mappings)
	}
	return nil
}
