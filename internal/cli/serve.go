package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/admin"
	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/logging"
	"github.com/roach88/crmsync/internal/source"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen  string
	Records string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API",
		Long: `Serve the admin API: list connections, enable or disable them, trigger
runs and read the sync log.

Runs triggered through the API execute in the background. On shutdown the
active runs are cancelled and the server waits for them to finish.

Set admin.jwt_secret (or CRMSYNC_ADMIN_JWT_SECRET) to require bearer
tokens on /api; issue them with 'crmsync token'.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides admin.listen)")
	cmd.Flags().StringVar(&opts.Records, "records", "", "YAML fixture with the local records")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	local := source.NewMemory()
	if opts.Records != "" {
		m, err := source.LoadYAML(opts.Records)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load records", err)
		}
		local = m
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	listen := a.cfg.Admin.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", listen), err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, a, a.engine(opts.RootOptions, local), ln)
}

// serve runs the admin API on ln until ctx is done, then cancels and waits
// for the active runs.
func serve(ctx context.Context, a *app, eng *engine.Engine, ln net.Listener) error {
	logger := logging.Component(a.logger, "admin")
	if a.cfg.Admin.JWTSecret == "" {
		logger.Warn().Msg("admin.jwt_secret is not set; the api is unauthenticated")
	}
	svc := admin.NewService(a.store, eng, logger)
	handler := admin.NewHandler(svc, admin.Options{
		JWTSecret:      a.cfg.Admin.JWTSecret,
		AllowedOrigins: a.cfg.Admin.AllowedOrigins,
	}, logger)

	err := admin.Serve(ctx, ln, handler, logger)

	for _, run := range eng.Active() {
		if cerr := eng.Cancel(run.ConnectionID); cerr != nil && !engine.IsNoActiveRun(cerr) {
			logger.Error().Err(cerr).Str("connection", run.ConnectionID).Msg("cancelling run")
		}
	}
	eng.Wait()

	if err != nil {
		return WrapExitError(ExitCommandError, "admin api failed", err)
	}
	return nil
}
