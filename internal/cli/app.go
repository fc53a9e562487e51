package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/crmsync/internal/compiler"
	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/connector"
	"github.com/roach88/crmsync/internal/connector/memory"
	"github.com/roach88/crmsync/internal/connector/rest"
	"github.com/roach88/crmsync/internal/connector/sqltable"
	"github.com/roach88/crmsync/internal/credential"
	"github.com/roach88/crmsync/internal/engine"
	"github.com/roach88/crmsync/internal/logging"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
)

// app is the process state shared by commands that touch the store.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store.Store
}

// openApp loads the configuration, builds the logger and opens the store.
// Failures are command errors (exit code 2).
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := cfg.Log.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid log settings", err)
	}
	store.SetMigrationLogger(logging.NewGooseLogger(logger))

	codec, err := credential.NewCodec(cfg.Credentials.Key)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid credentials key", err)
	}
	logger.Debug().Str("path", cfg.Database).Msg("opening store")
	st, err := store.Open(cfg.Database, store.WithCodec(codec))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return &app{cfg: cfg, logger: logger, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("error closing store")
	}
}

// engine builds an executor over the store and the given local records.
func (a *app) engine(opts *RootOptions, local source.Store) *engine.Engine {
	adapters := opts.Adapters
	if adapters == nil {
		adapters = defaultAdapters()
	}
	ec := a.cfg.Engine
	return engine.New(a.store, compiler.NewRegistry(a.store, nil), adapters, local,
		engine.WithLogger(logging.Component(a.logger, "engine")),
		engine.WithWorkers(ec.Workers),
		engine.WithFailureThreshold(ec.FailureThreshold),
		engine.WithRefresher(credential.OAuthRefresher{}),
		engine.WithGuardOptions(
			connector.WithRateLimit(ec.RatePerSecond, ec.Burst),
			connector.WithCallTimeout(ec.CallTimeout),
			connector.WithRetry(ec.MaxAttempts, ec.BackoffBase, ec.MaxBackoff),
		),
	)
}

// defaultAdapters registers every built-in provider. The memory provider
// keeps remote records for the lifetime of the process only.
func defaultAdapters() *connector.Factory {
	f := connector.NewFactory()
	f.Register("rest", rest.Open)
	f.Register(string(sqltable.Postgres), sqltable.Open)
	f.Register(string(sqltable.MySQL), sqltable.Open)
	f.Register("memory", memory.NewHub().Open)
	return f
}
