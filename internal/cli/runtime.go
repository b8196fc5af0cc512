package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/habitsync/internal/authfile"
	"github.com/roach88/habitsync/internal/config"
	"github.com/roach88/habitsync/internal/docstore"
	"github.com/roach88/habitsync/internal/engine"
	"github.com/roach88/habitsync/internal/eventsrc"
	"github.com/roach88/habitsync/internal/identity"
	"github.com/roach88/habitsync/internal/pgstore"
	"github.com/roach88/habitsync/internal/store"
	"github.com/roach88/habitsync/internal/telemetry"
)

// serviceName labels traces exported by the CLI.
const serviceName = "habitsync"

// runtimeFlags are per-command overrides of the loaded config.
type runtimeFlags struct {
	Database  string
	TokenFile string
}

// runtime is one process worth of collaborators around an Engine.
type runtime struct {
	cfg      config.Config
	local    *store.Store
	auth     *authfile.Provider
	pg       *pgstore.Store
	engine   *engine.Engine
	registry *prometheus.Registry
	shutdown func(context.Context) error
}

// loadConfig applies flag overrides on top of the config file and
// environment.
func loadConfig(opts *RootOptions, flags runtimeFlags) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if flags.Database != "" {
		cfg.DatabasePath = flags.Database
	}
	if flags.TokenFile != "" {
		cfg.TokenFile = flags.TokenFile
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "invalid settings", err)
	}
	return cfg, nil
}

// openRuntime wires config, local storage, the auth source, the document
// store and tracing into a ready Engine. Callers must Close it.
func openRuntime(ctx context.Context, opts *RootOptions, flags runtimeFlags) (*runtime, error) {
	cfg, err := loadConfig(opts, flags)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, registry: prometheus.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			rt.Close(ctx)
		}
	}()

	slog.Debug("opening database", "path", cfg.DatabasePath)
	rt.local, err = store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	var docs docstore.Store = rt.local.Documents()
	if cfg.DocumentDSN != "" {
		rt.pg, err = pgstore.New(cfg.DocumentDSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to configure document store", err)
		}
		docs = rt.pg
	}

	var auth identity.AuthProvider
	if cfg.TokenFile != "" {
		rt.auth, err = authfile.Open(cfg.TokenFile, authfile.VerifyConfig{
			Secret: []byte(cfg.TokenSecret),
			Issuer: cfg.TokenIssuer,
		})
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open token file", err)
		}
		auth = rt.auth
	} else {
		// Without a session file the provider reports signed out, which
		// leaves the decision to the stored credential.
		src := eventsrc.New[*identity.Identity]("cli.auth", eventsrc.WithReplay())
		src.Publish(nil)
		auth = src
	}

	tp, shutdown, err := telemetry.Setup(ctx, serviceName)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	rt.shutdown = shutdown

	rt.engine = engine.New(rt.local.LocalIdentity(), auth, docs,
		engine.WithConfig(cfg.Engine()),
		engine.WithRegisterer(rt.registry),
		engine.WithTracerProvider(tp),
	)
	ok = true
	return rt, nil
}

// Close flushes the engine and releases everything openRuntime acquired.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.engine != nil {
		if err := rt.engine.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.auth != nil {
		if err := rt.auth.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close token watcher: %w", err))
		}
	}
	if rt.pg != nil {
		if err := rt.pg.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close document store: %w", err))
		}
	}
	if rt.local != nil {
		if err := rt.local.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if rt.shutdown != nil {
		if err := rt.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	return errors.Join(errs...)
}

// closeRuntime closes rt and logs failures. Commands use it in defers
// where the primary error has already been decided.
func closeRuntime(ctx context.Context, rt *runtime) {
	if err := rt.Close(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}
