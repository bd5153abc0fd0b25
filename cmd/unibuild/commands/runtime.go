package commands

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/stores"
	"github.com/unibuild/unibuild/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// runtime holds what a command needs after the config file is read.
type runtime struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  stores.Store
	logger zerolog.Logger
}

type setupOptions struct {
	// root is searched for a config file when --config is not given.
	root string

	// store opens the history database when it is enabled in config.
	store bool
}

// loadConfig reads --config, or the first default config file in root.
func loadConfig(root string) (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.Discover(root)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}

// setup loads config and starts telemetry and, optionally, the store. A
// store that cannot be opened is logged and left out.
func setup(ctx context.Context, opts setupOptions) (*runtime, error) {
	cfg, err := loadConfig(opts.root)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg, version))
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, tel: tel, logger: tel.Logger}
	log.Logger = tel.Logger

	if cfg.Source != "" {
		rt.logger.Debug().Str("config", cfg.Source).Msg("Configuration loaded")
	}

	if tel.Config.Metrics.Enabled {
		go func() {
			if err := tel.Metrics.Serve(ctx, rt.logger); err != nil {
				rt.logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if opts.store && cfg.Store.Enabled {
		store, err := openStore(ctx, cfg.Store.Path)
		if err != nil {
			rt.logger.Warn().Err(err).Str("path", cfg.Store.Path).Msg("History store unavailable")
		} else {
			rt.store = store
		}
	}

	return rt, nil
}

func openStore(ctx context.Context, path string) (stores.Store, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// close flushes events and traces. It runs on a fresh context so that an
// interrupt does not lose the tail of the event stream.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("Failed to close history store")
		}
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.logger.Warn().Err(err).Msg("Telemetry shutdown incomplete")
	}
}
