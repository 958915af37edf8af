package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/dlnk/licensecore/internal/audit"
	"github.com/dlnk/licensecore/internal/clock"
	"github.com/dlnk/licensecore/internal/config"
	"github.com/dlnk/licensecore/internal/crypto"
	"github.com/dlnk/licensecore/internal/migrate"
	"github.com/dlnk/licensecore/internal/repository"
	"github.com/dlnk/licensecore/internal/repository/bolt"
	"github.com/dlnk/licensecore/internal/repository/memory"
	"github.com/dlnk/licensecore/internal/repository/postgres"
)

// Open wires a production Core from cfg: master key, primary store, optional local cache and audit sinks.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger, sinks ...audit.Sink) (*Core, error) {
	if log == nil {
		log = zap.NewNop()
	}
	master, err := crypto.LoadOrCreateMasterKey(cfg.MasterKeyPath)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	d := Deps{
		Policy:   cfg.Policy(),
		Clock:    clock.Real{},
		Master:   master,
		Log:      log,
		Sinks:    append([]audit.Sink{audit.NewZapSink(log)}, sinks...),
		LeaseTTL: cfg.LeaseTTL,
	}
	if d.Store, err = openStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	if cfg.LocalCachePath != "" {
		local, err := bolt.Open(cfg.LocalCachePath)
		if err != nil {
			d.Store.Close()
			return nil, fmt.Errorf("local cache: %w", err)
		}
		d.Credentials = local.Credentials()
		d.LocalSessions = local.Sessions()
		d.Closers = append(d.Closers, local.Close)
	}
	return New(d)
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (repository.Store, error) {
	switch {
	case cfg.StoreURL == "memory://":
		log.Warn("using in-memory store; data is lost on exit")
		return memory.New(clock.Real{}), nil
	case strings.HasPrefix(cfg.StoreURL, "postgres://"), strings.HasPrefix(cfg.StoreURL, "postgresql://"):
		if cfg.MigrateOnStart {
			if err := migrate.Up(ctx, cfg.StoreURL, log); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		db, err := postgres.New(ctx, cfg.StoreURL)
		if err != nil {
			return nil, fmt.Errorf("connect store: %w", err)
		}
		return postgres.NewStore(db, cfg.StoreTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported store_url scheme: %q", schemeOf(cfg.StoreURL))
	}
}

func schemeOf(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i]
	}
	return url
}
