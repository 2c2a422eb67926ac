// Package app assembles the runtime shared by the server and the admin CLI.
package app

import (
	"context"
	"fmt"

	"github.com/freightdesk/mailingest/accounts"
	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/db"
	"github.com/freightdesk/mailingest/db/sqlitestore"
	"github.com/freightdesk/mailingest/imapconn"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/pkg/resilient"
	"github.com/freightdesk/mailingest/pkg/scheduler"
	"github.com/freightdesk/mailingest/pkg/ttlcache"
	"github.com/freightdesk/mailingest/server/ingest"
	"github.com/freightdesk/mailingest/server/uploader"
	"github.com/freightdesk/mailingest/service"
	"github.com/freightdesk/mailingest/storage"
)

// App holds every long-lived component.
type App struct {
	Config   config.Config
	Accounts *accounts.Registry
	Store    *resilient.Store
	Blobs    *resilient.BlobStore
	Pool     *imapconn.Pool
	Uploader *uploader.Uploader
	Pipeline *ingest.Pipeline
	Service  *service.Service
}

// OpenStore connects the configured email store. For postgres with
// migrate_on_start the schema is brought up to date first.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (db.Store, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.MigrateOnStart {
			if err := Migrate(ctx, cfg); err != nil {
				return nil, err
			}
		}
		return db.NewDatabase(ctx, cfg)
	case "sqlite":
		return sqlitestore.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: unknown database driver %q", consts.ErrInvalidConfig, cfg.Driver)
	}
}

// Migrate applies pending postgres migrations.
func Migrate(ctx context.Context, cfg config.DatabaseConfig) error {
	mg, err := db.NewMigrator(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	defer mg.Close()
	if err := mg.Up(ctx); err != nil {
		return err
	}
	if v, dirty, ok, err := mg.Version(); err == nil && ok {
		logger.Info("DB: schema migrated", "version", v, "dirty", dirty)
	}
	return nil
}

// Build wires the full ingestion runtime. A missing account set, an
// unreachable store or an unusable bucket are startup errors.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	registry, err := accounts.Load(cfg.Accounts)
	if err != nil {
		return nil, err
	}

	backend, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Accounts: registry, Store: resilient.NewStore(backend)}

	s3, err := storage.New(cfg.S3)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initialize S3 storage at endpoint '%s': %w", cfg.S3.Endpoint, err)
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("prepare bucket %q: %w", cfg.S3.Bucket, err)
	}
	a.Blobs = resilient.NewBlobStore(s3)

	poolOpts, err := imapconn.PoolOptionsFromConfig(cfg.IMAP)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pool = imapconn.NewPool(imapconn.NewDialer(cfg.IMAP), registry, poolOpts)

	upOpts, err := uploader.OptionsFromConfig(cfg.Ingest)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Uploader = uploader.New(a.Blobs, upOpts)

	pipeOpts, err := ingest.OptionsFromConfig(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Pipeline = ingest.New(a.Pool, a.Store, a.Uploader, pipeOpts)

	cacheTTL, err := cfg.Cache.GetTTL()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Service = service.New(service.Deps{
		Accounts:   registry,
		Pipeline:   a.Pipeline,
		Store:      a.Store,
		Blobs:      a.Blobs,
		Pool:       a.Pool,
		Cache:      ttlcache.New[any]("read", cacheTTL, cfg.Cache.Capacity),
		Schedulers: []*scheduler.Scheduler{a.Pipeline.ParseScheduler(), a.Pipeline.AttachmentScheduler()},
		Breakers:   []service.BreakerSource{a.Store, a.Blobs},
	})
	return a, nil
}

// Close releases sessions, stops background work and closes the store.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Close()
	}
	if a.Pool != nil {
		a.Pool.CloseAll()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logger.Warn("App: closing store", "error", err)
		}
	}
}
