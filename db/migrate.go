package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/logger"
	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Migrator applies the embedded schema migrations to PostgreSQL. Every
// mutating call holds a session-level advisory lock so two processes never
// migrate concurrently.
type Migrator struct {
	m  *migrate.Migrate
	db *sql.DB
}

// NewMigrator opens a dedicated database/sql connection for migrations.
func NewMigrator(ctx context.Context, connString string) (*Migrator, error) {
	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}
	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrationLogger{}

	return &Migrator{m: m, db: sqlDB}, nil
}

func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// Up applies all pending migrations. No pending migration is not an error.
func (mg *Migrator) Up(ctx context.Context) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply up migrations: %w", err)
		}
		return nil
	})
}

// Down reverts steps migrations, or all of them when steps <= 0.
func (mg *Migrator) Down(ctx context.Context, steps int) error {
	return mg.locked(ctx, func() error {
		if steps > 0 {
			if err := mg.m.Steps(-steps); err != nil {
				return fmt.Errorf("failed to revert %d migration(s): %w", steps, err)
			}
			return nil
		}

		version, dirty, err := mg.m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get current migration version: %w", err)
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d), fix it with force", version)
		}
		if err := mg.m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to revert all migrations: %w", err)
		}
		return nil
	})
}

// Force sets the recorded version without running migrations.
func (mg *Migrator) Force(ctx context.Context, version int) error {
	return mg.locked(ctx, func() error {
		if err := mg.m.Force(version); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
		return nil
	})
}

// Version returns the current version. ok is false when no migration has
// run yet.
func (mg *Migrator) Version() (version uint, dirty bool, ok bool, err error) {
	version, dirty, err = mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, err
	}
	return version, dirty, true, nil
}

func (mg *Migrator) locked(ctx context.Context, fn func() error) error {
	if err := mg.acquireLock(ctx); err != nil {
		return err
	}
	defer mg.releaseLock(context.Background())
	return fn()
}

func (mg *Migrator) acquireLock(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var acquired bool
	err := mg.db.QueryRowContext(queryCtx, "SELECT pg_try_advisory_lock($1)", consts.AdvisoryLockID).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to query for advisory lock: %w", err)
	}
	if !acquired {
		return errors.New("could not acquire the migration lock, another migration is running")
	}
	logger.Debug("DB: acquired migration lock")
	return nil
}

func (mg *Migrator) releaseLock(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var unlocked bool
	err := mg.db.QueryRowContext(queryCtx, "SELECT pg_advisory_unlock($1)", consts.AdvisoryLockID).Scan(&unlocked)
	switch {
	case err != nil:
		logger.Warn("DB: failed to release migration lock", "error", err)
	case !unlocked:
		logger.Warn("DB: migration lock was not held at release")
	}
}

type migrationLogger struct{}

func (l *migrationLogger) Printf(format string, v ...any) {
	logger.Infof("Migrate: "+format, v...)
}

func (l *migrationLogger) Verbose() bool { return false }
