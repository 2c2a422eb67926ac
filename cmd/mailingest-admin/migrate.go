package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/db"
)

func handleMigrateCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	switch sub := args[0]; sub {
	case "up":
		return handleMigrateUp(ctx, args[1:])
	case "down":
		return handleMigrateDown(ctx, args[1:])
	case "version":
		return handleMigrateVersion(ctx, args[1:])
	case "force":
		return handleMigrateForce(ctx, args[1:])
	case "help", "--help", "-h":
		printMigrateUsage()
		return nil
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", sub)
		printMigrateUsage()
		os.Exit(1)
	}
	return nil
}

func printMigrateUsage() {
	fmt.Printf(`Database schema migration management

Run this while the server is stopped. An advisory lock keeps two migrators
from running at once. Only the postgres driver is migrated; the sqlite store
applies its schema when it opens.

Usage:
  mailingest-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Revert migrations (--limit N, or all)
  version   Show the current migration version and dirty state
  force     Force the recorded version (for fixing dirty states)

Examples:
  mailingest-admin migrate up
  mailingest-admin migrate down --limit 1
  mailingest-admin migrate version
  mailingest-admin migrate force 1
`)
}

func openMigrator(ctx context.Context, configPath string) (*db.Migrator, error) {
	cfg, err := loadConfig(configPath, false)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("%w: migrations apply to the postgres driver, configured driver is %q",
			consts.ErrInvalidConfig, cfg.Database.Driver)
	}
	return db.NewMigrator(ctx, cfg.Database.ConnString())
}

func handleMigrateUp(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	_ = fs.Parse(args)

	mg, err := openMigrator(ctx, *configPath)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(ctx); err != nil {
		return err
	}
	return printVersion(mg)
}

func handleMigrateDown(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert every migration")
	_ = fs.Parse(args)

	steps := *limit
	if *all {
		steps = 0
	} else if steps < 1 {
		return fmt.Errorf("%w: --limit must be at least 1", consts.ErrInvalidRequest)
	}

	mg, err := openMigrator(ctx, *configPath)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Down(ctx, steps); err != nil {
		return err
	}
	return printVersion(mg)
}

func handleMigrateVersion(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	_ = fs.Parse(args)

	mg, err := openMigrator(ctx, *configPath)
	if err != nil {
		return err
	}
	defer mg.Close()
	return printVersion(mg)
}

func handleMigrateForce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("%w: usage: migrate force <version>", consts.ErrInvalidRequest)
	}
	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("%w: version must be an integer", consts.ErrInvalidRequest)
	}

	mg, err := openMigrator(ctx, *configPath)
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Force(ctx, version); err != nil {
		return err
	}
	return printVersion(mg)
}

func printVersion(mg *db.Migrator) error {
	version, dirty, ok, err := mg.Version()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("No migrations applied")
		return nil
	}
	fmt.Printf("Version: %d (dirty: %t)\n", version, dirty)
	return nil
}
