package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/pkg/errors"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command := os.Args[1]; command {
	case "migrate":
		err = handleMigrateCommand(ctx, os.Args[2:])
	case "fetch":
		err = handleFetch(ctx, os.Args[2:])
	case "import-mbox":
		err = handleImportMbox(ctx, os.Args[2:])
	case "accounts":
		err = handleAccounts(ctx, os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errors.ExitCode(err))
	}
}

func printUsage() {
	fmt.Printf(`mailingest admin tool

Usage:
  mailingest-admin <command> [options]

Commands:
  migrate       Manage the postgres schema (up, down, version, force)
  fetch         Run one ingestion pass and print the per-account results
  import-mbox   Backfill an account from an mbox file
  accounts      List configured accounts and their stored record counts
  help          Show this help message

Examples:
  mailingest-admin migrate up --config /etc/mailingest/config.toml
  mailingest-admin fetch --account all --count 50
  mailingest-admin import-mbox --account 2 --file archive.mbox
  mailingest-admin accounts

Use 'mailingest-admin <command> --help' for more information about a command.
`)
}

// loadConfig reads the config file and sets up logging. The admin tool logs
// to stderr unless the file says otherwise. Commands that only touch the
// database skip full validation.
func loadConfig(path string, validate bool) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	cfg.Logging.Output = "stderr"
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: loading %s: %v", consts.ErrInvalidConfig, path, err)
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return cfg, fmt.Errorf("%w: %v", consts.ErrInvalidConfig, err)
		}
	}
	if _, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: initializing logger: %v\n", err)
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
