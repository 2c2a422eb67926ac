package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/freightdesk/mailingest/accounts"
	"github.com/freightdesk/mailingest/app"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/helpers"
	"github.com/freightdesk/mailingest/mboxsource"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/service"
)

func handleFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	account := fs.String("account", "all", "Account id, or \"all\"")
	count := fs.Int("count", 0, "Newest messages to look at per account (0 uses ingest.default_count)")
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	fs.Usage = func() {
		fmt.Printf(`Run one ingestion pass

Usage:
  mailingest-admin fetch [options]

Options:
  --account string   Account id, or "all" (default: all)
  --count int        Newest messages per account (default: ingest.default_count)
  --json             Print the summary as JSON
  --config string    Path to TOML configuration file (default: config.toml)
`)
	}
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.Service.Fetch(ctx, accounts.SystemPrincipal, service.FetchRequest{Account: *account, Count: *count})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(summary)
	}
	printSummary(os.Stdout, summary)
	return nil
}

func handleImportMbox(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-mbox", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	accountID := fs.Int("account", 0, "Account id the messages belong to (required)")
	path := fs.String("file", "", "Path to the mbox file (required)")
	batch := fs.Int("batch", 50, "Messages processed per pipeline pass")
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	fs.Usage = func() {
		fmt.Printf(`Backfill an account from an mbox file

Messages go through the same parse, dedupe, attachment and upsert stages as
an IMAP fetch. Messages already stored are skipped.

Usage:
  mailingest-admin import-mbox --account ID --file PATH [options]

Options:
  --account int      Account id the messages belong to (required)
  --file string      Path to the mbox file (required)
  --batch int        Messages per pipeline pass (default: 50)
  --json             Print the summary as JSON
  --config string    Path to TOML configuration file (default: config.toml)
`)
	}
	_ = fs.Parse(args)

	if *accountID <= 0 || *path == "" {
		fs.Usage()
		return fmt.Errorf("%w: --account and --file are required", consts.ErrInvalidRequest)
	}
	if *batch < 1 {
		return fmt.Errorf("%w: --batch must be at least 1", consts.ErrInvalidRequest)
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		return err
	}
	a, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, ok := a.Accounts.Get(*accountID); !ok {
		return fmt.Errorf("%w: %d", consts.ErrAccountNotFound, *accountID)
	}

	src, err := mboxsource.Open(*path)
	if err != nil {
		return err
	}
	defer src.Close()

	summary, err := importMbox(ctx, a.Pipeline, src, *accountID, *batch)
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(summary)
	}
	printSummary(os.Stdout, summary)
	return nil
}

// batchProcessor is the part of the ingestion pipeline a backfill drives.
type batchProcessor interface {
	Process(ctx context.Context, accountID int, raws []models.RawMessage, res *models.IngestResult)
}

type batchSource interface {
	Batch(n int) ([]models.RawMessage, error)
}

// importMbox feeds src to p in batches of n. Each batch is reported as its
// own result; a failed batch does not stop the import.
func importMbox(ctx context.Context, p batchProcessor, src batchSource, accountID, n int) (*models.FetchSummary, error) {
	start := time.Now()
	summary := &models.FetchSummary{}
	defer func() { summary.ElapsedMs = models.Millis(time.Since(start)) }()

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		raws, err := src.Batch(n)
		if len(raws) > 0 {
			res := models.IngestResult{AccountID: accountID}
			p.Process(ctx, accountID, raws, &res)
			summary.Add(res)
		}
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("reading mbox: %w", err)
		}
	}
}

func handleAccounts(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}
	registry, err := accounts.Load(cfg.Accounts)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tNAME\tRECORDS")
	for _, acct := range registry.All() {
		records := "?"
		if n, err := store.Count(ctx, acct.ID); err == nil {
			records = strconv.Itoa(n)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", acct.ID, helpers.MaskAddress(acct.Address), acct.DisplayName, records)
	}
	return w.Flush()
}

func printSummary(out io.Writer, s *models.FetchSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tSTATUS\tTOTAL\tSAVED\tDUPLICATES\tFAILED\tPARSE_FAILED\tMS")
	for _, r := range s.Results {
		status := "ok"
		if !r.Success {
			status = "error: " + r.Error
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n", r.AccountID, status, r.Total, r.Saved,
			r.Duplicates, r.Failed, r.ParseFailed, r.Timing.TotalMs)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "\nSaved %d, duplicates %d, failed %d in %dms\n",
		s.TotalSaved, s.TotalDuplicates, s.TotalFailed, s.ElapsedMs)
}
