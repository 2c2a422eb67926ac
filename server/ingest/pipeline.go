// Package ingest runs the per-account ingestion pipeline: open the mailbox,
// fetch the newest messages, parse, dedupe, upload attachments and upsert.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/imapconn"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/parser"
	"github.com/freightdesk/mailingest/pkg/metrics"
	"github.com/freightdesk/mailingest/pkg/scheduler"
	"github.com/freightdesk/mailingest/pkg/ttlcache"
)

// MailboxPool hands out pooled sessions.
type MailboxPool interface {
	Acquire(ctx context.Context, accountID int) (imapconn.Session, error)
	Invalidate(accountID int, sess imapconn.Session)
}

// Store is the part of db.Store the pipeline writes through.
type Store interface {
	ExistingIDs(ctx context.Context, accountID int, ids []string) (map[string]bool, error)
	UpsertEmails(ctx context.Context, records []models.EmailRecord) error
}

// AttachmentUploader stores one attachment; nil means it was dropped.
type AttachmentUploader interface {
	Upload(ctx context.Context, att models.RawAttachment, messageID string, accountID int) *models.StoredAttachment
}

type Options struct {
	Mailbox               string
	DefaultCount          int
	MaxCount              int
	ParseConcurrency      int
	AttachmentConcurrency int
	BatchSize             int
	BatchPause            time.Duration
	DedupeTTL             time.Duration
	DedupeCapacity        int
	IdentityMode          parser.IdentityMode
}

func OptionsFromConfig(cfg config.Config) (Options, error) {
	pause, err := cfg.Ingest.GetBatchPause()
	if err != nil {
		return Options{}, fmt.Errorf("invalid batch_pause: %w", err)
	}
	ttl, err := cfg.Ingest.GetDedupeCacheTTL()
	if err != nil {
		return Options{}, fmt.Errorf("invalid dedupe_cache_ttl: %w", err)
	}
	return Options{
		Mailbox:               cfg.IMAP.Mailbox,
		DefaultCount:          cfg.Ingest.DefaultCount,
		MaxCount:              cfg.Ingest.MaxCount,
		ParseConcurrency:      cfg.Ingest.ParseConcurrency,
		AttachmentConcurrency: cfg.Ingest.AttachmentConcurrency,
		BatchSize:             cfg.Ingest.BatchSize,
		BatchPause:            pause,
		DedupeTTL:             ttl,
		DedupeCapacity:        cfg.Ingest.DedupeCacheCapacity,
		IdentityMode:          parser.IdentityMode(cfg.Ingest.IdentityMode),
	}, nil
}

func (o *Options) applyDefaults() {
	if o.Mailbox == "" {
		o.Mailbox = consts.DefaultMailbox
	}
	if o.MaxCount < 1 || o.MaxCount > 100 {
		o.MaxCount = 100
	}
	if o.DefaultCount < 1 {
		o.DefaultCount = 20
	}
	if o.DefaultCount > o.MaxCount {
		o.DefaultCount = o.MaxCount
	}
	if o.ParseConcurrency < 1 {
		o.ParseConcurrency = 10
	}
	if o.AttachmentConcurrency < 1 {
		o.AttachmentConcurrency = 4
	}
	if o.BatchSize < 1 {
		o.BatchSize = 10
	}
	if o.DedupeTTL <= 0 {
		o.DedupeTTL = 2 * time.Minute
	}
}

// Pipeline is shared by every account. Its schedulers bound parse and
// upload concurrency across all concurrent runs.
type Pipeline struct {
	pool     MailboxPool
	store    Store
	uploader AttachmentUploader
	parser   *parser.Parser
	opts     Options

	parse  *scheduler.Scheduler
	attach *scheduler.Scheduler
	dedupe *ttlcache.Cache[map[string]bool]

	sleep func(ctx context.Context, d time.Duration) error
}

func New(pool MailboxPool, store Store, uploader AttachmentUploader, opts Options) *Pipeline {
	opts.applyDefaults()
	return &Pipeline{
		pool:     pool,
		store:    store,
		uploader: uploader,
		parser:   parser.New(opts.IdentityMode),
		opts:     opts,
		parse:    scheduler.New("parse", opts.ParseConcurrency),
		attach:   scheduler.New("attachments", opts.AttachmentConcurrency),
		dedupe:   ttlcache.New[map[string]bool]("dedupe", opts.DedupeTTL, opts.DedupeCapacity),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ParseScheduler and AttachmentScheduler are exposed for health reporting.
func (p *Pipeline) ParseScheduler() *scheduler.Scheduler     { return p.parse }
func (p *Pipeline) AttachmentScheduler() *scheduler.Scheduler { return p.attach }

// ClampCount applies the default and the upper bound to a requested count.
func (p *Pipeline) ClampCount(k int) int {
	if k < 1 {
		return p.opts.DefaultCount
	}
	if k > p.opts.MaxCount {
		return p.opts.MaxCount
	}
	return k
}

// FetchRange returns the sequence range of the newest k of total messages.
// ok is false for an empty mailbox.
func FetchRange(total uint32, k int) (start, end uint32, ok bool) {
	if total == 0 || k < 1 {
		return 0, 0, false
	}
	if uint32(k) >= total {
		return 1, total, true
	}
	return total - uint32(k) + 1, total, true
}

// Run ingests the newest count messages of account's mailbox. Failures are
// reported in the result, never returned.
func (p *Pipeline) Run(ctx context.Context, account models.Account, count int) (res models.IngestResult) {
	started := time.Now()
	res.AccountID = account.ID
	count = p.ClampCount(count)
	log := logger.With("account", account.ID)

	defer func() {
		res.Timing.TotalMs = models.Millis(time.Since(started))
		result := "success"
		if !res.Success {
			result = "failure"
		}
		metrics.IngestRunsTotal.WithLabelValues(strconv.Itoa(account.ID), result).Inc()
	}()

	var sess imapconn.Session
	err := p.stage("connect", &res.Timing.ConnectMs, func() error {
		var err error
		sess, err = p.pool.Acquire(ctx, account.ID)
		return err
	})
	if err != nil {
		return p.fail(res, err)
	}

	var raws []models.RawMessage
	err = p.stage("fetch", &res.Timing.FetchMs, func() error {
		total, err := sess.SelectMailbox(ctx, p.opts.Mailbox)
		if err != nil {
			return err
		}
		start, end, ok := FetchRange(total, count)
		if !ok {
			return nil
		}
		log.Debug("Ingest: fetching", "start", start, "end", end, "mailbox_total", total)
		raws, err = sess.FetchRange(ctx, start, end)
		return err
	})
	if err != nil {
		// the session state is unknown after a failed command
		p.pool.Invalidate(account.ID, sess)
		return p.fail(res, fmt.Errorf("%w: account %d: %w", consts.ErrConnection, account.ID, err))
	}
	if len(raws) == 0 {
		res.Success = true
		log.Info("Ingest: mailbox empty")
		return res
	}

	p.Process(ctx, account.ID, raws, &res)
	if res.Success {
		log.Info("Ingest: run complete", "saved", res.Saved, "duplicates", res.Duplicates,
			"failed", res.Failed, "parse_failed", res.ParseFailed, "total", res.Total)
	}
	return res
}

// Process runs the stages after fetching: parse, dedupe, attachments and
// upsert. It is shared by IMAP runs and mbox backfills.
func (p *Pipeline) Process(ctx context.Context, accountID int, raws []models.RawMessage, res *models.IngestResult) {
	res.AccountID = accountID
	res.Total += len(raws)
	acct := strconv.Itoa(accountID)

	var parsed []*models.ParsedMessage
	_ = p.stage("parse", &res.Timing.ParseMs, func() error {
		parsed = p.parseAll(ctx, accountID, raws, res)
		return nil
	})
	if err := ctx.Err(); err != nil {
		p.failInto(res, err)
		return
	}

	// newest first
	sort.SliceStable(parsed, func(i, j int) bool {
		return parsed[i].Date.After(parsed[j].Date)
	})

	var fresh []*models.ParsedMessage
	err := p.stage("dedupe", &res.Timing.DedupeMs, func() error {
		var err error
		fresh, err = p.filterNew(ctx, accountID, parsed)
		return err
	})
	if err != nil {
		p.failInto(res, fmt.Errorf("%w: account %d: %w", consts.ErrDuplicateCheck, accountID, err))
		return
	}
	res.Duplicates += len(parsed) - len(fresh)
	metrics.MessagesProcessed.WithLabelValues(acct, "duplicate").Add(float64(len(parsed) - len(fresh)))
	if len(fresh) == 0 {
		res.Success = true
		return
	}

	var records []models.EmailRecord
	_ = p.stage("attachments", &res.Timing.AttachmentsMs, func() error {
		records = p.buildRecords(ctx, accountID, fresh)
		return nil
	})
	if err := ctx.Err(); err != nil {
		p.failInto(res, err)
		return
	}

	_ = p.stage("upsert", &res.Timing.UpsertMs, func() error {
		p.upsertAll(ctx, accountID, records, res)
		return nil
	})
	if res.Saved > 0 {
		p.dedupe.Delete(dedupeKey(accountID, lookupIDs(parsed, p.opts.IdentityMode)))
	}
	res.Success = true
}

func (p *Pipeline) stage(name string, into *int64, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	*into += models.Millis(elapsed)
	metrics.IngestStageDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	return err
}

func (p *Pipeline) fail(res models.IngestResult, err error) models.IngestResult {
	p.failInto(&res, err)
	return res
}

func (p *Pipeline) failInto(res *models.IngestResult, err error) {
	res.Success = false
	res.Error = err.Error()
	logger.Error("Ingest: run failed", "account", res.AccountID, "error", err)
}

func (p *Pipeline) parseAll(ctx context.Context, accountID int, raws []models.RawMessage, res *models.IngestResult) []*models.ParsedMessage {
	futures := make([]*scheduler.Future[*models.ParsedMessage], 0, len(raws))
	for _, raw := range raws {
		futures = append(futures, scheduler.Submit(p.parse, ctx, func(context.Context) (*models.ParsedMessage, error) {
			return p.parser.Parse(accountID, raw)
		}))
	}

	parsed := make([]*models.ParsedMessage, 0, len(raws))
	for i, r := range scheduler.WaitAll(ctx, futures) {
		if r.Err != nil {
			if ctx.Err() != nil {
				break
			}
			res.ParseFailed++
			metrics.MessagesProcessed.WithLabelValues(strconv.Itoa(accountID), "parse_failed").Inc()
			logger.Warn("Ingest: dropping unparseable message", "account", accountID, "seq", raws[i].SeqNum, "error", r.Err)
			continue
		}
		parsed = append(parsed, r.Value)
	}
	return parsed
}

// lookupIDs returns the sorted ids that need a store lookup. Random
// synthesized ids cannot exist yet.
func lookupIDs(msgs []*models.ParsedMessage, mode parser.IdentityMode) []string {
	ids := make([]string, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.Synthesized && mode != parser.IdentityContentHash {
			continue
		}
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		ids = append(ids, m.MessageID)
	}
	sort.Strings(ids)
	return ids
}

// dedupeKey is the account plus the first five sorted ids and the batch length.
func dedupeKey(accountID int, sortedIDs []string) string {
	prefix := sortedIDs
	if len(prefix) > 5 {
		prefix = prefix[:5]
	}
	return fmt.Sprintf("%d|%d|%s", accountID, len(sortedIDs), strings.Join(prefix, "|"))
}

// filterNew drops messages already stored, and repeats of one id within the
// batch. A store error is returned as is; the caller fails the run.
func (p *Pipeline) filterNew(ctx context.Context, accountID int, msgs []*models.ParsedMessage) ([]*models.ParsedMessage, error) {
	ids := lookupIDs(msgs, p.opts.IdentityMode)

	existing := map[string]bool{}
	if len(ids) > 0 {
		key := dedupeKey(accountID, ids)
		if cached, ok := p.dedupe.Get(key); ok {
			metrics.DedupeChecks.WithLabelValues("cache", "hit").Inc()
			existing = cached
		} else {
			found, err := p.store.ExistingIDs(ctx, accountID, ids)
			if err != nil {
				metrics.DedupeChecks.WithLabelValues("store", "error").Inc()
				return nil, err
			}
			metrics.DedupeChecks.WithLabelValues("store", "ok").Inc()
			p.dedupe.Set(key, found)
			existing = found
		}
	}

	fresh := make([]*models.ParsedMessage, 0, len(msgs))
	taken := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if existing[m.MessageID] || taken[m.MessageID] {
			continue
		}
		taken[m.MessageID] = true
		fresh = append(fresh, m)
	}
	return fresh, nil
}

type uploadJob struct {
	msg    int
	future *scheduler.Future[*models.StoredAttachment]
}

func (p *Pipeline) buildRecords(ctx context.Context, accountID int, msgs []*models.ParsedMessage) []models.EmailRecord {
	var jobs []uploadJob
	for i, m := range msgs {
		for _, att := range m.Attachments {
			messageID := m.MessageID
			jobs = append(jobs, uploadJob{
				msg: i,
				future: scheduler.Submit(p.attach, ctx, func(ctx context.Context) (*models.StoredAttachment, error) {
					return p.uploader.Upload(ctx, att, messageID, accountID), nil
				}),
			})
		}
	}

	stored := make([][]models.StoredAttachment, len(msgs))
	for _, j := range jobs {
		sa, err := j.future.Wait(ctx)
		if err != nil || sa == nil {
			continue
		}
		stored[j.msg] = append(stored[j.msg], *sa)
	}

	records := make([]models.EmailRecord, 0, len(msgs))
	for i, m := range msgs {
		atts := stored[i]
		if atts == nil {
			atts = []models.StoredAttachment{}
		}
		records = append(records, models.EmailRecord{
			MessageID:        m.MessageID,
			AccountID:        accountID,
			Subject:          m.Subject,
			From:             m.From,
			To:               m.To,
			Date:             m.Date,
			BodyText:         m.BodyText,
			BodyHTML:         m.BodyHTML,
			Attachments:      atts,
			HasAttachments:   len(atts) > 0,
			AttachmentsCount: len(atts),
		})
	}
	return records
}

func (p *Pipeline) upsertAll(ctx context.Context, accountID int, records []models.EmailRecord, res *models.IngestResult) {
	acct := strconv.Itoa(accountID)
	for start := 0; start < len(records); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(records))
		batch := records[start:end]

		if start > 0 {
			if err := p.sleep(ctx, p.opts.BatchPause); err != nil {
				res.Failed += len(records) - start
				metrics.MessagesProcessed.WithLabelValues(acct, "failed").Add(float64(len(records) - start))
				return
			}
		}

		if err := p.store.UpsertEmails(ctx, batch); err != nil {
			res.Failed += len(batch)
			metrics.UpsertBatches.WithLabelValues("failure").Inc()
			metrics.MessagesProcessed.WithLabelValues(acct, "failed").Add(float64(len(batch)))
			logger.Error("Ingest: sub-batch failed", "account", accountID, "size", len(batch), "error", err)
			continue
		}
		res.Saved += len(batch)
		metrics.UpsertBatches.WithLabelValues("success").Inc()
		metrics.MessagesProcessed.WithLabelValues(acct, "saved").Add(float64(len(batch)))
	}
}
