// Package service is the read and fetch API over the ingested corpus. It
// owns the read-through cache and makes sure at most one ingestion run per
// account is in flight.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/freightdesk/mailingest/accounts"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/db"
	"github.com/freightdesk/mailingest/imapconn"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/circuitbreaker"
	"github.com/freightdesk/mailingest/pkg/health"
	"github.com/freightdesk/mailingest/pkg/pagination"
	"github.com/freightdesk/mailingest/pkg/scheduler"
	"github.com/freightdesk/mailingest/pkg/ttlcache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Registry resolves accounts and principals.
type Registry interface {
	Get(id int) (models.Account, bool)
	All() []models.Account
	Resolve(principal, selector string) ([]models.Account, error)
	CanAccess(principal string, accountID int) bool
	Accessible(principal string) []int
}

// Ingester runs one ingestion pass for one account.
type Ingester interface {
	Run(ctx context.Context, account models.Account, count int) models.IngestResult
}

// Connections is the mailbox session pool.
type Connections interface {
	Acquire(ctx context.Context, accountID int) (imapconn.Session, error)
	Status(accountID int) imapconn.State
	Size() int
}

// BlobStore removes attachment objects.
type BlobStore interface {
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// BreakerSource exposes circuit breakers for the health report.
type BreakerSource interface {
	Breakers() []*circuitbreaker.CircuitBreaker
}

// Deps are the collaborators of a Service. Blobs and Pool may be nil, for
// example in a read-only deployment.
type Deps struct {
	Accounts       Registry
	Pipeline       Ingester
	Store          db.Store
	Blobs          BlobStore
	Pool           Connections
	Cache          *ttlcache.Cache[any]
	Schedulers     []*scheduler.Scheduler
	Breakers       []BreakerSource
	HealthInterval time.Duration
}

type Service struct {
	accounts   Registry
	pipeline   Ingester
	store      db.Store
	blobs      BlobStore
	pool       Connections
	cache      *ttlcache.Cache[any]
	schedulers []*scheduler.Scheduler
	breakers   []BreakerSource
	monitor    *health.HealthMonitor

	flight singleflight.Group
	locks  map[int]*sync.Mutex

	runCtx context.Context
	stop   context.CancelFunc
}

func New(deps Deps) *Service {
	if deps.Cache == nil {
		deps.Cache = ttlcache.New[any]("read", 5*time.Minute, ttlcache.DefaultCapacity)
	}
	if deps.HealthInterval <= 0 {
		deps.HealthInterval = 30 * time.Second
	}
	runCtx, stop := context.WithCancel(context.Background())
	s := &Service{
		accounts:   deps.Accounts,
		pipeline:   deps.Pipeline,
		store:      deps.Store,
		blobs:      deps.Blobs,
		pool:       deps.Pool,
		cache:      deps.Cache,
		schedulers: deps.Schedulers,
		breakers:   deps.Breakers,
		monitor:    health.NewHealthMonitor(),
		locks:      make(map[int]*sync.Mutex),
		runCtx:     runCtx,
		stop:       stop,
	}

	s.monitor.AddStatusCallback(func(name string, status health.ComponentStatus) {
		logger.Info("Service: component status changed", "component", name, "status", status)
	})
	s.monitor.RegisterCheck(health.PingCheck("database", deps.Store, true, deps.HealthInterval))
	if deps.Blobs != nil {
		s.monitor.RegisterCheck(health.PingCheck("s3", deps.Blobs, false, deps.HealthInterval))
	}
	for _, a := range deps.Accounts.All() {
		s.locks[a.ID] = &sync.Mutex{}
		if deps.Pool != nil {
			s.monitor.RegisterCheck(health.MailboxCheck(s, a.ID, deps.HealthInterval))
		}
	}
	return s
}

// StartMonitoring runs the health checks periodically until Close.
func (s *Service) StartMonitoring(ctx context.Context) {
	s.monitor.Start(ctx)
}

// Close stops health monitoring and cancels in-flight ingestion runs.
func (s *Service) Close() {
	s.monitor.Stop()
	s.stop()
}

// FetchRequest selects the accounts to ingest and how many of the newest
// messages to look at.
type FetchRequest struct {
	Account string `json:"account"` // "all" or an account id
	Count   int    `json:"count"`
}

// Fetch runs the pipeline for every selected account concurrently. Account
// failures are reported per result; only a bad selector or a denied account
// is returned as an error.
func (s *Service) Fetch(ctx context.Context, principal string, req FetchRequest) (*models.FetchSummary, error) {
	if s.pipeline == nil {
		return nil, fmt.Errorf("%w: ingestion is not configured", consts.ErrInvalidRequest)
	}
	selected, err := s.accounts.Resolve(principal, req.Account)
	if err != nil {
		return nil, err
	}
	if req.Count < 0 {
		return nil, fmt.Errorf("%w: count must not be negative", consts.ErrInvalidRequest)
	}

	start := time.Now()
	results := make([]models.IngestResult, len(selected))
	var g errgroup.Group
	for i, a := range selected {
		g.Go(func() error {
			results[i] = s.runOnce(ctx, a, req.Count)
			return nil
		})
	}
	_ = g.Wait()

	summary := &models.FetchSummary{Results: make([]models.IngestResult, 0, len(results))}
	for _, r := range results {
		summary.Add(r)
	}
	summary.ElapsedMs = models.Millis(time.Since(start))
	logger.Info("Service: fetch complete", "principal", principal, "accounts", len(selected),
		"saved", summary.TotalSaved, "duplicates", summary.TotalDuplicates, "failed", summary.TotalFailed,
		"elapsed_ms", summary.ElapsedMs)
	return summary, nil
}

// runOnce joins the in-flight run for the account and count or starts one. The run
// itself is detached from ctx so a caller giving up does not cut short the
// run other callers are sharing.
func (s *Service) runOnce(ctx context.Context, account models.Account, count int) models.IngestResult {
	// callers share a run only when they asked for the same count; the
	// account lock still serialises runs on the session
	ch := s.flight.DoChan(fmt.Sprintf("%d|%d", account.ID, count), func() (any, error) {
		lock := s.lock(account.ID)
		lock.Lock()
		defer lock.Unlock()

		res := s.pipeline.Run(s.runCtx, account, count)
		if res.Success || res.Wrote() {
			s.cache.Clear()
		}
		return res, nil
	})

	select {
	case r := <-ch:
		return r.Val.(models.IngestResult)
	case <-ctx.Done():
		return models.IngestResult{
			AccountID: account.ID,
			Error:     fmt.Sprintf("waiting for run: %v", ctx.Err()),
		}
	}
}

func (s *Service) lock(accountID int) *sync.Mutex {
	if l, ok := s.locks[accountID]; ok {
		return l
	}
	// accounts are fixed at startup; an unknown id never reaches here through Resolve
	return &sync.Mutex{}
}

// Probe acquires the account's session, which runs a liveness check on a
// pooled one. While a run holds the account the probe reports the pool state
// instead of competing for the session.
func (s *Service) Probe(ctx context.Context, accountID int) error {
	if s.pool == nil {
		return nil
	}
	lock := s.lock(accountID)
	if !lock.TryLock() {
		if s.pool.Status(accountID) == imapconn.StateDisconnected {
			return fmt.Errorf("%w: account %d has no session", consts.ErrConnection, accountID)
		}
		return nil
	}
	defer lock.Unlock()
	_, err := s.pool.Acquire(ctx, accountID)
	return err
}

// ListRequest is one page of the corpus. Account is "all", empty or an id.
type ListRequest struct {
	Search   string
	Sort     string
	Page     int
	PageSize int
	Account  string
}

// List returns one page of records from the accounts principal may read.
func (s *Service) List(ctx context.Context, principal string, req ListRequest) (*models.ListPage, error) {
	order, err := models.ParseSortOrder(strings.TrimSpace(req.Sort))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrInvalidRequest, err)
	}
	page := pagination.New(req.Page, req.PageSize)

	ids, err := s.listAccounts(principal, req.Account)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &models.ListPage{Records: []models.EmailRecord{}, Page: page.Page, PageSize: page.PageSize}, nil
	}

	search := strings.TrimSpace(req.Search)
	key := fmt.Sprintf("list|%v|%s|%d|%d|%s", ids, order, page.Page, page.PageSize, search)
	if cached, ok := s.cache.Get(key); ok {
		if lp, ok := cached.(*models.ListPage); ok {
			return lp, nil
		}
	}
	gen := s.cache.Generation()

	records, total, err := s.store.List(ctx, models.ListQuery{
		Search:     search,
		Sort:       order,
		AccountIDs: ids,
		Limit:      page.PageSize,
		Offset:     page.Offset,
	})
	if err != nil {
		return nil, err
	}
	lp := &models.ListPage{
		Records:  records,
		Total:    total,
		HasMore:  page.HasMore(total),
		Page:     page.Page,
		PageSize: page.PageSize,
	}
	s.cache.SetIfGeneration(key, lp, gen)
	return lp, nil
}

func (s *Service) listAccounts(principal, selector string) ([]int, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "all" || selector == accounts.AllAccounts {
		return s.accounts.Accessible(principal), nil
	}
	selected, err := s.accounts.Resolve(principal, selector)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(selected))
	for _, a := range selected {
		ids = append(ids, a.ID)
	}
	sort.Ints(ids)
	return ids, nil
}

func (s *Service) authorize(principal string, accountID int) error {
	if _, ok := s.accounts.Get(accountID); !ok {
		return fmt.Errorf("%w: %d", consts.ErrAccountNotFound, accountID)
	}
	if !s.accounts.CanAccess(principal, accountID) {
		return consts.ErrAccessDenied
	}
	return nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, principal string, key models.EmailKey) (*models.EmailRecord, error) {
	if err := s.authorize(principal, key.AccountID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key.MessageID) == "" {
		return nil, fmt.Errorf("%w: message id is required", consts.ErrInvalidRequest)
	}

	cacheKey := fmt.Sprintf("get|%d|%s", key.AccountID, key.MessageID)
	if cached, ok := s.cache.Get(cacheKey); ok {
		if r, ok := cached.(*models.EmailRecord); ok {
			return r, nil
		}
	}
	gen := s.cache.Generation()
	r, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.SetIfGeneration(cacheKey, r, gen)
	return r, nil
}

// DeleteResult reports what a delete removed. Attachment objects that could
// not be removed are left behind and listed in FailedPaths.
type DeleteResult struct {
	MessageID          string   `json:"message_id"`
	AccountID          int      `json:"account_id"`
	AttachmentsDeleted int      `json:"attachments_deleted"`
	FailedPaths        []string `json:"failed_paths,omitempty"`
}

// Delete removes the record and then its attachment objects.
func (s *Service) Delete(ctx context.Context, principal string, key models.EmailKey) (*DeleteResult, error) {
	if err := s.authorize(principal, key.AccountID); err != nil {
		return nil, err
	}
	atts, err := s.store.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	s.cache.Clear()

	res := &DeleteResult{MessageID: key.MessageID, AccountID: key.AccountID}
	for _, att := range atts {
		if s.blobs == nil || att.Path == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, att.Path); err != nil {
			res.FailedPaths = append(res.FailedPaths, att.Path)
			logger.Warn("Service: orphaned attachment", "account", key.AccountID, "path", att.Path, "error", err)
			continue
		}
		res.AttachmentsDeleted++
	}
	logger.Info("Service: deleted message", "account", key.AccountID, "message_id", key.MessageID,
		"attachments", res.AttachmentsDeleted, "orphaned", len(res.FailedPaths))
	return res, nil
}

// ClearCache empties the read cache and returns the number of entries dropped.
func (s *Service) ClearCache() int {
	n := s.cache.Len()
	s.cache.Clear()
	return n
}

type SchedulerState struct {
	Name     string `json:"name"`
	Limit    int    `json:"limit"`
	InFlight int    `json:"in_flight"`
	Queued   int    `json:"queued"`
}

type AccountHealth struct {
	ID      int    `json:"id"`
	Address string `json:"address"`
	Session string `json:"session"`
	Records int    `json:"records"`
}

type HealthReport struct {
	Status     health.ComponentStatus `json:"status"`
	Checks     []health.CheckReport   `json:"checks"`
	Accounts   []AccountHealth        `json:"accounts"`
	Cache      ttlcache.Stats         `json:"cache"`
	Schedulers []SchedulerState       `json:"schedulers"`
	Sessions   int                    `json:"sessions"`

	Breakers map[string]health.ComponentStatus `json:"breakers,omitempty"`
}

// Health runs every check now and gathers cache, scheduler and per-account
// state.
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Checks: s.monitor.CheckNow(ctx),
		Cache:  s.cache.Stats(),
	}
	report.Status = s.monitor.GetOverallStatus()

	for _, sc := range s.schedulers {
		report.Schedulers = append(report.Schedulers, SchedulerState{
			Name:     sc.Name(),
			Limit:    sc.Limit(),
			InFlight: sc.InFlight(),
			Queued:   sc.Queued(),
		})
	}
	for _, src := range s.breakers {
		for _, cb := range src.Breakers() {
			if report.Breakers == nil {
				report.Breakers = make(map[string]health.ComponentStatus)
			}
			report.Breakers[cb.Name()] = health.BreakerStatus(cb)
		}
	}
	if s.pool != nil {
		report.Sessions = s.pool.Size()
	}
	for _, a := range s.accounts.All() {
		ah := AccountHealth{ID: a.ID, Address: a.Address, Session: string(imapconn.StateDisconnected)}
		if s.pool != nil {
			ah.Session = string(s.pool.Status(a.ID))
		}
		if n, err := s.store.Count(ctx, a.ID); err == nil {
			ah.Records = n
		} else {
			logger.Debug("Service: count failed", "account", a.ID, "error", err)
		}
		report.Accounts = append(report.Accounts, ah)
	}
	return report
}

// CacheStats returns the read cache counters.
func (s *Service) CacheStats() ttlcache.Stats {
	return s.cache.Stats()
}
