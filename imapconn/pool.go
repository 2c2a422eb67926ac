package imapconn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/metrics"
	"github.com/freightdesk/mailingest/pkg/retry"
	"golang.org/x/sync/singleflight"
)

// State is the connection state of one account as seen by the pool.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReady        State = "ready"
)

// AccountLookup resolves account ids to credentials.
type AccountLookup interface {
	Get(id int) (models.Account, bool)
}

// PoolOptions tunes connection establishment.
type PoolOptions struct {
	ConnectTimeout time.Duration // per attempt
	NoopTimeout    time.Duration // liveness probe on reuse
	Attempts       int
	RetryDelay     time.Duration
}

// PoolOptionsFromConfig reads the pool settings out of the IMAP section.
func PoolOptionsFromConfig(cfg config.IMAPConfig) (PoolOptions, error) {
	connectTimeout, err := cfg.GetConnectTimeout()
	if err != nil {
		return PoolOptions{}, fmt.Errorf("invalid connect_timeout: %w", err)
	}
	noopTimeout, err := cfg.GetNoopTimeout()
	if err != nil {
		return PoolOptions{}, fmt.Errorf("invalid noop_timeout: %w", err)
	}
	retryDelay, err := cfg.GetConnectRetryDelay()
	if err != nil {
		return PoolOptions{}, fmt.Errorf("invalid connect_retry_delay: %w", err)
	}
	attempts := cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 3
	}
	return PoolOptions{
		ConnectTimeout: connectTimeout,
		NoopTimeout:    noopTimeout,
		Attempts:       attempts,
		RetryDelay:     retryDelay,
	}, nil
}

// Pool keeps at most one live session per account. Concurrent Acquire calls
// for an account that has no usable session share a single establishment.
type Pool struct {
	dialer   Dialer
	accounts AccountLookup
	opts     PoolOptions
	policy   retry.Policy

	mu         sync.Mutex
	sessions   map[int]Session
	connecting map[int]bool
	closed     bool

	group singleflight.Group
}

// NewPool creates an empty pool.
func NewPool(dialer Dialer, accounts AccountLookup, opts PoolOptions) *Pool {
	return &Pool{
		dialer:   dialer,
		accounts: accounts,
		opts:     opts,
		policy: retry.Policy{
			MaxAttempts:   opts.Attempts,
			Backoff:       retry.Fixed(opts.RetryDelay),
			OperationName: "imap_connect",
		},
		sessions:   make(map[int]Session),
		connecting: make(map[int]bool),
	}
}

// Acquire returns a live session for accountID, reusing the pooled one when
// it still answers NOOP and establishing a new one otherwise. Failures wrap
// consts.ErrConnection.
func (p *Pool) Acquire(ctx context.Context, accountID int) (Session, error) {
	account, ok := p.accounts.Get(accountID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", consts.ErrAccountNotFound, accountID)
	}

	if sess := p.pooled(accountID); sess != nil {
		if p.alive(ctx, sess) {
			return sess, nil
		}
		p.evict(accountID, sess, "noop failed")
	}

	key := strconv.Itoa(accountID)
	for round := 0; round < 2; round++ {
		led := false
		ch := p.group.DoChan(key, func() (interface{}, error) {
			led = true
			return p.establish(context.WithoutCancel(ctx), account)
		})

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: account %d: %w", consts.ErrConnection, accountID, ctx.Err())
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(Session), nil
			}
			// A waiter that joined a failing flight late gets one attempt of its own.
			if led || round == 1 || errors.Is(res.Err, ErrAuthFailed) {
				return nil, res.Err
			}
		}
	}
	return nil, fmt.Errorf("%w: account %d", consts.ErrConnection, accountID)
}

func (p *Pool) establish(ctx context.Context, account models.Account) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool closed", consts.ErrConnection)
	}
	// another flight may have finished between our liveness check and now
	if sess, ok := p.sessions[account.ID]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	p.connecting[account.ID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.connecting, account.ID)
		p.mu.Unlock()
	}()

	label := strconv.Itoa(account.ID)
	start := time.Now()
	var sess Session
	err := p.policy.Do(ctx, func(attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
		defer cancel()

		s, err := p.dialer.Dial(attemptCtx, account)
		if err != nil {
			metrics.IMAPConnectAttempts.WithLabelValues(label, "failure").Inc()
			logger.Warn("IMAP: connection attempt failed", "account", account.ID, "attempt", attempt, "error", err)
			if errors.Is(err, ErrAuthFailed) {
				return retry.Stop(err)
			}
			return err
		}
		metrics.IMAPConnectAttempts.WithLabelValues(label, "success").Inc()
		sess = s
		return nil
	})
	metrics.IMAPConnectDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: account %d: %w", consts.ErrConnection, account.ID, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sess.Close()
		return nil, fmt.Errorf("%w: pool closed", consts.ErrConnection)
	}
	p.sessions[account.ID] = sess
	metrics.IMAPConnectionsActive.Set(float64(len(p.sessions)))
	p.mu.Unlock()

	logger.Info("IMAP: connected", "account", account.ID, "duration", time.Since(start))
	return sess, nil
}

func (p *Pool) pooled(accountID int) Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[accountID]
}

func (p *Pool) alive(ctx context.Context, sess Session) bool {
	noopCtx, cancel := context.WithTimeout(ctx, p.opts.NoopTimeout)
	defer cancel()
	return sess.Noop(noopCtx) == nil
}

// evict removes sess if it is still the pooled session for accountID and
// closes it. A session that was already replaced is left alone.
func (p *Pool) evict(accountID int, sess Session, reason string) {
	p.mu.Lock()
	current, ok := p.sessions[accountID]
	if !ok || current != sess {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, accountID)
	metrics.IMAPConnectionsActive.Set(float64(len(p.sessions)))
	p.mu.Unlock()

	metrics.IMAPStaleEvictions.Inc()
	logger.Info("IMAP: dropping pooled session", "account", accountID, "reason", reason)
	sess.Close()
}

// Invalidate drops sess after a failed operation so the next Acquire
// reconnects.
func (p *Pool) Invalidate(accountID int, sess Session) {
	p.evict(accountID, sess, "operation failed")
}

// Release closes and forgets the pooled session of accountID, if any.
func (p *Pool) Release(accountID int) {
	p.mu.Lock()
	sess, ok := p.sessions[accountID]
	delete(p.sessions, accountID)
	metrics.IMAPConnectionsActive.Set(float64(len(p.sessions)))
	p.mu.Unlock()

	if ok {
		sess.Close()
	}
}

// Status reports the pool's view of accountID.
func (p *Pool) Status(accountID int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connecting[accountID] {
		return StateConnecting
	}
	if _, ok := p.sessions[accountID]; ok {
		return StateReady
	}
	return StateDisconnected
}

// Size returns the number of pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// CloseAll closes every pooled session. Acquire fails afterwards.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[int]Session)
	metrics.IMAPConnectionsActive.Set(0)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for id, sess := range sessions {
		wg.Add(1)
		go func(id int, sess Session) {
			defer wg.Done()
			if err := sess.Close(); err != nil {
				logger.Debug("IMAP: close failed", "account", id, "error", err)
			}
		}(id, sess)
	}
	wg.Wait()
	logger.Info("IMAP: pool closed", "sessions", len(sessions))
}
