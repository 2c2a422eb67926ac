// Package resilient puts circuit breakers and bounded retries in front of
// the email store and the blob store.
//
// Reads and writes have separate breakers so a failing write path does not
// block the read API. Only transient errors are retried: connection loss,
// timeouts, deadlocks, serialization failures and a busy SQLite file.
// Business errors such as ErrNotFound count as successes for the breakers.
package resilient

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/db"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/circuitbreaker"
	"github.com/freightdesk/mailingest/pkg/retry"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store wraps a db.Store.
type Store struct {
	backend      db.Store
	queryBreaker *circuitbreaker.CircuitBreaker
	writeBreaker *circuitbreaker.CircuitBreaker
	readPolicy   retry.Policy
	writePolicy  retry.Policy
}

var _ db.Store = (*Store)(nil)

func NewStore(backend db.Store) *Store {
	querySettings := circuitbreaker.DefaultSettings("db_query")
	querySettings.Timeout = 45 * time.Second
	querySettings.IsSuccessful = isBusinessOutcome
	querySettings.OnStateChange = logBreakerChange

	writeSettings := circuitbreaker.DefaultSettings("db_write")
	writeSettings.Timeout = 30 * time.Second
	writeSettings.IsSuccessful = isBusinessOutcome
	writeSettings.OnStateChange = logBreakerChange

	return &Store{
		backend:      backend,
		queryBreaker: circuitbreaker.NewCircuitBreaker(querySettings),
		writeBreaker: circuitbreaker.NewCircuitBreaker(writeSettings),
		readPolicy: retry.Policy{
			MaxAttempts:   readAttempts,
			Backoff:       retry.Exponential(readRetryConfig),
			Retryable:     isRetryableStoreError,
			OperationName: "db_read",
		},
		writePolicy: retry.Policy{
			MaxAttempts:   writeAttempts,
			Backoff:       retry.Exponential(writeRetryConfig),
			Retryable:     isRetryableStoreError,
			OperationName: "db_write",
		},
	}
}

func logBreakerChange(name string, from, to circuitbreaker.State) {
	logger.Warn("Resilient: circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
}

// isBusinessOutcome treats lookups that legitimately found nothing as
// healthy calls.
func isBusinessOutcome(err error) bool {
	return err == nil || errors.Is(err, consts.ErrNotFound)
}

func isRetryableStoreError(err error) bool {
	if err == nil || errors.Is(err, consts.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// Class 40: transaction rollback
		case "40001", "40P01":
			return true
		// Class 08: connection exception
		case "08000", "08003", "08006", "08001", "08004":
			return true
		// Class 57: operator intervention (e.g. admin shutdown)
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, transient := range []string{"database is locked", "sqlite_busy", "connection refused", "connection reset", "broken pipe", "timeout"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

func (s *Store) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.readPolicy.Do(ctx, func(int) error {
		err := s.queryBreaker.Do(ctx, fn)
		if circuitbreaker.IsRejection(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func (s *Store) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.writePolicy.Do(ctx, func(int) error {
		err := s.writeBreaker.Do(ctx, fn)
		if circuitbreaker.IsRejection(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func (s *Store) ExistingIDs(ctx context.Context, accountID int, ids []string) (map[string]bool, error) {
	var out map[string]bool
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.backend.ExistingIDs(ctx, accountID, ids)
		return err
	})
	return out, err
}

func (s *Store) UpsertEmails(ctx context.Context, records []models.EmailRecord) error {
	return s.write(ctx, func(ctx context.Context) error {
		return s.backend.UpsertEmails(ctx, records)
	})
}

func (s *Store) List(ctx context.Context, q models.ListQuery) ([]models.EmailRecord, int, error) {
	var (
		records []models.EmailRecord
		total   int
	)
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		records, total, err = s.backend.List(ctx, q)
		return err
	})
	return records, total, err
}

func (s *Store) Get(ctx context.Context, key models.EmailKey) (*models.EmailRecord, error) {
	var rec *models.EmailRecord
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.backend.Get(ctx, key)
		return err
	})
	return rec, err
}

// Delete is not retried: a retry after an unseen commit would report
// ErrNotFound and lose the attachment list.
func (s *Store) Delete(ctx context.Context, key models.EmailKey) ([]models.StoredAttachment, error) {
	var atts []models.StoredAttachment
	err := s.writeBreaker.Do(ctx, func(ctx context.Context) error {
		var err error
		atts, err = s.backend.Delete(ctx, key)
		return err
	})
	return atts, err
}

func (s *Store) Count(ctx context.Context, accountID int) (int, error) {
	var n int
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.backend.Count(ctx, accountID)
		return err
	})
	return n, err
}

// Ping bypasses the breakers so health checks see the real backend state.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) QueryBreakerState() circuitbreaker.State {
	return s.queryBreaker.State()
}

// Breakers lists the store's breakers for health reporting.
func (s *Store) Breakers() []*circuitbreaker.CircuitBreaker {
	return []*circuitbreaker.CircuitBreaker{s.queryBreaker, s.writeBreaker}
}
