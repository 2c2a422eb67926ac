package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/jmoiron/sqlx"
)

// Database is the PostgreSQL Store.
type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
}

// NewDatabase connects using cfg and verifies the connection.
func NewDatabase(ctx context.Context, cfg config.DatabaseConfig) (*Database, error) {
	queryTimeout, err := cfg.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if cfg.Debug {
		poolConfig.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger: tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
				logger.Debug("DB: "+msg, "sql", data["sql"], "args", data["args"], "time", data["time"])
			}),
			LogLevel: tracelog.LogLevelDebug,
		}
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}

	logger.Info("DB: connecting", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name, "tls", cfg.TLSMode)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("DB: pool created", "max_conns", poolConfig.MaxConns, "min_conns", poolConfig.MinConns)
	return &Database{Pool: pool, queryTimeout: queryTimeout}, nil
}

func (db *Database) Close() error {
	db.Pool.Close()
	return nil
}

func (db *Database) Ping(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()
	if err := db.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", consts.ErrStore, err)
	}
	return nil
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.queryTimeout)
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

// rebind turns the shared '?' placeholders into pgx's $n form.
func rebind(query string) string {
	return sqlx.Rebind(sqlx.DOLLAR, query)
}

func (db *Database) ExistingIDs(ctx context.Context, accountID int, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	rows, err := db.Pool.Query(ctx,
		"SELECT message_id FROM emails WHERE account_id = $1 AND message_id = ANY($2)", accountID, ids)
	if err != nil {
		observe("existing_ids", start, err)
		return nil, fmt.Errorf("%w: existing ids: %w", consts.ErrStore, err)
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	observe("existing_ids", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: existing ids: %w", consts.ErrStore, err)
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

const upsertEmailSQL = `
INSERT INTO emails (message_id, account_id, subject, from_addr, to_addr, sent_at, body_text, body_html,
                    attachments, has_attachments, attachments_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
ON CONFLICT (message_id, account_id) DO UPDATE SET
    subject = EXCLUDED.subject,
    from_addr = EXCLUDED.from_addr,
    to_addr = EXCLUDED.to_addr,
    sent_at = EXCLUDED.sent_at,
    body_text = EXCLUDED.body_text,
    body_html = EXCLUDED.body_html,
    attachments = EXCLUDED.attachments,
    has_attachments = EXCLUDED.has_attachments,
    attachments_count = EXCLUDED.attachments_count,
    updated_at = now()`

// UpsertEmails sends all records in one batch inside a transaction.
func (db *Database) UpsertEmails(ctx context.Context, records []models.EmailRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			atts, err := EncodeAttachments(r.Attachments)
			if err != nil {
				return err
			}
			batch.Queue(upsertEmailSQL, r.MessageID, r.AccountID, r.Subject, r.From, r.To, r.Date.UTC(),
				r.BodyText, r.BodyHTML, atts, len(r.Attachments) > 0, len(r.Attachments))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	observe("upsert_emails", start, err)
	if err != nil {
		return fmt.Errorf("%w: upsert %d records: %w", consts.ErrStore, len(records), err)
	}
	return nil
}

func scanEmail(row pgx.Row) (*models.EmailRecord, error) {
	var r models.EmailRecord
	var atts []byte
	if err := row.Scan(&r.MessageID, &r.AccountID, &r.Subject, &r.From, &r.To, &r.Date, &r.BodyText, &r.BodyHTML,
		&atts, &r.HasAttachments, &r.AttachmentsCount, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := DecodeAttachments(atts)
	if err != nil {
		return nil, err
	}
	r.Attachments = decoded
	return &r, nil
}

func (db *Database) List(ctx context.Context, q models.ListQuery) ([]models.EmailRecord, int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	where, args := ListFilter(q)

	start := time.Now()
	var total int
	err := db.Pool.QueryRow(ctx, rebind("SELECT COUNT(*) FROM emails"+where), args...).Scan(&total)
	observe("list_count", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: count: %w", consts.ErrStore, err)
	}

	query := "SELECT " + EmailColumns + " FROM emails" + where + " ORDER BY " + OrderBy(q.Sort) + " LIMIT ? OFFSET ?"
	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)

	start = time.Now()
	rows, err := db.Pool.Query(ctx, rebind(query), pageArgs...)
	if err != nil {
		observe("list", start, err)
		return nil, 0, fmt.Errorf("%w: list: %w", consts.ErrStore, err)
	}
	defer rows.Close()

	records := make([]models.EmailRecord, 0, q.Limit)
	for rows.Next() {
		r, err := scanEmail(rows)
		if err != nil {
			observe("list", start, err)
			return nil, 0, fmt.Errorf("%w: list scan: %w", consts.ErrStore, err)
		}
		records = append(records, *r)
	}
	err = rows.Err()
	observe("list", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list: %w", consts.ErrStore, err)
	}
	return records, total, nil
}

func (db *Database) Get(ctx context.Context, key models.EmailKey) (*models.EmailRecord, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	r, err := scanEmail(db.Pool.QueryRow(ctx,
		"SELECT "+EmailColumns+" FROM emails WHERE message_id = $1 AND account_id = $2", key.MessageID, key.AccountID))
	observe("get", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (account %d)", consts.ErrNotFound, key.MessageID, key.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", consts.ErrStore, err)
	}
	return r, nil
}

func (db *Database) Delete(ctx context.Context, key models.EmailKey) ([]models.StoredAttachment, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var raw []byte
	err := db.Pool.QueryRow(ctx,
		"DELETE FROM emails WHERE message_id = $1 AND account_id = $2 RETURNING attachments",
		key.MessageID, key.AccountID).Scan(&raw)
	observe("delete", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (account %d)", consts.ErrNotFound, key.MessageID, key.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: delete: %w", consts.ErrStore, err)
	}
	return DecodeAttachments(raw)
}

func (db *Database) Count(ctx context.Context, accountID int) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var n int
	err := db.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM emails WHERE account_id = $1", accountID).Scan(&n)
	observe("count", start, err)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", consts.ErrStore, err)
	}
	return n, nil
}
