// Package sqlitestore is the embedded SQLite implementation of db.Store.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/db"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/metrics"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ db.Store = (*Store)(nil)

// Open opens path (":memory:" for a private in-memory database) and applies
// the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		trimmed = ":memory:"
	}
	inMemory := trimmed == ":memory:" || strings.Contains(trimmed, "mode=memory")

	conn, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps an in-memory database alive and serializes writers
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if !inMemory {
		if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &Store{db: conn, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", consts.ErrStore, err)
	}
	return nil
}

type emailRow struct {
	MessageID        string `db:"message_id"`
	AccountID        int    `db:"account_id"`
	Subject          string `db:"subject"`
	From             string `db:"from_addr"`
	To               string `db:"to_addr"`
	SentAt           int64  `db:"sent_at"`
	BodyText         string `db:"body_text"`
	BodyHTML         string `db:"body_html"`
	Attachments      string `db:"attachments"`
	HasAttachments   bool   `db:"has_attachments"`
	AttachmentsCount int    `db:"attachments_count"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

func (r *emailRow) toRecord() (models.EmailRecord, error) {
	atts, err := db.DecodeAttachments([]byte(r.Attachments))
	if err != nil {
		return models.EmailRecord{}, err
	}
	return models.EmailRecord{
		MessageID:        r.MessageID,
		AccountID:        r.AccountID,
		Subject:          r.Subject,
		From:             r.From,
		To:               r.To,
		Date:             time.Unix(0, r.SentAt).UTC(),
		BodyText:         r.BodyText,
		BodyHTML:         r.BodyHTML,
		Attachments:      atts,
		HasAttachments:   r.HasAttachments,
		AttachmentsCount: r.AttachmentsCount,
		CreatedAt:        time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:        time.Unix(0, r.UpdatedAt).UTC(),
	}, nil
}

func observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
}

func (s *Store) ExistingIDs(ctx context.Context, accountID int, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	start := time.Now()
	query, args, err := sqlx.In("SELECT message_id FROM emails WHERE account_id = ? AND message_id IN (?)", accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: existing ids: %w", consts.ErrStore, err)
	}
	var existing []string
	err = s.db.SelectContext(ctx, &existing, s.db.Rebind(query), args...)
	observe("existing_ids", start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: existing ids: %w", consts.ErrStore, err)
	}
	for _, id := range existing {
		found[id] = true
	}
	return found, nil
}

const upsertSQL = `
INSERT INTO emails (message_id, account_id, subject, from_addr, to_addr, sent_at, body_text, body_html,
                    attachments, has_attachments, attachments_count, created_at, updated_at)
VALUES (:message_id, :account_id, :subject, :from_addr, :to_addr, :sent_at, :body_text, :body_html,
        :attachments, :has_attachments, :attachments_count, :created_at, :updated_at)
ON CONFLICT (message_id, account_id) DO UPDATE SET
    subject = excluded.subject,
    from_addr = excluded.from_addr,
    to_addr = excluded.to_addr,
    sent_at = excluded.sent_at,
    body_text = excluded.body_text,
    body_html = excluded.body_html,
    attachments = excluded.attachments,
    has_attachments = excluded.has_attachments,
    attachments_count = excluded.attachments_count,
    updated_at = excluded.updated_at`

func (s *Store) UpsertEmails(ctx context.Context, records []models.EmailRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	err := s.upsert(ctx, records)
	observe("upsert_emails", start, err)
	if err != nil {
		return fmt.Errorf("%w: upsert %d records: %w", consts.ErrStore, len(records), err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, records []models.EmailRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UnixNano()
	for _, r := range records {
		atts, err := db.EncodeAttachments(r.Attachments)
		if err != nil {
			return err
		}
		row := emailRow{
			MessageID:        r.MessageID,
			AccountID:        r.AccountID,
			Subject:          r.Subject,
			From:             r.From,
			To:               r.To,
			SentAt:           r.Date.UnixNano(),
			BodyText:         r.BodyText,
			BodyHTML:         r.BodyHTML,
			Attachments:      string(atts),
			HasAttachments:   len(r.Attachments) > 0,
			AttachmentsCount: len(r.Attachments),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if _, err := tx.NamedExecContext(ctx, upsertSQL, row); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) List(ctx context.Context, q models.ListQuery) ([]models.EmailRecord, int, error) {
	where, args := db.ListFilter(q)

	start := time.Now()
	var total int
	err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM emails"+where, args...)
	observe("list_count", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: count: %w", consts.ErrStore, err)
	}

	query := "SELECT " + db.EmailColumns + " FROM emails" + where + " ORDER BY " + db.OrderBy(q.Sort) + " LIMIT ? OFFSET ?"
	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)

	start = time.Now()
	var rows []emailRow
	err = s.db.SelectContext(ctx, &rows, query, pageArgs...)
	observe("list", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: list: %w", consts.ErrStore, err)
	}

	records := make([]models.EmailRecord, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecord()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: list: %w", consts.ErrStore, err)
		}
		records = append(records, r)
	}
	return records, total, nil
}

func (s *Store) Get(ctx context.Context, key models.EmailKey) (*models.EmailRecord, error) {
	start := time.Now()
	var row emailRow
	err := s.db.GetContext(ctx, &row,
		"SELECT "+db.EmailColumns+" FROM emails WHERE message_id = ? AND account_id = ?", key.MessageID, key.AccountID)
	observe("get", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (account %d)", consts.ErrNotFound, key.MessageID, key.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", consts.ErrStore, err)
	}
	r, err := row.toRecord()
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", consts.ErrStore, err)
	}
	return &r, nil
}

func (s *Store) Delete(ctx context.Context, key models.EmailKey) ([]models.StoredAttachment, error) {
	start := time.Now()
	var raw string
	err := s.db.GetContext(ctx, &raw,
		"DELETE FROM emails WHERE message_id = ? AND account_id = ? RETURNING attachments", key.MessageID, key.AccountID)
	observe("delete", start, err)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s (account %d)", consts.ErrNotFound, key.MessageID, key.AccountID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: delete: %w", consts.ErrStore, err)
	}
	return db.DecodeAttachments([]byte(raw))
}

func (s *Store) Count(ctx context.Context, accountID int) (int, error) {
	start := time.Now()
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM emails WHERE account_id = ?", accountID)
	observe("count", start, err)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %w", consts.ErrStore, err)
	}
	return n, nil
}
