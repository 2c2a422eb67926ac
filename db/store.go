// Package db persists ingested email records.
//
// Two implementations share the Store contract: Database (PostgreSQL via
// pgx) for production and sqlitestore.Store (embedded SQLite) for tests and
// single-node setups. Both use the schema in migrations/ and the query
// helpers in this file.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/freightdesk/mailingest/models"
)

// Store is the email record store.
type Store interface {
	// ExistingIDs returns the subset of ids already stored for accountID.
	ExistingIDs(ctx context.Context, accountID int, ids []string) (map[string]bool, error)
	// UpsertEmails writes records atomically, keyed by (MessageID, AccountID).
	// CreatedAt of an existing record is preserved.
	UpsertEmails(ctx context.Context, records []models.EmailRecord) error
	List(ctx context.Context, q models.ListQuery) ([]models.EmailRecord, int, error)
	Get(ctx context.Context, key models.EmailKey) (*models.EmailRecord, error)
	// Delete removes one record and returns its attachments so the caller
	// can remove the blobs.
	Delete(ctx context.Context, key models.EmailKey) ([]models.StoredAttachment, error)
	Count(ctx context.Context, accountID int) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// EmailColumns is the column list shared by every SELECT.
const EmailColumns = "message_id, account_id, subject, from_addr, to_addr, sent_at, body_text, body_html, " +
	"attachments, has_attachments, attachments_count, created_at, updated_at"

// OrderBy maps a sort order to an ORDER BY clause. Every order ends with the
// primary key so pages are stable.
func OrderBy(s models.SortOrder) string {
	switch s {
	case models.SortDateAsc:
		return "sent_at ASC, message_id ASC, account_id ASC"
	case models.SortSubjectAsc:
		return "subject ASC, sent_at DESC, message_id ASC, account_id ASC"
	case models.SortSubjectDesc:
		return "subject DESC, sent_at DESC, message_id ASC, account_id ASC"
	default:
		return "sent_at DESC, message_id ASC, account_id ASC"
	}
}

// ListFilter builds the WHERE clause of a list query with '?' placeholders.
// The search term matches subject, sender, recipients and text body,
// case-insensitively.
func ListFilter(q models.ListQuery) (string, []any) {
	var clauses []string
	var args []any

	if len(q.AccountIDs) > 0 {
		marks := make([]string, len(q.AccountIDs))
		for i, id := range q.AccountIDs {
			marks[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, "account_id IN ("+strings.Join(marks, ", ")+")")
	}

	if term := strings.TrimSpace(q.Search); term != "" {
		pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
		var ors []string
		for _, col := range []string{"subject", "from_addr", "to_addr", "body_text"} {
			ors = append(ors, fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, col))
			args = append(args, pattern)
		}
		clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// EncodeAttachments serializes attachment metadata for the attachments
// column. A nil slice is stored as an empty array.
func EncodeAttachments(atts []models.StoredAttachment) ([]byte, error) {
	if atts == nil {
		atts = []models.StoredAttachment{}
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return b, nil
}

// DecodeAttachments is the inverse of EncodeAttachments.
func DecodeAttachments(raw []byte) ([]models.StoredAttachment, error) {
	atts := []models.StoredAttachment{}
	if len(raw) == 0 {
		return atts, nil
	}
	if err := json.Unmarshal(raw, &atts); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return atts, nil
}
