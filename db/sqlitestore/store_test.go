package sqlitestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func record(accountID, n int) models.EmailRecord {
	return models.EmailRecord{
		MessageID: fmt.Sprintf("<msg-%02d@example.com>", n),
		AccountID: accountID,
		Subject:   fmt.Sprintf("Subject %02d", n),
		From:      "sender@example.com",
		To:        "ops@example.com",
		Date:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Hour),
		BodyText:  fmt.Sprintf("body number %d", n),
	}
}

func TestListSubjectAscSecondPage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var records []models.EmailRecord
	// insert out of order so ordering comes from the query
	for n := 25; n >= 1; n-- {
		records = append(records, record(1, n))
	}
	require.NoError(t, s.UpsertEmails(ctx, records))

	got, total, err := s.List(ctx, models.ListQuery{
		Sort:       models.SortSubjectAsc,
		AccountIDs: []int{1},
		Limit:      10,
		Offset:     10,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, total)
	require.Len(t, got, 10)
	for i, r := range got {
		assert.Equal(t, fmt.Sprintf("Subject %02d", i+11), r.Subject)
	}
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC), got[0].Date)
}

func TestListDateDescAcrossAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{record(1, 1), record(2, 2), record(3, 3)}))

	got, total, err := s.List(ctx, models.ListQuery{Sort: models.SortDateDesc, AccountIDs: []int{1, 2}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].AccountID)
	assert.Equal(t, 1, got[1].AccountID)
}

func TestListSearch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := record(1, 1)
	a.Subject = "Invoice 50% off"
	b := record(1, 2)
	b.BodyText = "see the INVOICE attached"
	c := record(1, 3)
	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{a, b, c}))

	got, total, err := s.List(ctx, models.ListQuery{Search: "invoice", AccountIDs: []int{1}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, got, 2)

	got, total, err = s.List(ctx, models.ListQuery{Search: "50%", AccountIDs: []int{1}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, a.MessageID, got[0].MessageID)

	_, total, err = s.List(ctx, models.ListQuery{Search: "_", AccountIDs: []int{1}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestUpsertIsIdempotentAndKeepsCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return first }
	r := record(1, 1)
	r.Attachments = []models.StoredAttachment{{Filename: "a.pdf", ContentType: "application/pdf", Size: 3, Path: "p", URL: "u"}}
	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{r}))

	later := first.Add(time.Hour)
	s.now = func() time.Time { return later }
	r.Subject = "Edited"
	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{r}))

	n, err := s.Count(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, models.EmailKey{MessageID: r.MessageID, AccountID: 1})
	require.NoError(t, err)
	assert.Equal(t, "Edited", got.Subject)
	assert.Equal(t, first, got.CreatedAt)
	assert.Equal(t, later, got.UpdatedAt)
	assert.True(t, got.HasAttachments)
	assert.Equal(t, 1, got.AttachmentsCount)
	assert.Equal(t, r.Attachments, got.Attachments)
}

func TestSameMessageIDInTwoAccounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{record(1, 1), record(2, 1)}))

	for _, id := range []int{1, 2} {
		n, err := s.Count(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
}

func TestExistingIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{record(1, 1), record(1, 2), record(2, 3)}))

	found, err := s.ExistingIDs(ctx, 1, []string{record(1, 1).MessageID, record(1, 3).MessageID, record(1, 2).MessageID})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		record(1, 1).MessageID: true,
		record(1, 2).MessageID: true,
	}, found)

	empty, err := s.ExistingIDs(ctx, 1, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGetAndDeleteNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := models.EmailKey{MessageID: "<missing@example.com>", AccountID: 1}

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, consts.ErrNotFound)

	_, err = s.Delete(ctx, key)
	assert.ErrorIs(t, err, consts.ErrNotFound)
}

func TestDeleteReturnsAttachments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := record(1, 1)
	r.Attachments = []models.StoredAttachment{{Filename: "x.png", Path: "accounts/1/x.png"}}
	require.NoError(t, s.UpsertEmails(ctx, []models.EmailRecord{r}))

	atts, err := s.Delete(ctx, models.EmailKey{MessageID: r.MessageID, AccountID: 1})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "accounts/1/x.png", atts[0].Path)

	n, err := s.Count(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}
