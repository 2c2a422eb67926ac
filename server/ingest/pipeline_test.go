package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/db/sqlitestore"
	"github.com/freightdesk/mailingest/imapconn"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/parser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSession struct {
	total     uint32
	MessageFn func(seq uint32) []byte
	FetchErr  error

	mu     sync.Mutex
	ranges [][2]uint32
}

func (s *fakeSession) SelectMailbox(context.Context, string) (uint32, error) { return s.total, nil }

func (s *fakeSession) FetchRange(_ context.Context, start, end uint32) ([]models.RawMessage, error) {
	s.mu.Lock()
	s.ranges = append(s.ranges, [2]uint32{start, end})
	s.mu.Unlock()
	if s.FetchErr != nil {
		return nil, s.FetchErr
	}
	out := make([]models.RawMessage, 0, end-start+1)
	for seq := start; seq <= end; seq++ {
		out = append(out, models.RawMessage{SeqNum: seq, Body: s.MessageFn(seq)})
	}
	return out, nil
}

func (s *fakeSession) Noop(context.Context) error { return nil }
func (s *fakeSession) Close() error              { return nil }

type fakePool struct {
	sess        imapconn.Session
	AcquireErr  error
	invalidated atomic.Int32
}

func (p *fakePool) Acquire(context.Context, int) (imapconn.Session, error) {
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	return p.sess, nil
}

func (p *fakePool) Invalidate(int, imapconn.Session) { p.invalidated.Add(1) }

type fakeUploader struct {
	UploadFunc func(att models.RawAttachment) *models.StoredAttachment
	calls      atomic.Int32
}

func (u *fakeUploader) Upload(_ context.Context, att models.RawAttachment, messageID string, accountID int) *models.StoredAttachment {
	u.calls.Add(1)
	if u.UploadFunc != nil {
		return u.UploadFunc(att)
	}
	path := fmt.Sprintf("accounts/%d/attachments/%s", accountID, att.Filename)
	return &models.StoredAttachment{Filename: att.Filename, ContentType: att.ContentType, Size: int64(len(att.Content)), Path: path, URL: "https://cdn/" + path}
}

type storeWrapper struct {
	Store
	ExistingIDsFunc func(ctx context.Context, accountID int, ids []string) (map[string]bool, error)
	upserts         atomic.Int32
	UpsertErr       func(batch []models.EmailRecord) error
}

func (s *storeWrapper) ExistingIDs(ctx context.Context, accountID int, ids []string) (map[string]bool, error) {
	if s.ExistingIDsFunc != nil {
		return s.ExistingIDsFunc(ctx, accountID, ids)
	}
	return s.Store.ExistingIDs(ctx, accountID, ids)
}

func (s *storeWrapper) UpsertEmails(ctx context.Context, records []models.EmailRecord) error {
	s.upserts.Add(1)
	if s.UpsertErr != nil {
		if err := s.UpsertErr(records); err != nil {
			return err
		}
	}
	return s.Store.UpsertEmails(ctx, records)
}

// --- helpers ---

func plainMessage(seq uint32) []byte {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute)
	return []byte(strings.Join([]string{
		fmt.Sprintf("Message-ID: <m%d@example.com>", seq),
		"From: shipper@example.com",
		"To: ops@example.com",
		fmt.Sprintf("Subject: Shipment %d", seq),
		"Date: " + date.Format(time.RFC1123Z),
		"",
		fmt.Sprintf("body of message %d", seq),
		"",
	}, "\r\n"))
}

func withAttachments(seq uint32, names ...string) []byte {
	lines := []string{
		fmt.Sprintf("Message-ID: <m%d@example.com>", seq),
		"From: shipper@example.com",
		"To: ops@example.com",
		"Subject: documents",
		"Date: Mon, 01 Jan 2024 10:00:00 +0000",
		"MIME-Version: 1.0",
		`Content-Type: multipart/mixed; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain",
		"",
		"see attached",
	}
	for _, n := range names {
		lines = append(lines,
			"--b1",
			"Content-Type: application/pdf",
			fmt.Sprintf(`Content-Disposition: attachment; filename="%s"`, n),
			"",
			"%PDF-"+n,
		)
	}
	lines = append(lines, "--b1--", "")
	return []byte(strings.Join(lines, "\r\n"))
}

type fixture struct {
	sess     *fakeSession
	pool     *fakePool
	store    *storeWrapper
	db       *sqlitestore.Store
	uploader *fakeUploader
	pipeline *Pipeline
}

func newFixture(t *testing.T, total uint32) *fixture {
	t.Helper()
	sqlite, err := sqlitestore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	f := &fixture{
		sess:     &fakeSession{total: total, MessageFn: plainMessage},
		store:    &storeWrapper{Store: sqlite},
		db:       sqlite,
		uploader: &fakeUploader{},
	}
	f.pool = &fakePool{sess: f.sess}
	f.pipeline = New(f.pool, f.store, f.uploader, Options{
		ParseConcurrency:      4,
		AttachmentConcurrency: 2,
		BatchSize:             10,
		BatchPause:            time.Millisecond,
	})
	return f
}

var account = models.Account{ID: 7, Address: "ops@example.com"}

// --- tests ---

func TestFetchRange(t *testing.T) {
	start, end, ok := FetchRange(1000, 20)
	assert.True(t, ok)
	assert.Equal(t, uint32(981), start)
	assert.Equal(t, uint32(1000), end)

	start, end, ok = FetchRange(3, 20)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), start)
	assert.Equal(t, uint32(3), end)

	_, _, ok = FetchRange(0, 20)
	assert.False(t, ok)
}

func TestClampCount(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, 20, f.pipeline.ClampCount(0))
	assert.Equal(t, 100, f.pipeline.ClampCount(500))
	assert.Equal(t, 1, f.pipeline.ClampCount(1))
}

func TestRunSavesNewAndCountsDuplicates(t *testing.T) {
	f := newFixture(t, 1000)
	ctx := context.Background()

	var existing []models.EmailRecord
	for _, seq := range []int{981, 985, 990, 995, 1000} {
		existing = append(existing, models.EmailRecord{
			MessageID: fmt.Sprintf("m%d@example.com", seq),
			AccountID: account.ID,
			Date:      time.Now(),
		})
	}
	require.NoError(t, f.db.UpsertEmails(ctx, existing))

	res := f.pipeline.Run(ctx, account, 20)

	assert.True(t, res.Success, res.Error)
	assert.Equal(t, [][2]uint32{{981, 1000}}, f.sess.ranges)
	assert.Equal(t, 20, res.Total)
	assert.Equal(t, 5, res.Duplicates)
	assert.Equal(t, 15, res.Saved)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.ParseFailed)

	n, err := f.db.Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	got, err := f.db.Get(ctx, models.EmailKey{MessageID: "m999@example.com", AccountID: account.ID})
	require.NoError(t, err)
	assert.Equal(t, "Shipment 999", got.Subject)
	assert.Equal(t, "body of message 999", strings.TrimSpace(got.BodyText))
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()

	first := f.pipeline.Run(ctx, account, 20)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, 20, first.Saved)

	second := f.pipeline.Run(ctx, account, 20)
	require.True(t, second.Success, second.Error)
	assert.Zero(t, second.Saved)
	assert.Equal(t, 20, second.Duplicates)

	n, err := f.db.Count(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}

func TestRunEmptyMailbox(t *testing.T) {
	f := newFixture(t, 0)

	res := f.pipeline.Run(context.Background(), account, 20)
	assert.True(t, res.Success)
	assert.Zero(t, res.Total)
	assert.Empty(t, f.sess.ranges)
	assert.Zero(t, f.store.upserts.Load())
}

func TestRunAttachmentIsolation(t *testing.T) {
	f := newFixture(t, 1)
	f.sess.MessageFn = func(seq uint32) []byte {
		return withAttachments(seq, "a.pdf", "broken.pdf", "c.pdf")
	}
	inner := &fakeUploader{}
	f.uploader.UploadFunc = func(att models.RawAttachment) *models.StoredAttachment {
		if att.Filename == "broken.pdf" {
			return nil
		}
		return inner.Upload(context.Background(), att, "", account.ID)
	}

	res := f.pipeline.Run(context.Background(), account, 20)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, int32(3), f.uploader.calls.Load())

	got, err := f.db.Get(context.Background(), models.EmailKey{MessageID: "m1@example.com", AccountID: account.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttachmentsCount)
	assert.True(t, got.HasAttachments)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "a.pdf", got.Attachments[0].Filename)
	assert.Equal(t, "c.pdf", got.Attachments[1].Filename)
}

func TestRunDedupeFailsClosed(t *testing.T) {
	f := newFixture(t, 5)
	f.sess.MessageFn = func(seq uint32) []byte { return withAttachments(seq, "a.pdf") }
	f.store.ExistingIDsFunc = func(context.Context, int, []string) (map[string]bool, error) {
		return nil, errors.New("connection refused")
	}

	res := f.pipeline.Run(context.Background(), account, 20)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, consts.ErrDuplicateCheck.Error())
	assert.Zero(t, res.Saved)
	assert.Zero(t, f.uploader.calls.Load())
	assert.Zero(t, f.store.upserts.Load())
}

func TestRunDropsUnparseableMessages(t *testing.T) {
	f := newFixture(t, 4)
	f.sess.MessageFn = func(seq uint32) []byte {
		if seq == 2 {
			return []byte("this line has no colon\r\n\r\nbody\r\n")
		}
		return plainMessage(seq)
	}

	res := f.pipeline.Run(context.Background(), account, 20)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 4, res.Total)
	assert.Equal(t, 1, res.ParseFailed)
	assert.Equal(t, 3, res.Saved)
}

func TestRunFailedSubBatchContinues(t *testing.T) {
	f := newFixture(t, 25)
	calls := 0
	f.store.UpsertErr = func(batch []models.EmailRecord) error {
		calls++
		if calls == 2 {
			return fmt.Errorf("%w: deadlock detected", consts.ErrStore)
		}
		return nil
	}

	res := f.pipeline.Run(context.Background(), account, 25)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 10, res.Failed)
	assert.Equal(t, 15, res.Saved)
}

func TestRunConnectionFailure(t *testing.T) {
	f := newFixture(t, 5)
	f.pool.AcquireErr = fmt.Errorf("%w: account 7: dial tcp: refused", consts.ErrConnection)

	res := f.pipeline.Run(context.Background(), account, 20)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "refused")
	assert.Zero(t, f.store.upserts.Load())
}

func TestRunFetchErrorInvalidatesSession(t *testing.T) {
	f := newFixture(t, 5)
	f.sess.FetchErr = errors.New("connection reset by peer")

	res := f.pipeline.Run(context.Background(), account, 20)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, consts.ErrConnection.Error())
	assert.Equal(t, int32(1), f.pool.invalidated.Load())
}

func TestSynthesizedIDsSkipLookup(t *testing.T) {
	f := newFixture(t, 2)
	f.sess.MessageFn = func(seq uint32) []byte {
		return []byte(fmt.Sprintf("Subject: no id %d\r\nFrom: a@example.com\r\n\r\nbody\r\n", seq))
	}
	var lookups atomic.Int32
	f.store.ExistingIDsFunc = func(context.Context, int, []string) (map[string]bool, error) {
		lookups.Add(1)
		return map[string]bool{}, nil
	}

	res := f.pipeline.Run(context.Background(), account, 20)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Saved)
	assert.Zero(t, lookups.Load())
}

func TestContentHashIdentityDedupes(t *testing.T) {
	f := newFixture(t, 2)
	f.pipeline = New(f.pool, f.store, f.uploader, Options{
		BatchPause:   time.Millisecond,
		IdentityMode: parser.IdentityContentHash,
	})
	f.sess.MessageFn = func(seq uint32) []byte {
		return []byte(fmt.Sprintf("Subject: no id %d\r\nFrom: a@example.com\r\nDate: Mon, 01 Jan 2024 10:00:00 +0000\r\n\r\nbody\r\n", seq))
	}

	first := f.pipeline.Run(context.Background(), account, 20)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, 2, first.Saved)

	second := f.pipeline.Run(context.Background(), account, 20)
	require.True(t, second.Success, second.Error)
	assert.Zero(t, second.Saved)
	assert.Equal(t, 2, second.Duplicates)
}

func TestFilterNewAndDedupeKey(t *testing.T) {
	msgs := []*models.ParsedMessage{
		{MessageID: "b", Date: time.Unix(100, 0)},
		{MessageID: "a", Date: time.Unix(300, 0)},
		{MessageID: "c", Date: time.Unix(200, 0)},
	}
	f := newFixture(t, 0)
	fresh, err := f.pipeline.filterNew(context.Background(), account.ID, msgs)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)

	assert.Equal(t, "7|3|a|b|c", dedupeKey(7, lookupIDs(msgs, parser.IdentityRandom)))
}
