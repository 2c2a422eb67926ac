package uploader

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	PutFunc func(ctx context.Context, key string, body []byte, contentType string) error

	mu   sync.Mutex
	keys []string
}

func (m *mockStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.mu.Lock()
	m.keys = append(m.keys, key)
	m.mu.Unlock()
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, data, contentType)
	}
	return nil
}

func (m *mockStore) PublicURL(key string) string {
	return "https://cdn.example.com/" + key
}

func testUploader(store BlobStore) *Uploader {
	u := New(store, Options{MaxSize: 1024, Attempts: 3, BackoffStep: time.Millisecond})
	u.now = func() time.Time { return time.UnixMilli(1700000000000) }
	n := 0
	u.suffix = func() string {
		n++
		return strings.Repeat(string(rune('a'+n-1)), 4)
	}
	return u
}

func TestUploadSuccess(t *testing.T) {
	store := &mockStore{}
	u := testUploader(store)

	got := u.Upload(context.Background(), models.RawAttachment{
		Filename:    "Invoice.PDF",
		ContentType: "application/pdf",
		Content:     []byte("%PDF-1.4"),
	}, "<abc@example.com>", 7)

	require.NotNil(t, got)
	assert.Equal(t, "accounts/7/attachments/abc-example.com_1700000000000_aaaa.pdf", got.Path)
	assert.Equal(t, "https://cdn.example.com/"+got.Path, got.URL)
	assert.Equal(t, int64(8), got.Size)
	assert.Equal(t, "Invoice.PDF", got.Filename)
	assert.Equal(t, "application/pdf", got.ContentType)
}

func TestUploadRetriesWithNewKey(t *testing.T) {
	calls := 0
	store := &mockStore{PutFunc: func(ctx context.Context, key string, body []byte, contentType string) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	}}
	u := testUploader(store)

	got := u.Upload(context.Background(), models.RawAttachment{Filename: "a.txt", Content: []byte("x")}, "m1", 1)
	require.NotNil(t, got)
	assert.Equal(t, 3, calls)
	require.Len(t, store.keys, 3)
	assert.NotEqual(t, store.keys[0], store.keys[1])
	assert.NotEqual(t, store.keys[1], store.keys[2])
	assert.Equal(t, store.keys[2], got.Path)
	assert.Equal(t, "application/octet-stream", got.ContentType)
}

func TestUploadGivesUp(t *testing.T) {
	calls := 0
	store := &mockStore{PutFunc: func(ctx context.Context, key string, body []byte, contentType string) error {
		calls++
		return errors.New("bucket unavailable")
	}}
	u := testUploader(store)

	got := u.Upload(context.Background(), models.RawAttachment{Filename: "a.txt", Content: []byte("x")}, "m1", 1)
	assert.Nil(t, got)
	assert.Equal(t, 3, calls)
}

func TestUploadRejects(t *testing.T) {
	store := &mockStore{PutFunc: func(ctx context.Context, key string, body []byte, contentType string) error {
		t.Fatal("rejected attachments are never uploaded")
		return nil
	}}
	u := testUploader(store)

	assert.Nil(t, u.Upload(context.Background(), models.RawAttachment{Filename: "empty.txt"}, "m1", 1))
	assert.Nil(t, u.Upload(context.Background(), models.RawAttachment{
		Filename: "big.bin",
		Content:  make([]byte, 1025),
	}, "m1", 1))
	assert.Nil(t, u.Upload(context.Background(), models.RawAttachment{
		Filename:     "declared.bin",
		Content:      []byte("x"),
		DeclaredSize: 4096,
	}, "m1", 1))
}

func TestUploadExtensionFromContentType(t *testing.T) {
	store := &mockStore{}
	u := testUploader(store)

	got := u.Upload(context.Background(), models.RawAttachment{
		Filename:    "scan",
		ContentType: "image/png",
		Content:     []byte{0x89, 'P', 'N', 'G'},
	}, "m1", 2)
	require.NotNil(t, got)
	assert.True(t, strings.HasSuffix(got.Path, ".png"), got.Path)
}

func TestUploadCancelledContext(t *testing.T) {
	store := &mockStore{PutFunc: func(ctx context.Context, key string, body []byte, contentType string) error {
		return errors.New("timeout")
	}}
	u := New(store, Options{MaxSize: 1024, Attempts: 3, BackoffStep: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	assert.Nil(t, u.Upload(ctx, models.RawAttachment{Filename: "a.txt", Content: []byte("x")}, "m1", 1))
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.NewDefaultConfig().Ingest)
	require.NoError(t, err)
	assert.Equal(t, int64(25*1024*1024), opts.MaxSize)
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, 500*time.Millisecond, opts.BackoffStep)

	_, err = OptionsFromConfig(config.IngestConfig{UploadBackoff: "soon"})
	assert.Error(t, err)
}
