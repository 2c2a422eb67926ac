// Package uploader stores extracted attachments in the blob store.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/consts"
	"github.com/freightdesk/mailingest/helpers"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/pkg/metrics"
	"github.com/freightdesk/mailingest/pkg/retry"
	"github.com/google/uuid"
)

// BlobStore is the subset of the blob store the uploader needs.
type BlobStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PublicURL(key string) string
}

type Options struct {
	MaxSize     int64
	Attempts    int
	BackoffStep time.Duration
}

// OptionsFromConfig reads the upload settings of the [ingest] section.
func OptionsFromConfig(cfg config.IngestConfig) (Options, error) {
	maxSize, err := cfg.GetMaxAttachmentSize()
	if err != nil {
		return Options{}, fmt.Errorf("invalid max_attachment_size: %w", err)
	}
	step, err := cfg.GetUploadBackoff()
	if err != nil {
		return Options{}, fmt.Errorf("invalid upload_backoff: %w", err)
	}
	attempts := cfg.UploadAttempts
	if attempts < 1 {
		attempts = 3
	}
	return Options{MaxSize: maxSize, Attempts: attempts, BackoffStep: step}, nil
}

type Uploader struct {
	store  BlobStore
	opts   Options
	now    func() time.Time
	suffix func() string
}

func New(store BlobStore, opts Options) *Uploader {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	return &Uploader{
		store: store,
		opts:  opts,
		now:   time.Now,
		suffix: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		},
	}
}

// Upload stores att under a fresh key and returns its metadata. It returns
// nil when the attachment is rejected or every attempt failed; the caller
// drops the attachment and keeps the message.
func (u *Uploader) Upload(ctx context.Context, att models.RawAttachment, messageID string, accountID int) *models.StoredAttachment {
	if err := u.check(att); err != nil {
		metrics.AttachmentUploads.WithLabelValues("rejected").Inc()
		logger.Warn("Uploader: attachment rejected", "account", accountID, "message_id", messageID,
			"filename", att.Filename, "error", err)
		return nil
	}

	ext := helpers.AttachmentExtension(att.Filename, att.ContentType)
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var key string
	policy := retry.Policy{
		MaxAttempts:   u.opts.Attempts,
		Backoff:       retry.Linear(u.opts.BackoffStep),
		OperationName: "attachment_upload",
	}
	err := policy.Do(ctx, func(attempt int) error {
		// a new key per attempt sidesteps a half-written object at the old one
		key = helpers.NewAttachmentKey(accountID, messageID, u.now(), u.suffix(), ext)
		err := u.store.Put(ctx, key, bytes.NewReader(att.Content), int64(len(att.Content)), contentType)
		if err != nil && attempt < u.opts.Attempts {
			metrics.AttachmentUploads.WithLabelValues("retry").Inc()
		}
		return err
	})
	if err != nil {
		metrics.AttachmentUploads.WithLabelValues("failed").Inc()
		logger.Error("Uploader: attachment dropped", "account", accountID, "message_id", messageID,
			"filename", att.Filename, "error", fmt.Errorf("%w: %w", consts.ErrAttachment, err))
		return nil
	}

	size := int64(len(att.Content))
	metrics.AttachmentUploads.WithLabelValues("success").Inc()
	metrics.AttachmentBytes.Add(float64(size))
	logger.Debug("Uploader: stored attachment", "account", accountID, "key", key, "size", size)

	return &models.StoredAttachment{
		Filename:    att.Filename,
		ContentType: contentType,
		Size:        size,
		Path:        key,
		URL:         u.store.PublicURL(key),
	}
}

func (u *Uploader) check(att models.RawAttachment) error {
	if len(att.Content) == 0 {
		return fmt.Errorf("%w: empty content", consts.ErrAttachment)
	}
	size := int64(len(att.Content))
	if att.DeclaredSize > size {
		size = att.DeclaredSize
	}
	if u.opts.MaxSize > 0 && size > u.opts.MaxSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", consts.ErrAttachment, size, u.opts.MaxSize)
	}
	return nil
}
