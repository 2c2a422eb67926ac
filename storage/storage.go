// Package storage keeps attachment blobs in an S3-compatible bucket.
//
// Objects are written under accounts/{id}/attachments/ and are meant to be
// fetched anonymously: either the bucket carries a public-read policy for
// that prefix (see EnsureBucket) or a CDN is configured as PublicBaseURL.
//
//	s3, err := storage.New(cfg.S3)
//	if err != nil {
//		return err
//	}
//	if err := s3.EnsureBucket(ctx); err != nil {
//		return err
//	}
//	err = s3.Put(ctx, key, bytes.NewReader(content), int64(len(content)), "application/pdf")
//	url := s3.PublicURL(key)
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PublicPrefix is the key prefix covered by the anonymous read policy.
const PublicPrefix = "accounts/"

type S3Storage struct {
	Client     *minio.Client
	BucketName string

	publicBaseURL string
	publicRead    bool
	timeout       time.Duration
}

func New(cfg config.S3Config) (*S3Storage, error) {
	timeout, err := cfg.GetOperationTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid s3 operation_timeout: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:        client,
		BucketName:    cfg.Bucket,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		publicRead:    cfg.PublicRead,
		timeout:       timeout,
	}, nil
}

func (s *S3Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.S3OperationsTotal.WithLabelValues(op, status).Inc()
	metrics.S3OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// EnsureBucket creates the bucket when missing and, with public_read, lets
// anonymous clients read everything under PublicPrefix.
func (s *S3Storage) EnsureBucket(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.BucketName, err)
	}
	if !exists {
		if err := s.Client.MakeBucket(ctx, s.BucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", s.BucketName, err)
		}
		logger.Info("Storage: created bucket", "bucket", s.BucketName)
	}

	if !s.publicRead {
		return nil
	}
	policy, err := publicReadPolicy(s.BucketName)
	if err != nil {
		return err
	}
	if err := s.Client.SetBucketPolicy(ctx, s.BucketName, policy); err != nil {
		return fmt.Errorf("failed to set public read policy on %s: %w", s.BucketName, err)
	}
	return nil
}

type policyStatement struct {
	Effect    string              `json:"Effect"`
	Principal map[string][]string `json:"Principal"`
	Action    []string            `json:"Action"`
	Resource  []string            `json:"Resource"`
}

type bucketPolicy struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

func publicReadPolicy(bucket string) (string, error) {
	p := bucketPolicy{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Effect:    "Allow",
			Principal: map[string][]string{"AWS": {"*"}},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{fmt.Sprintf("arn:aws:s3:::%s/%s*", bucket, PublicPrefix)},
		}},
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode bucket policy: %w", err)
	}
	return string(b), nil
}

// Ping reports whether the bucket is reachable.
func (s *S3Storage) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	exists, err := s.Client.BucketExists(ctx, s.BucketName)
	observe("HEAD_BUCKET", start, err)
	if err != nil {
		return fmt.Errorf("s3 unreachable (%s): %w", classifyS3Error(err), err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.BucketName)
	}
	return nil
}

// Exists checks if an object with the given key exists in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads body under key. Keys are never overwritten by the ingestion
// path; callers generate a fresh key per attempt.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size, minio.PutObjectOptions{
		ContentType:    contentType,
		SendContentMd5: true,
	})
	observe("PUT", start, err)
	if err != nil {
		return fmt.Errorf("failed to put object %s (%s): %w", key, classifyS3Error(err), err)
	}
	return nil
}

// Delete removes key. A missing object counts as deleted.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
		err = nil
	}
	observe("DELETE", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// PublicURL returns the anonymous URL of key.
func (s *S3Storage) PublicURL(key string) string {
	escaped := escapeKey(key)
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + escaped
	}
	endpoint := s.Client.EndpointURL()
	u := url.URL{Scheme: endpoint.Scheme, Host: endpoint.Host}
	return u.String() + "/" + url.PathEscape(s.BucketName) + "/" + escaped
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// classifyS3Error classifies S3 errors for log lines
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}

	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
