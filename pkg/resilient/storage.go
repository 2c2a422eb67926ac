package resilient

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/freightdesk/mailingest/pkg/circuitbreaker"
	"github.com/freightdesk/mailingest/pkg/retry"
)

// BlobBackend is the raw object store, normally *storage.S3Storage.
type BlobBackend interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	PublicURL(key string) string
}

// BlobStore puts a circuit breaker in front of every object operation.
// Puts are not retried here: the uploader owns put retries because it
// regenerates the key between attempts. Deletes are retried with backoff.
type BlobStore struct {
	backend       BlobBackend
	putBreaker    *circuitbreaker.CircuitBreaker
	deleteBreaker *circuitbreaker.CircuitBreaker
	deletePolicy  retry.Policy
}

func NewBlobStore(backend BlobBackend) *BlobStore {
	putSettings := circuitbreaker.DefaultSettings("s3_put")
	putSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 5 && failureRatio >= 0.6
	}

	deleteSettings := circuitbreaker.DefaultSettings("s3_delete")
	deleteSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		return counts.Requests >= 3 && failureRatio >= 0.5
	}

	return &BlobStore{
		backend:       backend,
		putBreaker:    circuitbreaker.NewCircuitBreaker(putSettings),
		deleteBreaker: circuitbreaker.NewCircuitBreaker(deleteSettings),
		deletePolicy: retry.Policy{
			MaxAttempts: 3,
			Backoff: retry.Exponential(retry.BackoffConfig{
				InitialInterval: 250 * time.Millisecond,
				MaxInterval:     3 * time.Second,
				Multiplier:      2.0,
				Jitter:          true,
			}),
			Retryable:     isRetryableError,
			OperationName: "s3_delete",
		},
	}
}

func (b *BlobStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	return b.putBreaker.Do(ctx, func(ctx context.Context) error {
		return b.backend.Put(ctx, key, body, size, contentType)
	})
}

func (b *BlobStore) Delete(ctx context.Context, key string) error {
	return b.deletePolicy.Do(ctx, func(int) error {
		err := b.deleteBreaker.Do(ctx, func(ctx context.Context) error {
			return b.backend.Delete(ctx, key)
		})
		if circuitbreaker.IsRejection(err) {
			return retry.Stop(err)
		}
		return err
	})
}

func (b *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return b.backend.Exists(ctx, key)
}

func (b *BlobStore) Ping(ctx context.Context) error {
	return b.backend.Ping(ctx)
}

func (b *BlobStore) PublicURL(key string) string {
	return b.backend.PublicURL(key)
}

// Breakers lists the put and delete breakers for health reporting.
func (b *BlobStore) Breakers() []*circuitbreaker.CircuitBreaker {
	return []*circuitbreaker.CircuitBreaker{b.putBreaker, b.deleteBreaker}
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"i/o timeout",
		"network unreachable",
		"no such host",
		"temporary failure",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
		"timeout",
		"slowdown",
		"throttl",
		"rate limit",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
