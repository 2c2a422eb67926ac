package resilient

import (
	"time"

	"github.com/freightdesk/mailingest/pkg/retry"
)

// readRetryConfig provides a default retry strategy for read operations.
var readRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
}

// writeRetryConfig provides a default retry strategy for write operations.
// Upserts are keyed, so a replayed write converges on the same row.
var writeRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
}

const (
	readAttempts  = 3
	writeAttempts = 2
)
