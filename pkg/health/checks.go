package health

import (
	"context"
	"fmt"
	"time"
)

// Pinger is anything with a cheap reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck wraps p as a check named name.
func PingCheck(name string, p Pinger, critical bool, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: interval,
		Timeout:  5 * time.Second,
		Critical: critical,
		Check:    p.Ping,
	}
}

// MailboxProber proves one account's mailbox session is usable.
type MailboxProber interface {
	Probe(ctx context.Context, accountID int) error
}

// MailboxCheck is the imap:{id} check. Mailbox failures never make the
// whole system unhealthy; the other accounts keep ingesting.
func MailboxCheck(p MailboxProber, accountID int, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     fmt.Sprintf("imap:%d", accountID),
		Interval: interval,
		Timeout:  30 * time.Second,
		Check: func(ctx context.Context) error {
			return p.Probe(ctx, accountID)
		},
	}
}
