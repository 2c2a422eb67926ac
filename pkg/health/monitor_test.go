package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/freightdesk/mailingest/pkg/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type proberFunc func(ctx context.Context, accountID int) error

func (f proberFunc) Probe(ctx context.Context, accountID int) error { return f(ctx, accountID) }

func TestCheckNowHealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(PingCheck("database", pingerFunc(func(context.Context) error { return nil }), true, time.Minute))
	hm.RegisterCheck(PingCheck("s3", pingerFunc(func(context.Context) error { return nil }), true, time.Minute))

	reports := hm.CheckNow(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, "database", reports[0].Name)
	assert.Equal(t, "s3", reports[1].Name)
	for _, r := range reports {
		assert.Equal(t, StatusHealthy, r.Status)
		assert.Equal(t, 1, r.CheckCount)
	}
	assert.Equal(t, StatusHealthy, hm.GetOverallStatus())
}

func TestCriticalFailureMakesSystemUnhealthy(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(PingCheck("database", pingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), true, time.Minute))

	reports := hm.CheckNow(context.Background())
	require.Len(t, reports, 1)
	assert.Equal(t, StatusUnhealthy, reports[0].Status)
	assert.Equal(t, "connection refused", reports[0].LastError)
	assert.Equal(t, StatusUnhealthy, hm.GetOverallStatus())
}

func TestMailboxFailureOnlyDegrades(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(PingCheck("database", pingerFunc(func(context.Context) error { return nil }), true, time.Minute))
	hm.RegisterCheck(MailboxCheck(proberFunc(func(_ context.Context, id int) error {
		if id == 2 {
			return errors.New("auth failed")
		}
		return nil
	}), 2, time.Minute))

	hm.CheckNow(context.Background())
	status, ok := hm.GetCheckStatus("imap:2")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestRecoveryAndDegradedRate(t *testing.T) {
	fail := true
	hm := NewHealthMonitor()
	hm.RegisterCheck(PingCheck("s3", pingerFunc(func(context.Context) error {
		if fail {
			return errors.New("503")
		}
		return nil
	}), true, time.Minute))

	hm.CheckNow(context.Background())
	fail = false
	hm.CheckNow(context.Background())
	hm.CheckNow(context.Background())
	status, _ := hm.GetCheckStatus("s3")
	assert.Equal(t, StatusHealthy, status)

	fail = true
	reports := hm.CheckNow(context.Background())
	// 2 failures out of 4 checks
	assert.Equal(t, StatusUnhealthy, reports[0].Status)
	assert.Equal(t, 2, reports[0].FailCount)
}

func TestTimeoutIsUnreachable(t *testing.T) {
	hm := NewHealthMonitor()
	check := PingCheck("s3", pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), false, time.Minute)
	check.Timeout = 10 * time.Millisecond
	hm.RegisterCheck(check)

	reports := hm.CheckNow(context.Background())
	assert.Equal(t, StatusUnreachable, reports[0].Status)
	assert.Equal(t, StatusDegraded, hm.GetOverallStatus())
}

func TestPanickingCheck(t *testing.T) {
	hm := NewHealthMonitor()
	hm.RegisterCheck(PingCheck("database", pingerFunc(func(context.Context) error {
		panic("boom")
	}), true, time.Minute))

	reports := hm.CheckNow(context.Background())
	assert.Equal(t, StatusUnhealthy, reports[0].Status)
	assert.Contains(t, reports[0].LastError, "boom")
}

func TestStartAndStop(t *testing.T) {
	calls := make(chan struct{}, 10)
	hm := NewHealthMonitor()
	hm.RegisterCheck(PingCheck("database", pingerFunc(func(context.Context) error {
		select {
		case calls <- struct{}{}:
		default:
		}
		return nil
	}), true, 5*time.Millisecond))

	hm.Start(context.Background())
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("periodic check never ran")
	}
	hm.Stop()
}

func TestBreakerStatus(t *testing.T) {
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:        "health_test",
		ReadyToTrip: func(c circuitbreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	assert.Equal(t, StatusHealthy, BreakerStatus(cb))

	_ = cb.Do(context.Background(), func(context.Context) error { return errors.New("fail") })
	assert.Equal(t, StatusUnhealthy, BreakerStatus(cb))
}
