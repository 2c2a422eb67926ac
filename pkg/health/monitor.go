// Package health tracks the reachability of the collaborators the service
// depends on: the record store, the blob store and each mailbox.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/pkg/circuitbreaker"
	"github.com/freightdesk/mailingest/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	default:
		return 3
	}
}

type HealthCheck struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool // a failing critical check makes the whole system unhealthy

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// CheckReport is a point-in-time view of one check.
type CheckReport struct {
	Name       string          `json:"name"`
	Status     ComponentStatus `json:"status"`
	Critical   bool            `json:"critical"`
	LastCheck  time.Time       `json:"last_check"`
	LastError  string          `json:"last_error,omitempty"`
	CheckCount int             `json:"check_count"`
	FailCount  int             `json:"fail_count"`
}

type HealthMonitor struct {
	mu              sync.RWMutex
	checks          map[string]*HealthCheck
	overallStatus   ComponentStatus
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	statusCallbacks []func(name string, status ComponentStatus)
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		checks:        make(map[string]*HealthCheck),
		overallStatus: StatusHealthy,
	}
}

// RegisterCheck adds check. Checks start out healthy until their first run.
func (hm *HealthMonitor) RegisterCheck(check *HealthCheck) {
	if check.Interval == 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout == 0 {
		check.Timeout = 10 * time.Second
	}
	check.status = StatusHealthy

	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

func (hm *HealthMonitor) AddStatusCallback(callback func(name string, status ComponentStatus)) {
	hm.mu.Lock()
	hm.statusCallbacks = append(hm.statusCallbacks, callback)
	hm.mu.Unlock()
}

// Start runs every registered check on its own interval until Stop.
func (hm *HealthMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	hm.mu.Lock()
	hm.cancel = cancel
	checks := hm.snapshotChecks()
	hm.mu.Unlock()

	for _, check := range checks {
		hm.wg.Add(1)
		go hm.runHealthCheck(ctx, check)
	}
}

func (hm *HealthMonitor) Stop() {
	hm.mu.RLock()
	cancel := hm.cancel
	hm.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	hm.wg.Wait()
}

func (hm *HealthMonitor) snapshotChecks() []*HealthCheck {
	out := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (hm *HealthMonitor) runHealthCheck(ctx context.Context, check *HealthCheck) {
	defer hm.wg.Done()
	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()

	logger.Debug("Health: monitoring started", "check", check.Name, "interval", check.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.performCheck(ctx, check)
		}
	}
}

// CheckNow runs every check once, concurrently, and returns the reports.
func (hm *HealthMonitor) CheckNow(ctx context.Context) []CheckReport {
	hm.mu.RLock()
	checks := hm.snapshotChecks()
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hm.performCheck(ctx, check)
		}()
	}
	wg.Wait()
	return hm.Reports()
}

func (hm *HealthMonitor) performCheck(ctx context.Context, check *HealthCheck) {
	err := hm.invoke(ctx, check)

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	previous := check.status
	first := check.checkCount == 1

	if err != nil {
		check.failCount++
		check.lastError = err
		failureRate := float64(check.failCount) / float64(check.checkCount)
		switch {
		case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			check.status = StatusUnreachable
		case failureRate >= 0.5:
			check.status = StatusUnhealthy
		default:
			check.status = StatusDegraded
		}
		logger.Warn("Health: check failed", "check", check.Name, "status", check.status,
			"failure_rate", failureRate, "error", err)
	} else {
		check.lastError = nil
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealth.WithLabelValues(check.Name).Set(current.gauge())

	if previous != current || first {
		if !first {
			logger.Info("Health: status changed", "check", check.Name, "from", previous, "to", current)
		}
		hm.notifyStatusChange(check.Name, current)
	}
	hm.updateOverallStatus()
}

func (hm *HealthMonitor) invoke(ctx context.Context, check *HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(ctx)
}

func (hm *HealthMonitor) notifyStatusChange(name string, status ComponentStatus) {
	hm.mu.RLock()
	callbacks := append([]func(string, ComponentStatus){}, hm.statusCallbacks...)
	hm.mu.RUnlock()

	for _, callback := range callbacks {
		go callback(name, status)
	}
}

func (hm *HealthMonitor) updateOverallStatus() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	var criticalDown, anyDegraded bool
	for _, check := range hm.checks {
		check.mu.RLock()
		status := check.status
		critical := check.Critical
		check.mu.RUnlock()

		switch status {
		case StatusUnhealthy, StatusUnreachable:
			if critical {
				criticalDown = true
			} else {
				anyDegraded = true
			}
		case StatusDegraded:
			anyDegraded = true
		}
	}

	previous := hm.overallStatus
	switch {
	case criticalDown:
		hm.overallStatus = StatusUnhealthy
	case anyDegraded:
		hm.overallStatus = StatusDegraded
	default:
		hm.overallStatus = StatusHealthy
	}
	if previous != hm.overallStatus {
		logger.Info("Health: overall status changed", "from", previous, "to", hm.overallStatus)
	}
}

func (hm *HealthMonitor) GetOverallStatus() ComponentStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.overallStatus
}

func (hm *HealthMonitor) GetCheckStatus(name string) (ComponentStatus, bool) {
	hm.mu.RLock()
	check, exists := hm.checks[name]
	hm.mu.RUnlock()
	if !exists {
		return StatusUnreachable, false
	}

	check.mu.RLock()
	defer check.mu.RUnlock()
	return check.status, true
}

// Reports returns the last known state of every check, sorted by name.
func (hm *HealthMonitor) Reports() []CheckReport {
	hm.mu.RLock()
	checks := hm.snapshotChecks()
	hm.mu.RUnlock()

	out := make([]CheckReport, 0, len(checks))
	for _, c := range checks {
		c.mu.RLock()
		r := CheckReport{
			Name:       c.Name,
			Status:     c.status,
			Critical:   c.Critical,
			LastCheck:  c.lastCheck,
			CheckCount: c.checkCount,
			FailCount:  c.failCount,
		}
		if c.lastError != nil {
			r.LastError = c.lastError.Error()
		}
		c.mu.RUnlock()
		out = append(out, r)
	}
	return out
}

// BreakerStatus maps a circuit breaker onto a component status.
func BreakerStatus(cb *circuitbreaker.CircuitBreaker) ComponentStatus {
	switch cb.State() {
	case circuitbreaker.StateClosed:
		counts := cb.Counts()
		if counts.Requests > 0 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.2 {
			return StatusDegraded
		}
		return StatusHealthy
	case circuitbreaker.StateHalfOpen:
		return StatusDegraded
	case circuitbreaker.StateOpen:
		return StatusUnhealthy
	default:
		return StatusUnreachable
	}
}
