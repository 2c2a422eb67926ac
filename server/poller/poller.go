// Package poller triggers ingestion for every account on a fixed interval.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/freightdesk/mailingest/accounts"
	"github.com/freightdesk/mailingest/config"
	"github.com/freightdesk/mailingest/logger"
	"github.com/freightdesk/mailingest/models"
	"github.com/freightdesk/mailingest/service"
)

// Fetcher runs an ingestion for the selected accounts.
type Fetcher interface {
	Fetch(ctx context.Context, principal string, req service.FetchRequest) (*models.FetchSummary, error)
}

const minAllowedInterval = 10 * time.Second

type Worker struct {
	fetcher  Fetcher
	interval time.Duration
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a worker. An interval below the minimum is raised to it.
func New(fetcher Fetcher, interval time.Duration, count int) *Worker {
	if interval < minAllowedInterval {
		logger.Warn("Poller: interval below minimum, using minimum", "configured", interval, "minimum", minAllowedInterval)
		interval = minAllowedInterval
	}
	return &Worker{
		fetcher:  fetcher,
		interval: interval,
		count:    count,
		stopCh:   make(chan struct{}),
	}
}

// FromConfig returns nil when polling is disabled.
func FromConfig(fetcher Fetcher, cfg config.IngestConfig) (*Worker, error) {
	interval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, nil
	}
	return New(fetcher, interval, cfg.PollCount), nil
}

// Start polls until ctx is done or Stop is called. The first run happens
// one interval after Start.
func (w *Worker) Start(ctx context.Context) {
	w.startWithTicker(ctx, time.NewTicker(w.interval))
}

func (w *Worker) startWithTicker(ctx context.Context, ticker *time.Ticker) {
	logger.Info("Poller: starting", "interval", w.interval, "count", w.count)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				logger.Info("Poller: stopped due to context cancellation")
				return
			case <-w.stopCh:
				logger.Info("Poller: stopped")
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the worker and waits for an in-progress poll to return.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// RunOnce fetches every account once.
func (w *Worker) RunOnce(ctx context.Context) *models.FetchSummary {
	summary, err := w.fetcher.Fetch(ctx, accounts.SystemPrincipal, service.FetchRequest{
		Account: "all",
		Count:   w.count,
	})
	if err != nil {
		logger.Error("Poller: fetch failed", "error", err)
		return nil
	}
	if summary.TotalSaved > 0 || summary.TotalFailed > 0 {
		logger.Info("Poller: poll complete", "saved", summary.TotalSaved,
			"duplicates", summary.TotalDuplicates, "failed", summary.TotalFailed, "elapsed_ms", summary.ElapsedMs)
	} else {
		logger.Debug("Poller: nothing new", "elapsed_ms", summary.ElapsedMs)
	}
	return summary
}
